// Package validator implements the stake-gated validator registry and its
// proof-reward ledger. Registration bonds exactly MinStake into custody;
// authorized submitters attribute verified proofs, which accrue a flat
// per-proof reward claimable from the reward treasury.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/verdant-network/carbon-registry/internal/app/domain/journal"
	"github.com/verdant-network/carbon-registry/internal/app/domain/validator"
	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/metrics"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
	"github.com/verdant-network/carbon-registry/pkg/logger"
)

var (
	ErrAlreadyRegistered  = errors.New("validator: already registered")
	ErrNoActiveValidator  = errors.New("validator: no active validator")
	ErrValidatorNotActive = errors.New("validator: not active")
	ErrRewardOutstanding  = errors.New("validator: unclaimed rewards outstanding")
	ErrNoRewardsToClaim   = errors.New("validator: no rewards to claim")
	ErrNotAuthorized      = errors.New("validator: caller not authorized")
	ErrNotOwner           = errors.New("validator: caller is not the owner")
)

// Config carries the registry configuration.
type Config struct {
	Owner          string
	BondAccount    string
	RewardTreasury string
	MinStake       int64
	RewardPerProof int64
	Submitters     []string
}

// Service is the validator registry. Entry points are serialized by one
// mutex; the global bonded total always equals the sum of active validators'
// stakes.
type Service struct {
	credits ledger.Ledger
	store   storage.ValidatorStore
	journal storage.JournalStore
	evts    events.Log
	log     *logger.Logger

	mu             sync.Mutex
	owner          string
	bondAccount    string
	rewardTreasury string
	minStake       int64
	rewardPerProof int64
	submitters     map[string]struct{}
	totalBonded    int64
	now            func() time.Time
}

// New constructs the validator registry. The bonded total is rebuilt from
// the store so restarts preserve the invariant.
func New(ctx context.Context, credits ledger.Ledger, store storage.ValidatorStore, jnl storage.JournalStore, cfg Config, evts events.Log, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("validator")
	}
	if evts == nil {
		evts = events.NoOpLog{}
	}
	if cfg.BondAccount == "" {
		return nil, fmt.Errorf("bond account is required")
	}
	if cfg.RewardTreasury == "" {
		return nil, fmt.Errorf("reward treasury is required")
	}
	if cfg.MinStake <= 0 {
		return nil, fmt.Errorf("minimum stake must be positive")
	}
	if cfg.RewardPerProof < 0 {
		return nil, fmt.Errorf("reward per proof cannot be negative")
	}

	submitters := make(map[string]struct{}, len(cfg.Submitters))
	for _, sub := range cfg.Submitters {
		if sub != "" {
			submitters[sub] = struct{}{}
		}
	}

	s := &Service{
		credits:        credits,
		store:          store,
		journal:        jnl,
		evts:           evts,
		log:            log,
		owner:          cfg.Owner,
		bondAccount:    cfg.BondAccount,
		rewardTreasury: cfg.RewardTreasury,
		minStake:       cfg.MinStake,
		rewardPerProof: cfg.RewardPerProof,
		submitters:     submitters,
		now:            func() time.Time { return time.Now().UTC() },
	}

	validators, err := store.ListValidators(ctx)
	if err != nil {
		return nil, fmt.Errorf("load validators: %w", err)
	}
	for _, v := range validators {
		if v.Active {
			s.totalBonded += v.Staked
		}
	}
	metrics.SetBondedStake(s.totalBonded)
	return s, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register bonds exactly the minimum stake and activates the validator. A
// previously unregistered record is reactivated rather than recreated, so
// registration order and lifetime verified counts survive churn.
func (s *Service) Register(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("validator id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetValidator(ctx, id)
	switch {
	case err == nil && existing.Active:
		return fmt.Errorf("validator %s: %w", id, ErrAlreadyRegistered)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return err
	}

	bond := s.minStake
	if err := s.credits.Transfer(ctx, id, s.bondAccount, bond); err != nil {
		return fmt.Errorf("bond transfer: %w", err)
	}

	now := s.now()
	if errors.Is(err, storage.ErrNotFound) {
		v := validator.Validator{ID: id, Staked: bond, StakedAt: now, Active: true}
		if _, err := s.store.CreateValidator(ctx, v); err != nil {
			s.reverse(ctx, s.bondAccount, id, bond)
			return err
		}
	} else {
		existing.Staked = bond
		existing.StakedAt = now
		existing.Active = true
		if _, err := s.store.UpdateValidator(ctx, existing); err != nil {
			s.reverse(ctx, s.bondAccount, id, bond)
			return err
		}
	}
	s.totalBonded += bond

	s.appendJournal(ctx, journal.KindValidatorBond, id, s.bondAccount, bond, "")
	s.evts.Publish(events.Event{Type: events.ValidatorRegistered, Subject: id, Amount: bond})
	metrics.SetBondedStake(s.totalBonded)

	s.log.WithField("validator", id).WithField("stake", bond).Info("validator registered")
	return nil
}

// IncreaseStake bonds additional stake for an active validator.
func (s *Service) IncreaseStake(ctx context.Context, id string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.activeLocked(ctx, id)
	if err != nil {
		return err
	}
	if v.Staked > math.MaxInt64-amount {
		return fmt.Errorf("stake overflows")
	}

	if err := s.credits.Transfer(ctx, id, s.bondAccount, amount); err != nil {
		return fmt.Errorf("bond transfer: %w", err)
	}

	v.Staked += amount
	if _, err := s.store.UpdateValidator(ctx, v); err != nil {
		s.reverse(ctx, s.bondAccount, id, amount)
		return err
	}
	s.totalBonded += amount

	s.appendJournal(ctx, journal.KindValidatorBond, id, s.bondAccount, amount, "")
	metrics.SetBondedStake(s.totalBonded)

	s.log.WithField("validator", id).WithField("amount", amount).Info("stake increased")
	return nil
}

// Unregister returns the full bonded stake and deactivates the validator.
// Pending rewards must be claimed first so no value is stranded.
func (s *Service) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.activeLocked(ctx, id)
	if err != nil {
		return err
	}
	if v.PendingReward != 0 {
		return fmt.Errorf("pending reward %d: %w", v.PendingReward, ErrRewardOutstanding)
	}

	stake := v.Staked
	if err := s.credits.Transfer(ctx, s.bondAccount, id, stake); err != nil {
		return fmt.Errorf("unbond transfer: %w", err)
	}

	v.Staked = 0
	v.Active = false
	if _, err := s.store.UpdateValidator(ctx, v); err != nil {
		s.reverse(ctx, id, s.bondAccount, stake)
		return err
	}
	s.totalBonded -= stake

	s.appendJournal(ctx, journal.KindValidatorUnbond, s.bondAccount, id, stake, "")
	s.evts.Publish(events.Event{Type: events.ValidatorUnregistered, Subject: id, Amount: stake})
	metrics.SetBondedStake(s.totalBonded)

	s.log.WithField("validator", id).WithField("stake", stake).Info("validator unregistered")
	return nil
}

// SubmitProof attributes one verified proof to an active validator.
func (s *Service) SubmitProof(ctx context.Context, submitter, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorizedLocked(submitter) {
		return ErrNotAuthorized
	}
	return s.submitProofLocked(ctx, id)
}

// RetractProof reverses one proof attribution. Submitters call it when the
// operation the submission belonged to failed to settle, so the validator
// keeps no reward or count for work that produced nothing.
func (s *Service) RetractProof(ctx context.Context, submitter, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorizedLocked(submitter) {
		return ErrNotAuthorized
	}
	v, err := s.activeLocked(ctx, id)
	if err != nil {
		return err
	}

	if v.VerifiedCount > 0 {
		v.VerifiedCount--
	}
	v.PendingReward -= s.rewardPerProof
	if v.PendingReward < 0 {
		v.PendingReward = 0
	}
	if _, err := s.store.UpdateValidator(ctx, v); err != nil {
		return err
	}

	s.log.WithField("validator", id).Info("proof attribution retracted")
	return nil
}

// BatchSubmitProof attributes proofs for several validators. Empty and
// inactive entries are skipped silently; the returned count is the number of
// attributions that landed.
func (s *Service) BatchSubmitProof(ctx context.Context, submitter string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorizedLocked(submitter) {
		return 0, ErrNotAuthorized
	}

	submitted := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := s.submitProofLocked(ctx, id); err != nil {
			if errors.Is(err, ErrValidatorNotActive) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// ClaimReward pays the validator's pending reward from the reward treasury.
func (s *Service) ClaimReward(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetValidator(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ErrNoActiveValidator
		}
		return 0, err
	}
	if !v.Active {
		return 0, ErrNoActiveValidator
	}
	if v.PendingReward == 0 {
		return 0, ErrNoRewardsToClaim
	}

	reward := v.PendingReward
	if err := s.credits.Transfer(ctx, s.rewardTreasury, id, reward); err != nil {
		return 0, fmt.Errorf("reward transfer: %w", err)
	}

	v.PendingReward = 0
	if _, err := s.store.UpdateValidator(ctx, v); err != nil {
		s.reverse(ctx, id, s.rewardTreasury, reward)
		return 0, err
	}

	s.appendJournal(ctx, journal.KindValidatorReward, s.rewardTreasury, id, reward, "")
	s.evts.Publish(events.Event{Type: events.RewardClaimed, Subject: id, Amount: reward})

	s.log.WithField("validator", id).WithField("reward", reward).Info("reward claimed")
	return reward, nil
}

// GetValidator returns the stored record for a validator.
func (s *Service) GetValidator(ctx context.Context, id string) (validator.Validator, error) {
	return s.store.GetValidator(ctx, id)
}

// ActiveValidators returns active validators in registration order.
func (s *Service) ActiveValidators(ctx context.Context) ([]validator.Validator, error) {
	all, err := s.store.ListValidators(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]validator.Validator, 0, len(all))
	for _, v := range all {
		if v.Active {
			active = append(active, v)
		}
	}
	return active, nil
}

// TotalBonded returns the sum of active validators' stakes.
func (s *Service) TotalBonded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBonded
}

// SetRewardPerProof updates the flat per-proof reward. Owner only.
func (s *Service) SetRewardPerProof(caller string, reward int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrNotOwner
	}
	if reward < 0 {
		return fmt.Errorf("reward per proof cannot be negative")
	}
	s.rewardPerProof = reward
	s.log.WithField("reward_per_proof", reward).Info("proof reward updated")
	return nil
}

// SetSubmitter grants or revokes proof-submission authority. Owner only.
func (s *Service) SetSubmitter(caller, submitter string, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrNotOwner
	}
	if submitter == "" {
		return fmt.Errorf("submitter cannot be empty")
	}
	if allowed {
		s.submitters[submitter] = struct{}{}
	} else {
		delete(s.submitters, submitter)
	}
	return nil
}

func (s *Service) submitProofLocked(ctx context.Context, id string) error {
	v, err := s.activeLocked(ctx, id)
	if err != nil {
		return err
	}

	v.PendingReward += s.rewardPerProof
	v.VerifiedCount++
	if _, err := s.store.UpdateValidator(ctx, v); err != nil {
		return err
	}

	s.evts.Publish(events.Event{Type: events.ProofSubmitted, Subject: id, Amount: s.rewardPerProof})
	metrics.RecordProofSubmitted()
	return nil
}

func (s *Service) activeLocked(ctx context.Context, id string) (validator.Validator, error) {
	v, err := s.store.GetValidator(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return validator.Validator{}, fmt.Errorf("validator %s: %w", id, ErrValidatorNotActive)
		}
		return validator.Validator{}, err
	}
	if !v.Active {
		return validator.Validator{}, fmt.Errorf("validator %s: %w", id, ErrValidatorNotActive)
	}
	return v, nil
}

func (s *Service) authorizedLocked(submitter string) bool {
	if submitter == "" {
		return false
	}
	if submitter == s.owner {
		return true
	}
	_, ok := s.submitters[submitter]
	return ok
}

func (s *Service) reverse(ctx context.Context, from, to string, amount int64) {
	if err := s.credits.Transfer(ctx, from, to, amount); err != nil {
		s.log.WithError(err).
			WithField("from", from).
			WithField("to", to).
			Error("compensating transfer failed")
	}
}

func (s *Service) appendJournal(ctx context.Context, kind journal.Kind, from, to string, amount int64, ref string) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.AppendEntry(ctx, journal.Entry{
		Kind:      kind,
		From:      from,
		To:        to,
		Amount:    amount,
		Reference: ref,
	}); err != nil {
		s.log.WithError(err).Warn("journal append failed")
	}
}
