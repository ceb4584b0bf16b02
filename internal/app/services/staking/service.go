// Package staking implements the time-weighted staking yield ledger.
// Participants stake credits into pool custody; yield accrues lazily from
// principal, rate and elapsed time, and authorized submitters can inject
// external yield in batches. Both mechanisms feed the same pending-reward
// accumulator.
package staking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/verdant-network/carbon-registry/internal/app/domain/journal"
	"github.com/verdant-network/carbon-registry/internal/app/domain/staking"
	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/metrics"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
	"github.com/verdant-network/carbon-registry/pkg/logger"
)

var (
	ErrInsufficientPrincipal = errors.New("staking: amount exceeds principal")
	ErrNothingToClaim        = errors.New("staking: nothing to claim")
	ErrLengthMismatch        = errors.New("staking: input lengths differ")
	ErrNotAuthorized         = errors.New("staking: caller not authorized")
	ErrNotOwner              = errors.New("staking: caller is not the owner")
)

// Config carries the staking configuration.
type Config struct {
	Owner          string
	PoolAccount    string
	YieldPerSecond int64 // 1e18 fixed-point rate per credit unit per second
	Distributors   []string
}

// Service is the staking yield ledger. State-mutating entry points are
// serialized by one mutex; ledger transfers happen inside the critical
// section so no caller observes a half-applied movement.
type Service struct {
	credits ledger.Ledger
	store   storage.StakingStore
	journal storage.JournalStore
	evts    events.Log
	log     *logger.Logger

	mu             sync.Mutex
	owner          string
	poolAccount    string
	yieldPerSecond int64
	distributors   map[string]struct{}
	totalStaked    int64
	now            func() time.Time
}

// New constructs the staking engine. The global staked total is rebuilt from
// the store so restarts preserve the invariant that it equals the sum of all
// principals.
func New(ctx context.Context, credits ledger.Ledger, store storage.StakingStore, jnl storage.JournalStore, cfg Config, evts events.Log, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("staking")
	}
	if evts == nil {
		evts = events.NoOpLog{}
	}
	if cfg.PoolAccount == "" {
		return nil, fmt.Errorf("pool account is required")
	}
	if cfg.YieldPerSecond < 0 {
		return nil, fmt.Errorf("yield rate cannot be negative")
	}

	distributors := make(map[string]struct{}, len(cfg.Distributors))
	for _, d := range cfg.Distributors {
		if d != "" {
			distributors[d] = struct{}{}
		}
	}

	s := &Service{
		credits:        credits,
		store:          store,
		journal:        jnl,
		evts:           evts,
		log:            log,
		owner:          cfg.Owner,
		poolAccount:    cfg.PoolAccount,
		yieldPerSecond: cfg.YieldPerSecond,
		distributors:   distributors,
		now:            func() time.Time { return time.Now().UTC() },
	}

	positions, err := store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	for _, pos := range positions {
		s.totalStaked += pos.Principal
	}
	metrics.SetStakedCredits(s.totalStaked)
	return s, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Stake settles the participant's accrual at the pre-mutation principal, then
// moves amount into pool custody and raises the principal.
func (s *Service) Stake(ctx context.Context, participant string, amount int64) error {
	if participant == "" {
		return fmt.Errorf("participant is required")
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pos, err := s.settled(ctx, participant, now)
	if err != nil {
		return err
	}

	if err := s.credits.Transfer(ctx, participant, s.poolAccount, amount); err != nil {
		return fmt.Errorf("stake transfer: %w", err)
	}

	pos.Principal += amount
	if pos.StakedAt.IsZero() {
		pos.StakedAt = now
	}
	if _, err := s.store.UpsertPosition(ctx, pos); err != nil {
		s.reverse(ctx, s.poolAccount, participant, amount)
		return err
	}
	s.totalStaked += amount

	s.appendJournal(ctx, journal.KindStake, participant, s.poolAccount, amount, "")
	s.evts.Publish(events.Event{Type: events.Staked, Subject: participant, Amount: amount})
	metrics.SetStakedCredits(s.totalStaked)

	s.log.WithField("participant", participant).WithField("amount", amount).Info("staked")
	return nil
}

// Unstake settles accrual at the pre-mutation principal, lowers the
// principal and returns amount from pool custody.
func (s *Service) Unstake(ctx context.Context, participant string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pos, err := s.settled(ctx, participant, now)
	if err != nil {
		return err
	}
	if amount > pos.Principal {
		return fmt.Errorf("unstake %d of %d: %w", amount, pos.Principal, ErrInsufficientPrincipal)
	}

	if err := s.credits.Transfer(ctx, s.poolAccount, participant, amount); err != nil {
		return fmt.Errorf("unstake transfer: %w", err)
	}

	pos.Principal -= amount
	if _, err := s.store.UpsertPosition(ctx, pos); err != nil {
		s.reverse(ctx, participant, s.poolAccount, amount)
		return err
	}
	s.totalStaked -= amount

	s.appendJournal(ctx, journal.KindUnstake, s.poolAccount, participant, amount, "")
	s.evts.Publish(events.Event{Type: events.Unstaked, Subject: participant, Amount: amount})
	metrics.SetStakedCredits(s.totalStaked)

	s.log.WithField("participant", participant).WithField("amount", amount).Info("unstaked")
	return nil
}

// ClaimYield settles accrual and pays the pending reward out of pool
// custody.
func (s *Service) ClaimYield(ctx context.Context, participant string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pos, err := s.settled(ctx, participant, now)
	if err != nil {
		return 0, err
	}
	if pos.PendingReward == 0 {
		return 0, ErrNothingToClaim
	}

	reward := pos.PendingReward
	if err := s.credits.Transfer(ctx, s.poolAccount, participant, reward); err != nil {
		return 0, fmt.Errorf("claim transfer: %w", err)
	}

	pos.PendingReward = 0
	if _, err := s.store.UpsertPosition(ctx, pos); err != nil {
		s.reverse(ctx, participant, s.poolAccount, reward)
		return 0, err
	}

	s.appendJournal(ctx, journal.KindYieldClaim, s.poolAccount, participant, reward, "")
	s.evts.Publish(events.Event{Type: events.YieldClaimed, Subject: participant, Amount: reward})
	metrics.RecordYieldPaid(reward)

	s.log.WithField("participant", participant).WithField("reward", reward).Info("yield claimed")
	return reward, nil
}

// DistributeYield credits externally sourced yield to participants. The
// summed total is pulled from the submitter in one transfer; entries whose
// participant has zero principal are skipped silently.
func (s *Service) DistributeYield(ctx context.Context, submitter string, participants []string, amounts []int64) error {
	if len(participants) != len(amounts) {
		return ErrLengthMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorizedLocked(submitter) {
		return ErrNotAuthorized
	}

	type credit struct {
		pos    staking.Position
		amount int64
	}
	var (
		eligible []credit
		total    int64
	)
	for i, participant := range participants {
		amount := amounts[i]
		if amount <= 0 {
			return fmt.Errorf("entry %d: amount must be positive", i)
		}
		pos, err := s.store.GetPosition(ctx, participant)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if pos.Principal == 0 {
			continue
		}
		if total > math.MaxInt64-amount {
			return fmt.Errorf("distribution total overflows")
		}
		total += amount
		eligible = append(eligible, credit{pos: pos, amount: amount})
	}
	if total == 0 {
		return nil
	}

	if err := s.credits.Transfer(ctx, submitter, s.poolAccount, total); err != nil {
		return fmt.Errorf("pull distribution: %w", err)
	}

	for i, c := range eligible {
		c.pos.PendingReward += c.amount
		if _, err := s.store.UpsertPosition(ctx, c.pos); err != nil {
			// Roll back the credits applied so far and return the pull.
			for j := 0; j < i; j++ {
				prev := eligible[j]
				prev.pos.PendingReward -= prev.amount
				if _, uerr := s.store.UpsertPosition(ctx, prev.pos); uerr != nil {
					s.log.WithError(uerr).Error("distribution rollback failed")
				}
			}
			s.reverse(ctx, s.poolAccount, submitter, total)
			return err
		}
		eligible[i] = c
	}

	s.appendJournal(ctx, journal.KindYieldDistribute, submitter, s.poolAccount, total, "")
	s.evts.Publish(events.Event{
		Type:    events.YieldDistributed,
		Subject: submitter,
		Amount:  total,
	})

	s.log.WithField("submitter", submitter).
		WithField("total", total).
		WithField("recipients", len(eligible)).
		Info("yield distributed")
	return nil
}

// PendingOf is the pure projection of a participant's accrued reward at the
// current clock; no state is mutated.
func (s *Service) PendingOf(ctx context.Context, participant string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.store.GetPosition(ctx, participant)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	delta, err := Accrue(pos.Principal, s.yieldPerSecond, s.elapsed(pos, s.now()))
	if err != nil {
		return 0, err
	}
	return pos.PendingReward + delta, nil
}

// GetPosition returns the stored position for a participant.
func (s *Service) GetPosition(ctx context.Context, participant string) (staking.Position, error) {
	return s.store.GetPosition(ctx, participant)
}

// TotalStaked returns the global staked total.
func (s *Service) TotalStaked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalStaked
}

// SetYieldPerSecond updates the accrual rate. Owner only.
func (s *Service) SetYieldPerSecond(caller string, rate int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrNotOwner
	}
	if rate < 0 {
		return fmt.Errorf("yield rate cannot be negative")
	}
	s.yieldPerSecond = rate
	s.log.WithField("yield_per_second", rate).Info("yield rate updated")
	return nil
}

// SetDistributor grants or revokes distribution authority. Owner only.
func (s *Service) SetDistributor(caller, distributor string, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrNotOwner
	}
	if distributor == "" {
		return fmt.Errorf("distributor cannot be empty")
	}
	if allowed {
		s.distributors[distributor] = struct{}{}
	} else {
		delete(s.distributors, distributor)
	}
	return nil
}

// settled loads (or implicitly creates) the participant's position with
// accrual settled at the pre-mutation principal up to now.
func (s *Service) settled(ctx context.Context, participant string, now time.Time) (staking.Position, error) {
	pos, err := s.store.GetPosition(ctx, participant)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return staking.Position{}, err
		}
		pos = staking.Position{Participant: participant}
	}

	delta, err := Accrue(pos.Principal, s.yieldPerSecond, s.elapsed(pos, now))
	if err != nil {
		return staking.Position{}, err
	}
	pos.PendingReward += delta
	pos.LastSettledAt = now
	return pos, nil
}

func (s *Service) elapsed(pos staking.Position, now time.Time) int64 {
	if pos.LastSettledAt.IsZero() || now.Before(pos.LastSettledAt) {
		return 0
	}
	return int64(now.Sub(pos.LastSettledAt) / time.Second)
}

func (s *Service) authorizedLocked(submitter string) bool {
	if submitter == "" {
		return false
	}
	if submitter == s.owner {
		return true
	}
	_, ok := s.distributors[submitter]
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
