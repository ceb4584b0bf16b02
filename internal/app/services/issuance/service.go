// Package issuance implements the commitment-gated issuance engine. A mint
// is admitted only when its proof verifies and its commitment has never been
// consumed; consumed commitments are recorded write-once, forever, which is
// the double-mint prevention invariant.
package issuance

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/verdant-network/carbon-registry/internal/app/domain/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/domain/journal"
	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/metrics"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
	"github.com/verdant-network/carbon-registry/pkg/logger"
)

// MinPublicInputs is the smallest public-input vector a valid proof carries.
const MinPublicInputs = 5

var (
	ErrCommitmentUsed     = errors.New("issuance: commitment already used")
	ErrMalformedInputs    = errors.New("issuance: malformed public inputs")
	ErrInvalidProof       = errors.New("issuance: proof verification failed")
	ErrCommitmentMismatch = errors.New("issuance: proof not bound to commitment")
	ErrLengthMismatch     = errors.New("issuance: batch input lengths differ")
	ErrNotOwner           = errors.New("issuance: caller is not the owner")
)

// ProofVerifier is the external verification oracle. It is pure and
// deterministic; the engine only consumes its boolean verdict.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, proof []byte, publicInputs []string) (bool, error)
}

// VerifierFunc adapts a function to ProofVerifier.
type VerifierFunc func(ctx context.Context, proof []byte, publicInputs []string) (bool, error)

func (f VerifierFunc) VerifyProof(ctx context.Context, proof []byte, publicInputs []string) (bool, error) {
	return f(ctx, proof, publicInputs)
}

// RewardSubmitter receives proof-verification attributions after a mint
// settles. RetractProof compensates an attribution whose mint failed to
// settle afterwards. A nil submitter disables attribution.
type RewardSubmitter interface {
	SubmitProof(ctx context.Context, validator string) error
	RetractProof(ctx context.Context, validator string) error
}

// Config carries the issuance configuration.
type Config struct {
	Owner string
}

// Service is the issuance engine. Entry points are serialized by one mutex
// so a commitment can never be consumed twice by interleaved calls.
type Service struct {
	credits ledger.IssuingLedger
	store   storage.IssuanceStore
	journal storage.JournalStore
	evts    events.Log
	log     *logger.Logger

	mu       sync.Mutex
	owner    string
	verifier ProofVerifier
	rewards  RewardSubmitter
	now      func() time.Time
}

// New constructs the issuance engine.
func New(credits ledger.IssuingLedger, store storage.IssuanceStore, jnl storage.JournalStore, verifier ProofVerifier, cfg Config, evts events.Log, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("issuance")
	}
	if evts == nil {
		evts = events.NoOpLog{}
	}
	if verifier == nil {
		return nil, fmt.Errorf("proof verifier is required")
	}
	return &Service{
		credits:  credits,
		store:    store,
		journal:  jnl,
		evts:     evts,
		log:      log,
		owner:    cfg.Owner,
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// AttachRewardSubmitter wires the validator reward ledger. Call before the
// engine starts serving requests.
func (s *Service) AttachRewardSubmitter(rewards RewardSubmitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards = rewards
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Mint validates and settles one issuance request. Ordering: commitment
// check, input arity, proof verification, commitment binding, credit
// issuance, reward attribution, then the write-once commitment record and
// project total. A reward attribution failure reverts the whole mint: the
// just-issued credits are burned and no commitment state is committed.
func (s *Service) Mint(ctx context.Context, req issuance.MintRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.mintLocked(ctx, req)
	metrics.RecordMint(req.Amount, err)
	return err
}

// MintBatch settles several requests. All slices must have equal length;
// every entry is validated, including intra-batch duplicate commitments,
// before any state changes, so an invalid proof anywhere aborts the whole
// batch with no effect.
func (s *Service) MintBatch(ctx context.Context, tos []string, amounts []int64, proofs [][]byte, publicInputs [][]string, commitments, projectIDs, validators []string) error {
	n := len(tos)
	if len(amounts) != n || len(proofs) != n || len(publicInputs) != n ||
		len(commitments) != n || len(projectIDs) != n || len(validators) != n {
		return ErrLengthMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reqs := make([]issuance.MintRequest, n)
	keys := make([]string, n)
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		reqs[i] = issuance.MintRequest{
			To:           tos[i],
			Amount:       amounts[i],
			Proof:        proofs[i],
			PublicInputs: publicInputs[i],
			Commitment:   commitments[i],
			ProjectID:    projectIDs[i],
			Validator:    validators[i],
		}
		key, err := s.validateLocked(ctx, reqs[i])
		if err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("batch entry %d: %w", i, ErrCommitmentUsed)
		}
		seen[key] = struct{}{}
		keys[i] = key
	}

	for i, req := range reqs {
		if err := s.settleLocked(ctx, req, keys[i]); err != nil {
			metrics.RecordMint(req.Amount, err)
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
		metrics.RecordMint(req.Amount, nil)
	}
	return nil
}

func (s *Service) mintLocked(ctx context.Context, req issuance.MintRequest) error {
	key, err := s.validateLocked(ctx, req)
	if err != nil {
		return err
	}
	return s.settleLocked(ctx, req, key)
}

// validateLocked runs every check that precedes state mutation and returns
// the canonical commitment key the settlement must record.
func (s *Service) validateLocked(ctx context.Context, req issuance.MintRequest) (string, error) {
	if req.To == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if req.Amount <= 0 {
		return "", fmt.Errorf("amount must be positive")
	}
	if req.Commitment == "" {
		return "", fmt.Errorf("commitment is required")
	}

	key, err := canonicalCommitment(req.Commitment)
	if err != nil {
		return "", fmt.Errorf("%w: commitment: %v", ErrCommitmentMismatch, err)
	}

	used, err := s.keyUsedLocked(ctx, key)
	if err != nil {
		return "", err
	}
	if used {
		return "", fmt.Errorf("commitment %s: %w", req.Commitment, ErrCommitmentUsed)
	}

	if len(req.PublicInputs) < MinPublicInputs {
		return "", fmt.Errorf("%d public inputs: %w", len(req.PublicInputs), ErrMalformedInputs)
	}

	ok, err := s.verifier.VerifyProof(ctx, req.Proof, req.PublicInputs)
	if err != nil {
		return "", fmt.Errorf("verify proof: %w", err)
	}
	if !ok {
		return "", ErrInvalidProof
	}

	bound, err := commitmentMatches(req.PublicInputs[0], req.Commitment)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCommitmentMismatch, err)
	}
	if !bound {
		return "", ErrCommitmentMismatch
	}
	return key, nil
}

// settleLocked performs the mutating tail of a validated mint. key is the
// canonical commitment returned by validateLocked.
func (s *Service) settleLocked(ctx context.Context, req issuance.MintRequest, key string) error {
	if err := s.credits.Mint(ctx, req.To, req.Amount); err != nil {
		return fmt.Errorf("issue credits: %w", err)
	}

	rewarded := false
	if s.rewards != nil && req.Validator != "" {
		if err := s.rewards.SubmitProof(ctx, req.Validator); err != nil {
			if berr := s.credits.Burn(ctx, req.To, req.Amount); berr != nil {
				s.log.WithError(berr).WithField("to", req.To).Error("mint reversal failed")
			}
			return fmt.Errorf("reward submission: %w", err)
		}
		rewarded = true
	}

	c := issuance.Commitment{
		Hash:      key,
		Validator: req.Validator,
		MintedAt:  s.now(),
	}
	if err := s.store.PutCommitment(ctx, c); err != nil {
		if berr := s.credits.Burn(ctx, req.To, req.Amount); berr != nil {
			s.log.WithError(berr).WithField("to", req.To).Error("mint reversal failed")
		}
		if rewarded {
			if rerr := s.rewards.RetractProof(ctx, req.Validator); rerr != nil {
				s.log.WithError(rerr).WithField("validator", req.Validator).Error("reward retraction failed")
			}
		}
		return err
	}
	if _, err := s.store.AddProjectIssued(ctx, req.ProjectID, req.Amount); err != nil {
		// The commitment record is write-once and cannot be withdrawn;
		// surface the inconsistency rather than hide it.
		s.log.WithError(err).WithField("project_id", req.ProjectID).Error("project total update failed after commitment was recorded")
		return err
	}

	s.appendJournal(ctx, journal.KindIssuance, "", req.To, req.Amount, c.Hash)
	s.evts.Publish(events.Event{
		Type:    events.Minted,
		Subject: c.Hash,
		Amount:  req.Amount,
		Metadata: map[string]string{
			"to":         req.To,
			"project_id": req.ProjectID,
			"validator":  req.Validator,
		},
	})

	s.log.WithField("commitment", c.Hash).
		WithField("to", req.To).
		WithField("amount", req.Amount).
		WithField("project_id", req.ProjectID).
		Info("credits minted")
	return nil
}

// CommitmentUsed reports whether a commitment has been consumed.
func (s *Service) CommitmentUsed(ctx context.Context, commitment string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitmentUsedLocked(ctx, commitment)
}

// ValidatorOf returns the validator recorded against a consumed commitment.
func (s *Service) ValidatorOf(ctx context.Context, commitment string) (string, error) {
	key, err := canonicalCommitment(commitment)
	if err != nil {
		return "", fmt.Errorf("%w: commitment: %v", ErrCommitmentMismatch, err)
	}
	c, err := s.store.GetCommitment(ctx, key)
	if err != nil {
		return "", err
	}
	return c.Validator, nil
}

// ProjectIssued returns a project's cumulative issued amount.
func (s *Service) ProjectIssued(ctx context.Context, projectID string) (int64, error) {
	return s.store.ProjectIssued(ctx, projectID)
}

// SetVerifier swaps the proof verifier. Owner only.
func (s *Service) SetVerifier(caller string, verifier ProofVerifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrNotOwner
	}
	if verifier == nil {
		return fmt.Errorf("verifier cannot be nil")
	}
	s.verifier = verifier
	s.log.Info("proof verifier updated")
	return nil
}

func (s *Service) commitmentUsedLocked(ctx context.Context, commitment string) (bool, error) {
	key, err := canonicalCommitment(commitment)
	if err != nil {
		return false, fmt.Errorf("%w: commitment: %v", ErrCommitmentMismatch, err)
	}
	return s.keyUsedLocked(ctx, key)
}

func (s *Service) keyUsedLocked(ctx context.Context, key string) (bool, error) {
	_, err := s.store.GetCommitment(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
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

// canonicalCommitment parses a commitment (0x-hex or decimal) and re-encodes
// it as fixed-width big-endian hex, so every textual form of one numeric
// value maps to the same write-once key.
func canonicalCommitment(commitment string) (string, error) {
	v, err := parseNumeric(commitment)
	if err != nil {
		return "", err
	}
	b := v.Bytes32()
	return "0x" + hex.EncodeToString(b[:]), nil
}

// commitmentMatches reports whether the proof's first public input equals
// the numeric value of the commitment. Both may be decimal or 0x-hex.
func commitmentMatches(publicInput, commitment string) (bool, error) {
	c, err := parseNumeric(commitment)
	if err != nil {
		return false, fmt.Errorf("commitment: %w", err)
	}
	p, err := parseNumeric(publicInput)
	if err != nil {
		return false, fmt.Errorf("public input: %w", err)
	}
	return c.Eq(p), nil
}

// parseNumeric accepts decimal or 0x-hex. Leading zero hex digits are
// stripped before parsing; uint256.FromHex rejects them, but real 32-byte
// hashes start with a zero nibble one time in sixteen.
func parseNumeric(value string) (*uint256.Int, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if strings.HasPrefix(value, "0x") {
		digits := strings.TrimLeft(value[2:], "0")
		if digits == "" {
			digits = "0"
		}
		return uint256.FromHex("0x" + digits)
	}
	return uint256.FromDecimal(value)
}
