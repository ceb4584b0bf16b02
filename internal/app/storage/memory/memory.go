package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdant-network/carbon-registry/internal/app/domain/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/domain/journal"
	"github.com/verdant-network/carbon-registry/internal/app/domain/market"
	"github.com/verdant-network/carbon-registry/internal/app/domain/staking"
	"github.com/verdant-network/carbon-registry/internal/app/domain/validator"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu             sync.RWMutex
	nextListingID  uint64
	listings       map[uint64]market.Listing
	positions      map[string]staking.Position
	positionOrder  []string
	commitments    map[string]issuance.Commitment
	projectIssued  map[string]int64
	validators     map[string]validator.Validator
	validatorOrder []string
	entries        []journal.Entry
}

var _ storage.MarketStore = (*Store)(nil)
var _ storage.StakingStore = (*Store)(nil)
var _ storage.IssuanceStore = (*Store)(nil)
var _ storage.ValidatorStore = (*Store)(nil)
var _ storage.JournalStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextListingID: 1,
		listings:      make(map[uint64]market.Listing),
		positions:     make(map[string]staking.Position),
		commitments:   make(map[string]issuance.Commitment),
		projectIssued: make(map[string]int64),
		validators:    make(map[string]validator.Validator),
	}
}

// MarketStore implementation -------------------------------------------------

func (s *Store) CreateListing(_ context.Context, l market.Listing) (market.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.ID = s.nextListingID
	s.nextListingID++
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	s.listings[l.ID] = l
	return l, nil
}

func (s *Store) UpdateListing(_ context.Context, l market.Listing) (market.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; !ok {
		return market.Listing{}, fmt.Errorf("listing %d: %w", l.ID, storage.ErrNotFound)
	}
	s.listings[l.ID] = l
	return l, nil
}

func (s *Store) GetListing(_ context.Context, id uint64) (market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return market.Listing{}, fmt.Errorf("listing %d: %w", id, storage.ErrNotFound)
	}
	return l, nil
}

func (s *Store) ListListings(_ context.Context, activeOnly bool) ([]market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]market.Listing, 0, len(s.listings))
	for id := uint64(1); id < s.nextListingID; id++ {
		l, ok := s.listings[id]
		if !ok {
			continue
		}
		if activeOnly && !l.Active {
			continue
		}
		result = append(result, l)
	}
	return result, nil
}

func (s *Store) CountListings(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextListingID - 1, nil
}

// StakingStore implementation -------------------------------------------------

func (s *Store) GetPosition(_ context.Context, participant string) (staking.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[participant]
	if !ok {
		return staking.Position{}, fmt.Errorf("position %s: %w", participant, storage.ErrNotFound)
	}
	return pos, nil
}

func (s *Store) UpsertPosition(_ context.Context, pos staking.Position) (staking.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.Participant == "" {
		return staking.Position{}, fmt.Errorf("participant is required")
	}
	if _, ok := s.positions[pos.Participant]; !ok {
		s.positionOrder = append(s.positionOrder, pos.Participant)
	}
	s.positions[pos.Participant] = pos
	return pos, nil
}

func (s *Store) ListPositions(_ context.Context) ([]staking.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]staking.Position, 0, len(s.positionOrder))
	for _, participant := range s.positionOrder {
		result = append(result, s.positions[participant])
	}
	return result, nil
}

// IssuanceStore implementation ------------------------------------------------

func (s *Store) PutCommitment(_ context.Context, c issuance.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Hash == "" {
		return fmt.Errorf("commitment hash is required")
	}
	if _, exists := s.commitments[c.Hash]; exists {
		return fmt.Errorf("commitment %s: %w", c.Hash, storage.ErrCommitmentExists)
	}
	if c.MintedAt.IsZero() {
		c.MintedAt = time.Now().UTC()
	}
	s.commitments[c.Hash] = c
	return nil
}

func (s *Store) GetCommitment(_ context.Context, hash string) (issuance.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commitments[hash]
	if !ok {
		return issuance.Commitment{}, fmt.Errorf("commitment %s: %w", hash, storage.ErrNotFound)
	}
	return c, nil
}

func (s *Store) AddProjectIssued(_ context.Context, projectID string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < 0 {
		return 0, fmt.Errorf("issuance total cannot decrease")
	}
	s.projectIssued[projectID] += amount
	return s.projectIssued[projectID], nil
}

func (s *Store) ProjectIssued(_ context.Context, projectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectIssued[projectID], nil
}

// ValidatorStore implementation ------------------------------------------------

func (s *Store) CreateValidator(_ context.Context, v validator.Validator) (validator.Validator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		return validator.Validator{}, fmt.Errorf("validator id is required")
	}
	if _, exists := s.validators[v.ID]; exists {
		return validator.Validator{}, fmt.Errorf("validator %s already exists", v.ID)
	}
	if v.StakedAt.IsZero() {
		v.StakedAt = time.Now().UTC()
	}
	s.validators[v.ID] = v
	s.validatorOrder = append(s.validatorOrder, v.ID)
	return v, nil
}

func (s *Store) UpdateValidator(_ context.Context, v validator.Validator) (validator.Validator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.validators[v.ID]; !ok {
		return validator.Validator{}, fmt.Errorf("validator %s: %w", v.ID, storage.ErrNotFound)
	}
	s.validators[v.ID] = v
	return v, nil
}

func (s *Store) GetValidator(_ context.Context, id string) (validator.Validator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.validators[id]
	if !ok {
		return validator.Validator{}, fmt.Errorf("validator %s: %w", id, storage.ErrNotFound)
	}
	return v, nil
}

func (s *Store) ListValidators(_ context.Context) ([]validator.Validator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]validator.Validator, 0, len(s.validatorOrder))
	for _, id := range s.validatorOrder {
		result = append(result, s.validators[id])
	}
	return result, nil
}

// JournalStore implementation --------------------------------------------------

func (s *Store) AppendEntry(_ context.Context, e journal.Entry) (journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *Store) ListEntries(_ context.Context, party string, limit int) ([]journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]journal.Entry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if party != "" && e.From != party && e.To != party {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
