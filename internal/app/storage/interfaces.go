package storage

import (
	"context"
	"errors"

	"github.com/verdant-network/carbon-registry/internal/app/domain/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/domain/journal"
	"github.com/verdant-network/carbon-registry/internal/app/domain/market"
	"github.com/verdant-network/carbon-registry/internal/app/domain/staking"
	"github.com/verdant-network/carbon-registry/internal/app/domain/validator"
)

// ErrNotFound is wrapped by all stores when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCommitmentExists is wrapped when a commitment hash is written twice.
// Commitment records are write-once and can never be updated or deleted.
var ErrCommitmentExists = errors.New("storage: commitment already recorded")

// MarketStore persists the append-only listing log.
type MarketStore interface {
	// CreateListing assigns the next monotonically increasing id (>= 1).
	CreateListing(ctx context.Context, l market.Listing) (market.Listing, error)
	// UpdateListing persists a mutation; in practice only the Active flag
	// ever changes.
	UpdateListing(ctx context.Context, l market.Listing) (market.Listing, error)
	GetListing(ctx context.Context, id uint64) (market.Listing, error)
	ListListings(ctx context.Context, activeOnly bool) ([]market.Listing, error)
	CountListings(ctx context.Context) (uint64, error)
}

// StakingStore persists stake positions. Positions are never deleted, even
// at zero principal.
type StakingStore interface {
	GetPosition(ctx context.Context, participant string) (staking.Position, error)
	UpsertPosition(ctx context.Context, pos staking.Position) (staking.Position, error)
	ListPositions(ctx context.Context) ([]staking.Position, error)
}

// IssuanceStore persists consumed commitments and per-project issuance
// totals.
type IssuanceStore interface {
	// PutCommitment records a consumed commitment. It fails with
	// ErrCommitmentExists when the hash was recorded before; there is no
	// update or delete path.
	PutCommitment(ctx context.Context, c issuance.Commitment) error
	GetCommitment(ctx context.Context, hash string) (issuance.Commitment, error)
	// AddProjectIssued adds amount to a project's cumulative total and
	// returns the new total. Totals are monotonically non-decreasing.
	AddProjectIssued(ctx context.Context, projectID string, amount int64) (int64, error)
	ProjectIssued(ctx context.Context, projectID string) (int64, error)
}

// ValidatorStore persists validator records in registration order.
type ValidatorStore interface {
	CreateValidator(ctx context.Context, v validator.Validator) (validator.Validator, error)
	UpdateValidator(ctx context.Context, v validator.Validator) (validator.Validator, error)
	GetValidator(ctx context.Context, id string) (validator.Validator, error)
	ListValidators(ctx context.Context) ([]validator.Validator, error)
}

// JournalStore persists the append-only journal of settled transfers.
type JournalStore interface {
	AppendEntry(ctx context.Context, e journal.Entry) (journal.Entry, error)
	// ListEntries returns entries touching the given party, newest first.
	// An empty party returns everything.
	ListEntries(ctx context.Context, party string, limit int) ([]journal.Entry, error)
}
