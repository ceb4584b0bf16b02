// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/verdant-network/carbon-registry/internal/app/domain/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/domain/journal"
	"github.com/verdant-network/carbon-registry/internal/app/domain/market"
	"github.com/verdant-network/carbon-registry/internal/app/domain/staking"
	"github.com/verdant-network/carbon-registry/internal/app/domain/validator"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
)

// Store implements every storage interface over one database handle.
type Store struct {
	db *sqlx.DB
}

var _ storage.MarketStore = (*Store)(nil)
var _ storage.StakingStore = (*Store)(nil)
var _ storage.IssuanceStore = (*Store)(nil)
var _ storage.ValidatorStore = (*Store)(nil)
var _ storage.JournalStore = (*Store)(nil)

// Open connects to PostgreSQL and ensures the schema exists.
func Open(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. The schema must already exist.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS registry_listings (
	id          BIGSERIAL PRIMARY KEY,
	seller      TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	unit_price  BIGINT NOT NULL,
	active      BOOLEAN NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS registry_positions (
	participant     TEXT PRIMARY KEY,
	principal       BIGINT NOT NULL,
	pending_reward  BIGINT NOT NULL,
	staked_at       TIMESTAMPTZ,
	last_settled_at TIMESTAMPTZ,
	seq             BIGSERIAL
);

CREATE TABLE IF NOT EXISTS registry_commitments (
	hash       TEXT PRIMARY KEY,
	validator  TEXT NOT NULL DEFAULT '',
	minted_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_project_totals (
	project_id TEXT PRIMARY KEY,
	issued     BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_validators (
	id              TEXT PRIMARY KEY,
	staked          BIGINT NOT NULL,
	pending_reward  BIGINT NOT NULL,
	verified_count  BIGINT NOT NULL,
	staked_at       TIMESTAMPTZ,
	active          BOOLEAN NOT NULL,
	seq             BIGSERIAL
);

CREATE TABLE IF NOT EXISTS registry_journal (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	from_party TEXT NOT NULL DEFAULT '',
	to_party   TEXT NOT NULL DEFAULT '',
	amount     BIGINT NOT NULL,
	reference  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	seq        BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_registry_listings_active ON registry_listings (active);
CREATE INDEX IF NOT EXISTS idx_registry_journal_parties ON registry_journal (from_party, to_party);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- MarketStore ------------------------------------------------------------

func (s *Store) CreateListing(ctx context.Context, l market.Listing) (market.Listing, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO registry_listings (seller, amount, unit_price, active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, l.Seller, l.Amount, l.UnitPrice, l.Active, l.CreatedAt, nullTime(l.ExpiresAt)).Scan(&l.ID)
	if err != nil {
		return market.Listing{}, err
	}
	return l, nil
}

func (s *Store) UpdateListing(ctx context.Context, l market.Listing) (market.Listing, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE registry_listings
		SET seller = $2, amount = $3, unit_price = $4, active = $5, expires_at = $6
		WHERE id = $1
	`, l.ID, l.Seller, l.Amount, l.UnitPrice, l.Active, nullTime(l.ExpiresAt))
	if err != nil {
		return market.Listing{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return market.Listing{}, fmt.Errorf("listing %d: %w", l.ID, storage.ErrNotFound)
	}
	return l, nil
}

func (s *Store) GetListing(ctx context.Context, id uint64) (market.Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seller, amount, unit_price, active, created_at, expires_at
		FROM registry_listings
		WHERE id = $1
	`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return market.Listing{}, fmt.Errorf("listing %d: %w", id, storage.ErrNotFound)
		}
		return market.Listing{}, err
	}
	return l, nil
}

func (s *Store) ListListings(ctx context.Context, activeOnly bool) ([]market.Listing, error) {
	query := `
		SELECT id, seller, amount, unit_price, active, created_at, expires_at
		FROM registry_listings
	`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []market.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *Store) CountListings(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM registry_listings`)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row rowScanner) (market.Listing, error) {
	var (
		l       market.Listing
		expires sql.NullTime
	)
	if err := row.Scan(&l.ID, &l.Seller, &l.Amount, &l.UnitPrice, &l.Active, &l.CreatedAt, &expires); err != nil {
		return market.Listing{}, err
	}
	if expires.Valid {
		l.ExpiresAt = expires.Time
	}
	return l, nil
}

// --- StakingStore -----------------------------------------------------------

func (s *Store) GetPosition(ctx context.Context, participant string) (staking.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT participant, principal, pending_reward, staked_at, last_settled_at
		FROM registry_positions
		WHERE participant = $1
	`, participant)

	var (
		pos     staking.Position
		staked  sql.NullTime
		settled sql.NullTime
	)
	if err := row.Scan(&pos.Participant, &pos.Principal, &pos.PendingReward, &staked, &settled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return staking.Position{}, fmt.Errorf("position %s: %w", participant, storage.ErrNotFound)
		}
		return staking.Position{}, err
	}
	if staked.Valid {
		pos.StakedAt = staked.Time
	}
	if settled.Valid {
		pos.LastSettledAt = settled.Time
	}
	return pos, nil
}

func (s *Store) UpsertPosition(ctx context.Context, pos staking.Position) (staking.Position, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_positions (participant, principal, pending_reward, staked_at, last_settled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (participant) DO UPDATE
		SET principal = EXCLUDED.principal,
		    pending_reward = EXCLUDED.pending_reward,
		    staked_at = EXCLUDED.staked_at,
		    last_settled_at = EXCLUDED.last_settled_at
	`, pos.Participant, pos.Principal, pos.PendingReward, nullTime(pos.StakedAt), nullTime(pos.LastSettledAt))
	if err != nil {
		return staking.Position{}, err
	}
	return pos, nil
}

func (s *Store) ListPositions(ctx context.Context) ([]staking.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant, principal, pending_reward, staked_at, last_settled_at
		FROM registry_positions
		ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []staking.Position
	for rows.Next() {
		var (
			pos     staking.Position
			staked  sql.NullTime
			settled sql.NullTime
		)
		if err := rows.Scan(&pos.Participant, &pos.Principal, &pos.PendingReward, &staked, &settled); err != nil {
			return nil, err
		}
		if staked.Valid {
			pos.StakedAt = staked.Time
		}
		if settled.Valid {
			pos.LastSettledAt = settled.Time
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// --- IssuanceStore ----------------------------------------------------------

func (s *Store) PutCommitment(ctx context.Context, c issuance.Commitment) error {
	if c.MintedAt.IsZero() {
		c.MintedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_commitments (hash, validator, minted_at)
		VALUES ($1, $2, $3)
	`, c.Hash, c.Validator, c.MintedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("commitment %s: %w", c.Hash, storage.ErrCommitmentExists)
		}
		return err
	}
	return nil
}

func (s *Store) GetCommitment(ctx context.Context, hash string) (issuance.Commitment, error) {
	var c issuance.Commitment
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, validator, minted_at
		FROM registry_commitments
		WHERE hash = $1
	`, hash).Scan(&c.Hash, &c.Validator, &c.MintedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return issuance.Commitment{}, fmt.Errorf("commitment %s: %w", hash, storage.ErrNotFound)
		}
		return issuance.Commitment{}, err
	}
	return c, nil
}

func (s *Store) AddProjectIssued(ctx context.Context, projectID string, amount int64) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO registry_project_totals (project_id, issued)
		VALUES ($1, $2)
		ON CONFLICT (project_id) DO UPDATE
		SET issued = registry_project_totals.issued + EXCLUDED.issued
		RETURNING issued
	`, projectID, amount).Scan(&total)
	return total, err
}

func (s *Store) ProjectIssued(ctx context.Context, projectID string) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT issued FROM registry_project_totals WHERE project_id = $1
	`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return total, err
}

// --- ValidatorStore ---------------------------------------------------------

func (s *Store) CreateValidator(ctx context.Context, v validator.Validator) (validator.Validator, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_validators (id, staked, pending_reward, verified_count, staked_at, active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.Staked, v.PendingReward, v.VerifiedCount, nullTime(v.StakedAt), v.Active)
	if err != nil {
		return validator.Validator{}, err
	}
	return v, nil
}

func (s *Store) UpdateValidator(ctx context.Context, v validator.Validator) (validator.Validator, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE registry_validators
		SET staked = $2, pending_reward = $3, verified_count = $4, staked_at = $5, active = $6
		WHERE id = $1
	`, v.ID, v.Staked, v.PendingReward, v.VerifiedCount, nullTime(v.StakedAt), v.Active)
	if err != nil {
		return validator.Validator{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return validator.Validator{}, fmt.Errorf("validator %s: %w", v.ID, storage.ErrNotFound)
	}
	return v, nil
}

func (s *Store) GetValidator(ctx context.Context, id string) (validator.Validator, error) {
	var (
		v      validator.Validator
		staked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, staked, pending_reward, verified_count, staked_at, active
		FROM registry_validators
		WHERE id = $1
	`, id).Scan(&v.ID, &v.Staked, &v.PendingReward, &v.VerifiedCount, &staked, &v.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return validator.Validator{}, fmt.Errorf("validator %s: %w", id, storage.ErrNotFound)
		}
		return validator.Validator{}, err
	}
	if staked.Valid {
		v.StakedAt = staked.Time
	}
	return v, nil
}

func (s *Store) ListValidators(ctx context.Context) ([]validator.Validator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, staked, pending_reward, verified_count, staked_at, active
		FROM registry_validators
		ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var validators []validator.Validator
	for rows.Next() {
		var (
			v      validator.Validator
			staked sql.NullTime
		)
		if err := rows.Scan(&v.ID, &v.Staked, &v.PendingReward, &v.VerifiedCount, &staked, &v.Active); err != nil {
			return nil, err
		}
		if staked.Valid {
			v.StakedAt = staked.Time
		}
		validators = append(validators, v)
	}
	return validators, rows.Err()
}

// --- JournalStore -----------------------------------------------------------

func (s *Store) AppendEntry(ctx context.Context, e journal.Entry) (journal.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_journal (id, kind, from_party, to_party, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, string(e.Kind), e.From, e.To, e.Amount, e.Reference, e.CreatedAt)
	if err != nil {
		return journal.Entry{}, err
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, party string, limit int) ([]journal.Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, kind, from_party, to_party, amount, reference, created_at
		FROM registry_journal
	`
	args := []interface{}{}
	if party != "" {
		query += ` WHERE from_party = $1 OR to_party = $1`
		args = append(args, party)
		query += ` ORDER BY seq DESC LIMIT $2`
	} else {
		query += ` ORDER BY seq DESC LIMIT $1`
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var (
			e    journal.Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &kind, &e.From, &e.To, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = journal.Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
