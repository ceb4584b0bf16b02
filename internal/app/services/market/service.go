// Package market implements the marketplace escrow engine. Sellers lock
// credits into escrow custody when listing; buyers settle in stablecoin and
// receive the escrowed credits; a protocol fee is routed to the fee
// recipient. Listings form an append-only log.
package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/verdant-network/carbon-registry/internal/app/domain/journal"
	"github.com/verdant-network/carbon-registry/internal/app/domain/market"
	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/metrics"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
	"github.com/verdant-network/carbon-registry/pkg/logger"
)

// MaxFeeBps caps the protocol fee at 10%.
const MaxFeeBps = 1000

var (
	ErrListingInactive = errors.New("market: listing inactive")
	ErrListingExpired  = errors.New("market: listing expired")
	ErrSelfTrade       = errors.New("market: buyer and seller are the same")
	ErrNotSeller       = errors.New("market: caller is not the seller")
	ErrAlreadyInactive = errors.New("market: listing already inactive")
	ErrNotOwner        = errors.New("market: caller is not the owner")
	ErrFeeTooHigh      = errors.New("market: fee exceeds cap")
	ErrPriceOverflow   = errors.New("market: total price overflows")
)

// Config carries the marketplace configuration.
type Config struct {
	Owner         string
	EscrowAccount string
	FeeRecipient  string
	FeeBps        int64
}

// Service is the marketplace escrow engine. All state-mutating entry points
// run under one mutex so every operation, including its ledger transfers, is
// logically serialized, matching the external total order the settlement
// layer guarantees.
type Service struct {
	credits ledger.Ledger // carbon credit token
	stable  ledger.Ledger // stablecoin
	store   storage.MarketStore
	journal storage.JournalStore
	evts    events.Log
	log     *logger.Logger

	mu            sync.Mutex
	owner         string
	escrowAccount string
	feeRecipient  string
	feeBps        int64
	now           func() time.Time
}

// New constructs the marketplace engine.
func New(credits, stable ledger.Ledger, store storage.MarketStore, jnl storage.JournalStore, cfg Config, evts events.Log, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("market")
	}
	if evts == nil {
		evts = events.NoOpLog{}
	}
	if cfg.EscrowAccount == "" {
		return nil, fmt.Errorf("escrow account is required")
	}
	if cfg.FeeBps < 0 || cfg.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("fee %d bps: %w", cfg.FeeBps, ErrFeeTooHigh)
	}
	if cfg.FeeBps > 0 && cfg.FeeRecipient == "" {
		return nil, fmt.Errorf("fee recipient is required when fee is set")
	}
	return &Service{
		credits:       credits,
		stable:        stable,
		store:         store,
		journal:       jnl,
		evts:          evts,
		log:           log,
		owner:         cfg.Owner,
		escrowAccount: cfg.EscrowAccount,
		feeRecipient:  cfg.FeeRecipient,
		feeBps:        cfg.FeeBps,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateListing escrows amount credits from the seller and appends a new
// listing. ttl is in seconds; zero means the listing never expires.
func (s *Service) CreateListing(ctx context.Context, seller string, amount, unitPrice int64, ttl int64) (market.Listing, error) {
	if seller == "" {
		return market.Listing{}, fmt.Errorf("seller is required")
	}
	if amount <= 0 {
		return market.Listing{}, fmt.Errorf("amount must be positive")
	}
	if unitPrice <= 0 {
		return market.Listing{}, fmt.Errorf("unit price must be positive")
	}
	if ttl < 0 {
		return market.Listing{}, fmt.Errorf("ttl cannot be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.credits.Transfer(ctx, seller, s.escrowAccount, amount); err != nil {
		metrics.RecordMarketOperation("create", err)
		return market.Listing{}, fmt.Errorf("escrow credits: %w", err)
	}

	now := s.now()
	l := market.Listing{
		Seller:    seller,
		Amount:    amount,
		UnitPrice: unitPrice,
		Active:    true,
		CreatedAt: now,
	}
	if ttl > 0 {
		l.ExpiresAt = now.Add(time.Duration(ttl) * time.Second)
	}

	l, err := s.store.CreateListing(ctx, l)
	if err != nil {
		// Return the escrowed credits before surfacing the failure.
		if rerr := s.credits.Transfer(ctx, s.escrowAccount, seller, amount); rerr != nil {
			s.log.WithError(rerr).WithField("seller", seller).Error("escrow reversal failed")
		}
		metrics.RecordMarketOperation("create", err)
		return market.Listing{}, err
	}

	s.appendJournal(ctx, journal.KindEscrowLock, seller, s.escrowAccount, amount, listingRef(l.ID))
	s.evts.Publish(events.Event{
		Type:    events.ListingCreated,
		Subject: listingRef(l.ID),
		Amount:  amount,
		Metadata: map[string]string{
			"seller":     seller,
			"unit_price": strconv.FormatInt(unitPrice, 10),
		},
	})
	metrics.RecordMarketOperation("create", nil)
	s.updateEscrowGauge(ctx)

	s.log.WithField("listing_id", l.ID).
		WithField("seller", seller).
		WithField("amount", amount).
		Info("listing created")
	return l, nil
}

// Purchase settles a listing. Three transfers run in order: buyer to seller
// (proceeds, stablecoin), buyer to fee recipient (fee, skipped when zero),
// escrow to buyer (credits). The listing is flipped inactive only after all
// legs settle; a failed leg reverses the legs already executed so no partial
// effect remains.
func (s *Service) Purchase(ctx context.Context, listingID uint64, buyer string) (market.Sale, error) {
	if buyer == "" {
		return market.Sale{}, fmt.Errorf("buyer is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		metrics.RecordMarketOperation("purchase", err)
		return market.Sale{}, err
	}
	if !l.Active {
		metrics.RecordMarketOperation("purchase", ErrListingInactive)
		return market.Sale{}, fmt.Errorf("listing %d: %w", listingID, ErrListingInactive)
	}
	now := s.now()
	if l.Expired(now) {
		metrics.RecordMarketOperation("purchase", ErrListingExpired)
		return market.Sale{}, fmt.Errorf("listing %d: %w", listingID, ErrListingExpired)
	}
	if buyer == l.Seller {
		metrics.RecordMarketOperation("purchase", ErrSelfTrade)
		return market.Sale{}, ErrSelfTrade
	}

	total, err := mulTotal(l.Amount, l.UnitPrice)
	if err != nil {
		metrics.RecordMarketOperation("purchase", err)
		return market.Sale{}, err
	}
	fee := feeFor(total, s.feeBps)
	proceeds := total - fee

	if err := s.stable.Transfer(ctx, buyer, l.Seller, proceeds); err != nil {
		metrics.RecordMarketOperation("purchase", err)
		return market.Sale{}, fmt.Errorf("pay seller: %w", err)
	}
	if fee > 0 {
		if err := s.stable.Transfer(ctx, buyer, s.feeRecipient, fee); err != nil {
			s.reverse(ctx, s.stable, l.Seller, buyer, proceeds)
			metrics.RecordMarketOperation("purchase", err)
			return market.Sale{}, fmt.Errorf("pay fee: %w", err)
		}
	}
	if err := s.credits.Transfer(ctx, s.escrowAccount, buyer, l.Amount); err != nil {
		if fee > 0 {
			s.reverse(ctx, s.stable, s.feeRecipient, buyer, fee)
		}
		s.reverse(ctx, s.stable, l.Seller, buyer, proceeds)
		metrics.RecordMarketOperation("purchase", err)
		return market.Sale{}, fmt.Errorf("release escrow: %w", err)
	}

	l.Active = false
	if _, err := s.store.UpdateListing(ctx, l); err != nil {
		// The transfers settled; a store failure here would strand state,
		// so reverse everything to keep the operation all-or-nothing.
		s.reverse(ctx, s.credits, buyer, s.escrowAccount, l.Amount)
		if fee > 0 {
			s.reverse(ctx, s.stable, s.feeRecipient, buyer, fee)
		}
		s.reverse(ctx, s.stable, l.Seller, buyer, proceeds)
		metrics.RecordMarketOperation("purchase", err)
		return market.Sale{}, err
	}

	sale := market.Sale{
		ListingID:      l.ID,
		Buyer:          buyer,
		Seller:         l.Seller,
		Amount:         l.Amount,
		Total:          total,
		Fee:            fee,
		SellerProceeds: proceeds,
		SettledAt:      now,
	}

	s.appendJournal(ctx, journal.KindSale, buyer, l.Seller, total, listingRef(l.ID))
	s.appendJournal(ctx, journal.KindEscrowRelease, s.escrowAccount, buyer, l.Amount, listingRef(l.ID))
	s.evts.Publish(events.Event{
		Type:    events.ListingPurchased,
		Subject: listingRef(l.ID),
		Amount:  l.Amount,
		Metadata: map[string]string{
			"buyer":    buyer,
			"seller":   l.Seller,
			"total":    strconv.FormatInt(total, 10),
			"fee":      strconv.FormatInt(fee, 10),
			"proceeds": strconv.FormatInt(proceeds, 10),
		},
	})
	metrics.RecordMarketOperation("purchase", nil)
	s.updateEscrowGauge(ctx)

	s.log.WithField("listing_id", l.ID).
		WithField("buyer", buyer).
		WithField("total", total).
		Info("listing purchased")
	return sale, nil
}

// Cancel returns the escrowed credits to the seller and deactivates the
// listing. Only the seller may cancel.
func (s *Service) Cancel(ctx context.Context, listingID uint64, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(ctx, listingID, caller, false)
}

// cancelLocked implements cancellation. When sweep is true the seller check
// is skipped; the expiry sweeper refunds on the seller's behalf.
func (s *Service) cancelLocked(ctx context.Context, listingID uint64, caller string, sweep bool) error {
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		metrics.RecordMarketOperation("cancel", err)
		return err
	}
	if !sweep && caller != l.Seller {
		metrics.RecordMarketOperation("cancel", ErrNotSeller)
		return ErrNotSeller
	}
	if !l.Active {
		metrics.RecordMarketOperation("cancel", ErrAlreadyInactive)
		return fmt.Errorf("listing %d: %w", listingID, ErrAlreadyInactive)
	}

	if err := s.credits.Transfer(ctx, s.escrowAccount, l.Seller, l.Amount); err != nil {
		metrics.RecordMarketOperation("cancel", err)
		return fmt.Errorf("release escrow: %w", err)
	}

	l.Active = false
	if _, err := s.store.UpdateListing(ctx, l); err != nil {
		s.reverse(ctx, s.credits, l.Seller, s.escrowAccount, l.Amount)
		metrics.RecordMarketOperation("cancel", err)
		return err
	}

	s.appendJournal(ctx, journal.KindEscrowRelease, s.escrowAccount, l.Seller, l.Amount, listingRef(l.ID))
	s.evts.Publish(events.Event{
		Type:     events.ListingCancelled,
		Subject:  listingRef(l.ID),
		Amount:   l.Amount,
		Metadata: map[string]string{"seller": l.Seller},
	})
	metrics.RecordMarketOperation("cancel", nil)
	s.updateEscrowGauge(ctx)

	s.log.WithField("listing_id", l.ID).Info("listing cancelled")
	return nil
}

// SweepExpired cancels every active listing whose expiry has passed,
// refunding each seller. It returns the number of listings swept. Purchase
// rejects expired listings on its own; the sweep only releases stranded
// escrow.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listings, err := s.store.ListListings(ctx, true)
	if err != nil {
		return 0, err
	}

	now := s.now()
	swept := 0
	for _, l := range listings {
		if !l.Expired(now) {
			continue
		}
		if err := s.cancelLocked(ctx, l.ID, l.Seller, true); err != nil {
			s.log.WithError(err).WithField("listing_id", l.ID).Warn("sweep cancel failed")
			continue
		}
		swept++
	}
	return swept, nil
}

// SetFeeBps updates the protocol fee. Owner only; capped at MaxFeeBps.
func (s *Service) SetFeeBps(caller string, bps int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrNotOwner
	}
	if bps < 0 || bps > MaxFeeBps {
		return fmt.Errorf("fee %d bps: %w", bps, ErrFeeTooHigh)
	}
	s.feeBps = bps
	s.log.WithField("fee_bps", bps).Info("fee updated")
	return nil
}

// SetFeeRecipient updates the fee destination. Owner only; must be non-empty.
func (s *Service) SetFeeRecipient(caller, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrNotOwner
	}
	if recipient == "" {
		return fmt.Errorf("fee recipient cannot be empty")
	}
	s.feeRecipient = recipient
	return nil
}

// FeeBps returns the current fee in basis points.
func (s *Service) FeeBps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeBps
}

// GetListing returns a listing by id.
func (s *Service) GetListing(ctx context.Context, id uint64) (market.Listing, error) {
	return s.store.GetListing(ctx, id)
}

// TotalListings returns the number of listings ever created.
func (s *Service) TotalListings(ctx context.Context) (uint64, error) {
	return s.store.CountListings(ctx)
}

// ListActive returns all currently active listings in id order.
func (s *Service) ListActive(ctx context.Context) ([]market.Listing, error) {
	return s.store.ListListings(ctx, true)
}

// EscrowOutstanding returns the sum of active listings' escrowed amounts.
// The escrow custody balance is always at least this value.
func (s *Service) EscrowOutstanding(ctx context.Context) (int64, error) {
	listings, err := s.store.ListListings(ctx, true)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, l := range listings {
		sum += l.Amount
	}
	return sum, nil
}

func (s *Service) reverse(ctx context.Context, led ledger.Ledger, from, to string, amount int64) {
	if err := led.Transfer(ctx, from, to, amount); err != nil {
		s.log.WithError(err).
			WithField("from", from).
			WithField("to", to).
			WithField("amount", amount).
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

func (s *Service) updateEscrowGauge(ctx context.Context) {
	if sum, err := s.EscrowOutstanding(ctx); err == nil {
		metrics.SetEscrowedCredits(sum)
	}
}

func listingRef(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// mulTotal computes amount*unitPrice with an overflow check.
func mulTotal(amount, unitPrice int64) (int64, error) {
	if amount > math.MaxInt64/unitPrice {
		return 0, ErrPriceOverflow
	}
	return amount * unitPrice, nil
}

// feeFor computes floor(total*bps/10000) without overflowing int64.
func feeFor(total, bps int64) int64 {
	q, r := total/10000, total%10000
	return q*bps + r*bps/10000
}
