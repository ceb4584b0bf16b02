package market

import "time"

// Listing is a sell order whose credits are held in escrow until it is
// purchased or cancelled. Listings are append-only: they are never deleted
// and the only mutation is flipping Active to false.
type Listing struct {
	ID        uint64
	Seller    string
	Amount    int64 // credit units held in escrow
	UnitPrice int64 // stablecoin units per credit unit
	Active    bool
	CreatedAt time.Time
	ExpiresAt time.Time // zero value = never expires
}

// Expired reports whether the listing has an expiry and it is in the past.
func (l Listing) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// Sale records a settled purchase.
type Sale struct {
	ListingID      uint64
	Buyer          string
	Seller         string
	Amount         int64
	Total          int64
	Fee            int64
	SellerProceeds int64
	SettledAt      time.Time
}
