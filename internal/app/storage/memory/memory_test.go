package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/verdant-network/carbon-registry/internal/app/domain/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/domain/journal"
	"github.com/verdant-network/carbon-registry/internal/app/domain/market"
	"github.com/verdant-network/carbon-registry/internal/app/domain/validator"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
)

func TestListingIDsMonotonic(t *testing.T) {
	store := New()

	for i := 1; i <= 3; i++ {
		l, err := store.CreateListing(context.Background(), market.Listing{Seller: "s", Amount: 1, UnitPrice: 1, Active: true})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if l.ID != uint64(i) {
			t.Fatalf("listing id: got %d, want %d", l.ID, i)
		}
	}

	count, _ := store.CountListings(context.Background())
	if count != 3 {
		t.Fatalf("count: got %d, want 3", count)
	}

	if _, err := store.GetListing(context.Background(), 42); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.UpdateListing(context.Background(), market.Listing{ID: 42}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestListListingsActiveFilter(t *testing.T) {
	store := New()

	a, _ := store.CreateListing(context.Background(), market.Listing{Seller: "s", Amount: 1, UnitPrice: 1, Active: true})
	store.CreateListing(context.Background(), market.Listing{Seller: "s", Amount: 2, UnitPrice: 1, Active: true})

	a.Active = false
	store.UpdateListing(context.Background(), a)

	active, err := store.ListListings(context.Background(), true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Amount != 2 {
		t.Fatalf("unexpected active set: %+v", active)
	}

	all, _ := store.ListListings(context.Background(), false)
	if len(all) != 2 {
		t.Fatalf("all listings: got %d, want 2", len(all))
	}
}

func TestCommitmentWriteOnce(t *testing.T) {
	store := New()

	c := issuance.Commitment{Hash: "0xabc", Validator: "v1", MintedAt: time.Now().UTC()}
	if err := store.PutCommitment(context.Background(), c); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutCommitment(context.Background(), c); !errors.Is(err, storage.ErrCommitmentExists) {
		t.Fatalf("expected ErrCommitmentExists, got %v", err)
	}

	got, err := store.GetCommitment(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Validator != "v1" {
		t.Fatalf("validator: got %s, want v1", got.Validator)
	}
}

func TestProjectIssuedMonotonic(t *testing.T) {
	store := New()

	total, err := store.AddProjectIssued(context.Background(), "p1", 100)
	if err != nil || total != 100 {
		t.Fatalf("first add: total=%d err=%v", total, err)
	}
	total, _ = store.AddProjectIssued(context.Background(), "p1", 50)
	if total != 150 {
		t.Fatalf("second add: got %d, want 150", total)
	}
	if _, err := store.AddProjectIssued(context.Background(), "p1", -1); err == nil {
		t.Fatalf("negative amount must be rejected")
	}

	other, _ := store.ProjectIssued(context.Background(), "unknown")
	if other != 0 {
		t.Fatalf("unknown project: got %d, want 0", other)
	}
}

func TestValidatorsKeepRegistrationOrder(t *testing.T) {
	store := New()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := store.CreateValidator(context.Background(), validator.Validator{ID: id, Active: true}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	list, err := store.ListValidators(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c" || list[1].ID != "a" || list[2].ID != "b" {
		t.Fatalf("unexpected order: %+v", list)
	}

	if _, err := store.CreateValidator(context.Background(), validator.Validator{ID: "a"}); err == nil {
		t.Fatalf("duplicate create must fail")
	}
}

func TestJournalNewestFirst(t *testing.T) {
	store := New()

	store.AppendEntry(context.Background(), journal.Entry{Kind: journal.KindStake, From: "alice", To: "pool", Amount: 1})
	store.AppendEntry(context.Background(), journal.Entry{Kind: journal.KindSale, From: "bob", To: "carol", Amount: 2})
	store.AppendEntry(context.Background(), journal.Entry{Kind: journal.KindUnstake, From: "pool", To: "alice", Amount: 3})

	entries, err := store.ListEntries(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 || entries[0].Amount != 3 || entries[2].Amount != 1 {
		t.Fatalf("expected newest first, got %+v", entries)
	}

	alice, _ := store.ListEntries(context.Background(), "alice", 0)
	if len(alice) != 2 {
		t.Fatalf("alice entries: got %d, want 2", len(alice))
	}

	limited, _ := store.ListEntries(context.Background(), "", 1)
	if len(limited) != 1 || limited[0].Amount != 3 {
		t.Fatalf("limit not applied: %+v", limited)
	}
}
