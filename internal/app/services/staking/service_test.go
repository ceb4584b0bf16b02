package staking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/verdant-network/carbon-registry/internal/app/domain/staking"
	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
	"github.com/verdant-network/carbon-registry/internal/app/storage/memory"
)

func newTestService(t *testing.T, yieldPerSecond int64) (*Service, *ledger.MemoryLedger, *time.Time) {
	t.Helper()

	credits := ledger.NewMemoryLedger()
	store := memory.New()

	svc, err := New(context.Background(), credits, store, store, Config{
		Owner:          "owner",
		PoolAccount:    "pool",
		YieldPerSecond: yieldPerSecond,
		Distributors:   []string{"oracle"},
	}, events.NoOpLog{}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	return svc, credits, &now
}

func TestStakeUnstakeRoundTrip(t *testing.T) {
	svc, credits, _ := newTestService(t, 0)
	credits.SetBalance("alice", 1000)

	if err := svc.Stake(context.Background(), "alice", 600); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if svc.TotalStaked() != 600 {
		t.Fatalf("total staked: got %d, want 600", svc.TotalStaked())
	}
	pool, _ := credits.BalanceOf(context.Background(), "pool")
	if pool != 600 {
		t.Fatalf("pool balance: got %d, want 600", pool)
	}

	if err := svc.Unstake(context.Background(), "alice", 200); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	pos, err := svc.GetPosition(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Principal != 400 {
		t.Fatalf("principal: got %d, want 400", pos.Principal)
	}
	if svc.TotalStaked() != 400 {
		t.Fatalf("total staked: got %d, want 400", svc.TotalStaked())
	}

	if err := svc.Unstake(context.Background(), "alice", 500); !errors.Is(err, ErrInsufficientPrincipal) {
		t.Fatalf("expected ErrInsufficientPrincipal, got %v", err)
	}
}

func TestYieldAccruesOverTime(t *testing.T) {
	svc, credits, now := newTestService(t, 1e15) // 0.001 unit per staked unit per second
	credits.SetBalance("alice", 1000)
	credits.SetBalance("pool", 10000)

	if err := svc.Stake(context.Background(), "alice", 1000); err != nil {
		t.Fatalf("stake: %v", err)
	}

	*now = now.Add(1000 * time.Second)

	pending, err := svc.PendingOf(context.Background(), "alice")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 1000 {
		t.Fatalf("pending after 1000s: got %d, want 1000", pending)
	}

	reward, err := svc.ClaimYield(context.Background(), "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if reward != 1000 {
		t.Fatalf("reward: got %d, want 1000", reward)
	}

	// Claiming again immediately yields nothing.
	if _, err := svc.ClaimYield(context.Background(), "alice"); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}

	bal, _ := credits.BalanceOf(context.Background(), "alice")
	if bal != 1000 {
		t.Fatalf("alice balance after claim: got %d, want 1000", bal)
	}
}

func TestAccrualSettlesAtPreMutationPrincipal(t *testing.T) {
	svc, credits, now := newTestService(t, 1e15)
	credits.SetBalance("alice", 2000)
	credits.SetBalance("pool", 10000)

	if err := svc.Stake(context.Background(), "alice", 1000); err != nil {
		t.Fatalf("first stake: %v", err)
	}

	*now = now.Add(1000 * time.Second)

	// The second stake settles 1000s at principal 1000 before raising it.
	if err := svc.Stake(context.Background(), "alice", 1000); err != nil {
		t.Fatalf("second stake: %v", err)
	}

	pos, _ := svc.GetPosition(context.Background(), "alice")
	if pos.PendingReward != 1000 {
		t.Fatalf("pending settled at old principal: got %d, want 1000", pos.PendingReward)
	}
	if pos.Principal != 2000 {
		t.Fatalf("principal: got %d, want 2000", pos.Principal)
	}

	// No double accrual: the elapsed window was consumed by settlement.
	pending, _ := svc.PendingOf(context.Background(), "alice")
	if pending != 1000 {
		t.Fatalf("pending immediately after settle: got %d, want 1000", pending)
	}
}

func TestDistributeYield(t *testing.T) {
	svc, credits, _ := newTestService(t, 0)
	credits.SetBalance("alice", 100)
	credits.SetBalance("bob", 100)
	credits.SetBalance("oracle", 1000)

	svc.Stake(context.Background(), "alice", 100)
	svc.Stake(context.Background(), "bob", 100)

	err := svc.DistributeYield(context.Background(), "oracle",
		[]string{"alice", "bob", "carol"}, []int64{30, 20, 50})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// carol has no principal and is skipped; only 50 was pulled.
	oracleBal, _ := credits.BalanceOf(context.Background(), "oracle")
	if oracleBal != 950 {
		t.Fatalf("oracle balance: got %d, want 950", oracleBal)
	}

	alicePos, _ := svc.GetPosition(context.Background(), "alice")
	if alicePos.PendingReward != 30 {
		t.Fatalf("alice pending: got %d, want 30", alicePos.PendingReward)
	}
	bobPos, _ := svc.GetPosition(context.Background(), "bob")
	if bobPos.PendingReward != 20 {
		t.Fatalf("bob pending: got %d, want 20", bobPos.PendingReward)
	}
}

func TestDistributeYieldAuthorization(t *testing.T) {
	svc, credits, _ := newTestService(t, 0)
	credits.SetBalance("alice", 100)
	svc.Stake(context.Background(), "alice", 100)

	err := svc.DistributeYield(context.Background(), "mallory", []string{"alice"}, []int64{10})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	err = svc.DistributeYield(context.Background(), "oracle", []string{"alice"}, []int64{10, 20})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestTotalStakedRebuiltOnRestart(t *testing.T) {
	credits := ledger.NewMemoryLedger()
	store := memory.New()
	credits.SetBalance("alice", 500)
	credits.SetBalance("bob", 500)

	cfg := Config{Owner: "owner", PoolAccount: "pool"}
	svc, err := New(context.Background(), credits, store, store, cfg, events.NoOpLog{}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.Stake(context.Background(), "alice", 300)
	svc.Stake(context.Background(), "bob", 200)

	restarted, err := New(context.Background(), credits, store, store, cfg, events.NoOpLog{}, nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if restarted.TotalStaked() != 500 {
		t.Fatalf("rebuilt total: got %d, want 500", restarted.TotalStaked())
	}
}

func TestSetYieldPerSecondOwnerGated(t *testing.T) {
	svc, _, _ := newTestService(t, 0)

	if err := svc.SetYieldPerSecond("mallory", 1); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := svc.SetYieldPerSecond("owner", -1); err == nil {
		t.Fatalf("negative rate must be rejected")
	}
	if err := svc.SetYieldPerSecond("owner", 42); err != nil {
		t.Fatalf("set rate: %v", err)
	}
}

type positionStoreStub struct {
	storage.StakingStore
	failFor string
}

func (s positionStoreStub) GetPosition(ctx context.Context, participant string) (staking.Position, error) {
	if participant == s.failFor {
		return staking.Position{}, fmt.Errorf("store unavailable")
	}
	return s.StakingStore.GetPosition(ctx, participant)
}

func TestDistributeYieldSurfacesStoreErrors(t *testing.T) {
	credits := ledger.NewMemoryLedger()
	store := memory.New()
	failing := positionStoreStub{StakingStore: store, failFor: "bob"}

	svc, err := New(context.Background(), credits, failing, store, Config{
		Owner:        "owner",
		PoolAccount:  "pool",
		Distributors: []string{"oracle"},
	}, events.NoOpLog{}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	credits.SetBalance("alice", 100)
	credits.SetBalance("oracle", 100)
	if err := svc.Stake(context.Background(), "alice", 100); err != nil {
		t.Fatalf("stake: %v", err)
	}

	// Absent participants are skipped; a failing store read is not.
	if err := svc.DistributeYield(context.Background(), "oracle", []string{"alice", "carol"}, []int64{10, 10}); err != nil {
		t.Fatalf("distribute with absent participant: %v", err)
	}
	err = svc.DistributeYield(context.Background(), "oracle", []string{"alice", "bob"}, []int64{10, 10})
	if err == nil {
		t.Fatalf("store failure must surface, not skip")
	}

	// Nothing from the failed call landed.
	pending, perr := svc.PendingOf(context.Background(), "alice")
	if perr != nil {
		t.Fatalf("pending of: %v", perr)
	}
	if pending != 10 {
		t.Fatalf("pending after failed distribution: got %d, want 10", pending)
	}
}
