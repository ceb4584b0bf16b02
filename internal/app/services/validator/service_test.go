package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *ledger.MemoryLedger) {
	t.Helper()

	credits := ledger.NewMemoryLedger()
	store := memory.New()

	svc, err := New(context.Background(), credits, store, store, Config{
		Owner:          "owner",
		BondAccount:    "bond",
		RewardTreasury: "treasury",
		MinStake:       1000,
		RewardPerProof: 10,
		Submitters:     []string{"issuer"},
	}, events.NoOpLog{}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, credits
}

func TestRegisterBondsMinStake(t *testing.T) {
	svc, credits := newTestService(t)
	credits.SetBalance("val-1", 1500)

	if err := svc.Register(context.Background(), "val-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	bal, _ := credits.BalanceOf(context.Background(), "val-1")
	if bal != 500 {
		t.Fatalf("balance after bond: got %d, want 500", bal)
	}
	if svc.TotalBonded() != 1000 {
		t.Fatalf("total bonded: got %d, want 1000", svc.TotalBonded())
	}

	if err := svc.Register(context.Background(), "val-1"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegisterInsufficientBalance(t *testing.T) {
	svc, credits := newTestService(t)
	credits.SetBalance("poor", 999)

	if err := svc.Register(context.Background(), "poor"); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if svc.TotalBonded() != 0 {
		t.Fatalf("nothing should be bonded, got %d", svc.TotalBonded())
	}
}

func TestIncreaseStake(t *testing.T) {
	svc, credits := newTestService(t)
	credits.SetBalance("val-1", 2000)

	svc.Register(context.Background(), "val-1")
	if err := svc.IncreaseStake(context.Background(), "val-1", 500); err != nil {
		t.Fatalf("increase stake: %v", err)
	}

	v, _ := svc.GetValidator(context.Background(), "val-1")
	if v.Staked != 1500 {
		t.Fatalf("staked: got %d, want 1500", v.Staked)
	}
	if svc.TotalBonded() != 1500 {
		t.Fatalf("total bonded: got %d, want 1500", svc.TotalBonded())
	}

	if err := svc.IncreaseStake(context.Background(), "ghost", 100); !errors.Is(err, ErrValidatorNotActive) {
		t.Fatalf("expected ErrValidatorNotActive, got %v", err)
	}
}

func TestProofLifecycleAndClaim(t *testing.T) {
	svc, credits := newTestService(t)
	credits.SetBalance("val-1", 1000)
	credits.SetBalance("treasury", 5000)

	svc.Register(context.Background(), "val-1")

	if err := svc.SubmitProof(context.Background(), "mallory", "val-1"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := svc.SubmitProof(context.Background(), "issuer", "val-1"); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if err := svc.SubmitProof(context.Background(), "owner", "val-1"); err != nil {
		t.Fatalf("owner submit: %v", err)
	}

	v, _ := svc.GetValidator(context.Background(), "val-1")
	if v.VerifiedCount != 2 {
		t.Fatalf("verified count: got %d, want 2", v.VerifiedCount)
	}
	if v.PendingReward != 20 {
		t.Fatalf("pending reward: got %d, want 20", v.PendingReward)
	}

	reward, err := svc.ClaimReward(context.Background(), "val-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if reward != 20 {
		t.Fatalf("reward: got %d, want 20", reward)
	}
	bal, _ := credits.BalanceOf(context.Background(), "val-1")
	if bal != 20 {
		t.Fatalf("balance after claim: got %d, want 20", bal)
	}

	if _, err := svc.ClaimReward(context.Background(), "val-1"); !errors.Is(err, ErrNoRewardsToClaim) {
		t.Fatalf("expected ErrNoRewardsToClaim, got %v", err)
	}
	if _, err := svc.ClaimReward(context.Background(), "ghost"); !errors.Is(err, ErrNoActiveValidator) {
		t.Fatalf("expected ErrNoActiveValidator, got %v", err)
	}
}

func TestRetractProofReversesAttribution(t *testing.T) {
	svc, credits := newTestService(t)
	credits.SetBalance("val-1", 1000)

	if err := svc.Register(context.Background(), "val-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.SubmitProof(context.Background(), "issuer", "val-1"); err != nil {
		t.Fatalf("submit proof: %v", err)
	}

	if err := svc.RetractProof(context.Background(), "mallory", "val-1"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	if err := svc.RetractProof(context.Background(), "issuer", "val-1"); err != nil {
		t.Fatalf("retract proof: %v", err)
	}
	v, err := svc.GetValidator(context.Background(), "val-1")
	if err != nil {
		t.Fatalf("get validator: %v", err)
	}
	if v.PendingReward != 0 || v.VerifiedCount != 0 {
		t.Fatalf("attribution not reversed: pending=%d verified=%d", v.PendingReward, v.VerifiedCount)
	}

	// Retraction never drives the ledger below zero.
	if err := svc.RetractProof(context.Background(), "issuer", "val-1"); err != nil {
		t.Fatalf("retract with nothing pending: %v", err)
	}
	v, _ = svc.GetValidator(context.Background(), "val-1")
	if v.PendingReward != 0 || v.VerifiedCount != 0 {
		t.Fatalf("retract must clamp at zero: pending=%d verified=%d", v.PendingReward, v.VerifiedCount)
	}
}

func TestBatchSubmitProofSkipsSilently(t *testing.T) {
	svc, credits := newTestService(t)
	credits.SetBalance("val-1", 1000)
	credits.SetBalance("val-2", 1000)

	svc.Register(context.Background(), "val-1")
	svc.Register(context.Background(), "val-2")

	submitted, err := svc.BatchSubmitProof(context.Background(), "issuer",
		[]string{"val-1", "", "ghost", "val-2"})
	if err != nil {
		t.Fatalf("batch submit: %v", err)
	}
	if submitted != 2 {
		t.Fatalf("submitted: got %d, want 2", submitted)
	}

	v1, _ := svc.GetValidator(context.Background(), "val-1")
	v2, _ := svc.GetValidator(context.Background(), "val-2")
	if v1.VerifiedCount != 1 || v2.VerifiedCount != 1 {
		t.Fatalf("counts: val-1=%d val-2=%d", v1.VerifiedCount, v2.VerifiedCount)
	}
}

func TestUnregisterReturnsStake(t *testing.T) {
	svc, credits := newTestService(t)
	credits.SetBalance("val-1", 1000)
	credits.SetBalance("treasury", 100)

	svc.Register(context.Background(), "val-1")
	svc.SubmitProof(context.Background(), "issuer", "val-1")

	// Rewards must be claimed before unregistering.
	if err := svc.Unregister(context.Background(), "val-1"); !errors.Is(err, ErrRewardOutstanding) {
		t.Fatalf("expected ErrRewardOutstanding, got %v", err)
	}

	svc.ClaimReward(context.Background(), "val-1")
	if err := svc.Unregister(context.Background(), "val-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	bal, _ := credits.BalanceOf(context.Background(), "val-1")
	if bal != 1010 {
		t.Fatalf("balance after unbond: got %d, want 1010", bal)
	}
	if svc.TotalBonded() != 0 {
		t.Fatalf("total bonded: got %d, want 0", svc.TotalBonded())
	}

	// Record survives deactivation; verified count is lifetime.
	v, err := svc.GetValidator(context.Background(), "val-1")
	if err != nil {
		t.Fatalf("get after unregister: %v", err)
	}
	if v.Active {
		t.Fatalf("validator should be inactive")
	}
	if v.VerifiedCount != 1 {
		t.Fatalf("verified count must survive: got %d", v.VerifiedCount)
	}

	if err := svc.Unregister(context.Background(), "val-1"); !errors.Is(err, ErrValidatorNotActive) {
		t.Fatalf("expected ErrValidatorNotActive, got %v", err)
	}
}

func TestReregistrationKeepsHistory(t *testing.T) {
	svc, credits := newTestService(t)
	credits.SetBalance("val-1", 3000)
	credits.SetBalance("val-2", 1000)

	svc.Register(context.Background(), "val-1")
	svc.Register(context.Background(), "val-2")
	svc.SubmitProof(context.Background(), "issuer", "val-1")

	// An empty treasury fails the claim and leaves the reward pending.
	if _, err := svc.ClaimReward(context.Background(), "val-1"); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient treasury, got %v", err)
	}
	v, _ := svc.GetValidator(context.Background(), "val-1")
	if v.PendingReward != 10 {
		t.Fatalf("pending reward: got %d, want 10", v.PendingReward)
	}
	credits.SetBalance("treasury", 100)
	svc.ClaimReward(context.Background(), "val-1")

	svc.Unregister(context.Background(), "val-1")
	if err := svc.Register(context.Background(), "val-1"); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	v, _ = svc.GetValidator(context.Background(), "val-1")
	if !v.Active || v.Staked != 1000 {
		t.Fatalf("re-registered state: active=%v staked=%d", v.Active, v.Staked)
	}
	if v.VerifiedCount != 1 {
		t.Fatalf("history must survive churn: got %d", v.VerifiedCount)
	}

	// Registration order is preserved across churn.
	active, err := svc.ActiveValidators(context.Background())
	if err != nil {
		t.Fatalf("active validators: %v", err)
	}
	if len(active) != 2 || active[0].ID != "val-1" || active[1].ID != "val-2" {
		t.Fatalf("unexpected order: %+v", active)
	}
}

func TestSettersOwnerGated(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.SetRewardPerProof("mallory", 5); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := svc.SetRewardPerProof("owner", 5); err != nil {
		t.Fatalf("set reward: %v", err)
	}
	if err := svc.SetSubmitter("owner", "relay", true); err != nil {
		t.Fatalf("grant submitter: %v", err)
	}
	if err := svc.SetSubmitter("owner", "relay", false); err != nil {
		t.Fatalf("revoke submitter: %v", err)
	}
}
