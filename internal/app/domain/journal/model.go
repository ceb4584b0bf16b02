package journal

import "time"

// Kind classifies a settled value movement.
type Kind string

const (
	KindEscrowLock      Kind = "escrow.lock"
	KindEscrowRelease   Kind = "escrow.release"
	KindSale            Kind = "sale"
	KindStake           Kind = "stake"
	KindUnstake         Kind = "unstake"
	KindYieldClaim      Kind = "yield.claim"
	KindYieldDistribute Kind = "yield.distribute"
	KindIssuance        Kind = "issuance"
	KindValidatorBond   Kind = "validator.bond"
	KindValidatorUnbond Kind = "validator.unbond"
	KindValidatorReward Kind = "validator.reward"
)

// Entry is one row in the append-only journal of settled transfers. Entries
// are recorded only after the transfer pair they describe has committed.
type Entry struct {
	ID        string
	Kind      Kind
	From      string
	To        string
	Amount    int64
	Reference string // listing id, project id, commitment hash, ...
	CreatedAt time.Time
}
