package validator

import "time"

// Validator is a stake-bonded participant eligible to have verified proofs
// attributed to them. Records are kept in registration order and survive
// deactivation.
type Validator struct {
	ID            string
	Staked        int64
	PendingReward int64
	VerifiedCount uint64
	StakedAt      time.Time
	Active        bool
}
