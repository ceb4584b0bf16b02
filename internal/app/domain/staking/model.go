package staking

import "time"

// Position tracks a participant's staked principal. Positions are created
// implicitly on first stake and retained at zero principal so the settlement
// history survives a full unstake.
type Position struct {
	Participant   string
	Principal     int64
	PendingReward int64
	StakedAt      time.Time
	LastSettledAt time.Time
}

// DistributionEntry is one (participant, amount) pair in a batched external
// yield injection.
type DistributionEntry struct {
	Participant string
	Amount      int64
}
