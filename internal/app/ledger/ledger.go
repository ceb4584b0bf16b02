// Package ledger defines the capability interface over the external fungible
// balance stores (the carbon credit token and the stablecoin). The registry
// engines never shadow these balances; escrow and stake custody are tracked
// as ordinary accounts on the underlying ledgers.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientBalance is returned when the source account cannot
	// cover the transfer.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInsufficientAllowance is returned when the adapter is not
	// authorised to move the requested amount on behalf of the source.
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")

	// ErrTransferRejected is returned when the underlying token store
	// refuses the transfer for any other reason.
	ErrTransferRejected = errors.New("ledger: transfer rejected")
)

// Ledger is the transfer capability the engines consume. Implementations
// must apply each transfer atomically: on error no balance has changed.
//
// Engines invoke Transfer inside their own critical section and reverse
// already-settled legs with a compensating Transfer when a later leg of a
// paired movement fails. A compensating reversal of a transfer that just
// succeeded must itself succeed.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount int64) error
	BalanceOf(ctx context.Context, holder string) (int64, error)
}

// IssuingLedger extends Ledger with supply changes. Only the carbon credit
// token supports issuance; Burn exists so a failed cross-engine step can
// compensate a mint that already settled.
type IssuingLedger interface {
	Ledger
	Mint(ctx context.Context, to string, amount int64) error
	Burn(ctx context.Context, from string, amount int64) error
}
