package ledger

import (
	"context"
	"fmt"
	"sync"
)

// TransferHook runs before a transfer is applied. Returning an error rejects
// the transfer. Tests use hooks to fail a specific leg of a paired movement.
type TransferHook func(from, to string, amount int64) error

// MemoryLedger is an in-memory fungible balance store. It is safe for
// concurrent use and is intended for tests and local development; production
// deployments adapt the real token stores behind the Ledger interface.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	hook     TransferHook
}

var _ IssuingLedger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int64)}
}

// SetHook installs a transfer hook. Pass nil to clear.
func (l *MemoryLedger) SetHook(hook TransferHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

// SetBalance seeds an account balance.
func (l *MemoryLedger) SetBalance(holder string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[holder] = amount
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrTransferRejected, amount)
	}
	if from == "" || to == "" {
		return fmt.Errorf("%w: empty party", ErrTransferRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hook != nil {
		if err := l.hook(from, to, amount); err != nil {
			return err
		}
	}
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, l.balances[from], amount)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, holder string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[holder], nil
}

func (l *MemoryLedger) Mint(_ context.Context, to string, amount int64) error {
	if amount < 0 || to == "" {
		return fmt.Errorf("%w: invalid mint", ErrTransferRejected)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] += amount
	return nil
}

func (l *MemoryLedger) Burn(_ context.Context, from string, amount int64) error {
	if amount < 0 || from == "" {
		return fmt.Errorf("%w: invalid burn", ErrTransferRejected)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, burning %d", ErrInsufficientBalance, from, l.balances[from], amount)
	}
	l.balances[from] -= amount
	return nil
}
