// Package memory is an in-memory ledger adapter for tests and local runs
// without Google credentials.
package memory

import (
	"context"
	"fmt"
	"sync"

	"ricorrenti/internal/core"
	ports "ricorrenti/internal/ledger"
)

type Ledger struct {
	mu   sync.Mutex
	rows []core.Expense
}

var _ ports.Appender = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Append(ctx context.Context, e core.Expense) (string, error) {
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, e)
	return fmt.Sprintf("row-%d", len(l.rows)), nil
}

// Rows returns a copy of everything appended so far.
func (l *Ledger) Rows() []core.Expense {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.Expense, len(l.rows))
	copy(out, l.rows)
	return out
}
