package ledger

import (
	"context"

	"ricorrenti/internal/core"
)

// Appender mirrors expenses to an external append-only ledger.
type Appender interface {
	// Append writes one expense row and returns a reference to it.
	Append(ctx context.Context, e core.Expense) (rowRef string, err error)
}
