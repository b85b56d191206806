package worker

import (
	"context"
	"fmt"
	"log/slog"

	"ricorrenti/internal/amqp"
	"ricorrenti/internal/core"
	"ricorrenti/internal/ledger"
)

// ExpenseSource is the storage surface the ledger worker needs.
type ExpenseSource interface {
	GetExpense(ctx context.Context, id string) (*core.Expense, error)
	GetPendingSyncExpenses(ctx context.Context, limit int) ([]core.Expense, error)
	MarkSynced(ctx context.Context, id string) error
	MarkSyncError(ctx context.Context, id string) error
}

// LedgerWorker mirrors persisted expenses to an external append-only ledger.
// The primary path is AMQP messages; ProcessPendingExpenses is a backstop
// sweep for messages lost between publish and consume.
type LedgerWorker struct {
	storage   ExpenseSource
	ledger    ledger.Appender
	batchSize int
}

func NewLedgerWorker(storage ExpenseSource, appender ledger.Appender, batchSize int) *LedgerWorker {
	return &LedgerWorker{
		storage:   storage,
		ledger:    appender,
		batchSize: batchSize,
	}
}

// HandleExpenseCreated processes a single expense-created message from AMQP.
func (w *LedgerWorker) HandleExpenseCreated(ctx context.Context, msg *amqp.ExpenseCreatedMessage) error {
	slog.InfoContext(ctx, "Processing expense created message",
		"id", msg.ID,
		"user_id", msg.UserID)

	expense, err := w.storage.GetExpense(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("get expense from storage: %w", err)
	}

	return w.appendToLedger(ctx, *expense)
}

// ProcessPendingExpenses sweeps expenses that never made it to the ledger.
// Append failures are marked on the row and skipped; the sweep never aborts
// on a single bad expense.
func (w *LedgerWorker) ProcessPendingExpenses(ctx context.Context) error {
	pending, err := w.storage.GetPendingSyncExpenses(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("get pending expenses: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing pending expenses", "count", len(pending))

	for _, e := range pending {
		if err := w.appendToLedger(ctx, e); err != nil {
			slog.ErrorContext(ctx, "Failed to append pending expense",
				"id", e.ID, "error", err)
			continue
		}
	}

	return nil
}

// StartupSweep clears any backlog accumulated while the worker was down.
func (w *LedgerWorker) StartupSweep(ctx context.Context) error {
	pending, err := w.storage.GetPendingSyncExpenses(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("get pending expenses for startup sweep: %w", err)
	}

	if len(pending) == 0 {
		slog.InfoContext(ctx, "No pending expenses found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found pending expenses on startup, processing...",
		"count", len(pending))

	successCount := 0
	errorCount := 0

	for _, e := range pending {
		if err := w.appendToLedger(ctx, e); err != nil {
			slog.ErrorContext(ctx, "Failed to append expense during startup sweep",
				"id", e.ID, "error", err)
			errorCount++
			continue
		}
		successCount++
	}

	slog.InfoContext(ctx, "Startup sweep completed",
		"total", len(pending),
		"appended", successCount,
		"errors", errorCount)

	return nil
}

func (w *LedgerWorker) appendToLedger(ctx context.Context, expense core.Expense) error {
	ref, err := w.ledger.Append(ctx, expense)
	if err != nil {
		if markErr := w.storage.MarkSyncError(ctx, expense.ID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark sync error", "id", expense.ID, "error", markErr)
		}
		return fmt.Errorf("append to ledger: %w", err)
	}

	if err := w.storage.MarkSynced(ctx, expense.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to mark as synced", "id", expense.ID, "error", err)
		// Don't return an error here - the append actually worked
	}

	slog.InfoContext(ctx, "Expense mirrored to ledger",
		"id", expense.ID,
		"ledger_ref", ref,
		"description", expense.Description,
		"amount_cents", expense.Amount.Cents)

	return nil
}
