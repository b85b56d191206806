package services

import (
	"context"
	"fmt"
	"log/slog"

	"ricorrenti/internal/core"
)

// ExpenseStore is the storage surface for manual expense creation.
type ExpenseStore interface {
	CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error)
}

// ExpenseService persists manually entered expenses and announces them on the
// same event pipeline the recurring processor uses, so the ledger worker sees
// both kinds of expense uniformly.
type ExpenseService struct {
	store     ExpenseStore
	publisher EventPublisher
}

func NewExpenseService(store ExpenseStore, publisher EventPublisher) *ExpenseService {
	return &ExpenseService{
		store:     store,
		publisher: publisher,
	}
}

// CreateExpense saves an expense locally and publishes a created message.
// Publish failure never fails the request; the expense is already persisted
// and the pending-sync sweep covers lost messages.
func (s *ExpenseService) CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error) {
	saved, err := s.store.CreateExpense(ctx, e)
	if err != nil {
		return core.Expense{}, fmt.Errorf("save expense: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishExpenseCreated(ctx, saved.ID, saved.UserID, 1); err != nil {
			slog.ErrorContext(ctx, "Failed to publish expense created message",
				"id", saved.ID, "error", err)
		}
	}

	return saved, nil
}
