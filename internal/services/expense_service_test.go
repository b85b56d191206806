package services

import (
	"context"
	"errors"
	"testing"

	"ricorrenti/internal/core"
)

type fakeExpenseStore struct {
	saved []core.Expense
	err   error
}

func (s *fakeExpenseStore) CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error) {
	if s.err != nil {
		return core.Expense{}, s.err
	}
	e.ID = "exp-1"
	s.saved = append(s.saved, e)
	return e, nil
}

func TestCreateExpensePersistsAndPublishes(t *testing.T) {
	store := &fakeExpenseStore{}
	pub := &fakePublisher{}
	svc := NewExpenseService(store, pub)

	e := core.Expense{
		UserID:      "user-1",
		CategoryID:  "cat-1",
		TypeID:      "type-1",
		Description: "Cena",
		Amount:      core.Money{Cents: 3200},
		Date:        core.NewDate(2024, 3, 8),
	}

	saved, err := svc.CreateExpense(context.Background(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != "exp-1" {
		t.Fatalf("expected assigned ID, got %q", saved.ID)
	}
	if len(pub.published) != 1 || pub.published[0] != "exp-1" {
		t.Fatalf("expected published exp-1, got %v", pub.published)
	}
}

func TestCreateExpensePublishFailureIsNotFatal(t *testing.T) {
	store := &fakeExpenseStore{}
	pub := &fakePublisher{err: errors.New("broker down")}
	svc := NewExpenseService(store, pub)

	e := core.Expense{
		UserID:      "user-1",
		CategoryID:  "cat-1",
		TypeID:      "type-1",
		Description: "Cena",
		Amount:      core.Money{Cents: 3200},
		Date:        core.NewDate(2024, 3, 8),
	}

	if _, err := svc.CreateExpense(context.Background(), e); err != nil {
		t.Fatalf("publish failure must not fail the request: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected expense persisted, got %d", len(store.saved))
	}
}

func TestCreateExpenseStoreFailure(t *testing.T) {
	store := &fakeExpenseStore{err: errors.New("disk full")}
	svc := NewExpenseService(store, nil)

	if _, err := svc.CreateExpense(context.Background(), core.Expense{}); err == nil {
		t.Fatal("expected error from store")
	}
}
