package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"ricorrenti/internal/core"
)

var errStale = errors.New("stale definition")

// fakeStore is an in-memory DefinitionStore. ApplyMaterialization mimics the
// real store's guard: it fails with errStale when the caller's snapshot of
// LastCreatedDate no longer matches.
type fakeStore struct {
	mu       sync.Mutex
	defs     map[string][]core.RecurringExpense // by user
	applied  []core.Expense
	failOn   map[string]error // definition ID -> forced apply error
	listErr  error
	usersErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		defs:   make(map[string][]core.RecurringExpense),
		failOn: make(map[string]error),
	}
}

func (s *fakeStore) add(def core.RecurringExpense) {
	s.defs[def.UserID] = append(s.defs[def.UserID], def)
}

func (s *fakeStore) ListUsersWithActiveDefinitions(ctx context.Context) ([]string, error) {
	if s.usersErr != nil {
		return nil, s.usersErr
	}
	var users []string
	for u := range s.defs {
		users = append(users, u)
	}
	return users, nil
}

func (s *fakeStore) ListActiveRecurringExpenses(ctx context.Context, userID string) ([]core.RecurringExpense, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var actives []core.RecurringExpense
	for _, d := range s.defs[userID] {
		if d.IsActive {
			actives = append(actives, d)
		}
	}
	return actives, nil
}

func (s *fakeStore) ApplyMaterialization(ctx context.Context, def core.RecurringExpense, expenses []core.Expense, newLastCreated core.Date) ([]core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failOn[def.ID]; ok {
		return nil, err
	}

	defs := s.defs[def.UserID]
	for i, d := range defs {
		if d.ID != def.ID {
			continue
		}
		if !d.LastCreatedDate.Equal(def.LastCreatedDate) {
			return nil, errStale
		}
		defs[i].LastCreatedDate = newLastCreated

		inserted := make([]core.Expense, len(expenses))
		for j, e := range expenses {
			e.ID = fmt.Sprintf("exp-%s-%d", def.ID, j)
			inserted[j] = e
		}
		s.applied = append(s.applied, inserted...)
		return inserted, nil
	}
	return nil, errors.New("definition not found")
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakePublisher) PublishExpenseCreated(ctx context.Context, id, userID string, version int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, id)
	return nil
}

func processorDefinition(id, userID string) core.RecurringExpense {
	return core.RecurringExpense{
		ID:          id,
		UserID:      userID,
		CategoryID:  "cat-1",
		TypeID:      "type-1",
		Description: "Netflix",
		Amount:      core.Money{Cents: 1299},
		Frequency:   core.Monthly,
		StartDate:   core.NewDate(2024, 1, 10),
		IsActive:    true,
	}
}

func isStale(err error) bool { return errors.Is(err, errStale) }

func TestProcessUserMaterializesAndPublishes(t *testing.T) {
	store := newFakeStore()
	store.add(processorDefinition("rec-1", "user-1"))
	pub := &fakePublisher{}

	p := NewRecurringProcessor(store, pub, isStale)

	report, err := p.ProcessUser(context.Background(), "user-1", core.NewDate(2024, 3, 15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Applied) != 1 {
		t.Fatalf("expected 1 applied materialization, got %d", len(report.Applied))
	}
	applied := report.Applied[0]
	if len(applied.Expenses) != 3 {
		t.Fatalf("expected 3 expenses (jan, feb, mar), got %d", len(applied.Expenses))
	}
	if applied.NewLastCreated.String() != "2024-03-10" {
		t.Fatalf("expected new last created 2024-03-10, got %s", applied.NewLastCreated)
	}
	if len(pub.published) != 3 {
		t.Fatalf("expected 3 published messages, got %d", len(pub.published))
	}
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}
}

func TestProcessUserReportsInvalidDefinition(t *testing.T) {
	store := newFakeStore()
	good := processorDefinition("rec-good", "user-1")
	bad := processorDefinition("rec-bad", "user-1")
	bad.Amount.Cents = 0
	store.add(good)
	store.add(bad)

	p := NewRecurringProcessor(store, nil, isStale)

	report, err := p.ProcessUser(context.Background(), "user-1", core.NewDate(2024, 1, 31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Applied) != 1 || report.Applied[0].Definition.ID != "rec-good" {
		t.Fatalf("expected rec-good applied, got %+v", report.Applied)
	}
	if len(report.Failures) != 1 || report.Failures[0].Definition.ID != "rec-bad" {
		t.Fatalf("expected rec-bad failure, got %+v", report.Failures)
	}
	if !errors.Is(report.Failures[0].Err, core.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", report.Failures[0].Err)
	}
}

func TestProcessUserTreatsStaleAsNoop(t *testing.T) {
	store := newFakeStore()
	def := processorDefinition("rec-1", "user-1")
	store.add(def)
	// Simulate a concurrent cycle that advanced bookkeeping between our list
	// and our apply.
	store.failOn["rec-1"] = errStale

	p := NewRecurringProcessor(store, nil, isStale)

	report, err := p.ProcessUser(context.Background(), "user-1", core.NewDate(2024, 2, 15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Applied) != 0 {
		t.Fatalf("expected nothing applied, got %d", len(report.Applied))
	}
	if len(report.Failures) != 0 {
		t.Fatalf("stale apply must not count as failure, got %v", report.Failures)
	}
}

func TestProcessUserReportsStorageFailure(t *testing.T) {
	store := newFakeStore()
	store.add(processorDefinition("rec-1", "user-1"))
	store.failOn["rec-1"] = errors.New("disk full")

	p := NewRecurringProcessor(store, nil, isStale)

	report, err := p.ProcessUser(context.Background(), "user-1", core.NewDate(2024, 2, 15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(report.Failures))
	}
}

func TestProcessUserRerunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.add(processorDefinition("rec-1", "user-1"))

	p := NewRecurringProcessor(store, nil, isStale)
	ref := core.NewDate(2024, 3, 15)

	first, err := p.ProcessUser(context.Background(), "user-1", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.Applied) != 1 {
		t.Fatalf("expected 1 applied, got %d", len(first.Applied))
	}

	second, err := p.ProcessUser(context.Background(), "user-1", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Applied) != 0 || len(second.Failures) != 0 {
		t.Fatalf("rerun must be a no-op, got %+v", second)
	}
	if len(store.applied) != 3 {
		t.Fatalf("expected 3 total expenses, got %d", len(store.applied))
	}
}

func TestProcessAllUsersFansOut(t *testing.T) {
	store := newFakeStore()
	store.add(processorDefinition("rec-1", "user-1"))
	store.add(processorDefinition("rec-2", "user-2"))

	p := NewRecurringProcessor(store, nil, isStale)

	created, err := p.ProcessAllUsers(context.Background(), core.NewDate(2024, 2, 15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 4 { // two users, jan + feb each
		t.Fatalf("expected 4 expenses created, got %d", created)
	}
}

func TestProcessAllUsersPublishFailureDoesNotBlock(t *testing.T) {
	store := newFakeStore()
	store.add(processorDefinition("rec-1", "user-1"))
	pub := &fakePublisher{err: errors.New("broker down")}

	p := NewRecurringProcessor(store, pub, isStale)

	created, err := p.ProcessAllUsers(context.Background(), core.NewDate(2024, 1, 31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 expense despite publish failure, got %d", created)
	}
}
