package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"ricorrenti/internal/core"
	"ricorrenti/internal/recurrence"
)

// DefinitionStore is the storage surface the processor needs. The store owns
// all shared mutable state; the processor only proposes deltas computed by
// the pure engine.
type DefinitionStore interface {
	ListUsersWithActiveDefinitions(ctx context.Context) ([]string, error)
	ListActiveRecurringExpenses(ctx context.Context, userID string) ([]core.RecurringExpense, error)
	ApplyMaterialization(ctx context.Context, def core.RecurringExpense, expenses []core.Expense, newLastCreated core.Date) ([]core.Expense, error)
}

// EventPublisher announces persisted expenses to downstream consumers.
type EventPublisher interface {
	PublishExpenseCreated(ctx context.Context, id, userID string, version int64) error
}

// AppliedMaterialization is one definition successfully processed and
// committed: the rows now exist and last_created_date has advanced.
type AppliedMaterialization struct {
	Definition     core.RecurringExpense
	Expenses       []core.Expense
	NewLastCreated core.Date
}

// CycleReport is the full accounting of one user's cycle. Every definition
// attempted appears either in Applied or in Failures; definitions with
// nothing due appear in neither.
type CycleReport struct {
	UserID   string
	Applied  []AppliedMaterialization
	Failures []recurrence.CycleFailure
}

// RecurringProcessor turns due recurring expense definitions into persisted
// expense records. Dueness is computed by the pure engine; this type owns the
// orchestration: loading definitions, committing materializations through the
// store's per-definition transaction, and publishing events.
type RecurringProcessor struct {
	store     DefinitionStore
	publisher EventPublisher
	isStale   func(error) bool

	// UserConcurrency bounds how many users are processed in parallel
	// during ProcessAllUsers. Defaults to 4.
	UserConcurrency int
}

// NewRecurringProcessor creates a processor. publisher may be nil when no
// message broker is configured; isStale recognizes the store's stale-guard
// error (storage.ErrStaleDefinition).
func NewRecurringProcessor(store DefinitionStore, publisher EventPublisher, isStale func(error) bool) *RecurringProcessor {
	if isStale == nil {
		isStale = func(error) bool { return false }
	}
	return &RecurringProcessor{
		store:           store,
		publisher:       publisher,
		isStale:         isStale,
		UserConcurrency: 4,
	}
}

// ProcessUser runs one due cycle for a single user at referenceDate.
// Per-definition failures are reported in the returned CycleReport, never by
// the error value; the error is reserved for not being able to run at all.
func (p *RecurringProcessor) ProcessUser(ctx context.Context, userID string, referenceDate core.Date) (CycleReport, error) {
	report := CycleReport{UserID: userID}

	defs, err := p.store.ListActiveRecurringExpenses(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("list active recurring expenses for user %s: %w", userID, err)
	}
	if len(defs) == 0 {
		return report, nil
	}

	proposals, failures := recurrence.RunDueCycle(defs, referenceDate)
	report.Failures = failures

	for _, f := range failures {
		slog.WarnContext(ctx, "Recurring expense definition rejected",
			"recurring_id", f.Definition.ID,
			"user_id", userID,
			"error", f.Err)
	}

	for _, m := range proposals {
		inserted, err := p.store.ApplyMaterialization(ctx, m.Definition, m.Expenses, m.NewLastCreated)
		if err != nil {
			if p.isStale(err) {
				// A concurrent run won the race for this definition. Its
				// occurrences are already materialized, so this is a no-op,
				// not a failure.
				slog.InfoContext(ctx, "Skipping stale definition",
					"recurring_id", m.Definition.ID,
					"user_id", userID)
				continue
			}
			report.Failures = append(report.Failures, recurrence.CycleFailure{
				Definition: m.Definition,
				Err:        fmt.Errorf("apply materialization: %w", err),
			})
			continue
		}

		report.Applied = append(report.Applied, AppliedMaterialization{
			Definition:     m.Definition,
			Expenses:       inserted,
			NewLastCreated: m.NewLastCreated,
		})

		p.publishAll(ctx, inserted)

		slog.InfoContext(ctx, "Materialized recurring expense",
			"recurring_id", m.Definition.ID,
			"user_id", userID,
			"description", m.Definition.Description,
			"occurrences", len(inserted),
			"last_created_date", m.NewLastCreated.String())
	}

	return report, nil
}

// ProcessAllUsers runs ProcessUser for every user that has at least one
// active definition, with bounded parallelism. Per-definition isolation is
// preserved: one user's storage error does not stop the other users.
// Returns the total number of expenses created.
func (p *RecurringProcessor) ProcessAllUsers(ctx context.Context, referenceDate core.Date) (int, error) {
	users, err := p.store.ListUsersWithActiveDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users with active definitions: %w", err)
	}

	slog.InfoContext(ctx, "Processing recurring expenses",
		"users", len(users),
		"reference_date", referenceDate.String())

	var (
		mu       sync.Mutex
		created  int
		failed   int
		userErrs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.UserConcurrency)

	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			report, err := p.ProcessUser(gctx, userID, referenceDate)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Collect and keep going: a broken user must not starve the rest.
				userErrs = append(userErrs, err)
				return nil
			}
			for _, a := range report.Applied {
				created += len(a.Expenses)
			}
			failed += len(report.Failures)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return created, err
	}

	slog.InfoContext(ctx, "Recurring expense processing complete",
		"users", len(users),
		"expenses_created", created,
		"definitions_failed", failed,
		"user_errors", len(userErrs))

	return created, errors.Join(userErrs...)
}

func (p *RecurringProcessor) publishAll(ctx context.Context, expenses []core.Expense) {
	if p.publisher == nil {
		return
	}
	for _, e := range expenses {
		if err := p.publisher.PublishExpenseCreated(ctx, e.ID, e.UserID, 1); err != nil {
			// The pending-sync sweep will pick the row up later.
			slog.ErrorContext(ctx, "Failed to publish expense created message",
				"id", e.ID, "error", err)
		}
	}
}
