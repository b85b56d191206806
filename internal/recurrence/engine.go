package recurrence

import (
	"fmt"

	"ricorrenti/internal/core"
)

// Materialization is the proposed outcome of materializing one definition:
// the expense records to insert and the bookkeeping value the store must
// persist together with them, in one transaction.
type Materialization struct {
	Definition     core.RecurringExpense
	Expenses       []core.Expense
	NewLastCreated core.Date
}

// CycleFailure reports one definition that could not be processed during a
// batch cycle. Failures never abort the rest of the batch.
type CycleFailure struct {
	Definition core.RecurringExpense
	Err        error
}

// DueOccurrences returns the ordered sequence of occurrence dates of def that
// are due at referenceDate and not yet materialized, oldest first.
//
// Inactive definitions always yield an empty sequence. When the definition has
// never been materialized the first candidate is its start date; otherwise it
// is the occurrence immediately after LastCreatedDate. A definition that has
// not been processed for several periods yields every missed occurrence, not
// just the latest one.
func DueOccurrences(def core.RecurringExpense, referenceDate core.Date) ([]core.Date, error) {
	if !def.IsActive {
		return nil, nil
	}
	if err := def.StartDate.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidDefinition, err)
	}
	schedule, err := ScheduleFor(def.Frequency)
	if err != nil {
		return nil, err
	}

	n := 0
	if !def.LastCreatedDate.IsZero() {
		// Skip everything already materialized. The sequence is strictly
		// increasing, so this terminates.
		for !schedule.Occurrence(def.StartDate, n).After(def.LastCreatedDate) {
			n++
		}
	}

	var due []core.Date
	for {
		occ := schedule.Occurrence(def.StartDate, n)
		if occ.After(referenceDate) {
			return due, nil
		}
		due = append(due, occ)
		n++
	}
}

// Materialize builds one expense record per due occurrence date, copying
// category, type, description, amount and note from the definition, and
// proposes the new LastCreatedDate (the latest date in the sequence).
//
// The definition is revalidated here rather than trusted from storage; a
// definition with a non-positive amount or empty description fails with
// core.ErrInvalidDefinition and produces no records. The function is pure and
// deterministic: identical inputs always produce identical output, and the
// caller owns persisting records and bookkeeping atomically.
func Materialize(def core.RecurringExpense, occurrenceDates []core.Date) (Materialization, error) {
	if len(occurrenceDates) == 0 {
		return Materialization{}, fmt.Errorf("%w: no occurrence dates", core.ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return Materialization{}, fmt.Errorf("%w: %v", core.ErrInvalidDefinition, err)
	}

	expenses := make([]core.Expense, len(occurrenceDates))
	for i, date := range occurrenceDates {
		expenses[i] = core.Expense{
			UserID:      def.UserID,
			CategoryID:  def.CategoryID,
			TypeID:      def.TypeID,
			Description: def.Description,
			Amount:      def.Amount,
			Date:        date,
			Note:        def.Note,
			RecurringID: def.ID,
		}
	}

	return Materialization{
		Definition:     def,
		Expenses:       expenses,
		NewLastCreated: occurrenceDates[len(occurrenceDates)-1],
	}, nil
}

// RunDueCycle processes a user's definitions independently: for each one it
// computes due occurrences and materializes them. Definitions with nothing
// due are skipped silently. A failing definition is reported in the failure
// list and does not affect the others; input order is preserved in both lists.
func RunDueCycle(defs []core.RecurringExpense, referenceDate core.Date) ([]Materialization, []CycleFailure) {
	var results []Materialization
	var failures []CycleFailure

	for _, def := range defs {
		due, err := DueOccurrences(def, referenceDate)
		if err != nil {
			failures = append(failures, CycleFailure{Definition: def, Err: err})
			continue
		}
		if len(due) == 0 {
			continue
		}
		m, err := Materialize(def, due)
		if err != nil {
			failures = append(failures, CycleFailure{Definition: def, Err: err})
			continue
		}
		results = append(results, m)
	}

	return results, failures
}
