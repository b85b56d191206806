package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
	Weekly  Frequency = "weekly"
	Daily   Frequency = "daily"
)

type (
	// Frequency is how often a recurring expense fires.
	Frequency string

	// Date is a calendar date. The time-of-day part is always midnight UTC.
	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// RecurringExpense is a template describing a periodically recurring cost
	// plus the bookkeeping needed to materialize it. LastCreatedDate is zero
	// until the first materialization and is advanced only by the engine.
	RecurringExpense struct {
		ID              string
		UserID          string
		CategoryID      string
		TypeID          string
		Description     string
		Amount          Money
		Frequency       Frequency
		StartDate       Date
		LastCreatedDate Date
		IsActive        bool
		Note            string
	}

	// Expense is a concrete, dated expense record. RecurringID links back to
	// the definition that materialized it and is empty for manual expenses.
	Expense struct {
		ID          string
		UserID      string
		CategoryID  string
		TypeID      string
		Description string
		Amount      Money
		Date        Date
		Note        string
		RecurringID string
	}
)

var (
	ErrInvalidDate       = errors.New("invalid date")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidFrequency  = errors.New("invalid frequency")
	ErrEmptyDescription  = errors.New("empty description")
	ErrEmptyCategory     = errors.New("empty category reference")
	ErrEmptyType         = errors.New("empty type reference")
	ErrEmptyUser         = errors.New("empty user reference")
	ErrInvalidDefinition = errors.New("invalid recurring expense definition")
)

// NewDate creates a Date from year, month, day at midnight UTC.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, int(m), d)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{Time: t.UTC()}, nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// Day returns the day of the month.
func (d Date) Day() int {
	return d.Time.Day()
}

// Month returns the month as an int.
func (d Date) Month() int {
	return int(d.Time.Month())
}

// Year returns the year.
func (d Date) Year() int {
	return d.Time.Year()
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format("2006-01-02")
}

// Before reports whether d is an earlier calendar date than other.
func (d Date) Before(other Date) bool {
	return d.Time.Before(other.Time)
}

// After reports whether d is a later calendar date than other.
func (d Date) After(other Date) bool {
	return d.Time.After(other.Time)
}

// Equal reports whether two dates are the same calendar date.
func (d Date) Equal(other Date) bool {
	return d.Time.Equal(other.Time)
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (f Frequency) Validate() error {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFrequency, string(f))
	}
}

func (e Expense) Validate() error {
	if err := e.Date.Validate(); err != nil {
		return err
	}
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(e.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.UserID) == "" {
		return ErrEmptyUser
	}
	if strings.TrimSpace(e.CategoryID) == "" {
		return ErrEmptyCategory
	}
	if strings.TrimSpace(e.TypeID) == "" {
		return ErrEmptyType
	}
	return nil
}

// Validate checks the definition invariants. Definitions coming back from
// storage are revalidated before materialization, not trusted.
func (re RecurringExpense) Validate() error {
	if err := re.StartDate.Validate(); err != nil {
		return fmt.Errorf("invalid start date: %w", err)
	}
	if !re.LastCreatedDate.IsZero() && re.LastCreatedDate.Before(re.StartDate) {
		return errors.New("last created date before start date")
	}
	if err := re.Frequency.Validate(); err != nil {
		return err
	}
	if len(strings.TrimSpace(re.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(re.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if err := re.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(re.UserID) == "" {
		return ErrEmptyUser
	}
	if strings.TrimSpace(re.CategoryID) == "" {
		return ErrEmptyCategory
	}
	if strings.TrimSpace(re.TypeID) == "" {
		return ErrEmptyType
	}
	return nil
}
