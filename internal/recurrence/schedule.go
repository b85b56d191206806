// Package recurrence decides which recurring expense definitions are due and
// turns due occurrences into concrete expense records. Everything here is a
// pure function of its inputs: the engine never reads a clock, never touches
// storage, and never mutates a definition.
package recurrence

import (
	"fmt"
	"time"

	"ricorrenti/internal/core"
)

// Schedule is the strategy interface for one recurrence frequency. The
// occurrence sequence of a definition is Occurrence(start, 0), which is the
// start date itself, followed by Occurrence(start, 1), and so on. The sequence
// is strictly increasing for every implementation.
type Schedule interface {
	// Occurrence returns the nth occurrence date for a definition anchored
	// at start. n is zero-based; Occurrence(start, 0) == start.
	Occurrence(start core.Date, n int) core.Date
}

// DailySchedule fires every day from the start date.
type DailySchedule struct{}

func (DailySchedule) Occurrence(start core.Date, n int) core.Date {
	return core.DateOf(start.AddDate(0, 0, n))
}

// WeeklySchedule fires every 7 days from the start date.
type WeeklySchedule struct{}

func (WeeklySchedule) Occurrence(start core.Date, n int) core.Date {
	return core.DateOf(start.AddDate(0, 0, 7*n))
}

// MonthlySchedule fires on the start date's day-of-month. Days that do not
// exist in a given month clamp to that month's last day, so an anchor on the
// 31st yields Feb 29 in leap years and Feb 28 otherwise, then Mar 31 again.
type MonthlySchedule struct{}

func (MonthlySchedule) Occurrence(start core.Date, n int) core.Date {
	return clampedDate(start.Year(), start.Month()+n, start.Day())
}

// YearlySchedule fires on the start date's month and day every year, clamping
// Feb 29 anchors to Feb 28 in non-leap years.
type YearlySchedule struct{}

func (YearlySchedule) Occurrence(start core.Date, n int) core.Date {
	return clampedDate(start.Year()+n, start.Month(), start.Day())
}

// clampedDate builds a date from components where month may be out of the
// 1-12 range (it normalizes) and day is clamped to the target month's length
// instead of rolling over the way time.Date does.
func clampedDate(year, month, day int) core.Date {
	lastDay := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > lastDay {
		day = lastDay
	}
	return core.NewDate(year, month, day)
}

var schedules = map[core.Frequency]Schedule{
	core.Daily:   DailySchedule{},
	core.Weekly:  WeeklySchedule{},
	core.Monthly: MonthlySchedule{},
	core.Yearly:  YearlySchedule{},
}

// ScheduleFor returns the schedule for a frequency.
func ScheduleFor(frequency core.Frequency) (Schedule, error) {
	s, ok := schedules[frequency]
	if !ok {
		return nil, fmt.Errorf("%w: unknown frequency %q", core.ErrInvalidDefinition, string(frequency))
	}
	return s, nil
}
