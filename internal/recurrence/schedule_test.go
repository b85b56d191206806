package recurrence

import (
	"errors"
	"testing"

	"ricorrenti/internal/core"
)

func TestMonthlyScheduleClampsToMonthEnd(t *testing.T) {
	start := core.NewDate(2024, 1, 31)
	s := MonthlySchedule{}

	cases := []struct {
		n    int
		want string
	}{
		{0, "2024-01-31"},
		{1, "2024-02-29"}, // leap year
		{2, "2024-03-31"}, // anchor day restored after clamping
		{3, "2024-04-30"},
		{4, "2024-05-31"},
		{13, "2025-02-28"}, // non-leap year
	}
	for _, tc := range cases {
		if got := s.Occurrence(start, tc.n); got.String() != tc.want {
			t.Fatalf("occurrence %d: expected %s, got %s", tc.n, tc.want, got)
		}
	}
}

func TestMonthlyScheduleRegularDay(t *testing.T) {
	start := core.NewDate(2024, 1, 15)
	s := MonthlySchedule{}

	want := []string{"2024-01-15", "2024-02-15", "2024-03-15", "2024-12-15", "2025-01-15"}
	for i, n := range []int{0, 1, 2, 11, 12} {
		if got := s.Occurrence(start, n); got.String() != want[i] {
			t.Fatalf("occurrence %d: expected %s, got %s", n, want[i], got)
		}
	}
}

func TestYearlyScheduleClampsLeapDay(t *testing.T) {
	start := core.NewDate(2024, 2, 29)
	s := YearlySchedule{}

	if got := s.Occurrence(start, 1); got.String() != "2025-02-28" {
		t.Fatalf("expected 2025-02-28, got %s", got)
	}
	if got := s.Occurrence(start, 4); got.String() != "2028-02-29" {
		t.Fatalf("expected 2028-02-29, got %s", got)
	}
}

func TestDailyAndWeeklySchedules(t *testing.T) {
	start := core.NewDate(2024, 1, 1)

	if got := (DailySchedule{}).Occurrence(start, 31); got.String() != "2024-02-01" {
		t.Fatalf("daily occurrence 31: expected 2024-02-01, got %s", got)
	}
	if got := (WeeklySchedule{}).Occurrence(start, 2); got.String() != "2024-01-15" {
		t.Fatalf("weekly occurrence 2: expected 2024-01-15, got %s", got)
	}
}

func TestScheduleForUnknownFrequency(t *testing.T) {
	if _, err := ScheduleFor("fortnightly"); !errors.Is(err, core.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}

	for _, f := range []core.Frequency{core.Daily, core.Weekly, core.Monthly, core.Yearly} {
		if _, err := ScheduleFor(f); err != nil {
			t.Fatalf("expected schedule for %s, got %v", f, err)
		}
	}
}
