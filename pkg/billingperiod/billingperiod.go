package billingperiod

import (
	"fmt"
	"strings"
	"time"
)

// Unit is the calendar unit a billing period is measured in.
type Unit string

const (
	Day    Unit = "day"
	Month  Unit = "month"
	Annual Unit = "annual"
)

// maxAdvanceSteps bounds Advance for rows that have been stale for a very long time.
const maxAdvanceSteps = 10_000

// ParseUnit converts configuration input into a Unit.
// Accepts the canonical names plus the common adjective forms ("daily", "monthly", "yearly").
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily", "days":
		return Day, nil
	case "month", "monthly", "months":
		return Month, nil
	case "annual", "annually", "year", "yearly", "years":
		return Annual, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUnit, s)
	}
}

func (u Unit) String() string {
	return string(u)
}

// Valid reports whether u is one of the supported units.
func (u Unit) Valid() bool {
	switch u {
	case Day, Month, Annual:
		return true
	}
	return false
}

// PeriodEnd returns the instant a period starting at start ends.
// Panics on an unknown unit or a non-positive count: both are programming errors.
func PeriodEnd(start time.Time, unit Unit, count int) time.Time {
	return add(start, unit, count)
}

// NextBillingDate returns when the next charge for a period starting at start is due.
// It coincides with PeriodEnd; the two are kept separate so callers state intent.
func NextBillingDate(start time.Time, unit Unit, count int) time.Time {
	return add(start, unit, count)
}

// Advance steps a period forward from start until its end is after now.
// It returns the new period start and end. If the period starting at start
// already ends after now, start is returned unchanged.
func Advance(start, now time.Time, unit Unit, count int) (periodStart, periodEnd time.Time) {
	periodStart = start
	periodEnd = add(periodStart, unit, count)
	for i := 0; !periodEnd.After(now) && i < maxAdvanceSteps; i++ {
		periodStart = periodEnd
		periodEnd = add(periodStart, unit, count)
	}
	return periodStart, periodEnd
}

func add(start time.Time, unit Unit, count int) time.Time {
	if count <= 0 {
		panic(fmt.Sprintf("billingperiod: count must be positive, got %d", count))
	}
	switch unit {
	case Day:
		return start.AddDate(0, 0, count)
	case Month:
		return start.AddDate(0, count, 0)
	case Annual:
		return start.AddDate(0, 12*count, 0)
	default:
		panic(fmt.Sprintf("billingperiod: unknown unit %q", string(unit)))
	}
}
