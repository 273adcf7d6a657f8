// Package billingperiod holds the pure calendar arithmetic behind subscription periods.
//
// A period is described by a Unit (day, month, annual) and a positive count.
// Annual periods are twelve calendar months. All functions operate on absolute
// instants using time.Time.AddDate, so month-end anchors normalise the same way
// the standard library does (Jan 31 + 1 month = Mar 3 in non-leap years).
//
// Invalid units and non-positive counts indicate a programming error and panic.
// Use ParseUnit at configuration boundaries to turn user input into a Unit.
//
//	end := billingperiod.PeriodEnd(now, billingperiod.Month, 1)
//	next := billingperiod.NextBillingDate(now, billingperiod.Month, 1)
package billingperiod
