package billing

import (
	"fmt"
	"time"
)

// BillingPeriod is a half-open [Start, End) interval that usage counters
// are partitioned by. Periods are calendar months; rollover creates a
// fresh counter so historical usage stays queryable.
type BillingPeriod struct {
	Start time.Time
	End   time.Time
}

// PeriodFor returns the calendar-month billing period containing now.
func PeriodFor(now time.Time) BillingPeriod {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return BillingPeriod{
		Start: start,
		End:   start.AddDate(0, 1, 0),
	}
}

// Key returns the stable identifier used to partition counter storage,
// e.g. "2026-08".
func (p BillingPeriod) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Start.Year(), int(p.Start.Month()))
}

// Contains reports whether t falls inside the period.
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}
