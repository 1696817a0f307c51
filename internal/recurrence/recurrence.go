// Package recurrence computes the next due date of a recurring reminder.
//
// Every function here is pure: the same inputs always produce the same output,
// which is what lets the server tick and the client job agree on the next
// occurrence without talking to each other.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/lalithlochan/tandem/internal/domain"
)

// Status classifies the result of a calculation.
type Status int

const (
	// Scheduled means a concrete next due date was produced.
	Scheduled Status = iota
	// Expired means the next date falls after the rule's end date.
	Expired
	// NonRecurring means there is no rule to apply.
	NonRecurring
)

func (s Status) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Expired:
		return "expired"
	case NonRecurring:
		return "non-recurring"
	default:
		return "unknown"
	}
}

// ErrInvalidRule is returned for negative intervals and unknown frequencies.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// maxSteps bounds AdvancePast; a daily series a century stale still fits.
const maxSteps = 1 << 16

// Next returns the occurrence one interval after last. Hour, minute and second
// of last are preserved in last's location.
func Next(last time.Time, rule *domain.Recurrence) (time.Time, Status, error) {
	return nth(last, rule, 1)
}

// AdvancePast returns the first occurrence strictly after ref, counting whole
// intervals from last. Occurrences are derived from last directly rather than
// from the previous step, so month-end clamping never drifts (Jan 31 stays
// anchored to the 31st: Feb 29, Mar 31, Apr 30...).
func AdvancePast(last time.Time, rule *domain.Recurrence, ref time.Time) (time.Time, Status, error) {
	for n := 1; n <= maxSteps; n++ {
		next, status, err := nth(last, rule, n)
		if err != nil || status != Scheduled {
			return next, status, err
		}
		if next.After(ref) {
			return next, Scheduled, nil
		}
	}
	return time.Time{}, Scheduled, fmt.Errorf("%w: no occurrence after %s within %d steps", ErrInvalidRule, ref.Format(time.RFC3339), maxSteps)
}

func nth(last time.Time, rule *domain.Recurrence, n int) (time.Time, Status, error) {
	if rule == nil || rule.Frequency == "" || rule.Frequency == domain.FrequencyNone {
		return time.Time{}, NonRecurring, nil
	}

	interval := rule.Interval
	if interval < 0 {
		return time.Time{}, Scheduled, fmt.Errorf("%w: interval %d", ErrInvalidRule, interval)
	}
	if interval == 0 {
		interval = 1
	}
	steps := interval * n

	var next time.Time
	switch rule.Frequency {
	case domain.FrequencyDaily:
		next = last.AddDate(0, 0, steps)
	case domain.FrequencyWeekly:
		next = last.AddDate(0, 0, 7*steps)
	case domain.FrequencyMonthly:
		next = addMonthsClamped(last, steps)
	case domain.FrequencyYearly:
		next = addMonthsClamped(last, 12*steps)
	default:
		return time.Time{}, Scheduled, fmt.Errorf("%w: frequency %q", ErrInvalidRule, rule.Frequency)
	}

	if rule.EndDate != nil && next.After(*rule.EndDate) {
		return next, Expired, nil
	}
	return next, Scheduled, nil
}

// addMonthsClamped adds months without rolling into the following month when
// the target month is shorter than last's day-of-month.
func addMonthsClamped(last time.Time, months int) time.Time {
	y, m, d := last.Date()
	hh, mm, ss := last.Clock()
	loc := last.Location()

	// Day 1 never overflows, so this normalises year/month only.
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, loc)
	ty, tm, _ := first.Date()

	if dim := daysIn(ty, tm, loc); d > dim {
		d = dim
	}
	return time.Date(ty, tm, d, hh, mm, ss, last.Nanosecond(), loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
