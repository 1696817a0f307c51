// Package gate decides whether a notification may be delivered to a recipient
// at a given instant, based on that recipient's preferences.
package gate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/tandem/internal/domain"
)

// Deny reasons.
const (
	ReasonDisabled         = "disabled"
	ReasonCategoryDisabled = "category-disabled"
	ReasonQuietHours       = "quiet-hours"
)

// Decision is the gate's verdict. Warning is set when a preference could not be
// parsed; the gate then fails open and the caller is expected to log it.
type Decision struct {
	Allowed bool
	Reason  string
	Warning error
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Evaluate checks the global toggle, the category toggle and quiet hours.
// Urgent reminders skip quiet hours but never the toggles.
func Evaluate(prefs domain.NotificationPreferences, category domain.Category, priority domain.Priority, at time.Time) Decision {
	if !prefs.Enabled {
		return deny(ReasonDisabled)
	}
	if !prefs.Categories.Enabled(category) {
		return deny(ReasonCategoryDisabled)
	}
	if !prefs.QuietHours.Enabled || priority == domain.PriorityUrgent {
		return allow()
	}

	inQuiet, err := InQuietHours(prefs.QuietHours, prefs.Timezone, at)
	if err != nil {
		d := allow()
		d.Warning = err
		return d
	}
	if inQuiet {
		return deny(ReasonQuietHours)
	}
	return allow()
}

// InQuietHours reports whether at falls inside the window, evaluated in tz.
// A window whose start is after its end spans midnight. Both bounds are
// inclusive at minute resolution.
func InQuietHours(q domain.QuietHours, tz string, at time.Time) (bool, error) {
	start, err := ParseClock(q.Start)
	if err != nil {
		return false, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := ParseClock(q.End)
	if err != nil {
		return false, fmt.Errorf("quiet hours end: %w", err)
	}

	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return false, fmt.Errorf("timezone %q: %w", tz, err)
		}
	}

	local := at.In(loc)
	now := local.Hour()*60 + local.Minute()

	if start > end {
		return now >= start || now <= end, nil
	}
	return now >= start && now <= end, nil
}

// ParseClock converts "HH:MM" to minutes after midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("malformed time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("malformed hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("malformed minute in %q", s)
	}
	return h*60 + m, nil
}
