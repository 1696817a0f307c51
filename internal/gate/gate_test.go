package gate

import (
	"testing"
	"time"

	"github.com/lalithlochan/tandem/internal/domain"
)

func prefsWithQuiet(start, end string) domain.NotificationPreferences {
	p := domain.DefaultPreferences()
	p.QuietHours = domain.QuietHours{Enabled: true, Start: start, End: end}
	return p
}

func at(hh, mm int) time.Time {
	return time.Date(2024, 6, 1, hh, mm, 0, 0, time.UTC)
}

func TestEvaluate_QuietHours(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		at      time.Time
		allowed bool
	}{
		{"overnight_inside_late", "22:00", "08:00", at(23, 30), false},
		{"overnight_inside_early", "22:00", "08:00", at(6, 0), false},
		{"overnight_outside", "22:00", "08:00", at(9, 0), true},
		{"overnight_start_inclusive", "22:00", "08:00", at(22, 0), false},
		{"overnight_end_inclusive", "22:00", "08:00", at(8, 0), false},
		{"sameday_outside", "08:00", "22:00", at(23, 30), true},
		{"sameday_inside", "08:00", "22:00", at(12, 0), false},
		{"sameday_before", "08:00", "22:00", at(7, 59), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(prefsWithQuiet(tt.start, tt.end), domain.CategoryReminders, domain.PriorityMedium, tt.at)
			if d.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (reason %q)", d.Allowed, tt.allowed, d.Reason)
			}
			if !tt.allowed && d.Reason != ReasonQuietHours {
				t.Errorf("Reason = %q, want %q", d.Reason, ReasonQuietHours)
			}
			if d.Warning != nil {
				t.Errorf("unexpected warning: %v", d.Warning)
			}
		})
	}
}

func TestEvaluate_UsesRecipientTimezone(t *testing.T) {
	p := prefsWithQuiet("22:00", "08:00")
	p.Timezone = "Europe/Madrid"
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 21:30 UTC in June is 23:30 in Madrid.
	d := Evaluate(p, domain.CategoryReminders, domain.PriorityLow, time.Date(2024, 6, 1, 21, 30, 0, 0, time.UTC))
	if d.Allowed {
		t.Error("expected quiet-hours denial in recipient timezone")
	}
}

func TestEvaluate_Toggles(t *testing.T) {
	p := domain.DefaultPreferences()
	p.Enabled = false
	if d := Evaluate(p, domain.CategoryReminders, domain.PriorityUrgent, at(12, 0)); d.Allowed || d.Reason != ReasonDisabled {
		t.Errorf("disabled: got %+v", d)
	}

	p = domain.DefaultPreferences()
	p.Categories.CoupleReminders = false
	if d := Evaluate(p, domain.CategoryCoupleReminders, domain.PriorityUrgent, at(12, 0)); d.Allowed || d.Reason != ReasonCategoryDisabled {
		t.Errorf("category disabled: got %+v", d)
	}
	if d := Evaluate(p, domain.CategoryReminders, domain.PriorityLow, at(12, 0)); !d.Allowed {
		t.Errorf("other category should pass: got %+v", d)
	}
}

func TestEvaluate_UrgentBypassesQuietHours(t *testing.T) {
	d := Evaluate(prefsWithQuiet("22:00", "08:00"), domain.CategoryReminders, domain.PriorityUrgent, at(23, 30))
	if !d.Allowed {
		t.Errorf("urgent reminder should bypass quiet hours, got %+v", d)
	}
}

func TestEvaluate_QuietHoursDisabled(t *testing.T) {
	p := prefsWithQuiet("00:00", "23:59")
	p.QuietHours.Enabled = false
	if d := Evaluate(p, domain.CategoryReminders, domain.PriorityLow, at(3, 0)); !d.Allowed {
		t.Errorf("quiet hours disabled should allow, got %+v", d)
	}
}

func TestEvaluate_FailsOpen(t *testing.T) {
	tests := []struct {
		name string
		p    domain.NotificationPreferences
	}{
		{"bad_start", prefsWithQuiet("25:00", "08:00")},
		{"bad_end", prefsWithQuiet("22:00", "8am")},
		{"empty", prefsWithQuiet("", "")},
		{"bad_timezone", func() domain.NotificationPreferences {
			p := prefsWithQuiet("22:00", "08:00")
			p.Timezone = "Mars/Olympus"
			return p
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.p, domain.CategoryReminders, domain.PriorityLow, at(23, 30))
			if !d.Allowed {
				t.Errorf("expected fail-open allow, got %+v", d)
			}
			if d.Warning == nil {
				t.Error("expected a warning describing the parse failure")
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"08:05", 485, false},
		{"23:59", 1439, false},
		{" 7:30 ", 450, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"12:5", 0, true},
		{"noon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
