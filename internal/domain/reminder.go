// Package domain holds the records and enums shared by every reminder component.
package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ReminderType distinguishes reminders owned by one user from shared ones.
type ReminderType string

const (
	TypePersonal ReminderType = "personal"
	TypeCouple   ReminderType = "couple"
)

// Priority drives the warning lead time and quiet-hours bypass.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// LeadTime is how long before the due date the client job raises a warning.
// Zero means no warning notification.
func (p Priority) LeadTime() time.Duration {
	switch p {
	case PriorityUrgent:
		return 60 * time.Minute
	case PriorityHigh:
		return 30 * time.Minute
	case PriorityMedium:
		return 15 * time.Minute
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Frequency of a recurrence rule.
type Frequency string

const (
	FrequencyNone    Frequency = "none"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// Recurrence describes how a reminder repeats.
type Recurrence struct {
	Frequency Frequency  `json:"frequency" bson:"frequency"`
	Interval  int        `json:"interval" bson:"interval"`
	EndDate   *time.Time `json:"end_date,omitempty" bson:"end_date,omitempty"`
}

// Reminder is one occurrence of a (possibly recurring) commitment.
type Reminder struct {
	ID          string       `json:"id" bson:"_id"`
	Title       string       `json:"title" bson:"title"`
	Description string       `json:"description,omitempty" bson:"description,omitempty"`
	Type        ReminderType `json:"type" bson:"type"`

	OwnerID   string `json:"owner_id,omitempty" bson:"owner_id,omitempty"`
	CoupleID  string `json:"couple_id,omitempty" bson:"couple_id,omitempty"`
	CreatorID string `json:"creator_id,omitempty" bson:"creator_id,omitempty"`

	DueDate    time.Time   `json:"due_date" bson:"due_date"`
	Priority   Priority    `json:"priority" bson:"priority"`
	Recurrence *Recurrence `json:"recurrence,omitempty" bson:"recurrence,omitempty"`

	Completed   bool       `json:"completed" bson:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`

	// Delivery bookkeeping.
	NotificationSent       bool       `json:"notification_sent" bson:"notification_sent"`
	LastNotificationSentAt *time.Time `json:"last_notification_sent_at,omitempty" bson:"last_notification_sent_at,omitempty"`
	NotificationAttempts   int        `json:"notification_attempts" bson:"notification_attempts"`
	LastNotificationError  string     `json:"last_notification_error,omitempty" bson:"last_notification_error,omitempty"`

	// Series bookkeeping.
	ParentReminderID string `json:"parent_reminder_id,omitempty" bson:"parent_reminder_id,omitempty"`
	NextOccurrenceID string `json:"next_occurrence_id,omitempty" bson:"next_occurrence_id,omitempty"`
	SeriesEnded      bool   `json:"series_ended" bson:"series_ended"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// IsRecurring returns true if the reminder carries a usable recurrence rule.
func (r *Reminder) IsRecurring() bool {
	return r.Recurrence != nil && r.Recurrence.Frequency != "" && r.Recurrence.Frequency != FrequencyNone
}

// RolledForward reports whether the series already continued past this record.
func (r *Reminder) RolledForward() bool {
	return r.NextOccurrenceID != ""
}

// Category is the preference toggle governing this reminder's notifications.
func (r *Reminder) Category() Category {
	if r.Type == TypeCouple {
		return CategoryCoupleReminders
	}
	return CategoryReminders
}

// Involves reports whether the user receives notifications for this reminder.
// coupleID is the user's current couple, empty if none.
func (r *Reminder) Involves(userID, coupleID string) bool {
	if r.Type == TypeCouple {
		return coupleID != "" && r.CoupleID == coupleID
	}
	return r.OwnerID == userID
}

// ReminderFilter selects reminders from a store. Nil pointer fields are not
// constrained. DueFrom is inclusive, DueBefore exclusive.
type ReminderFilter struct {
	DueFrom          *time.Time
	DueBefore        *time.Time
	Completed        *bool
	NotificationSent *bool

	// Recurring constrains IsRecurring when set.
	Recurring *bool

	// ActiveSeriesOnly drops records that were rolled forward or whose series ended.
	ActiveSeriesOnly bool

	// FailedSince keeps records with a delivery error updated at or after it.
	FailedSince *time.Time

	// OwnerID and CoupleID are OR-ed together when both are set.
	OwnerID  string
	CoupleID string

	Limit int
}

// DispatchUpdate is the bookkeeping written after one dispatch attempt.
type DispatchUpdate struct {
	Sent      bool
	SentAt    *time.Time
	Attempted bool
	Error     string
}

// Matches applies every constraint except Limit. Stores that cannot express
// a constraint natively filter with it.
func (f ReminderFilter) Matches(r *Reminder) bool {
	if f.DueFrom != nil && r.DueDate.Before(*f.DueFrom) {
		return false
	}
	if f.DueBefore != nil && !r.DueDate.Before(*f.DueBefore) {
		return false
	}
	if f.Completed != nil && r.Completed != *f.Completed {
		return false
	}
	if f.NotificationSent != nil && r.NotificationSent != *f.NotificationSent {
		return false
	}
	if f.Recurring != nil && r.IsRecurring() != *f.Recurring {
		return false
	}
	if f.ActiveSeriesOnly && (r.RolledForward() || r.SeriesEnded) {
		return false
	}
	if f.FailedSince != nil && (r.LastNotificationError == "" || r.UpdatedAt.Before(*f.FailedSince)) {
		return false
	}
	if f.OwnerID != "" || f.CoupleID != "" {
		owned := f.OwnerID != "" && r.Type != TypeCouple && r.OwnerID == f.OwnerID
		shared := f.CoupleID != "" && r.Type == TypeCouple && r.CoupleID == f.CoupleID
		if !owned && !shared {
			return false
		}
	}
	return true
}

// Bool returns a pointer to b, for filter fields.
func Bool(b bool) *bool { return &b }

// Time returns a pointer to t, for filter fields.
func Time(t time.Time) *time.Time { return &t }
