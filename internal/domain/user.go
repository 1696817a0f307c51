package domain

// Category names a notification preference toggle.
type Category string

const (
	CategoryReminders       Category = "reminders"
	CategoryCoupleReminders Category = "couple_reminders"
	CategoryLoveMessages    Category = "love_messages"
	CategoryMilestones      Category = "milestones"
)

// CategoryToggles are the per-category switches of a user's preferences.
type CategoryToggles struct {
	Reminders       bool `json:"reminders" bson:"reminders"`
	CoupleReminders bool `json:"couple_reminders" bson:"couple_reminders"`
	LoveMessages    bool `json:"love_messages" bson:"love_messages"`
	Milestones      bool `json:"milestones" bson:"milestones"`
}

// Enabled reports the toggle for c. Unknown categories are enabled.
func (t CategoryToggles) Enabled(c Category) bool {
	switch c {
	case CategoryReminders:
		return t.Reminders
	case CategoryCoupleReminders:
		return t.CoupleReminders
	case CategoryLoveMessages:
		return t.LoveMessages
	case CategoryMilestones:
		return t.Milestones
	default:
		return true
	}
}

// QuietHours is a daily window, "HH:MM" in the user's timezone.
type QuietHours struct {
	Enabled bool   `json:"enabled" bson:"enabled"`
	Start   string `json:"start" bson:"start"`
	End     string `json:"end" bson:"end"`
}

// NotificationPreferences is owned by the user record and read-only here.
type NotificationPreferences struct {
	Enabled    bool            `json:"enabled" bson:"enabled"`
	Categories CategoryToggles `json:"categories" bson:"categories"`
	Language   string          `json:"language,omitempty" bson:"language,omitempty"`
	QuietHours QuietHours      `json:"quiet_hours" bson:"quiet_hours"`
	Timezone   string          `json:"timezone,omitempty" bson:"timezone,omitempty"`
}

// DefaultPreferences has every toggle on and quiet hours off.
func DefaultPreferences() NotificationPreferences {
	return NotificationPreferences{
		Enabled: true,
		Categories: CategoryToggles{
			Reminders:       true,
			CoupleReminders: true,
			LoveMessages:    true,
			Milestones:      true,
		},
		Timezone: "UTC",
	}
}

// User is the recipient-side record.
type User struct {
	ID          string                  `json:"id" bson:"_id"`
	DisplayName string                  `json:"display_name" bson:"display_name"`
	PushToken   string                  `json:"-" bson:"push_token,omitempty"`
	CoupleID    string                  `json:"couple_id,omitempty" bson:"couple_id,omitempty"`
	Preferences NotificationPreferences `json:"preferences" bson:"preferences"`
}

// Couple links two users.
type Couple struct {
	ID        string   `json:"id" bson:"_id"`
	MemberIDs []string `json:"member_ids" bson:"member_ids"`
}
