package push

import (
	"strconv"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/locale"
)

// Payload types carried in Data.Type.
const (
	TypeReminder       = "reminder"
	TypeCoupleReminder = "couple_reminder"
	TypeOverdueSummary = "overdue_summary"
	TypeWarning        = "reminder_warning"
)

// Action is a button shown with the notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Data is the structured part every client reads.
type Data struct {
	Type       string `json:"type"`
	ReminderID string `json:"reminderId,omitempty"`
	CoupleID   string `json:"coupleId,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Language   string `json:"language"`
	Link       string `json:"link"`
	Count      int    `json:"count,omitempty"`
}

// Payload is the platform-agnostic notification.
type Payload struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Category string   `json:"category"`
	Actions  []Action `json:"actions,omitempty"`
	Sound    string   `json:"sound,omitempty"`
	Priority string   `json:"priority"`
	Data     Data     `json:"data"`
}

// Builder renders payloads from the locale catalog.
type Builder struct {
	catalog      *locale.Catalog
	deepLinkBase string
}

// NewBuilder returns a Builder that links reminders under deepLinkBase.
func NewBuilder(catalog *locale.Catalog, deepLinkBase string) *Builder {
	return &Builder{catalog: catalog, deepLinkBase: deepLinkBase}
}

// Catalog exposes the catalog used for language resolution.
func (b *Builder) Catalog() *locale.Catalog { return b.catalog }

// Reminder builds the due-now payload for a recipient in the given role.
// Partners get the personalised body and no complete action.
func (b *Builder) Reminder(r *domain.Reminder, role Role, lang, creatorName string) Payload {
	kind := locale.KindPersonal
	actions := []string{locale.ActionComplete, locale.ActionSnooze, locale.ActionView}
	if role == RolePartner {
		kind = locale.KindPartner
		actions = []string{locale.ActionView, locale.ActionSnooze}
	}

	if role == RolePartner && creatorName == "" {
		creatorName = b.catalog.Phrase("partner", lang)
	}

	tpl := b.catalog.Template(kind, lang)
	args := map[string]string{"title": r.Title, "creator": creatorName}

	return Payload{
		Title:    locale.Render(tpl.Title, args),
		Body:     locale.Render(tpl.Body, args),
		Category: string(r.Category()),
		Actions:  b.actions(actions, lang),
		Sound:    soundFor(r.Priority),
		Priority: hintFor(r.Priority),
		Data:     b.reminderData(r, lang),
	}
}

// Warning builds the lead-time payload raised before a reminder is due.
func (b *Builder) Warning(r *domain.Reminder, lang string) Payload {
	tpl := b.catalog.Template(locale.KindWarning, lang)
	args := map[string]string{
		"title":   r.Title,
		"minutes": strconv.Itoa(int(r.Priority.LeadTime().Minutes())),
	}

	data := b.reminderData(r, lang)
	data.Type = TypeWarning

	return Payload{
		Title:    locale.Render(tpl.Title, args),
		Body:     locale.Render(tpl.Body, args),
		Category: string(r.Category()),
		Actions:  b.actions([]string{locale.ActionView}, lang),
		Sound:    soundFor(r.Priority),
		Priority: hintFor(r.Priority),
		Data:     data,
	}
}

// OverdueSummary builds the single aggregate notification for count overdue
// reminders.
func (b *Builder) OverdueSummary(count int, lang string) Payload {
	tpl := b.catalog.Template(locale.KindOverdueSummary, lang)
	args := map[string]string{"count": strconv.Itoa(count)}

	return Payload{
		Title:    locale.Render(tpl.Title, args),
		Body:     locale.Render(tpl.Body, args),
		Category: string(domain.CategoryReminders),
		Actions:  b.actions([]string{locale.ActionView}, lang),
		Sound:    "default",
		Priority: "normal",
		Data: Data{
			Type:     TypeOverdueSummary,
			Language: lang,
			Link:     b.deepLinkBase + "overdue",
			Count:    count,
		},
	}
}

func (b *Builder) reminderData(r *domain.Reminder, lang string) Data {
	d := Data{
		Type:       TypeReminder,
		ReminderID: r.ID,
		Priority:   string(r.Priority),
		Language:   lang,
		Link:       b.deepLinkBase + r.ID,
	}
	if r.Type == domain.TypeCouple {
		d.Type = TypeCoupleReminder
		d.CoupleID = r.CoupleID
	}
	return d
}

func (b *Builder) actions(ids []string, lang string) []Action {
	out := make([]Action, len(ids))
	for i, id := range ids {
		out[i] = Action{ID: id, Label: b.catalog.ActionLabel(id, lang)}
	}
	return out
}

func soundFor(p domain.Priority) string {
	if p == domain.PriorityUrgent || p == domain.PriorityHigh {
		return "alert"
	}
	return "default"
}

func hintFor(p domain.Priority) string {
	if p == domain.PriorityUrgent || p == domain.PriorityHigh {
		return "high"
	}
	return "normal"
}
