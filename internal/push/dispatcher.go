// Package push builds reminder notifications and sends them to a recipient's
// device through a Transport.
package push

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/gate"
)

var (
	// ErrInvalidToken marks a permanently dead device token. Transports wrap it.
	ErrInvalidToken = errors.New("push token is no longer valid")
	// ErrTransport wraps every other transport failure.
	ErrTransport = errors.New("push transport failure")
)

// Error kinds reported in DeliveryOutcome.
const (
	KindNoToken      = "no-token"
	KindInvalidToken = "invalid-token"
	KindTransport    = "transport"
	KindNoRecipient  = "no-recipient"

	suppressedPrefix = "suppressed:"
)

// Suppressed returns the error kind for a gate denial.
func Suppressed(reason string) string { return suppressedPrefix + reason }

// IsSuppressed reports whether kind came from a gate denial.
func IsSuppressed(kind string) bool {
	return strings.HasPrefix(kind, suppressedPrefix)
}

// Role of a recipient relative to the reminder.
type Role string

const (
	RoleOwner   Role = "owner"
	RolePartner Role = "partner"
	RoleCreator Role = "creator"
)

// Recipient is one user a reminder is delivered to.
type Recipient struct {
	UserID string
	Role   Role
}

// DeliveryOutcome is the result of one send attempt to one recipient.
type DeliveryOutcome struct {
	Success     bool   `json:"success"`
	RecipientID string `json:"recipient_id"`
	Role        Role   `json:"role,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

// Transport delivers a payload to one device token.
type Transport interface {
	Send(ctx context.Context, token string, p Payload) (messageID string, err error)
}

// UserStore is the recipient side the dispatcher reads and, for dead tokens,
// writes.
type UserStore interface {
	GetRecipient(ctx context.Context, userID string) (*domain.User, error)
	RemovePushToken(ctx context.Context, userID, token string) error
}

// SendOptions carries per-send context the dispatcher cannot look up itself.
type SendOptions struct {
	// CreatorName personalises the partner body.
	CreatorName string
	// At is the instant the gate is evaluated at. Zero means now.
	At time.Time
}

// Dispatcher sends single-recipient notifications.
type Dispatcher struct {
	users     UserStore
	transport Transport
	builder   *Builder
	logger    *zap.Logger
}

// NewDispatcher wires a dispatcher. A nil transport is allowed: every push
// then fails with KindTransport while recipient resolution keeps working.
func NewDispatcher(users UserStore, transport Transport, builder *Builder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		users:     users,
		transport: transport,
		builder:   builder,
		logger:    logger,
	}
}

// Builder returns the payload builder.
func (d *Dispatcher) Builder() *Builder { return d.builder }

// Send delivers r to one recipient. Expected failures are reported in the
// outcome, never as errors.
func (d *Dispatcher) Send(ctx context.Context, rcpt Recipient, r *domain.Reminder, lang string, opts SendOptions) DeliveryOutcome {
	out := DeliveryOutcome{RecipientID: rcpt.UserID, Role: rcpt.Role}

	user, ok := d.recipient(ctx, rcpt.UserID, r.ID)
	if !ok {
		out.ErrorKind = KindNoRecipient
		return out
	}
	if user.PushToken == "" {
		out.ErrorKind = KindNoToken
		return out
	}

	if reason, denied := d.gate(user, r.Category(), r.Priority, opts.At, r.ID); denied {
		out.ErrorKind = Suppressed(reason)
		return out
	}

	lang = d.builder.Catalog().Resolve(user.Preferences.Language, lang)
	payload := d.builder.Reminder(r, rcpt.Role, lang, opts.CreatorName)

	return d.deliver(ctx, user, payload, out)
}

// SendSummary delivers the aggregate overdue notification for count reminders.
func (d *Dispatcher) SendSummary(ctx context.Context, userID string, count int, lang string, at time.Time) DeliveryOutcome {
	out := DeliveryOutcome{RecipientID: userID, Role: RoleOwner}

	user, ok := d.recipient(ctx, userID, "")
	if !ok {
		out.ErrorKind = KindNoRecipient
		return out
	}
	if user.PushToken == "" {
		out.ErrorKind = KindNoToken
		return out
	}
	if reason, denied := d.gate(user, domain.CategoryReminders, domain.PriorityMedium, at, ""); denied {
		out.ErrorKind = Suppressed(reason)
		return out
	}

	lang = d.builder.Catalog().Resolve(user.Preferences.Language, lang)
	return d.deliver(ctx, user, d.builder.OverdueSummary(count, lang), out)
}

func (d *Dispatcher) recipient(ctx context.Context, userID, reminderID string) (*domain.User, bool) {
	user, err := d.users.GetRecipient(ctx, userID)
	if err != nil {
		d.logger.Warn("failed to load recipient",
			zap.String("recipient_id", userID),
			zap.String("reminder_id", reminderID),
			zap.Error(err),
		)
		return nil, false
	}
	return user, true
}

func (d *Dispatcher) gate(user *domain.User, cat domain.Category, p domain.Priority, at time.Time, reminderID string) (string, bool) {
	if at.IsZero() {
		at = time.Now()
	}
	dec := gate.Evaluate(user.Preferences, cat, p, at)
	if dec.Warning != nil {
		d.logger.Warn("notification preferences unreadable, delivering anyway",
			zap.String("recipient_id", user.ID),
			zap.String("reminder_id", reminderID),
			zap.Error(dec.Warning),
		)
	}
	return dec.Reason, !dec.Allowed
}

func (d *Dispatcher) deliver(ctx context.Context, user *domain.User, payload Payload, out DeliveryOutcome) DeliveryOutcome {
	if d.transport == nil {
		out.ErrorKind = KindTransport
		d.logger.Warn("push send skipped, no transport configured",
			zap.String("recipient_id", user.ID),
			zap.String("type", payload.Data.Type),
			zap.String("reminder_id", payload.Data.ReminderID),
		)
		return out
	}

	msgID, err := d.transport.Send(ctx, user.PushToken, payload)
	if err == nil {
		out.Success = true
		out.MessageID = msgID
		return out
	}

	if errors.Is(err, ErrInvalidToken) {
		out.ErrorKind = KindInvalidToken
		if rmErr := d.users.RemovePushToken(ctx, user.ID, user.PushToken); rmErr != nil {
			d.logger.Error("failed to remove invalid push token",
				zap.String("recipient_id", user.ID),
				zap.Error(rmErr),
			)
		} else {
			d.logger.Info("removed invalid push token", zap.String("recipient_id", user.ID))
		}
		return out
	}

	out.ErrorKind = KindTransport
	d.logger.Warn("push send failed",
		zap.String("recipient_id", user.ID),
		zap.String("type", payload.Data.Type),
		zap.String("reminder_id", payload.Data.ReminderID),
		zap.Error(err),
	)
	return out
}
