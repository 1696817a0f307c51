// Package engine is the reminder dispatch job shared by the server tick and
// the client job: it selects due reminders, fans them out, aggregates
// overdue ones and rolls recurring series forward.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/fanout"
	"github.com/lalithlochan/tandem/internal/push"
)

// ErrDateInPast rejects local notifications whose time has already passed.
var ErrDateInPast = errors.New("notification date is in the past")

// ReminderStore is the reminder side of persistence.
type ReminderStore interface {
	Query(ctx context.Context, f domain.ReminderFilter) ([]*domain.Reminder, error)
	Get(ctx context.Context, id string) (*domain.Reminder, error)
	Create(ctx context.Context, r *domain.Reminder) (created bool, err error)
	Delete(ctx context.Context, id string) error
	RecordDispatch(ctx context.Context, id string, u domain.DispatchUpdate) error
	MarkRolledForward(ctx context.Context, id, nextID string) (bool, error)
	MarkSeriesEnded(ctx context.Context, id string) error
	SetCompleted(ctx context.Context, id string, at time.Time) (before, after *domain.Reminder, err error)
	Snooze(ctx context.Context, id string, due time.Time) (before, after *domain.Reminder, err error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Directory resolves users and couples.
type Directory interface {
	GetRecipient(ctx context.Context, userID string) (*domain.User, error)
	GetCouple(ctx context.Context, coupleID string) (*domain.Couple, error)
}

// Deliverer fans a reminder out; *fanout.Coordinator implements it.
type Deliverer interface {
	Deliver(ctx context.Context, r *domain.Reminder, lang string, at time.Time) fanout.Result
	Recipients(ctx context.Context, r *domain.Reminder) ([]push.Recipient, error)
}

// SummarySender delivers the aggregate overdue notification;
// *push.Dispatcher implements it.
type SummarySender interface {
	SendSummary(ctx context.Context, userID string, count int, lang string, at time.Time) push.DeliveryOutcome
}

// Claimer grants one server tick the right to dispatch an attempt of an
// occurrence. Implemented by the redis claim store.
type Claimer interface {
	Claim(ctx context.Context, reminderID string, due time.Time, attempt int) (bool, error)
}

// ChangePublisher hands a reminder transition to the change-event pipeline.
type ChangePublisher interface {
	PublishChange(ctx context.Context, before, after *domain.Reminder) error
}

// Config tunes the windows of both ticks.
type Config struct {
	// LookAhead is how far past now the server tick selects.
	LookAhead time.Duration `koanf:"look_ahead"`
	// DeliveryGrace is how late a reminder may still be pushed; older ones
	// count as overdue.
	DeliveryGrace time.Duration `koanf:"delivery_grace"`
	// MaxAttempts bounds transport retries of one occurrence.
	MaxAttempts int `koanf:"max_attempts"`
	// ClientLookAhead is the client tick's scheduling horizon.
	ClientLookAhead time.Duration `koanf:"client_look_ahead"`
	// BatchLimit caps each select.
	BatchLimit int `koanf:"batch_limit"`
	// Language is the locale hint used when a recipient has none.
	Language string `koanf:"language"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LookAhead:       2 * time.Minute,
		DeliveryGrace:   10 * time.Minute,
		MaxAttempts:     3,
		ClientLookAhead: 24 * time.Hour,
		BatchLimit:      500,
	}
}

// Engine holds the shared dispatch logic. It keeps no per-tick state, so the
// server and client adapters may call it concurrently.
type Engine struct {
	reminders ReminderStore
	dir       Directory
	deliverer Deliverer
	summaries SummarySender
	builder   *push.Builder

	claims    Claimer
	publisher ChangePublisher

	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithClaims guards server dispatch with c.
func WithClaims(c Claimer) Option {
	return func(e *Engine) { e.claims = c }
}

// WithChangePublisher routes Complete and Snooze transitions through p
// instead of handling them inline.
func WithChangePublisher(p ChangePublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires an Engine. Zero config fields take defaults.
func New(reminders ReminderStore, dir Directory, deliverer Deliverer, summaries SummarySender, builder *push.Builder, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.LookAhead <= 0 {
		cfg.LookAhead = def.LookAhead
	}
	if cfg.DeliveryGrace <= 0 {
		cfg.DeliveryGrace = def.DeliveryGrace
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ClientLookAhead <= 0 {
		cfg.ClientLookAhead = def.ClientLookAhead
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}

	e := &Engine{
		reminders: reminders,
		dir:       dir,
		deliverer: deliverer,
		summaries: summaries,
		builder:   builder,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Window is a due-date range, From inclusive and To exclusive.
type Window struct {
	From time.Time
	To   time.Time
}

// SelectDue returns incomplete reminders due inside w. Records already rolled
// forward stay selectable: a snooze moves them back into the window.
// base narrows the selection further (sent flag, owner).
func SelectDue(ctx context.Context, store ReminderStore, w Window, base domain.ReminderFilter) ([]*domain.Reminder, error) {
	f := base
	f.DueFrom = domain.Time(w.From)
	f.DueBefore = domain.Time(w.To)
	f.Completed = domain.Bool(false)

	rs, err := store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("select due reminders: %w", err)
	}
	return rs, nil
}

// Report summarises one tick.
type Report struct {
	Selected      int `json:"selected"`
	Delivered     int `json:"delivered"`
	Failed        int `json:"failed"`
	Retrying      int `json:"retrying"`
	ClaimsSkipped int `json:"claims_skipped"`

	Overdue       int `json:"overdue"`
	Summaries     int `json:"summaries"`
	RolledForward int `json:"rolled_forward"`
	Expired       int `json:"expired"`

	Scheduled   int `json:"scheduled,omitempty"`
	LedgerSkips int `json:"ledger_skips,omitempty"`
	Suppressed  int `json:"suppressed,omitempty"`

	Errors int `json:"errors"`
}

func (r Report) fields() []zap.Field {
	return []zap.Field{
		zap.Int("selected", r.Selected),
		zap.Int("delivered", r.Delivered),
		zap.Int("failed", r.Failed),
		zap.Int("retrying", r.Retrying),
		zap.Int("overdue", r.Overdue),
		zap.Int("summaries", r.Summaries),
		zap.Int("rolled_forward", r.RolledForward),
		zap.Int("expired", r.Expired),
		zap.Int("scheduled", r.Scheduled),
		zap.Int("errors", r.Errors),
	}
}
