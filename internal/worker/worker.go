// Package worker drives the server side of the reminder engine from cron:
// the dispatch tick, retention cleanup and the operator failure digest.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/engine"
	"github.com/lalithlochan/tandem/internal/metrics"
)

// Status of the worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Ticker runs one dispatch pass; *engine.Engine implements it.
type Ticker interface {
	ServerTick(ctx context.Context, now time.Time) (engine.Report, error)
}

// Store is what cleanup and the digest need from persistence.
type Store interface {
	Query(ctx context.Context, f domain.ReminderFilter) ([]*domain.Reminder, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DigestMailer reports reminders whose last delivery failed.
type DigestMailer interface {
	SendDigest(ctx context.Context, failures []*domain.Reminder, since time.Time) error
}

// Config holds the cron schedules.
type Config struct {
	TickSpec    string        `koanf:"tick_spec"`
	CleanupSpec string        `koanf:"cleanup_spec"`
	DigestSpec  string        `koanf:"digest_spec"`
	Retention   time.Duration `koanf:"retention"`
	TickTimeout time.Duration `koanf:"tick_timeout"`
}

// DefaultConfig returns the production schedules.
func DefaultConfig() Config {
	return Config{
		TickSpec:    "@every 30s",
		CleanupSpec: "30 3 * * *",
		DigestSpec:  "0 8 * * *",
		Retention:   30 * 24 * time.Hour,
		TickTimeout: 25 * time.Second,
	}
}

// Worker owns the cron scheduler.
type Worker struct {
	ticker Ticker
	store  Store
	mailer DigestMailer
	config Config
	logger *zap.Logger
	now    func() time.Time

	cron    *cron.Cron
	running atomic.Int32
	stopped atomic.Bool
	lastRun atomic.Pointer[time.Time]
}

// New creates a worker. mailer may be nil, which disables the digest.
func New(ticker Ticker, store Store, mailer DigestMailer, cfg Config, logger *zap.Logger) *Worker {
	def := DefaultConfig()
	if cfg.TickSpec == "" {
		cfg.TickSpec = def.TickSpec
	}
	if cfg.CleanupSpec == "" {
		cfg.CleanupSpec = def.CleanupSpec
	}
	if cfg.DigestSpec == "" {
		cfg.DigestSpec = def.DigestSpec
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}

	cl := cronLogger{logger.Sugar()}
	return &Worker{
		ticker: ticker,
		store:  store,
		mailer: mailer,
		config: cfg,
		logger: logger,
		now:    time.Now,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
	}
}

// Start registers the jobs and starts the scheduler. It does not block.
func (w *Worker) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"dispatch", w.config.TickSpec, w.scheduledTick},
		{"cleanup", w.config.CleanupSpec, w.scheduledCleanup},
	}
	if w.mailer != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			run  func(context.Context)
		}{"digest", w.config.DigestSpec, w.scheduledDigest})
	}

	for _, j := range jobs {
		if _, err := w.cron.AddFunc(j.spec, func() { j.run(ctx) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}

	w.cron.Start()
	w.logger.Info("worker started",
		zap.String("tick_spec", w.config.TickSpec),
		zap.String("cleanup_spec", w.config.CleanupSpec),
		zap.Bool("digest", w.mailer != nil),
	)
	return nil
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends
// first.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopped.Store(true)
	done := w.cron.Stop()
	select {
	case <-done.Done():
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}

// Status reports stopped after Stop, running while a tick is in flight and
// idle otherwise.
func (w *Worker) Status() Status {
	switch {
	case w.stopped.Load():
		return StatusStopped
	case w.running.Load() > 0:
		return StatusRunning
	default:
		return StatusIdle
	}
}

// LastRun returns the start of the most recent tick, zero if none ran.
func (w *Worker) LastRun() time.Time {
	if t := w.lastRun.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// ErrStopped is returned by RunNow after Stop.
var ErrStopped = errors.New("worker stopped")

// RunNow runs one dispatch tick immediately.
func (w *Worker) RunNow(ctx context.Context) (engine.Report, error) {
	if w.stopped.Load() {
		return engine.Report{}, ErrStopped
	}
	w.running.Add(1)
	defer w.running.Add(-1)

	now := w.now()
	w.lastRun.Store(&now)
	return w.ticker.ServerTick(ctx, now)
}

// RunCleanupNow deletes completed reminders older than the retention.
func (w *Worker) RunCleanupNow(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.config.Retention)
	n, err := w.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	metrics.RecordCleanup(n)
	w.logger.Info("completed reminders cleaned up",
		zap.Int64("deleted", n),
		zap.Time("cutoff", cutoff),
	)
	return n, nil
}

// RunDigestNow mails the reminders that failed delivery in the last day. It
// returns how many were reported.
func (w *Worker) RunDigestNow(ctx context.Context) (int, error) {
	if w.mailer == nil {
		return 0, nil
	}
	since := w.now().Add(-24 * time.Hour)
	failures, err := w.store.Query(ctx, domain.ReminderFilter{FailedSince: &since, Limit: 200})
	if err != nil {
		return 0, fmt.Errorf("select failures: %w", err)
	}

	// Overdue markers are bookkeeping, not delivery failures.
	reported := failures[:0]
	for _, r := range failures {
		if r.LastNotificationError != engine.ErrorOverdue {
			reported = append(reported, r)
		}
	}
	if len(reported) == 0 {
		return 0, nil
	}

	if err := w.mailer.SendDigest(ctx, reported, since); err != nil {
		return 0, fmt.Errorf("send digest: %w", err)
	}
	return len(reported), nil
}

func (w *Worker) scheduledTick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.config.TickTimeout)
	defer cancel()
	// ServerTick logs its own report and failure.
	_, _ = w.RunNow(ctx)
}

func (w *Worker) scheduledCleanup(ctx context.Context) {
	if _, err := w.RunCleanupNow(ctx); err != nil {
		w.logger.Error("scheduled cleanup failed", zap.Error(err))
	}
}

func (w *Worker) scheduledDigest(ctx context.Context) {
	if _, err := w.RunDigestNow(ctx); err != nil {
		w.logger.Error("scheduled digest failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
