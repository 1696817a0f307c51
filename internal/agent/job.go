// Package agent is the client side of the reminder engine: a per-user job
// that schedules local notifications ahead of time and shows them when they
// come due.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/engine"
	"github.com/lalithlochan/tandem/internal/ledger"
)

// Status of the job.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("agent job already started")

// Ticker runs one client pass; *engine.Engine implements it.
type Ticker interface {
	ClientTick(ctx context.Context, userID string, now time.Time, led *ledger.Ledger, sched engine.Scheduler) (engine.Report, error)
}

// Config configures the job.
type Config struct {
	UserID       string        `koanf:"user_id"`
	PollInterval time.Duration `koanf:"poll_interval"`
	// LedgerRetention bounds how long scheduled occurrences stay in the
	// ledger after their due date.
	LedgerRetention time.Duration `koanf:"ledger_retention"`
}

// Job owns the ledger and the timers of one user's agent.
type Job struct {
	ticker Ticker
	sched  *TimerScheduler
	ledger *ledger.Ledger
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	tickMu sync.Mutex

	mu      sync.Mutex
	status  Status
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a job for cfg.UserID.
func New(ticker Ticker, sched *TimerScheduler, cfg Config, logger *zap.Logger) *Job {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.LedgerRetention <= 0 {
		cfg.LedgerRetention = 48 * time.Hour
	}
	return &Job{
		ticker: ticker,
		sched:  sched,
		ledger: ledger.New(),
		cfg:    cfg,
		logger: logger.With(zap.String("recipient_id", cfg.UserID)),
		now:    time.Now,
		status: StatusIdle,
	}
}

// Start runs one tick immediately, then one per poll interval until Stop or
// ctx is done.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return ErrAlreadyStarted
	}
	j.started = true
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	j.mu.Unlock()

	j.logger.Info("agent job started", zap.Duration("poll_interval", j.cfg.PollInterval))
	// The first tick's report and errors are logged by the engine.
	_, _ = j.RunNow(ctx)

	go j.loop(ctx)
	return nil
}

func (j *Job) loop(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.RunNow(ctx)
		}
	}
}

// RunNow runs one tick. Ticks never overlap.
func (j *Job) RunNow(ctx context.Context) (engine.Report, error) {
	j.tickMu.Lock()
	defer j.tickMu.Unlock()

	if !j.setStatus(StatusRunning) {
		return engine.Report{}, nil
	}
	defer j.setStatus(StatusIdle)

	now := j.now()
	rep, err := j.ticker.ClientTick(ctx, j.cfg.UserID, now, j.ledger, j.sched)
	if pruned := j.ledger.Prune(now.Add(-j.cfg.LedgerRetention)); pruned > 0 {
		j.logger.Debug("ledger pruned", zap.Int("entries", pruned))
	}
	return rep, err
}

// setStatus moves to s unless the job is stopped, and reports whether it did.
func (j *Job) setStatus(s Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusStopped {
		return false
	}
	j.status = s
	return true
}

// Stop ends the loop, cancels pending local notifications and forgets what
// was scheduled, so a restarted agent schedules everything again.
func (j *Job) Stop() {
	j.mu.Lock()
	j.status = StatusStopped
	cancel, done := j.cancel, j.done
	j.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// Waits for an in-flight tick.
	j.tickMu.Lock()
	defer j.tickMu.Unlock()

	cancelled := j.sched.CancelAll()
	j.ledger.Clear()
	j.logger.Info("agent job stopped", zap.Int("cancelled_notifications", cancelled))
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Ledger exposes the dedup ledger.
func (j *Job) Ledger() *ledger.Ledger { return j.ledger }
