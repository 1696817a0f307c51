// Package circuitbreaker stops calling a failing push transport for a while
// so a dead provider fails fast instead of stalling every tick.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling the protected operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config for a Breaker.
type Config struct {
	Name                string        `koanf:"name"`
	MaxFailures         int           `koanf:"max_failures"`
	RecoveryTimeout     time.Duration `koanf:"recovery_timeout"`
	HalfOpenMaxRequests int           `koanf:"half_open_max_requests"`
}

// DefaultConfig returns five failures, a 30s recovery timeout and one probe.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	onChange func(name string, from, to State)

	state           State
	failures        int
	inFlightProbes  int
	lastFailure     time.Time
	lastStateChange time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers a callback invoked, with the lock released, after
// every transition.
func OnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New builds a closed breaker. Non-positive config values take defaults.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	b := &Breaker{config: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.config.Name }

// Execute runs fn unless the breaker is open. fn's error is returned as is
// and counted as a failure; counted decides which errors trip the breaker
// (nil counts all of them).
func (b *Breaker) Execute(fn func() error, counted func(error) bool) error {
	if !b.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.config.Name)
	}

	err := fn()
	if err != nil && (counted == nil || counted(err)) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

// Allow reserves a slot for one call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	b.totalRequests++

	var change *transition
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
			change = b.transitionLocked(StateHalfOpen)
			b.inFlightProbes = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.inFlightProbes < b.config.HalfOpenMaxRequests {
			b.inFlightProbes++
			allowed = true
		}
	}
	if !allowed {
		b.totalRejected++
	}
	b.mu.Unlock()

	b.notify(change)
	return allowed
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.totalSuccesses++
	b.failures = 0

	var change *transition
	if b.state == StateHalfOpen {
		change = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()

	b.notify(change)
}

// RecordFailure extends the failure streak and opens the breaker when it
// reaches MaxFailures, or immediately when a probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.totalFailures++
	b.failures++
	b.lastFailure = b.now()

	var change *transition
	switch b.state {
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			change = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		change = b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()

	b.notify(change)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is the snapshot served on the admin surface.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	Failures        int    `json:"consecutive_failures"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns counters and state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:            b.config.Name,
		State:           b.state.String(),
		Failures:        b.failures,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejected:   b.totalRejected,
		LastStateChange: b.lastStateChange.Format(time.RFC3339),
	}
	if !b.lastFailure.IsZero() {
		s.LastFailure = b.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset closes the breaker and clears the failure streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.transitionLocked(StateClosed)
	b.failures = 0
	b.mu.Unlock()

	b.notify(change)
}

type transition struct {
	from, to State
}

func (b *Breaker) transitionLocked(to State) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to}
	b.state = to
	b.lastStateChange = b.now()
	b.inFlightProbes = 0
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}

	fields := []zap.Field{
		zap.String("breaker", b.config.Name),
		zap.String("from", t.from.String()),
		zap.String("to", t.to.String()),
	}
	if t.to == StateOpen {
		b.logger.Warn("circuit breaker opened", append(fields, zap.Int("threshold", b.config.MaxFailures))...)
	} else {
		b.logger.Info("circuit breaker state change", fields...)
	}

	if b.onChange != nil {
		b.onChange(b.config.Name, t.from, t.to)
	}
}
