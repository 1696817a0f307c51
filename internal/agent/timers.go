package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/engine"
)

// Sink shows a local notification to the user when its timer fires.
type Sink interface {
	Deliver(ctx context.Context, n engine.LocalNotification) error
}

// TimerScheduler implements engine.Scheduler with in-process timers, the
// agent's stand-in for the device notification centre.
type TimerScheduler struct {
	sink    Sink
	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler delivers fired notifications to sink.
func NewTimerScheduler(sink Sink, logger *zap.Logger) *TimerScheduler {
	return &TimerScheduler{
		sink:    sink,
		logger:  logger,
		now:     time.Now,
		timeout: 30 * time.Second,
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule arms a timer for n, replacing any pending one with the same id.
func (s *TimerScheduler) Schedule(_ context.Context, n engine.LocalNotification) error {
	now := s.now()
	if n.At.Before(now) {
		return fmt.Errorf("%w: %s at %s", engine.ErrDateInPast, n.ID, n.At.Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[n.ID]; ok {
		t.Stop()
	}
	s.timers[n.ID] = time.AfterFunc(n.At.Sub(now), func() { s.fire(n) })
	return nil
}

func (s *TimerScheduler) fire(n engine.LocalNotification) {
	s.mu.Lock()
	delete(s.timers, n.ID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.sink.Deliver(ctx, n); err != nil {
		s.logger.Warn("local notification not shown",
			zap.String("notification_id", n.ID),
			zap.String("reminder_id", n.ReminderID),
			zap.Error(err),
		)
	}
}

// Pending returns the number of armed timers.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// CancelAll stops every pending timer and returns how many were stopped.
func (s *TimerScheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.timers {
		if t.Stop() {
			n++
		}
		delete(s.timers, id)
	}
	return n
}
