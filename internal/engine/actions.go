package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
)

// ErrInvalidSnooze is returned for non-positive snooze durations.
var ErrInvalidSnooze = errors.New("snooze duration must be positive")

// OnReminderChanged reacts to one reminder transition, whether it arrives
// from the change-event consumer or from Complete/Snooze directly. A
// completion of a recurring reminder continues its series; everything else
// needs no work here.
func (e *Engine) OnReminderChanged(ctx context.Context, before, after *domain.Reminder) error {
	if after == nil {
		return nil
	}

	justCompleted := after.Completed && (before == nil || !before.Completed)
	if justCompleted {
		if _, err := e.rollForward(ctx, after, e.now(), "completion"); err != nil {
			return fmt.Errorf("roll forward %s on completion: %w", after.ID, err)
		}
		return nil
	}

	if before != nil && !before.DueDate.Equal(after.DueDate) {
		e.logger.Debug("reminder rescheduled",
			zap.String("reminder_id", after.ID),
			zap.Time("from", before.DueDate),
			zap.Time("to", after.DueDate),
		)
	}
	return nil
}

// Complete marks a reminder done. Continuing the series is best effort: its
// failure is logged and never fails the completion.
func (e *Engine) Complete(ctx context.Context, id string) (*domain.Reminder, error) {
	before, after, err := e.reminders.SetCompleted(ctx, id, e.now())
	if err != nil {
		return nil, fmt.Errorf("complete reminder %s: %w", id, err)
	}
	e.propagate(ctx, before, after)
	return after, nil
}

// Snooze moves a reminder's due date to now+d and re-arms its delivery.
func (e *Engine) Snooze(ctx context.Context, id string, d time.Duration) (*domain.Reminder, error) {
	if d <= 0 {
		return nil, ErrInvalidSnooze
	}
	before, after, err := e.reminders.Snooze(ctx, id, e.now().Add(d))
	if err != nil {
		return nil, fmt.Errorf("snooze reminder %s: %w", id, err)
	}
	e.propagate(ctx, before, after)
	return after, nil
}

func (e *Engine) propagate(ctx context.Context, before, after *domain.Reminder) {
	if e.publisher != nil {
		err := e.publisher.PublishChange(ctx, before, after)
		if err == nil {
			return
		}
		e.logger.Warn("change event not published, handling inline",
			zap.String("reminder_id", after.ID),
			zap.Error(err),
		)
	}

	if err := e.OnReminderChanged(ctx, before, after); err != nil {
		e.logger.Error("reminder change handling failed",
			zap.String("reminder_id", after.ID),
			zap.Error(err),
		)
	}
}
