package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/metrics"
	"github.com/lalithlochan/tandem/internal/recurrence"
)

var occurrenceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tandem://occurrences"))

// OccurrenceID derives the id of the occurrence of parentID's series due at
// due. Every caller rolling the same parent to the same date gets the same id.
func OccurrenceID(parentID string, due time.Time) string {
	return uuid.NewSHA1(occurrenceNamespace, []byte(parentID+"|"+due.UTC().Format(time.RFC3339Nano))).String()
}

// ComputeNext is the recurrence step both ticks share: the first occurrence
// of r's series strictly after ref.
func ComputeNext(r *domain.Reminder, ref time.Time) (time.Time, recurrence.Status, error) {
	return recurrence.AdvancePast(r.DueDate, r.Recurrence, ref)
}

type rollResult int

const (
	rollNone rollResult = iota
	rollCreated
	rollExpired
)

// rollForward continues r's series past ref. It is safe to run from several
// paths at once: the child id is deterministic, creation is insert-if-absent
// and only the first successor recorded on the parent wins.
func (e *Engine) rollForward(ctx context.Context, r *domain.Reminder, ref time.Time, trigger string) (rollResult, error) {
	if !r.IsRecurring() || r.RolledForward() || r.SeriesEnded {
		return rollNone, nil
	}

	next, status, err := ComputeNext(r, ref)
	if err != nil {
		if errors.Is(err, recurrence.ErrInvalidRule) {
			e.logger.Warn("invalid recurrence rule, treating reminder as one-off",
				zap.String("reminder_id", r.ID),
				zap.Any("recurrence", r.Recurrence),
				zap.Error(err),
			)
			metrics.RecordRollForward(trigger, "invalid")
			return rollNone, nil
		}
		return rollNone, err
	}

	switch status {
	case recurrence.NonRecurring:
		return rollNone, nil
	case recurrence.Expired:
		if err := e.reminders.MarkSeriesEnded(ctx, r.ID); err != nil {
			return rollNone, fmt.Errorf("mark series ended %s: %w", r.ID, err)
		}
		metrics.RecordRollForward(trigger, "expired")
		e.logger.Info("recurring series ended",
			zap.String("reminder_id", r.ID),
			zap.String("trigger", trigger),
		)
		return rollExpired, nil
	}

	child := nextOccurrence(r, next)
	created, err := e.reminders.Create(ctx, child)
	if err != nil {
		return rollNone, fmt.Errorf("create occurrence of %s: %w", r.ID, err)
	}

	won, err := e.reminders.MarkRolledForward(ctx, r.ID, child.ID)
	if err != nil {
		return rollNone, fmt.Errorf("mark %s rolled forward: %w", r.ID, err)
	}
	if !won {
		// Another path rolled this parent to a different date first.
		if created {
			if err := e.reminders.Delete(ctx, child.ID); err != nil {
				e.logger.Warn("failed to delete orphaned occurrence",
					zap.String("reminder_id", child.ID),
					zap.Error(err),
				)
			}
		}
		metrics.RecordRollForward(trigger, "lost")
		return rollNone, nil
	}

	metrics.RecordRollForward(trigger, "created")
	e.logger.Info("rolled recurring reminder forward",
		zap.String("reminder_id", r.ID),
		zap.String("next_id", child.ID),
		zap.Time("due_date", next),
		zap.String("trigger", trigger),
	)
	return rollCreated, nil
}

func nextOccurrence(r *domain.Reminder, due time.Time) *domain.Reminder {
	var rule *domain.Recurrence
	if r.Recurrence != nil {
		cp := *r.Recurrence
		rule = &cp
	}
	return &domain.Reminder{
		ID:               OccurrenceID(r.ID, due),
		Title:            r.Title,
		Description:      r.Description,
		Type:             r.Type,
		OwnerID:          r.OwnerID,
		CoupleID:         r.CoupleID,
		CreatorID:        r.CreatorID,
		DueDate:          due,
		Priority:         r.Priority,
		Recurrence:       rule,
		ParentReminderID: r.ID,
	}
}
