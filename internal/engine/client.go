package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/gate"
	"github.com/lalithlochan/tandem/internal/ledger"
	"github.com/lalithlochan/tandem/internal/metrics"
	"github.com/lalithlochan/tandem/internal/push"
)

// Local notification kinds.
const (
	KindDue     = "due"
	KindWarning = "warning"
	KindOverdue = "overdue"
)

// LocalNotification is one notification the client raises on the device at
// At.
type LocalNotification struct {
	ID         string
	ReminderID string
	Kind       string
	At         time.Time
	Payload    push.Payload
}

// Scheduler arranges for a local notification to fire at n.At.
type Scheduler interface {
	Schedule(ctx context.Context, n LocalNotification) error
}

// PlanLocal returns the notifications for one occurrence: one at the due
// date and, when the priority has a lead time that is still ahead, one
// warning before it. A due date before now is rejected with ErrDateInPast.
func PlanLocal(r *domain.Reminder, now time.Time) ([]LocalNotification, error) {
	if r.DueDate.Before(now) {
		return nil, fmt.Errorf("%w: reminder %s due %s", ErrDateInPast, r.ID, r.DueDate.Format(time.RFC3339))
	}

	key := ledger.Key(r.ID, r.DueDate)
	plan := []LocalNotification{{
		ID:         key + "_" + KindDue,
		ReminderID: r.ID,
		Kind:       KindDue,
		At:         r.DueDate,
	}}

	if lead := r.Priority.LeadTime(); lead > 0 {
		if at := r.DueDate.Add(-lead); at.After(now) {
			plan = append(plan, LocalNotification{
				ID:         key + "_" + KindWarning,
				ReminderID: r.ID,
				Kind:       KindWarning,
				At:         at,
			})
		}
	}
	return plan, nil
}

// ClientTick runs one client pass for userID: roll its stale series forward,
// raise one local summary for newly overdue one-offs, then schedule local
// notifications for everything due within the client horizon that the
// ledger has not seen.
func (e *Engine) ClientTick(ctx context.Context, userID string, now time.Time, led *ledger.Ledger, sched Scheduler) (Report, error) {
	start := time.Now()
	rep, err := e.clientTick(ctx, userID, now, led, sched)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordTick("client", result, time.Since(start))

	fields := append(rep.fields(), zap.String("recipient_id", userID))
	if err != nil {
		e.logger.Error("client tick failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Debug("client tick complete", fields...)
	}
	return rep, err
}

func (e *Engine) clientTick(ctx context.Context, userID string, now time.Time, led *ledger.Ledger, sched Scheduler) (Report, error) {
	var rep Report

	user, err := e.dir.GetRecipient(ctx, userID)
	if err != nil {
		return rep, fmt.Errorf("load user %s: %w", userID, err)
	}
	scope := domain.ReminderFilter{OwnerID: user.ID, CoupleID: user.CoupleID}
	lang := e.builder.Catalog().Resolve(user.Preferences.Language, e.cfg.Language)

	if err := e.rollOverdue(ctx, now, "client", scope, &rep); err != nil {
		return rep, err
	}
	if err := e.summarizeLocally(ctx, user, now, lang, scope, led, sched, &rep); err != nil {
		return rep, err
	}

	scope.Limit = e.cfg.BatchLimit
	due, err := SelectDue(ctx, e.reminders, Window{From: now, To: now.Add(e.cfg.ClientLookAhead)}, scope)
	if err != nil {
		return rep, err
	}
	rep.Selected = len(due)
	metrics.RecordSelected("client", "due", len(due))

	for _, r := range due {
		if led.ShouldSkip(r.ID, r.DueDate) {
			rep.LedgerSkips++
			continue
		}
		if err := e.scheduleOccurrence(ctx, user, r, now, lang, sched, &rep); err != nil {
			rep.Errors++
			e.logger.Warn("failed to schedule local notification",
				zap.String("reminder_id", r.ID),
				zap.Error(err),
			)
			continue
		}
		led.MarkScheduled(r.ID, r.DueDate)
	}
	return rep, nil
}

func (e *Engine) scheduleOccurrence(ctx context.Context, user *domain.User, r *domain.Reminder, now time.Time, lang string, sched Scheduler, rep *Report) error {
	plan, err := PlanLocal(r, now)
	if err != nil {
		return err
	}

	role := push.RoleOwner
	creatorName := ""
	if r.Type == domain.TypeCouple {
		role = push.RoleCreator
		if r.CreatorID != "" && r.CreatorID != user.ID {
			role = push.RolePartner
			if creator, err := e.dir.GetRecipient(ctx, r.CreatorID); err == nil {
				creatorName = creator.DisplayName
			}
		}
	}

	for _, n := range plan {
		dec := gate.Evaluate(user.Preferences, r.Category(), r.Priority, n.At)
		if dec.Warning != nil {
			e.logger.Warn("notification preferences unreadable, scheduling anyway",
				zap.String("recipient_id", user.ID),
				zap.String("reminder_id", r.ID),
				zap.Error(dec.Warning),
			)
		}
		if !dec.Allowed {
			rep.Suppressed++
			e.logger.Debug("local notification suppressed",
				zap.String("reminder_id", r.ID),
				zap.String("kind", n.Kind),
				zap.String("reason", dec.Reason),
			)
			continue
		}

		if n.Kind == KindWarning {
			n.Payload = e.builder.Warning(r, lang)
		} else {
			n.Payload = e.builder.Reminder(r, role, lang, creatorName)
		}
		if err := sched.Schedule(ctx, n); err != nil {
			return fmt.Errorf("schedule %s: %w", n.ID, err)
		}
		rep.Scheduled++
		metrics.RecordLocalScheduled(n.Kind)
	}
	return nil
}

// summarizeLocally raises one local notification counting the overdue
// one-offs this process has not summarised yet.
func (e *Engine) summarizeLocally(ctx context.Context, user *domain.User, now time.Time, lang string, scope domain.ReminderFilter, led *ledger.Ledger, sched Scheduler, rep *Report) error {
	missed, err := e.selectMissed(ctx, now, "client", scope)
	if err != nil {
		return err
	}

	var fresh []*domain.Reminder
	for _, r := range missed {
		if !led.ShouldSkip(r.ID, r.DueDate) {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	rep.Overdue += len(fresh)

	dec := gate.Evaluate(user.Preferences, domain.CategoryReminders, domain.PriorityMedium, now)
	if dec.Warning != nil {
		e.logger.Warn("notification preferences unreadable, summarising anyway",
			zap.String("recipient_id", user.ID),
			zap.Error(dec.Warning),
		)
	}
	if !dec.Allowed {
		// Left out of the ledger so a later tick summarises them.
		rep.Suppressed++
		return nil
	}

	n := LocalNotification{
		ID:      "overdue_" + now.UTC().Format(time.RFC3339Nano),
		Kind:    KindOverdue,
		At:      now,
		Payload: e.builder.OverdueSummary(len(fresh), lang),
	}
	if err := sched.Schedule(ctx, n); err != nil {
		rep.Errors++
		e.logger.Warn("failed to raise overdue summary", zap.Error(err))
		return nil
	}
	rep.Summaries++
	rep.Scheduled++
	metrics.RecordOverdueSummary("client")
	metrics.RecordLocalScheduled(KindOverdue)

	for _, r := range fresh {
		led.MarkScheduled(r.ID, r.DueDate)
	}
	return nil
}
