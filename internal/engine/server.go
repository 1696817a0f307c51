package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/fanout"
	"github.com/lalithlochan/tandem/internal/metrics"
)

// ErrorOverdue is written to lastNotificationError for reminders covered by
// an aggregate overdue notification instead of their own.
const ErrorOverdue = "overdue"

// ServerTick runs one server pass: push what is due, then settle what is
// overdue. Only failing selects return an error; per-reminder failures are
// logged and counted.
func (e *Engine) ServerTick(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	rep, err := e.serverTick(ctx, now)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordTick("server", result, time.Since(start))

	if err != nil {
		e.logger.Error("server tick failed", append(rep.fields(), zap.Error(err))...)
	} else if rep.Selected+rep.Overdue+rep.RolledForward+rep.Expired > 0 {
		e.logger.Info("server tick complete", rep.fields()...)
	}
	return rep, err
}

func (e *Engine) serverTick(ctx context.Context, now time.Time) (Report, error) {
	var rep Report

	due, err := SelectDue(ctx, e.reminders, Window{
		From: now.Add(-e.cfg.DeliveryGrace),
		To:   now.Add(e.cfg.LookAhead),
	}, domain.ReminderFilter{
		NotificationSent: domain.Bool(false),
		Limit:            e.cfg.BatchLimit,
	})
	if err != nil {
		return rep, err
	}
	rep.Selected = len(due)
	metrics.RecordSelected("server", "due", len(due))

	for _, r := range due {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		e.dispatchOne(ctx, r, now, &rep)
	}

	if err := e.settleOverdue(ctx, now, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (e *Engine) dispatchOne(ctx context.Context, r *domain.Reminder, now time.Time, rep *Report) {
	attempt := r.NotificationAttempts + 1
	log := e.logger.With(
		zap.String("reminder_id", r.ID),
		zap.Time("due_date", r.DueDate),
		zap.Int("attempt", attempt),
	)

	if e.claims != nil {
		ok, err := e.claims.Claim(ctx, r.ID, r.DueDate, attempt)
		switch {
		case err != nil:
			log.Warn("dispatch claim unavailable, dispatching unguarded", zap.Error(err))
		case !ok:
			rep.ClaimsSkipped++
			metrics.RecordClaimSkipped()
			log.Debug("occurrence claimed by another tick")
			return
		}
	}

	res := e.deliverer.Deliver(ctx, r, e.cfg.Language, now)
	recordOutcomes(res)

	update := domain.DispatchUpdate{
		Attempted: true,
		Error:     res.ErrorSummary(),
	}
	switch {
	case res.Success:
		update.Sent = true
		update.SentAt = domain.Time(now)
		rep.Delivered++
	case !res.TransportFailed() || attempt >= e.cfg.MaxAttempts:
		update.Sent = true
		rep.Failed++
	default:
		rep.Retrying++
	}

	if err := e.reminders.RecordDispatch(ctx, r.ID, update); err != nil {
		rep.Errors++
		log.Error("failed to record dispatch", zap.Error(err))
		return
	}

	if !res.Success {
		log.Warn("reminder not delivered",
			zap.String("error_kind", update.Error),
			zap.Bool("will_retry", !update.Sent),
		)
	}
}

func recordOutcomes(res fanout.Result) {
	if res.ErrorKind != "" {
		metrics.RecordDeliveryOutcome(res.ErrorKind)
		return
	}
	for _, o := range res.PerRecipient {
		if o.Success {
			metrics.RecordDeliveryOutcome("success")
		} else {
			metrics.RecordDeliveryOutcome(o.ErrorKind)
		}
	}
}

// rollOverdue rolls every stale recurring reminder in scope forward from its
// stale due date to the first occurrence after now, or ends its series.
func (e *Engine) rollOverdue(ctx context.Context, now time.Time, side string, scope domain.ReminderFilter, rep *Report) error {
	f := scope
	f.DueBefore = domain.Time(now.Add(-e.cfg.DeliveryGrace))
	f.Completed = domain.Bool(false)
	f.Recurring = domain.Bool(true)
	f.ActiveSeriesOnly = true
	f.Limit = e.cfg.BatchLimit

	stale, err := e.reminders.Query(ctx, f)
	if err != nil {
		return fmt.Errorf("select overdue recurring reminders: %w", err)
	}
	metrics.RecordSelected(side, "overdue", len(stale))

	for _, r := range stale {
		res, err := e.rollForward(ctx, r, now, "overdue")
		if err != nil {
			rep.Errors++
			e.logger.Error("roll forward failed", zap.String("reminder_id", r.ID), zap.Error(err))
			continue
		}
		switch res {
		case rollCreated:
			rep.RolledForward++
		case rollExpired:
			rep.Expired++
		}
	}
	return nil
}

// selectMissed returns stale one-off reminders in scope.
func (e *Engine) selectMissed(ctx context.Context, now time.Time, side string, scope domain.ReminderFilter) ([]*domain.Reminder, error) {
	f := scope
	f.DueBefore = domain.Time(now.Add(-e.cfg.DeliveryGrace))
	f.Completed = domain.Bool(false)
	f.Recurring = domain.Bool(false)
	f.ActiveSeriesOnly = true
	f.Limit = e.cfg.BatchLimit

	missed, err := e.reminders.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("select overdue reminders: %w", err)
	}
	metrics.RecordSelected(side, "overdue", len(missed))
	return missed, nil
}

// settleOverdue handles everything past the delivery window. One-off
// reminders that were never pushed are folded into a single summary per
// recipient and then marked sent, so each is summarised once.
func (e *Engine) settleOverdue(ctx context.Context, now time.Time, rep *Report) error {
	if err := e.rollOverdue(ctx, now, "server", domain.ReminderFilter{}, rep); err != nil {
		return err
	}

	missed, err := e.selectMissed(ctx, now, "server", domain.ReminderFilter{NotificationSent: domain.Bool(false)})
	if err != nil {
		return err
	}
	rep.Overdue += len(missed)

	groups, order := e.groupByRecipient(ctx, missed)
	for _, userID := range order {
		count := len(groups[userID])
		out := e.summaries.SendSummary(ctx, userID, count, e.cfg.Language, now)
		rep.Summaries++
		metrics.RecordOverdueSummary("server")
		if out.Success {
			metrics.RecordDeliveryOutcome("success")
			continue
		}
		metrics.RecordDeliveryOutcome(out.ErrorKind)
		e.logger.Info("overdue summary not delivered",
			zap.String("recipient_id", userID),
			zap.Int("count", count),
			zap.String("error_kind", out.ErrorKind),
		)
	}

	for _, r := range missed {
		if err := e.reminders.RecordDispatch(ctx, r.ID, domain.DispatchUpdate{Sent: true, Error: ErrorOverdue}); err != nil {
			rep.Errors++
			e.logger.Error("failed to mark overdue reminder", zap.String("reminder_id", r.ID), zap.Error(err))
		}
	}
	return nil
}

// groupByRecipient maps each recipient to the overdue reminders they
// receive, keeping first-seen order. A reminder without a resolvable
// recipient set is left out of every summary.
func (e *Engine) groupByRecipient(ctx context.Context, missed []*domain.Reminder) (map[string][]*domain.Reminder, []string) {
	groups := make(map[string][]*domain.Reminder)
	var order []string

	for _, r := range missed {
		rcpts, err := e.deliverer.Recipients(ctx, r)
		if err != nil {
			e.logger.Warn("overdue reminder has no recipients",
				zap.String("reminder_id", r.ID),
				zap.Error(err),
			)
			continue
		}
		for _, rc := range rcpts {
			if _, ok := groups[rc.UserID]; !ok {
				order = append(order, rc.UserID)
			}
			groups[rc.UserID] = append(groups[rc.UserID], r)
		}
	}
	return groups, order
}
