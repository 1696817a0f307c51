package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
)

// querier is satisfied by the pool and by a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements the reminder store and the user/couple directory on
// postgres.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a store over db.
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const reminderColumns = `id, title, description, type, owner_id, couple_id, creator_id,
	due_date, priority, recurrence, completed, completed_at,
	notification_sent, last_notification_sent_at, notification_attempts, last_notification_error,
	parent_reminder_id, next_occurrence_id, series_ended, created_at, updated_at`

func scanReminder(row pgx.Row) (*domain.Reminder, error) {
	var r domain.Reminder
	err := row.Scan(
		&r.ID, &r.Title, &r.Description, &r.Type, &r.OwnerID, &r.CoupleID, &r.CreatorID,
		&r.DueDate, &r.Priority, &r.Recurrence, &r.Completed, &r.CompletedAt,
		&r.NotificationSent, &r.LastNotificationSentAt, &r.NotificationAttempts, &r.LastNotificationError,
		&r.ParentReminderID, &r.NextOccurrenceID, &r.SeriesEnded, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// args numbers positional parameters as they are appended.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// buildQuery renders f as a SELECT over reminders.
func buildQuery(f domain.ReminderFilter) (string, []any) {
	var (
		where []string
		a     args
	)

	if f.DueFrom != nil {
		where = append(where, "due_date >= "+a.add(*f.DueFrom))
	}
	if f.DueBefore != nil {
		where = append(where, "due_date < "+a.add(*f.DueBefore))
	}
	if f.Completed != nil {
		where = append(where, "completed = "+a.add(*f.Completed))
	}
	if f.NotificationSent != nil {
		where = append(where, "notification_sent = "+a.add(*f.NotificationSent))
	}
	if f.Recurring != nil {
		cond := "COALESCE(recurrence->>'frequency', '') NOT IN ('', 'none')"
		if !*f.Recurring {
			cond = "NOT (" + cond + ")"
		}
		where = append(where, cond)
	}
	if f.ActiveSeriesOnly {
		where = append(where, "next_occurrence_id = ''", "NOT series_ended")
	}
	if f.FailedSince != nil {
		where = append(where, "last_notification_error <> ''", "updated_at >= "+a.add(*f.FailedSince))
	}

	var scope []string
	if f.OwnerID != "" {
		scope = append(scope, "(type <> 'couple' AND owner_id = "+a.add(f.OwnerID)+")")
	}
	if f.CoupleID != "" {
		scope = append(scope, "(type = 'couple' AND couple_id = "+a.add(f.CoupleID)+")")
	}
	if len(scope) > 0 {
		where = append(where, "("+strings.Join(scope, " OR ")+")")
	}

	var b strings.Builder
	b.WriteString("SELECT " + reminderColumns + " FROM reminders")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY due_date, id")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + a.add(f.Limit))
	}
	return b.String(), a
}

// Query returns matching reminders ordered by due date.
func (s *Store) Query(ctx context.Context, f domain.ReminderFilter) ([]*domain.Reminder, error) {
	sql, params := buildQuery(f)
	rows, err := s.db.Pool().Query(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return out, nil
}

func getReminder(ctx context.Context, q querier, id string, lock bool) (*domain.Reminder, error) {
	sql := "SELECT " + reminderColumns + " FROM reminders WHERE id = $1"
	if lock {
		sql += " FOR UPDATE"
	}
	r, err := scanReminder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder %s: %w", id, err)
	}
	return r, nil
}

// Get returns one reminder.
func (s *Store) Get(ctx context.Context, id string) (*domain.Reminder, error) {
	return getReminder(ctx, s.db.Pool(), id, false)
}

// Create inserts r unless its id exists. An empty id gets a random one.
func (s *Store) Create(ctx context.Context, r *domain.Reminder) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	query := `
		INSERT INTO reminders (
			id, title, description, type, owner_id, couple_id, creator_id,
			due_date, priority, recurrence, completed, completed_at,
			notification_sent, last_notification_sent_at, notification_attempts, last_notification_error,
			parent_reminder_id, next_occurrence_id, series_ended
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		r.ID, r.Title, r.Description, r.Type, r.OwnerID, r.CoupleID, r.CreatorID,
		r.DueDate, r.Priority, r.Recurrence, r.Completed, r.CompletedAt,
		r.NotificationSent, r.LastNotificationSentAt, r.NotificationAttempts, r.LastNotificationError,
		r.ParentReminderID, r.NextOccurrenceID, r.SeriesEnded,
	).Scan(&r.CreatedAt, &r.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		s.logger.Error("failed to create reminder", zap.Error(err), zap.String("reminder_id", r.ID))
		return false, fmt.Errorf("insert reminder: %w", err)
	}
	return true, nil
}

// Delete removes a reminder; deleting a missing one is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Pool().Exec(ctx, "DELETE FROM reminders WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete reminder %s: %w", id, err)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, id, sql string, params ...any) error {
	tag, err := s.db.Pool().Exec(ctx, sql, params...)
	if err != nil {
		return fmt.Errorf("update reminder %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RecordDispatch applies one dispatch attempt's bookkeeping.
func (s *Store) RecordDispatch(ctx context.Context, id string, u domain.DispatchUpdate) error {
	return s.execOne(ctx, id, `
		UPDATE reminders SET
			notification_attempts = notification_attempts + CASE WHEN $2 THEN 1 ELSE 0 END,
			notification_sent = notification_sent OR $3,
			last_notification_sent_at = COALESCE($4, last_notification_sent_at),
			last_notification_error = $5,
			updated_at = NOW()
		WHERE id = $1
	`, id, u.Attempted, u.Sent, u.SentAt, u.Error)
}

// MarkRolledForward records nextID as the successor unless another one is
// recorded. It reports whether nextID is the recorded successor afterwards.
func (s *Store) MarkRolledForward(ctx context.Context, id, nextID string) (bool, error) {
	var recorded string
	err := s.db.Pool().QueryRow(ctx, `
		WITH claimed AS (
			UPDATE reminders SET next_occurrence_id = $2, updated_at = NOW()
			WHERE id = $1 AND next_occurrence_id = ''
			RETURNING next_occurrence_id
		)
		SELECT next_occurrence_id FROM claimed
		UNION ALL
		SELECT next_occurrence_id FROM reminders WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM claimed)
	`, id, nextID).Scan(&recorded)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("mark rolled forward %s: %w", id, err)
	}
	return recorded == nextID, nil
}

// MarkSeriesEnded flags a recurring reminder whose end date has passed.
func (s *Store) MarkSeriesEnded(ctx context.Context, id string) error {
	return s.execOne(ctx, id, "UPDATE reminders SET series_ended = TRUE, updated_at = NOW() WHERE id = $1", id)
}

// transition locks the row, applies fn and writes the mutable fields back.
func (s *Store) transition(ctx context.Context, id string, fn func(r *domain.Reminder)) (before, after *domain.Reminder, err error) {
	err = pgx.BeginFunc(ctx, s.db.Pool(), func(tx pgx.Tx) error {
		before, err = getReminder(ctx, tx, id, true)
		if err != nil {
			return err
		}
		cp := *before
		after = &cp
		fn(after)

		return tx.QueryRow(ctx, `
			UPDATE reminders SET
				due_date = $2, completed = $3, completed_at = $4,
				notification_sent = $5, notification_attempts = $6,
				last_notification_error = $7, last_notification_sent_at = $8,
				updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, id, after.DueDate, after.Completed, after.CompletedAt,
			after.NotificationSent, after.NotificationAttempts,
			after.LastNotificationError, after.LastNotificationSentAt,
		).Scan(&after.UpdatedAt)
	})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// SetCompleted marks the reminder complete. Completing a completed reminder
// changes nothing but updated_at.
func (s *Store) SetCompleted(ctx context.Context, id string, at time.Time) (*domain.Reminder, *domain.Reminder, error) {
	return s.transition(ctx, id, func(r *domain.Reminder) {
		if r.Completed {
			return
		}
		r.Completed = true
		r.CompletedAt = &at
	})
}

// Snooze moves the due date and re-arms delivery.
func (s *Store) Snooze(ctx context.Context, id string, due time.Time) (*domain.Reminder, *domain.Reminder, error) {
	return s.transition(ctx, id, func(r *domain.Reminder) {
		r.DueDate = due
		r.NotificationSent = false
		r.NotificationAttempts = 0
		r.LastNotificationError = ""
		r.LastNotificationSentAt = nil
	})
}

// DeleteCompletedBefore removes completed reminders finished before cutoff.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, "DELETE FROM reminders WHERE completed AND completed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed reminders: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetRecipient returns the user record.
func (s *Store) GetRecipient(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	err := s.db.Pool().QueryRow(ctx,
		"SELECT id, display_name, push_token, couple_id, preferences FROM users WHERE id = $1", userID,
	).Scan(&u.ID, &u.DisplayName, &u.PushToken, &u.CoupleID, &u.Preferences)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", userID, err)
	}
	return &u, nil
}

// GetCouple returns the couple record.
func (s *Store) GetCouple(ctx context.Context, coupleID string) (*domain.Couple, error) {
	var c domain.Couple
	err := s.db.Pool().QueryRow(ctx, "SELECT id, member_ids FROM couples WHERE id = $1", coupleID).
		Scan(&c.ID, &c.MemberIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("couple %s: %w", coupleID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query couple %s: %w", coupleID, err)
	}
	return &c, nil
}

// RemovePushToken clears the token only if it still equals token.
func (s *Store) RemovePushToken(ctx context.Context, userID, token string) error {
	_, err := s.db.Pool().Exec(ctx,
		"UPDATE users SET push_token = '' WHERE id = $1 AND push_token = $2", userID, token)
	if err != nil {
		return fmt.Errorf("remove push token for %s: %w", userID, err)
	}
	return nil
}
