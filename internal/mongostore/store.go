// Package mongostore is the MongoDB deployment of the reminder store and the
// user/couple directory.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
)

// Config selects the deployment.
type Config struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
}

// Store implements the reminder store and directory over three collections.
type Store struct {
	client    *mongo.Client
	reminders *mongo.Collection
	users     *mongo.Collection
	couples   *mongo.Collection
	now       func() time.Time
	logger    *zap.Logger
}

// Connect dials MongoDB, verifies it and ensures indexes.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := New(client.Database(cfg.Database), logger)
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Info("mongo connection established", zap.String("database", cfg.Database))
	return s, nil
}

// New wraps an existing database handle.
func New(db *mongo.Database, logger *zap.Logger) *Store {
	return &Store{
		reminders: db.Collection("reminders"),
		users:     db.Collection("users"),
		couples:   db.Collection("couples"),
		now:       time.Now,
		logger:    logger,
	}
}

// Ping checks the server connection of a store opened with Connect.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, nil)
}

// Close disconnects a store opened with Connect.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the ticks query by.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.reminders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "completed", Value: 1}, {Key: "notification_sent", Value: 1}, {Key: "due_date", Value: 1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "due_date", Value: 1}}},
		{Keys: bson.D{{Key: "couple_id", Value: 1}, {Key: "due_date", Value: 1}}},
		{Keys: bson.D{{Key: "completed_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create reminder indexes: %w", err)
	}
	return nil
}

var emptyString = bson.A{nil, ""}

// buildFilter renders f as a MongoDB filter.
func buildFilter(f domain.ReminderFilter) bson.M {
	var and bson.A

	due := bson.M{}
	if f.DueFrom != nil {
		due["$gte"] = *f.DueFrom
	}
	if f.DueBefore != nil {
		due["$lt"] = *f.DueBefore
	}
	if len(due) > 0 {
		and = append(and, bson.M{"due_date": due})
	}
	if f.Completed != nil {
		and = append(and, bson.M{"completed": *f.Completed})
	}
	if f.NotificationSent != nil {
		and = append(and, bson.M{"notification_sent": *f.NotificationSent})
	}
	if f.Recurring != nil {
		none := bson.A{nil, "", string(domain.FrequencyNone)}
		if *f.Recurring {
			and = append(and, bson.M{"recurrence.frequency": bson.M{"$nin": none}})
		} else {
			and = append(and, bson.M{"recurrence.frequency": bson.M{"$in": none}})
		}
	}
	if f.ActiveSeriesOnly {
		and = append(and,
			bson.M{"next_occurrence_id": bson.M{"$in": emptyString}},
			bson.M{"series_ended": bson.M{"$ne": true}},
		)
	}
	if f.FailedSince != nil {
		and = append(and,
			bson.M{"last_notification_error": bson.M{"$nin": emptyString}},
			bson.M{"updated_at": bson.M{"$gte": *f.FailedSince}},
		)
	}

	var scope bson.A
	if f.OwnerID != "" {
		scope = append(scope, bson.M{"type": bson.M{"$ne": domain.TypeCouple}, "owner_id": f.OwnerID})
	}
	if f.CoupleID != "" {
		scope = append(scope, bson.M{"type": domain.TypeCouple, "couple_id": f.CoupleID})
	}
	if len(scope) > 0 {
		and = append(and, bson.M{"$or": scope})
	}

	if len(and) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": and}
}

// Query returns matching reminders ordered by due date.
func (s *Store) Query(ctx context.Context, f domain.ReminderFilter) ([]*domain.Reminder, error) {
	opts := options.Find().SetSort(bson.D{{Key: "due_date", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cursor, err := s.reminders.Find(ctx, buildFilter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("find reminders: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*domain.Reminder
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}
	return out, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return fmt.Errorf("find %s %s: %w", kind, id, err)
}

// Get returns one reminder.
func (s *Store) Get(ctx context.Context, id string) (*domain.Reminder, error) {
	var r domain.Reminder
	if err := s.reminders.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		return nil, notFound("reminder", id, err)
	}
	return &r, nil
}

// Create inserts r unless its id exists. An empty id gets a random one.
func (s *Store) Create(ctx context.Context, r *domain.Reminder) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	if _, err := s.reminders.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		s.logger.Error("failed to insert reminder", zap.Error(err), zap.String("reminder_id", r.ID))
		return false, fmt.Errorf("insert reminder: %w", err)
	}
	return true, nil
}

// Delete removes a reminder; deleting a missing one is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.reminders.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete reminder %s: %w", id, err)
	}
	return nil
}

func (s *Store) updateOne(ctx context.Context, id string, update bson.M) error {
	res, err := s.reminders.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update reminder %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// dispatchUpdate renders one attempt's bookkeeping.
func dispatchUpdate(u domain.DispatchUpdate, now time.Time) bson.M {
	set := bson.M{"last_notification_error": u.Error, "updated_at": now}
	if u.Sent {
		set["notification_sent"] = true
	}
	if u.SentAt != nil {
		set["last_notification_sent_at"] = *u.SentAt
	}
	update := bson.M{"$set": set}
	if u.Attempted {
		update["$inc"] = bson.M{"notification_attempts": 1}
	}
	return update
}

// RecordDispatch applies one dispatch attempt's bookkeeping.
func (s *Store) RecordDispatch(ctx context.Context, id string, u domain.DispatchUpdate) error {
	return s.updateOne(ctx, id, dispatchUpdate(u, s.now().UTC()))
}

// MarkRolledForward records nextID unless another successor is recorded, and
// reports whether nextID is the recorded successor afterwards.
func (s *Store) MarkRolledForward(ctx context.Context, id, nextID string) (bool, error) {
	res, err := s.reminders.UpdateOne(ctx,
		bson.M{"_id": id, "next_occurrence_id": bson.M{"$in": emptyString}},
		bson.M{"$set": bson.M{"next_occurrence_id": nextID, "updated_at": s.now().UTC()}},
	)
	if err != nil {
		return false, fmt.Errorf("mark rolled forward %s: %w", id, err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return r.NextOccurrenceID == nextID, nil
}

// MarkSeriesEnded flags a recurring reminder whose end date has passed.
func (s *Store) MarkSeriesEnded(ctx context.Context, id string) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{"series_ended": true, "updated_at": s.now().UTC()}})
}

// SetCompleted marks the reminder complete and returns it before and after.
func (s *Store) SetCompleted(ctx context.Context, id string, at time.Time) (*domain.Reminder, *domain.Reminder, error) {
	now := s.now().UTC()
	var before domain.Reminder
	err := s.reminders.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "completed": false},
		bson.M{"$set": bson.M{"completed": true, "completed_at": at, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)

	if errors.Is(err, mongo.ErrNoDocuments) {
		// Missing, or already completed.
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("complete reminder %s: %w", id, err)
	}

	after := before
	after.Completed = true
	after.CompletedAt = &at
	after.UpdatedAt = now
	return &before, &after, nil
}

// Snooze moves the due date and re-arms delivery.
func (s *Store) Snooze(ctx context.Context, id string, due time.Time) (*domain.Reminder, *domain.Reminder, error) {
	now := s.now().UTC()
	var before domain.Reminder
	err := s.reminders.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{
				"due_date":                due,
				"notification_sent":       false,
				"notification_attempts":   0,
				"last_notification_error": "",
				"updated_at":              now,
			},
			"$unset": bson.M{"last_notification_sent_at": ""},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		return nil, nil, notFound("reminder", id, err)
	}

	after := before
	after.DueDate = due
	after.NotificationSent = false
	after.NotificationAttempts = 0
	after.LastNotificationError = ""
	after.LastNotificationSentAt = nil
	after.UpdatedAt = now
	return &before, &after, nil
}

// DeleteCompletedBefore removes completed reminders finished before cutoff.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.reminders.DeleteMany(ctx, bson.M{"completed": true, "completed_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete completed reminders: %w", err)
	}
	return res.DeletedCount, nil
}

// GetRecipient returns the user record.
func (s *Store) GetRecipient(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	if err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&u); err != nil {
		return nil, notFound("user", userID, err)
	}
	return &u, nil
}

// GetCouple returns the couple record.
func (s *Store) GetCouple(ctx context.Context, coupleID string) (*domain.Couple, error) {
	var c domain.Couple
	if err := s.couples.FindOne(ctx, bson.M{"_id": coupleID}).Decode(&c); err != nil {
		return nil, notFound("couple", coupleID, err)
	}
	return &c, nil
}

// RemovePushToken clears the token only if it still equals token.
func (s *Store) RemovePushToken(ctx context.Context, userID, token string) error {
	_, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID, "push_token": token},
		bson.M{"$unset": bson.M{"push_token": ""}},
	)
	if err != nil {
		return fmt.Errorf("remove push token for %s: %w", userID, err)
	}
	return nil
}
