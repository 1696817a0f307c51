// Package memstore keeps reminders, users and couples in memory. It backs
// local development and the engine tests, and honours the same contracts as
// the postgres and mongo stores.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/tandem/internal/domain"
)

// Store is safe for concurrent use. Every read returns a copy.
type Store struct {
	mu        sync.RWMutex
	reminders map[string]*domain.Reminder
	users     map[string]*domain.User
	couples   map[string]*domain.Couple
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		reminders: make(map[string]*domain.Reminder),
		users:     make(map[string]*domain.User),
		couples:   make(map[string]*domain.Couple),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for CreatedAt/UpdatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func clone(r *domain.Reminder) *domain.Reminder {
	cp := *r
	if r.Recurrence != nil {
		rec := *r.Recurrence
		cp.Recurrence = &rec
	}
	return &cp
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

// PutCouple inserts or replaces a couple.
func (s *Store) PutCouple(c *domain.Couple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.MemberIDs = append([]string(nil), c.MemberIDs...)
	s.couples[c.ID] = &cp
}

// GetRecipient returns the user record.
func (s *Store) GetRecipient(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// GetCouple returns the couple record.
func (s *Store) GetCouple(_ context.Context, coupleID string) (*domain.Couple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.couples[coupleID]
	if !ok {
		return nil, fmt.Errorf("couple %s: %w", coupleID, domain.ErrNotFound)
	}
	cp := *c
	cp.MemberIDs = append([]string(nil), c.MemberIDs...)
	return &cp, nil
}

// RemovePushToken clears the user's token only if it still equals token, so a
// token registered in the meantime survives.
func (s *Store) RemovePushToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok && u.PushToken == token {
		u.PushToken = ""
	}
	return nil
}

// Query returns matching reminders ordered by due date.
func (s *Store) Query(_ context.Context, f domain.ReminderFilter) ([]*domain.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Reminder
	for _, r := range s.reminders {
		if f.Matches(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Get returns one reminder.
func (s *Store) Get(_ context.Context, id string) (*domain.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[id]
	if !ok {
		return nil, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	return clone(r), nil
}

// Create inserts r unless a reminder with its id exists. An empty id gets a
// random one, written back to r.
func (s *Store) Create(_ context.Context, r *domain.Reminder) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := s.reminders[r.ID]; ok {
		return false, nil
	}

	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.reminders[r.ID] = clone(r)
	return true, nil
}

// Delete removes a reminder; deleting a missing one is not an error.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reminders, id)
	return nil
}

// RecordDispatch applies one dispatch attempt's bookkeeping.
func (s *Store) RecordDispatch(_ context.Context, id string, u domain.DispatchUpdate) error {
	return s.update(id, func(r *domain.Reminder) {
		if u.Attempted {
			r.NotificationAttempts++
		}
		if u.Sent {
			r.NotificationSent = true
		}
		if u.SentAt != nil {
			t := *u.SentAt
			r.LastNotificationSentAt = &t
		}
		r.LastNotificationError = u.Error
	})
}

// MarkRolledForward records nextID on the parent if no successor is recorded
// yet. It reports whether nextID is the recorded successor afterwards.
func (s *Store) MarkRolledForward(_ context.Context, id, nextID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return false, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	if r.NextOccurrenceID == "" {
		r.NextOccurrenceID = nextID
		r.UpdatedAt = s.now()
		return true, nil
	}
	return r.NextOccurrenceID == nextID, nil
}

// MarkSeriesEnded flags a recurring reminder whose end date has passed.
func (s *Store) MarkSeriesEnded(_ context.Context, id string) error {
	return s.update(id, func(r *domain.Reminder) { r.SeriesEnded = true })
}

// SetCompleted marks the reminder complete and returns it before and after.
// Completing a completed reminder changes nothing.
func (s *Store) SetCompleted(_ context.Context, id string, at time.Time) (*domain.Reminder, *domain.Reminder, error) {
	return s.transition(id, func(r *domain.Reminder) {
		if r.Completed {
			return
		}
		r.Completed = true
		r.CompletedAt = &at
	})
}

// Snooze moves the due date and resets delivery bookkeeping so the new
// occurrence is delivered again.
func (s *Store) Snooze(_ context.Context, id string, due time.Time) (*domain.Reminder, *domain.Reminder, error) {
	return s.transition(id, func(r *domain.Reminder) {
		r.DueDate = due
		r.NotificationSent = false
		r.NotificationAttempts = 0
		r.LastNotificationError = ""
		r.LastNotificationSentAt = nil
	})
}

// DeleteCompletedBefore removes completed reminders finished before cutoff.
func (s *Store) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.reminders {
		if r.Completed && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(s.reminders, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) update(id string, fn func(r *domain.Reminder)) error {
	_, _, err := s.transition(id, fn)
	return err
}

func (s *Store) transition(id string, fn func(r *domain.Reminder)) (*domain.Reminder, *domain.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return nil, nil, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	before := clone(r)
	fn(r)
	r.UpdatedAt = s.now()
	return before, clone(r), nil
}
