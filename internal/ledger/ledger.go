// Package ledger tracks which reminder occurrences the client job has already
// scheduled during the current process lifetime.
package ledger

import (
	"sync"
	"time"
)

// Ledger is an in-memory set of occurrence keys. The zero value is not usable;
// construct with New. Restarting the process drops every entry, which can cause
// at most one duplicate local notification per occurrence.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string]time.Time)}
}

// Key identifies one occurrence: the reminder id and its due instant in UTC.
func Key(reminderID string, due time.Time) string {
	return reminderID + "_" + due.UTC().Format(time.RFC3339Nano)
}

// ShouldSkip reports whether the occurrence was already scheduled.
func (l *Ledger) ShouldSkip(reminderID string, due time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[Key(reminderID, due)]
	return ok
}

// MarkScheduled records the occurrence. Marking twice is harmless.
func (l *Ledger) MarkScheduled(reminderID string, due time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[Key(reminderID, due)] = due
}

// Clear forgets every occurrence.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]time.Time)
}

// Prune drops occurrences due before cutoff. A long-running client otherwise
// accumulates one entry per occurrence forever.
func (l *Ledger) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, due := range l.entries {
		if due.Before(cutoff) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked occurrences.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
