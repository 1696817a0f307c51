package mongostore

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/lalithlochan/tandem/internal/domain"
)

func clauses(t *testing.T, f bson.M) bson.A {
	t.Helper()
	and, ok := f["$and"].(bson.A)
	if !ok {
		t.Fatalf("expected $and, got %v", f)
	}
	return and
}

func TestBuildFilter_Empty(t *testing.T) {
	if f := buildFilter(domain.ReminderFilter{}); len(f) != 0 {
		t.Errorf("expected empty filter, got %v", f)
	}
}

func TestBuildFilter_ServerWindow(t *testing.T) {
	from := time.Date(2024, 6, 3, 11, 50, 0, 0, time.UTC)
	to := from.Add(12 * time.Minute)

	and := clauses(t, buildFilter(domain.ReminderFilter{
		DueFrom:          &from,
		DueBefore:        &to,
		Completed:        domain.Bool(false),
		NotificationSent: domain.Bool(false),
		ActiveSeriesOnly: true,
	}))
	if len(and) != 5 {
		t.Fatalf("expected 5 clauses, got %d: %v", len(and), and)
	}

	due := and[0].(bson.M)["due_date"].(bson.M)
	if !due["$gte"].(time.Time).Equal(from) || !due["$lt"].(time.Time).Equal(to) {
		t.Errorf("unexpected due range %v", due)
	}
	if and[1].(bson.M)["completed"] != false || and[2].(bson.M)["notification_sent"] != false {
		t.Errorf("unexpected flags %v %v", and[1], and[2])
	}
}

func TestBuildFilter_Recurring(t *testing.T) {
	for _, recurring := range []bool{true, false} {
		and := clauses(t, buildFilter(domain.ReminderFilter{Recurring: domain.Bool(recurring)}))
		freq := and[0].(bson.M)["recurrence.frequency"].(bson.M)
		op := "$in"
		if recurring {
			op = "$nin"
		}
		if _, ok := freq[op]; !ok {
			t.Errorf("recurring=%v: expected %s, got %v", recurring, op, freq)
		}
	}
}

func TestBuildFilter_RecipientScope(t *testing.T) {
	and := clauses(t, buildFilter(domain.ReminderFilter{OwnerID: "alice", CoupleID: "c1"}))
	or := and[0].(bson.M)["$or"].(bson.A)
	if len(or) != 2 {
		t.Fatalf("expected owner and couple branches, got %v", or)
	}
	if or[0].(bson.M)["owner_id"] != "alice" || or[1].(bson.M)["couple_id"] != "c1" {
		t.Errorf("unexpected scope %v", or)
	}
}

func TestDispatchUpdate(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	retry := dispatchUpdate(domain.DispatchUpdate{Attempted: true, Error: "alice:transport"}, now)
	set := retry["$set"].(bson.M)
	if _, ok := set["notification_sent"]; ok {
		t.Error("retry must not touch notification_sent")
	}
	if retry["$inc"].(bson.M)["notification_attempts"] != 1 {
		t.Error("attempt not counted")
	}

	overdue := dispatchUpdate(domain.DispatchUpdate{Sent: true, Error: "overdue"}, now)
	if _, ok := overdue["$inc"]; ok {
		t.Error("overdue marking is not an attempt")
	}
	if overdue["$set"].(bson.M)["notification_sent"] != true {
		t.Error("overdue marking must set sent")
	}
}
