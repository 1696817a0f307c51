package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/locale"
)

type fakeUsers struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	removed []string
	err     error
}

func (f *fakeUsers) GetRecipient(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) RemovePushToken(_ context.Context, id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok && u.PushToken == token {
		u.PushToken = ""
	}
	f.removed = append(f.removed, id)
	return nil
}

type sent struct {
	token   string
	payload Payload
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
	errs map[string]error
}

func (f *fakeTransport) Send(_ context.Context, token string, p Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[token]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, sent{token: token, payload: p})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func newTestDispatcher(users *fakeUsers, tr *fakeTransport) *Dispatcher {
	b := NewBuilder(locale.MustDefault(), "tandem://reminders/")
	return NewDispatcher(users, tr, b, zap.NewNop())
}

func user(id, token string) *domain.User {
	return &domain.User{ID: id, DisplayName: id, PushToken: token, Preferences: domain.DefaultPreferences()}
}

var noon = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func personal() *domain.Reminder {
	return &domain.Reminder{
		ID:       "r1",
		Title:    "Water the plants",
		Type:     domain.TypePersonal,
		OwnerID:  "alice",
		DueDate:  noon,
		Priority: domain.PriorityHigh,
	}
}

func TestDispatcher_Send_Success(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{"alice": user("alice", "tok-a")}}
	tr := &fakeTransport{}
	d := newTestDispatcher(users, tr)

	out := d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, personal(), "en", SendOptions{At: noon})
	if !out.Success || out.MessageID == "" {
		t.Fatalf("expected success with message id, got %+v", out)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(tr.sent))
	}

	p := tr.sent[0].payload
	if p.Title != "Water the plants" {
		t.Errorf("title = %q, want reminder title verbatim", p.Title)
	}
	if p.Data.Type != TypeReminder || p.Data.ReminderID != "r1" || p.Data.Priority != "high" {
		t.Errorf("unexpected data %+v", p.Data)
	}
	if p.Data.Link != "tandem://reminders/r1" {
		t.Errorf("link = %q", p.Data.Link)
	}
	if p.Data.Language != "en" {
		t.Errorf("language = %q", p.Data.Language)
	}
	if len(p.Actions) != 3 {
		t.Errorf("owner should get complete/snooze/view, got %+v", p.Actions)
	}
}

func TestDispatcher_Send_LongTitleNotTruncated(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{"alice": user("alice", "tok-a")}}
	tr := &fakeTransport{}
	d := newTestDispatcher(users, tr)

	r := personal()
	r.Title = ""
	for i := 0; i < 50; i++ {
		r.Title += "long title {creator} "
	}
	d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, r, "en", SendOptions{At: noon})
	if got := tr.sent[0].payload.Title; got != r.Title {
		t.Errorf("title changed in payload: %q", got)
	}
}

func TestDispatcher_Send_NoToken(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{"alice": user("alice", "")}}
	tr := &fakeTransport{}
	d := newTestDispatcher(users, tr)

	out := d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, personal(), "en", SendOptions{At: noon})
	if out.Success || out.ErrorKind != KindNoToken {
		t.Errorf("expected no-token, got %+v", out)
	}
	if len(tr.sent) != 0 {
		t.Error("nothing should be sent without a token")
	}
}

func TestDispatcher_Send_UnknownRecipient(t *testing.T) {
	d := newTestDispatcher(&fakeUsers{users: map[string]*domain.User{}}, &fakeTransport{})
	out := d.Send(context.Background(), Recipient{UserID: "ghost", Role: RoleOwner}, personal(), "en", SendOptions{At: noon})
	if out.Success || out.ErrorKind != KindNoRecipient {
		t.Errorf("expected no-recipient, got %+v", out)
	}
}

func TestDispatcher_Send_Suppressed(t *testing.T) {
	u := user("alice", "tok-a")
	u.Preferences.QuietHours = domain.QuietHours{Enabled: true, Start: "22:00", End: "08:00"}
	users := &fakeUsers{users: map[string]*domain.User{"alice": u}}
	tr := &fakeTransport{}
	d := newTestDispatcher(users, tr)

	late := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)
	out := d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, personal(), "en", SendOptions{At: late})
	if out.Success || out.ErrorKind != "suppressed:quiet-hours" {
		t.Errorf("expected suppressed:quiet-hours, got %+v", out)
	}
	if !IsSuppressed(out.ErrorKind) {
		t.Error("IsSuppressed should recognise the kind")
	}
	if len(tr.sent) != 0 {
		t.Error("suppressed send reached the transport")
	}
}

func TestDispatcher_Send_MalformedQuietHoursFailsOpen(t *testing.T) {
	u := user("alice", "tok-a")
	u.Preferences.QuietHours = domain.QuietHours{Enabled: true, Start: "late", End: "early"}
	users := &fakeUsers{users: map[string]*domain.User{"alice": u}}
	tr := &fakeTransport{}
	d := newTestDispatcher(users, tr)

	out := d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, personal(), "en", SendOptions{At: noon})
	if !out.Success {
		t.Errorf("expected fail-open delivery, got %+v", out)
	}
}

func TestDispatcher_Send_InvalidTokenRemoved(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{"alice": user("alice", "tok-a")}}
	tr := &fakeTransport{errs: map[string]error{"tok-a": fmt.Errorf("%w: endpoint disabled", ErrInvalidToken)}}
	d := newTestDispatcher(users, tr)

	out := d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, personal(), "en", SendOptions{At: noon})
	if out.Success || out.ErrorKind != KindInvalidToken {
		t.Errorf("expected invalid-token, got %+v", out)
	}
	if len(users.removed) != 1 || users.users["alice"].PushToken != "" {
		t.Errorf("token was not removed: removed=%v token=%q", users.removed, users.users["alice"].PushToken)
	}
}

func TestDispatcher_Send_TransportErrorKeepsToken(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{"alice": user("alice", "tok-a")}}
	tr := &fakeTransport{errs: map[string]error{"tok-a": errors.New("connection reset")}}
	d := newTestDispatcher(users, tr)

	out := d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, personal(), "en", SendOptions{At: noon})
	if out.Success || out.ErrorKind != KindTransport {
		t.Errorf("expected transport, got %+v", out)
	}
	if len(users.removed) != 0 {
		t.Error("transient failure must not remove the token")
	}
}

func TestDispatcher_NilTransport(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{"alice": user("alice", "tok-a")}}
	d := NewDispatcher(users, nil, NewBuilder(locale.MustDefault(), "tandem://reminders/"), zap.NewNop())

	out := d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, personal(), "en", SendOptions{At: noon})
	if out.Success || out.ErrorKind != KindTransport {
		t.Errorf("expected transport, got %+v", out)
	}

	out = d.SendSummary(context.Background(), "alice", 3, "en", noon)
	if out.Success || out.ErrorKind != KindTransport {
		t.Errorf("expected transport for summary, got %+v", out)
	}
	if len(users.removed) != 0 {
		t.Error("missing transport must not remove the token")
	}
}

func TestDispatcher_Send_LanguagePreference(t *testing.T) {
	u := user("alice", "tok-a")
	u.Preferences.Language = "es"
	users := &fakeUsers{users: map[string]*domain.User{"alice": u, "bob": user("bob", "tok-b")}}
	tr := &fakeTransport{}
	d := newTestDispatcher(users, tr)

	d.Send(context.Background(), Recipient{UserID: "alice", Role: RoleOwner}, personal(), "en", SendOptions{At: noon})
	d.Send(context.Background(), Recipient{UserID: "bob", Role: RoleOwner}, personal(), "es", SendOptions{At: noon})
	d.Send(context.Background(), Recipient{UserID: "bob", Role: RoleOwner}, personal(), "", SendOptions{At: noon})

	want := []string{"es", "es", "en"}
	for i, w := range want {
		if got := tr.sent[i].payload.Data.Language; got != w {
			t.Errorf("send %d: language = %q, want %q", i, got, w)
		}
	}
	if tr.sent[0].payload.Body != "Tu recordatorio vence ahora." {
		t.Errorf("spanish body = %q", tr.sent[0].payload.Body)
	}
}

func TestDispatcher_Send_PartnerPayload(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{"bob": user("bob", "tok-b")}}
	tr := &fakeTransport{}
	d := newTestDispatcher(users, tr)

	r := personal()
	r.Type = domain.TypeCouple
	r.OwnerID = ""
	r.CoupleID = "c1"
	r.CreatorID = "alice"

	d.Send(context.Background(), Recipient{UserID: "bob", Role: RolePartner}, r, "en", SendOptions{CreatorName: "Alice", At: noon})

	p := tr.sent[0].payload
	if p.Body != "Alice set a reminder for both of you." {
		t.Errorf("partner body = %q", p.Body)
	}
	if p.Data.Type != TypeCoupleReminder || p.Data.CoupleID != "c1" {
		t.Errorf("unexpected data %+v", p.Data)
	}
	if p.Category != string(domain.CategoryCoupleReminders) {
		t.Errorf("category = %q", p.Category)
	}
	ids := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		ids[i] = a.ID
	}
	if len(ids) != 2 || ids[0] != locale.ActionView || ids[1] != locale.ActionSnooze {
		t.Errorf("partner actions = %v, want [view snooze]", ids)
	}
}

func TestDispatcher_SendSummary(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{"alice": user("alice", "tok-a")}}
	tr := &fakeTransport{}
	d := newTestDispatcher(users, tr)

	out := d.SendSummary(context.Background(), "alice", 4, "en", noon)
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	p := tr.sent[0].payload
	if p.Data.Type != TypeOverdueSummary || p.Data.Count != 4 {
		t.Errorf("unexpected data %+v", p.Data)
	}
	if p.Body != "You have 4 overdue reminders." {
		t.Errorf("body = %q", p.Body)
	}
}
