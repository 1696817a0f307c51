package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
)

type fakeQueue struct {
	sent     []string
	inbox    []types.Message
	deleted  []string
	sendErr  error
	recvErr  error
	lastWait int32
}

func (f *fakeQueue) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeQueue) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	f.lastWait = in.WaitTimeSeconds
	out := &sqs.ReceiveMessageOutput{Messages: f.inbox}
	f.inbox = nil
	return out, nil
}

func (f *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type recordingHandler struct {
	events []ChangeEvent
	err    error
}

func (h *recordingHandler) OnReminderChanged(_ context.Context, before, after *domain.Reminder) error {
	h.events = append(h.events, ChangeEvent{Before: before, After: after})
	return h.err
}

func message(receipt, body string) types.Message {
	return types.Message{ReceiptHandle: aws.String(receipt), Body: aws.String(body)}
}

func TestProducer_PublishChange(t *testing.T) {
	q := &fakeQueue{}
	p := NewProducer(q, "https://sqs.local/changes", zap.NewNop())

	due := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	before := &domain.Reminder{ID: "r1", DueDate: due}
	after := &domain.Reminder{ID: "r1", DueDate: due, Completed: true, CompletedAt: &due}

	if err := p.PublishChange(context.Background(), before, after); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(q.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(q.sent))
	}

	var ev ChangeEvent
	if err := json.Unmarshal([]byte(q.sent[0]), &ev); err != nil {
		t.Fatalf("body is not a change event: %v", err)
	}
	if ev.Before.Completed || !ev.After.Completed || ev.After.ID != "r1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.PublishedAt == 0 {
		t.Error("missing publish time")
	}
}

func TestProducer_Errors(t *testing.T) {
	q := &fakeQueue{sendErr: errors.New("throttled")}
	p := NewProducer(q, "q", zap.NewNop())

	if err := p.PublishChange(context.Background(), nil, &domain.Reminder{ID: "r1"}); err == nil {
		t.Error("expected send error to surface")
	}
	if err := p.PublishChange(context.Background(), nil, nil); err == nil {
		t.Error("expected error for empty event")
	}
}

func TestConsumer_Poll(t *testing.T) {
	good, _ := json.Marshal(ChangeEvent{
		Before: &domain.Reminder{ID: "r1"},
		After:  &domain.Reminder{ID: "r1", Completed: true},
	})
	q := &fakeQueue{inbox: []types.Message{
		message("h-good", string(good)),
		message("h-bad", "{not json"),
		message("h-empty", `{"before":{"id":"x"}}`),
	}}
	h := &recordingHandler{}
	c := NewConsumer(q, "q", h, zap.NewNop())

	n, err := c.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(h.events) != 1 || !h.events[0].After.Completed {
		t.Fatalf("handled %d, events %+v", n, h.events)
	}
	if len(q.deleted) != 3 {
		t.Errorf("expected handled and malformed messages deleted, got %v", q.deleted)
	}
	if q.lastWait != 20 {
		t.Errorf("expected long polling, got wait %d", q.lastWait)
	}
}

func TestConsumer_HandlerFailureLeavesMessage(t *testing.T) {
	body, _ := json.Marshal(ChangeEvent{After: &domain.Reminder{ID: "r1", Completed: true}})
	q := &fakeQueue{inbox: []types.Message{message("h1", string(body))}}
	c := NewConsumer(q, "q", &recordingHandler{err: errors.New("db down")}, zap.NewNop())

	n, err := c.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(q.deleted) != 0 {
		t.Errorf("failed event should be redelivered: handled=%d deleted=%v", n, q.deleted)
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	q := &fakeQueue{recvErr: errors.New("unreachable")}
	c := NewConsumer(q, "q", &recordingHandler{}, zap.NewNop())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
