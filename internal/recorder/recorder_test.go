package recorder

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage/sqlite"
)

type captureSubscriber struct {
	name   string
	events []event.Event
	order  *[]string
	err    error
}

func (c *captureSubscriber) HandleEvent(_ context.Context, evt event.Event) error {
	c.events = append(c.events, evt)
	if c.order != nil {
		*c.order = append(*c.order, c.name)
	}
	return c.err
}

func newTestRecorder(t *testing.T) (*Recorder, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, zerolog.Nop()), store
}

func TestRecordNotifiesSubscribersInOrder(t *testing.T) {
	rec, _ := newTestRecorder(t)

	var order []string
	first := &captureSubscriber{name: "first", order: &order}
	second := &captureSubscriber{name: "second", order: &order}
	rec.Subscribe(first)
	rec.Subscribe(second)

	stored, created, err := rec.RecordUserMessage(context.Background(), "conv-1", "client-1", "hello", "")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !created {
		t.Fatal("first record reported as duplicate")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order = %v, want [first second]", order)
	}
	if len(first.events) != 1 || first.events[0].ID != stored.ID {
		t.Fatalf("subscriber saw %v, want stored event %d", first.events, stored.ID)
	}
}

func TestRecordDuplicateSkipsSubscribers(t *testing.T) {
	rec, _ := newTestRecorder(t)

	sub := &captureSubscriber{}
	rec.Subscribe(sub)

	ctx := context.Background()
	if _, _, err := rec.RecordUserMessage(ctx, "conv-1", "client-1", "hello", "key-1"); err != nil {
		t.Fatalf("first record: %v", err)
	}
	stored, created, err := rec.RecordUserMessage(ctx, "conv-1", "client-1", "hello again", "key-1")
	if err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	if created {
		t.Fatal("duplicate reported as created")
	}
	if len(sub.events) != 1 {
		t.Fatalf("subscriber saw %d events, want 1", len(sub.events))
	}
	if stored.ID != sub.events[0].ID {
		t.Fatalf("duplicate returned id %d, want stored %d", stored.ID, sub.events[0].ID)
	}
}

func TestRecordSubscriberErrorDoesNotFailAppend(t *testing.T) {
	rec, store := newTestRecorder(t)

	failing := &captureSubscriber{err: errors.New("projection offline")}
	after := &captureSubscriber{}
	rec.Subscribe(failing)
	rec.Subscribe(after)

	stored, _, err := rec.RecordUserMessage(context.Background(), "conv-1", "client-1", "hello", "")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(after.events) != 1 {
		t.Fatal("later subscriber skipped after earlier failure")
	}
	if _, err := store.GetEvent(context.Background(), stored.ID); err != nil {
		t.Fatalf("event missing from journal: %v", err)
	}
}

func TestRecordValidatesEvent(t *testing.T) {
	rec, _ := newTestRecorder(t)

	_, _, err := rec.Record(context.Background(), event.Event{
		ConversationID: "conv-1",
		ClientID:       "client-1",
		Type:           event.Type("message.unknown"),
	})
	if !errors.Is(err, event.ErrUnknownEventType) {
		t.Fatalf("err = %v, want event.ErrUnknownEventType", err)
	}
}

func TestRecordMessageRequiresText(t *testing.T) {
	rec, _ := newTestRecorder(t)

	if _, _, err := rec.RecordUserMessage(context.Background(), "conv-1", "client-1", "   ", ""); err == nil {
		t.Fatal("expected error for blank message")
	}
}
