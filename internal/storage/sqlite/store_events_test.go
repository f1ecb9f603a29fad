package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestAppendEventAssignsIncreasingIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 5; i++ {
		stored, created, err := store.AppendEvent(ctx, event.Event{
			ConversationID: "conv-1",
			ClientID:       "client-1",
			Type:           event.TypeUserMessage,
			PayloadJSON:    []byte(fmt.Sprintf(`{"text":"hello %d"}`, i)),
		})
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		if !created {
			t.Fatalf("event %d reported as duplicate", i)
		}
		if stored.ID <= lastID {
			t.Fatalf("event %d id %d not greater than previous %d", i, stored.ID, lastID)
		}
		lastID = stored.ID
	}
}

func TestAppendEventIdempotencyKeyReturnsStoredRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, created, err := store.AppendEvent(ctx, event.Event{
		ConversationID: "conv-1",
		ClientID:       "client-1",
		Type:           event.TypeUserMessage,
		PayloadJSON:    []byte(`{"text":"original"}`),
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if !created {
		t.Fatal("first append reported as duplicate")
	}

	for i := 0; i < 3; i++ {
		dup, created, err := store.AppendEvent(ctx, event.Event{
			ConversationID: "conv-1",
			ClientID:       "client-1",
			Type:           event.TypeUserMessage,
			PayloadJSON:    []byte(`{"text":"retry payload"}`),
			IdempotencyKey: "key-1",
		})
		if err != nil {
			t.Fatalf("duplicate append %d: %v", i, err)
		}
		if created {
			t.Fatalf("duplicate append %d reported as created", i)
		}
		if dup.ID != first.ID {
			t.Fatalf("duplicate append %d id = %d, want %d", i, dup.ID, first.ID)
		}
		if string(dup.PayloadJSON) != `{"text":"original"}` {
			t.Fatalf("duplicate append %d payload = %s, want stored payload", i, dup.PayloadJSON)
		}
	}

	events, err := store.ListEventsAfter(ctx, "conv-1", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("journal holds %d events, want 1", len(events))
	}
}

func TestAppendEventIdempotencyKeyScopedPerConversation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, conv := range []string{"conv-1", "conv-2"} {
		_, created, err := store.AppendEvent(ctx, event.Event{
			ConversationID: conv,
			ClientID:       "client-1",
			Type:           event.TypeUserMessage,
			PayloadJSON:    []byte(`{"text":"hi"}`),
			IdempotencyKey: "shared-key",
		})
		if err != nil {
			t.Fatalf("append for %s: %v", conv, err)
		}
		if !created {
			t.Fatalf("append for %s reported as duplicate", conv)
		}
	}
}

func TestAppendEventEmptyKeysNeverCollide(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, created, err := store.AppendEvent(ctx, event.Event{
			ConversationID: "conv-1",
			ClientID:       "client-1",
			Type:           event.TypeUserMessage,
			PayloadJSON:    []byte(`{"text":"no key"}`),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if !created {
			t.Fatalf("append %d without key reported as duplicate", i)
		}
	}
}

func TestListEventsAfterReturnsStrictOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		stored, _, err := store.AppendEvent(ctx, event.Event{
			ConversationID: "conv-1",
			ClientID:       "client-1",
			Type:           event.TypeUserMessage,
			PayloadJSON:    []byte(`{"text":"m"}`),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, stored.ID)
	}

	events, err := store.ListEventsAfter(ctx, "conv-1", ids[1], 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("listed %d events, want 2", len(events))
	}
	if events[0].ID != ids[2] || events[1].ID != ids[3] {
		t.Fatalf("listed ids %d,%d, want %d,%d", events[0].ID, events[1].ID, ids[2], ids[3])
	}
}

func TestLatestEventID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	latest, err := store.LatestEventID(ctx, "conv-1")
	if err != nil {
		t.Fatalf("latest on empty journal: %v", err)
	}
	if latest != 0 {
		t.Fatalf("latest on empty journal = %d, want 0", latest)
	}

	stored, _, err := store.AppendEvent(ctx, event.Event{
		ConversationID: "conv-1",
		ClientID:       "client-1",
		Type:           event.TypeUserMessage,
		PayloadJSON:    []byte(`{"text":"m"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	latest, err = store.LatestEventID(ctx, "conv-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != stored.ID {
		t.Fatalf("latest = %d, want %d", latest, stored.ID)
	}
}

func TestGetEventMissingReturnsNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetEvent(context.Background(), 42)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want storage.ErrNotFound", err)
	}
}
