// Package live pushes conversation events to connected widget sessions:
// admission control at the door, cursor replay on attach, then fan-out of
// newly recorded events until the connection's lifetime runs out.
package live

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/metrics"
)

const defaultSubscriberBuffer = 64

// Subscription is one attached stream. Events arrive on C; Closed fires when
// the hub drops the subscriber (slow consumer or hub shutdown).
type Subscription struct {
	C      <-chan event.Event
	ch     chan event.Event
	closed chan struct{}
	once   sync.Once

	conversationID string
	sessionID      string
}

// Closed reports hub-side termination of the subscription.
func (s *Subscription) Closed() <-chan struct{} { return s.closed }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.closed) })
}

// Hub fans stored events out to per-conversation subscriber sets. It
// implements the recorder subscriber contract, so delivery happens in the
// recording path without ever blocking it: a subscriber whose buffer is full
// is dropped, and the client reconnects with its cursor.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*Subscription]struct{}
	bySess map[string]int
	buffer int
	logger zerolog.Logger
}

// NewHub builds a hub. buffer is the per-subscriber channel depth; 0 uses the
// default.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		bySess: make(map[string]int),
		buffer: buffer,
		logger: logger.With().Str("component", "live_hub").Logger(),
	}
}

// SessionConnections returns how many streams the session currently holds.
func (h *Hub) SessionConnections(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bySess[sessionID]
}

// Subscribe attaches a stream for one conversation. maxPerSession caps how
// many streams the session may hold at once; 0 or less means unlimited. The
// quota check and the attach happen under one lock, so concurrent attaches
// for the same session cannot both slip under the cap.
func (h *Hub) Subscribe(conversationID, sessionID string, maxPerSession int) (*Subscription, error) {
	sub := &Subscription{
		ch:             make(chan event.Event, h.buffer),
		closed:         make(chan struct{}),
		conversationID: conversationID,
		sessionID:      sessionID,
	}
	sub.C = sub.ch

	h.mu.Lock()
	if maxPerSession > 0 && h.bySess[sessionID] >= maxPerSession {
		h.mu.Unlock()
		return nil, deny(DenySessionLimit, "session holds maximum concurrent streams")
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[conversationID] = room
	}
	room[sub] = struct{}{}
	h.bySess[sessionID]++
	h.mu.Unlock()

	metrics.StreamSessions.Inc()
	return sub, nil
}

// Unsubscribe detaches a stream and releases its resources.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	room, ok := h.rooms[sub.conversationID]
	if ok {
		if _, attached := room[sub]; attached {
			delete(room, sub)
			if len(room) == 0 {
				delete(h.rooms, sub.conversationID)
			}
			if h.bySess[sub.sessionID] <= 1 {
				delete(h.bySess, sub.sessionID)
			} else {
				h.bySess[sub.sessionID]--
			}
			metrics.StreamSessions.Dec()
		}
	}
	h.mu.Unlock()
	sub.close()
}

// HandleEvent forwards a stored event to every subscriber of its
// conversation. Never blocks: a full subscriber buffer drops that subscriber.
func (h *Hub) HandleEvent(_ context.Context, evt event.Event) error {
	h.mu.Lock()
	room := h.rooms[evt.ConversationID]
	subs := make([]*Subscription, 0, len(room))
	for sub := range room {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			h.logger.Warn().
				Str("conversation_id", evt.ConversationID).
				Str("session_id", sub.sessionID).
				Msg("dropping slow stream subscriber")
			metrics.StreamDropped.Inc()
			h.Unsubscribe(sub)
		}
	}
	return nil
}
