package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/metrics"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

// SSE event names on the stream.
const (
	eventNameConversation = "conversation.event"
	eventNameError        = "conversation.error"
)

// StreamConfig tunes an open stream.
type StreamConfig struct {
	// ConnTTL is the maximum lifetime of one connection. The server closes
	// the stream after it and the client reconnects with its cursor.
	ConnTTL time.Duration
	// HeartbeatInterval spaces keep-alive comments so intermediaries do not
	// reap idle connections.
	HeartbeatInterval time.Duration
	// ReplayPageSize bounds each journal read during replay.
	ReplayPageSize int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.ConnTTL <= 0 {
		c.ConnTTL = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.ReplayPageSize <= 0 {
		c.ReplayPageSize = 200
	}
	return c
}

// StreamHandler serves the live event stream over server-sent events.
type StreamHandler struct {
	journal storage.EventStore
	hub     *Hub
	gate    *Gatekeeper
	tokens  *TokenCodec
	cfg     StreamConfig
	logger  zerolog.Logger
}

// NewStreamHandler builds the stream endpoint.
func NewStreamHandler(journal storage.EventStore, hub *Hub, gate *Gatekeeper, tokens *TokenCodec, cfg StreamConfig, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		journal: journal,
		hub:     hub,
		gate:    gate,
		tokens:  tokens,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "live_stream").Logger(),
	}
}

// wireEvent is the serialized shape of one conversation event on the stream.
type wireEvent struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	ClientID       string          `json:"client_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	claims, err := h.tokens.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	afterID, err := parseCursor(r.URL.Query().Get("after_id"))
	if err != nil {
		http.Error(w, "invalid after_id", http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := h.admit(r, claims, afterID, limit); err != nil {
		h.writeDeny(w, flusher, claims, err)
		return
	}

	// Subscribe before replay so nothing recorded in between is lost;
	// duplicates across the boundary are filtered by cursor below. The hub
	// enforces the per-session quota atomically with the attach.
	sub, err := h.hub.Subscribe(claims.ConversationID, claims.SessionID, h.gate.MaxConnsPerSession())
	if err != nil {
		h.writeDeny(w, flusher, claims, err)
		return
	}
	defer h.hub.Unsubscribe(sub)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	cursor, err := h.replay(w, flusher, r, claims, afterID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", claims.ConversationID).Msg("replay failed")
		return
	}

	h.logger.Info().
		Str("conversation_id", claims.ConversationID).
		Str("session_id", claims.SessionID).
		Int64("cursor", cursor).
		Msg("stream attached")

	ttl := time.NewTimer(h.cfg.ConnTTL)
	defer ttl.Stop()
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Closed():
			return
		case <-ttl.C:
			// Client reconnects with its cursor.
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-sub.C:
			if evt.ID <= cursor {
				continue
			}
			if err := writeSSE(w, eventNameConversation, toWire(evt)); err != nil {
				return
			}
			cursor = evt.ID
			flusher.Flush()
		}
	}
}

func (h *StreamHandler) admit(r *http.Request, claims SessionClaims, afterID int64, limit int) error {
	if err := h.gate.AdmitOrigin(claims, r.Header.Get("Origin")); err != nil {
		return err
	}
	return h.gate.AdmitCursor(r.Context(), claims, afterID, limit)
}

// replay pushes every stored event past the cursor, ascending, and returns
// the new cursor position.
func (h *StreamHandler) replay(w http.ResponseWriter, flusher http.Flusher, r *http.Request, claims SessionClaims, afterID int64, limit int) (int64, error) {
	cursor := afterID
	remaining := limit
	for {
		page := h.cfg.ReplayPageSize
		if remaining > 0 && remaining < page {
			page = remaining
		}
		events, err := h.journal.ListEventsAfter(r.Context(), claims.ConversationID, cursor, page)
		if err != nil {
			return cursor, err
		}
		for _, evt := range events {
			if err := writeSSE(w, eventNameConversation, toWire(evt)); err != nil {
				return cursor, err
			}
			cursor = evt.ID
		}
		flusher.Flush()
		if remaining > 0 {
			remaining -= len(events)
			if remaining <= 0 {
				return cursor, nil
			}
		}
		if len(events) < page {
			return cursor, nil
		}
	}
}

func (h *StreamHandler) writeDeny(w http.ResponseWriter, flusher http.Flusher, claims SessionClaims, cause error) {
	var denied *DenyError
	if !errors.As(cause, &denied) {
		h.logger.Error().Err(cause).Str("conversation_id", claims.ConversationID).Msg("admission check failed")
		denied = deny("internal_error", "admission check failed")
	} else {
		metrics.StreamDenied.WithLabelValues(denied.Code).Inc()
		h.logger.Info().
			Str("conversation_id", claims.ConversationID).
			Str("session_id", claims.SessionID).
			Str("code", denied.Code).
			Msg("stream denied")
	}
	w.WriteHeader(http.StatusOK)
	_ = writeSSE(w, eventNameError, wireError{Code: denied.Code, Message: denied.Message})
	flusher.Flush()
}

func toWire(evt event.Event) wireEvent {
	return wireEvent{
		ID:             evt.ID,
		ConversationID: evt.ConversationID,
		ClientID:       evt.ClientID,
		Type:           string(evt.Type),
		Payload:        json.RawMessage(evt.PayloadJSON),
		CorrelationID:  evt.CorrelationID,
		CreatedAt:      evt.CreatedAt,
	}
}

func writeSSE(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func parseCursor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("cursor must be a non-negative integer")
	}
	return cursor, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return limit, nil
}
