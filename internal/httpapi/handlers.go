package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/live"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

const maxBodyBytes = 64 * 1024

// clientAppendableTypes is the set of event types widget sessions may append
// directly. Terminal valuation events come from the worker only, and message
// events go through the messages endpoint.
var clientAppendableTypes = map[event.Type]bool{
	event.TypeAppraisalStarted:          true,
	event.TypeAppraisalQuestionAsked:    true,
	event.TypeAppraisalAnswerRecorded:   true,
	event.TypeAppraisalConfirmRequested: true,
	event.TypeAppraisalConfirmed:        true,
	event.TypeAppraisalCancelled:        true,
	event.TypeValuationRequested:        true,
}

type bootstrapRequest struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type bootstrapResponse struct {
	Token          string `json:"token"`
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// handleBootstrap opens a widget session: validates the tenant and origin,
// mints a conversation id for new sessions and issues the stream token.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	if _, ok := s.registry.Lookup(req.ClientID); !ok {
		writeError(w, http.StatusForbidden, "unknown_client", "client is not registered")
		return
	}

	origin := r.Header.Get("Origin")
	if !s.cfg.DevBypassOrigin {
		if origin == "" {
			writeError(w, http.StatusForbidden, live.DenyOriginMissing, "origin header is required at bootstrap")
			return
		}
		if !s.registry.OriginAllowed(req.ClientID, origin) {
			writeError(w, http.StatusForbidden, live.DenyOriginMismatch, "origin not in tenant allow-list")
			return
		}
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	} else {
		// Resuming: the conversation must belong to this tenant.
		conv, err := s.store.GetConversation(r.Context(), conversationID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.internalError(w, r, err)
			return
		}
		if err == nil && conv.ClientID != req.ClientID {
			writeError(w, http.StatusForbidden, "conversation_forbidden", "conversation belongs to another client")
			return
		}
	}

	sessionID := ulid.Make().String()
	token, err := s.tokens.Issue(req.ClientID, conversationID, sessionID, origin, time.Now().UTC())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bootstrapResponse{
		Token:          token,
		ClientID:       req.ClientID,
		ConversationID: conversationID,
		SessionID:      sessionID,
	})
}

type postMessageRequest struct {
	Text           string `json:"text"`
	Role           string `json:"role,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type eventResponse struct {
	Event   wireEvent `json:"event"`
	Created bool      `json:"created"`
}

type wireEvent struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toWireEvent(evt event.Event) wireEvent {
	return wireEvent{
		ID:             evt.ID,
		ConversationID: evt.ConversationID,
		Type:           string(evt.Type),
		Payload:        json.RawMessage(evt.PayloadJSON),
		CreatedAt:      evt.CreatedAt,
	}
}

// handlePostMessage records a chat turn. Role defaults to user; assistant
// turns come from the widget's bot integration over the same session.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	claims := sessionFromContext(r.Context())

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	key := idempotencyKey(r, req.IdempotencyKey)

	var (
		stored  event.Event
		created bool
		err     error
	)
	switch req.Role {
	case "", "user":
		stored, created, err = s.recorder.RecordUserMessage(r.Context(), claims.ConversationID, claims.ClientID, req.Text, key)
	case "assistant":
		stored, created, err = s.recorder.RecordAssistantMessage(r.Context(), claims.ConversationID, claims.ClientID, req.Text, key)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "role must be user or assistant")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		// Duplicate idempotency key: success with no new effect.
		status = http.StatusOK
	}
	writeJSON(w, status, eventResponse{Event: toWireEvent(stored), Created: created})
}

type postEventRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// handlePostEvent records one appraisal-flow or valuation-request event.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	claims := sessionFromContext(r.Context())

	var req postEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	typ := event.Type(strings.TrimSpace(req.Type))
	if !clientAppendableTypes[typ] {
		writeError(w, http.StatusUnprocessableEntity, "event_type_not_allowed", "event type cannot be appended by a session")
		return
	}
	if typ == event.TypeValuationRequested {
		// Reject undecodable snapshots before they reach the journal. A bad
		// request payload must never become a permanent replay hazard.
		if _, err := event.DecodeSnapshot(req.Payload); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_snapshot", err.Error())
			return
		}
	}

	stored, created, err := s.recorder.Record(r.Context(), event.Event{
		ConversationID: claims.ConversationID,
		ClientID:       claims.ClientID,
		Type:           typ,
		PayloadJSON:    req.Payload,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		if errors.Is(err, event.ErrUnknownEventType) {
			writeError(w, http.StatusUnprocessableEntity, "unknown_event_type", err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, eventResponse{Event: toWireEvent(stored), Created: created})
}

type conversationResponse struct {
	ID                 string         `json:"id"`
	ClientID           string         `json:"client_id"`
	State              string         `json:"state"`
	LastEventID        int64          `json:"last_event_id"`
	LastActivityAt     time.Time      `json:"last_activity_at"`
	CurrentQuestionKey string         `json:"current_question_key,omitempty"`
	Answers            map[string]any `json:"answers,omitempty"`
	PendingSnapshot    map[string]any `json:"pending_snapshot,omitempty"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	claims := sessionFromContext(r.Context())

	conv, err := s.store.GetConversation(r.Context(), claims.ConversationID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation_not_found", "no events recorded yet")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		ID:                 conv.ID,
		ClientID:           conv.ClientID,
		State:              string(conv.State),
		LastEventID:        conv.LastEventID,
		LastActivityAt:     conv.LastActivityAt,
		CurrentQuestionKey: conv.CurrentQuestionKey,
		Answers:            conv.Answers,
		PendingSnapshot:    conv.PendingSnapshot,
	})
}

type messageResponse struct {
	EventID   int64     `json:"event_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// handleListMessages pages backwards through the message projection.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims := sessionFromContext(r.Context())

	beforeEventID, err := parseInt64Query(r, "before_event_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := parseIntQuery(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if limit <= 0 || limit > s.cfg.MessagePageLimit {
		limit = s.cfg.MessagePageLimit
	}

	messages, err := s.store.ListMessagesBefore(r.Context(), claims.ConversationID, beforeEventID, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			EventID:   m.EventID,
			Role:      m.Role,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type valuationResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	SnapshotHash   string          `json:"snapshot_hash"`
	RequestEventID int64           `json:"request_event_id"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (s *Server) handleListValuations(w http.ResponseWriter, r *http.Request) {
	claims := sessionFromContext(r.Context())

	valuations, err := s.store.ListValuations(r.Context(), claims.ConversationID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]valuationResponse, 0, len(valuations))
	for _, v := range valuations {
		out = append(out, valuationResponse{
			ID:             v.ID,
			Status:         string(v.Status),
			SnapshotHash:   v.SnapshotHash,
			RequestEventID: v.RequestEventID,
			Result:         json.RawMessage(v.ResultJSON),
			ErrorCode:      v.ErrorCode,
			UpdatedAt:      v.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"valuations": out})
}

func idempotencyKey(r *http.Request, bodyKey string) string {
	if header := strings.TrimSpace(r.Header.Get("Idempotency-Key")); header != "" {
		return header
	}
	return strings.TrimSpace(bodyKey)
}

func parseInt64Query(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, errParam(name)
	}
	return value, nil
}

func parseIntQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errParam(name)
	}
	return value, nil
}

func errParam(name string) error {
	return errors.New(name + " must be a non-negative integer")
}
