// Package recorder is the single write path into the conversation journal.
// Every durable fact enters through Record; projections and dispatch react
// to the stored event, never to the raw request.
package recorder

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/metrics"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

// Subscriber observes events after they are durably stored. Subscribers run
// synchronously in registration order; a subscriber error is logged and does
// not undo the append.
type Subscriber interface {
	HandleEvent(ctx context.Context, evt event.Event) error
}

// Recorder appends events idempotently and fans them out to subscribers.
type Recorder struct {
	store       storage.EventStore
	subscribers []Subscriber
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// New builds a Recorder over the given journal store.
func New(store storage.EventStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "recorder").Logger(),
		tracer: otel.Tracer("recorder"),
	}
}

// Subscribe registers a subscriber. Order of registration is the order of
// delivery. Not safe to call after Record starts being used concurrently.
func (r *Recorder) Subscribe(sub Subscriber) {
	r.subscribers = append(r.subscribers, sub)
}

// Record validates and appends one event. When the idempotency key matches a
// stored event, the stored event is returned with created=false and no
// subscriber runs. Subscribers only ever see each stored event once from the
// live path; replay reaches them through the journal instead.
func (r *Recorder) Record(ctx context.Context, evt event.Event) (event.Event, bool, error) {
	ctx, span := r.tracer.Start(ctx, "recorder.Record", trace.WithAttributes(
		attribute.String("event.type", string(evt.Type)),
		attribute.String("conversation.id", evt.ConversationID),
	))
	defer span.End()

	if err := evt.Validate(); err != nil {
		return event.Event{}, false, err
	}

	stored, created, err := r.store.AppendEvent(ctx, evt)
	if err != nil {
		return event.Event{}, false, fmt.Errorf("append event: %w", err)
	}
	outcome := "created"
	if !created {
		outcome = "duplicate"
	}
	metrics.EventsRecorded.WithLabelValues(string(stored.Type), outcome).Inc()
	span.SetAttributes(attribute.Int64("event.id", stored.ID), attribute.Bool("event.created", created))

	if !created {
		r.logger.Debug().
			Str("conversation_id", stored.ConversationID).
			Str("idempotency_key", stored.IdempotencyKey).
			Int64("event_id", stored.ID).
			Msg("duplicate event absorbed")
		return stored, false, nil
	}

	r.logger.Info().
		Str("conversation_id", stored.ConversationID).
		Str("type", string(stored.Type)).
		Int64("event_id", stored.ID).
		Msg("event recorded")

	for _, sub := range r.subscribers {
		if err := sub.HandleEvent(ctx, stored); err != nil {
			// The journal already holds the event; replay heals whatever
			// state the subscriber failed to derive.
			r.logger.Error().Err(err).
				Str("conversation_id", stored.ConversationID).
				Int64("event_id", stored.ID).
				Str("type", string(stored.Type)).
				Msg("subscriber failed")
			metrics.ProjectionErrors.WithLabelValues(string(stored.Type)).Inc()
		}
	}
	return stored, true, nil
}

// RecordUserMessage appends a user chat message.
func (r *Recorder) RecordUserMessage(ctx context.Context, conversationID, clientID, text, idempotencyKey string) (event.Event, bool, error) {
	return r.recordMessage(ctx, event.TypeUserMessage, conversationID, clientID, text, idempotencyKey)
}

// RecordAssistantMessage appends an assistant chat message.
func (r *Recorder) RecordAssistantMessage(ctx context.Context, conversationID, clientID, text, idempotencyKey string) (event.Event, bool, error) {
	return r.recordMessage(ctx, event.TypeAssistantMessage, conversationID, clientID, text, idempotencyKey)
}

func (r *Recorder) recordMessage(ctx context.Context, typ event.Type, conversationID, clientID, text, idempotencyKey string) (event.Event, bool, error) {
	if strings.TrimSpace(text) == "" {
		return event.Event{}, false, fmt.Errorf("message text is required")
	}
	payload, err := event.MarshalPayload(event.MessagePayload{Text: text})
	if err != nil {
		return event.Event{}, false, err
	}
	return r.Record(ctx, event.Event{
		ConversationID: conversationID,
		ClientID:       clientID,
		Type:           typ,
		PayloadJSON:    payload,
		IdempotencyKey: idempotencyKey,
	})
}
