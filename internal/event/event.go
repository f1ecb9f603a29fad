// Package event defines the immutable conversation event journal types.
//
// Events are the single source of truth for conversation state. Every
// projection is derived from them and can be rebuilt by replay.
package event

import (
	"strings"
	"time"
)

// Type identifies the type of a conversation event.
type Type string

// Message events.
const (
	// TypeUserMessage records a message sent by the widget user.
	TypeUserMessage Type = "message.user"
	// TypeAssistantMessage records a message produced by the assistant.
	TypeAssistantMessage Type = "message.assistant"
)

// Appraisal flow events.
const (
	// TypeAppraisalStarted records the start of an appraisal intake.
	TypeAppraisalStarted Type = "appraisal.started"
	// TypeAppraisalQuestionAsked records the next intake question being asked.
	TypeAppraisalQuestionAsked Type = "appraisal.question_asked"
	// TypeAppraisalAnswerRecorded records an intake answer.
	TypeAppraisalAnswerRecorded Type = "appraisal.answer_recorded"
	// TypeAppraisalConfirmRequested records the confirmation prompt with the
	// assembled snapshot.
	TypeAppraisalConfirmRequested Type = "appraisal.confirmation_requested"
	// TypeAppraisalConfirmed records the user confirming the snapshot.
	TypeAppraisalConfirmed Type = "appraisal.confirmed"
	// TypeAppraisalCancelled records the user abandoning the appraisal.
	TypeAppraisalCancelled Type = "appraisal.cancelled"
)

// Valuation events.
const (
	// TypeValuationRequested records a valuation being requested for a snapshot.
	TypeValuationRequested Type = "valuation.requested"
	// TypeValuationCompleted records a finished valuation with its result.
	TypeValuationCompleted Type = "valuation.completed"
	// TypeValuationFailed records a valuation that ended in an error.
	TypeValuationFailed Type = "valuation.failed"
)

// Types lists every event type the journal accepts, in declaration order.
// Projection handlers are checked against this list so a new type cannot be
// appended without every subscriber declaring its handling.
var Types = []Type{
	TypeUserMessage,
	TypeAssistantMessage,
	TypeAppraisalStarted,
	TypeAppraisalQuestionAsked,
	TypeAppraisalAnswerRecorded,
	TypeAppraisalConfirmRequested,
	TypeAppraisalConfirmed,
	TypeAppraisalCancelled,
	TypeValuationRequested,
	TypeValuationCompleted,
	TypeValuationFailed,
}

// Event represents an immutable entry in the conversation event journal.
type Event struct {
	// ID is the store-wide strictly increasing event id. Assigned by storage
	// on append.
	ID int64
	// ConversationID is the conversation this event belongs to.
	ConversationID string
	// ClientID is the tenant that owns the conversation.
	ClientID string
	// Type identifies the kind of event.
	Type Type
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
	// IdempotencyKey deduplicates retried recordings. Empty means no key.
	IdempotencyKey string
	// CorrelationID links related events (e.g. a valuation request to its
	// completion).
	CorrelationID string
	// CreatedAt is when the event was recorded.
	CreatedAt time.Time
}

// IsValid reports whether the event type is a member of the closed enumeration.
func (t Type) IsValid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// IsMessage reports whether the event type produces a conversation message.
func (t Type) IsMessage() bool {
	return t == TypeUserMessage || t == TypeAssistantMessage
}

// Domain returns the domain prefix of the event type (e.g. "message",
// "appraisal", "valuation").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Role returns the message role for message events, empty otherwise.
func (t Type) Role() string {
	switch t {
	case TypeUserMessage:
		return "user"
	case TypeAssistantMessage:
		return "assistant"
	default:
		return ""
	}
}

// Validate checks the journal invariants before an append.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ConversationID) == "" {
		return ErrConversationIDRequired
	}
	if strings.TrimSpace(e.ClientID) == "" {
		return ErrClientIDRequired
	}
	if !e.Type.IsValid() {
		return ErrUnknownEventType
	}
	return nil
}
