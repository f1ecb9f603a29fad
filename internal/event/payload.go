package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validation errors shared by the recorder and projector.
var (
	ErrConversationIDRequired = errors.New("conversation id is required")
	ErrClientIDRequired       = errors.New("client id is required")
	ErrUnknownEventType       = errors.New("unknown event type")
)

// MessagePayload captures the payload for message.user and message.assistant
// events.
type MessagePayload struct {
	Text string `json:"text"`
}

// AppraisalStartedPayload captures the payload for appraisal.started events.
type AppraisalStartedPayload struct {
	Trigger string `json:"trigger,omitempty"`
}

// QuestionAskedPayload captures the payload for appraisal.question_asked
// events.
type QuestionAskedPayload struct {
	QuestionKey string `json:"question_key"`
	Prompt      string `json:"prompt,omitempty"`
}

// AnswerRecordedPayload captures the payload for appraisal.answer_recorded
// events.
type AnswerRecordedPayload struct {
	QuestionKey string `json:"question_key"`
	Answer      any    `json:"answer"`
}

// ConfirmRequestedPayload captures the payload for
// appraisal.confirmation_requested events.
type ConfirmRequestedPayload struct {
	Snapshot map[string]any `json:"snapshot"`
}

// AppraisalCancelledPayload captures the payload for appraisal.cancelled
// events.
type AppraisalCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ValuationRequestedPayload captures the payload for valuation.requested
// events. The modern shape wraps the input snapshot; legacy producers emitted
// the snapshot object directly without the wrapper, which DecodeSnapshot
// still accepts.
type ValuationRequestedPayload struct {
	Snapshot map[string]any `json:"snapshot"`
}

// ValuationCompletedPayload captures the payload for valuation.completed
// events. SnapshotHash may be empty on legacy payloads; consumers fall back
// to the latest non-terminal valuation for the conversation.
type ValuationCompletedPayload struct {
	SnapshotHash string          `json:"snapshot_hash,omitempty"`
	Result       json.RawMessage `json:"result"`
}

// ValuationFailedPayload captures the payload for valuation.failed events.
type ValuationFailedPayload struct {
	SnapshotHash string `json:"snapshot_hash,omitempty"`
	ErrorCode    string `json:"error_code"`
	Message      string `json:"message,omitempty"`
}

// DecodeSnapshot extracts the valuation input snapshot from a
// valuation.requested payload. It accepts both the wrapped shape
// {"snapshot": {...}} and the legacy shape where the payload itself is the
// snapshot object.
func DecodeSnapshot(payloadJSON []byte) (map[string]any, error) {
	if len(payloadJSON) == 0 {
		return nil, fmt.Errorf("valuation request payload is empty")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payloadJSON, &raw); err != nil {
		return nil, fmt.Errorf("decode valuation request payload: %w", err)
	}
	snapshotJSON, ok := raw["snapshot"]
	if !ok {
		// Legacy shape: the payload is the snapshot.
		snapshotJSON = payloadJSON
	}
	var snapshot map[string]any
	if err := json.Unmarshal(snapshotJSON, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if len(snapshot) == 0 {
		return nil, fmt.Errorf("snapshot is empty")
	}
	return snapshot, nil
}

// MarshalPayload encodes a typed payload for append.
func MarshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return encoded, nil
}

// DecodePayload decodes an event payload into target, tolerating empty
// payloads.
func DecodePayload(payloadJSON []byte, target any) error {
	if len(payloadJSON) == 0 {
		return nil
	}
	if err := json.Unmarshal(payloadJSON, target); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return nil
}

// MessageText extracts the text of a message event payload. Legacy producers
// stored the text under "content"; both keys are accepted.
func MessageText(payloadJSON []byte) string {
	var payload struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return ""
	}
	if strings.TrimSpace(payload.Text) != "" {
		return payload.Text
	}
	return payload.Content
}
