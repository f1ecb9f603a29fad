package event

import (
	"errors"
	"testing"
)

func TestType_IsValid(t *testing.T) {
	tests := []struct {
		eventType Type
		want      bool
	}{
		// Message events
		{TypeUserMessage, true},
		{TypeAssistantMessage, true},
		// Appraisal events
		{TypeAppraisalStarted, true},
		{TypeAppraisalQuestionAsked, true},
		{TypeAppraisalAnswerRecorded, true},
		{TypeAppraisalConfirmRequested, true},
		{TypeAppraisalConfirmed, true},
		{TypeAppraisalCancelled, true},
		// Valuation events
		{TypeValuationRequested, true},
		{TypeValuationCompleted, true},
		{TypeValuationFailed, true},
		// The enumeration is closed
		{"", false},
		{"message.unknown", false},
		{"valuation.retried", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := tt.eventType.IsValid(); got != tt.want {
				t.Errorf("Type(%q).IsValid() = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestType_Domain(t *testing.T) {
	tests := []struct {
		eventType Type
		want      string
	}{
		{TypeUserMessage, "message"},
		{TypeAppraisalStarted, "appraisal"},
		{TypeValuationRequested, "valuation"},
		{Type("nodot"), "nodot"},
		{Type(""), ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := tt.eventType.Domain(); got != tt.want {
				t.Errorf("Type(%q).Domain() = %q, want %q", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestEvent_Validate(t *testing.T) {
	valid := Event{ConversationID: "conv-1", ClientID: "acme", Type: TypeUserMessage}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	missingConversation := valid
	missingConversation.ConversationID = " "
	if err := missingConversation.Validate(); !errors.Is(err, ErrConversationIDRequired) {
		t.Fatalf("expected ErrConversationIDRequired, got %v", err)
	}

	missingClient := valid
	missingClient.ClientID = ""
	if err := missingClient.Validate(); !errors.Is(err, ErrClientIDRequired) {
		t.Fatalf("expected ErrClientIDRequired, got %v", err)
	}

	unknownType := valid
	unknownType.Type = "message.telepathic"
	if err := unknownType.Validate(); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestDecodeSnapshot_WrappedAndLegacy(t *testing.T) {
	wrapped := []byte(`{"snapshot":{"category":"watch","year":1968}}`)
	snapshot, err := DecodeSnapshot(wrapped)
	if err != nil {
		t.Fatalf("decode wrapped snapshot: %v", err)
	}
	if snapshot["category"] != "watch" {
		t.Fatalf("expected category watch, got %v", snapshot["category"])
	}

	// Legacy producers emitted the snapshot object directly.
	legacy := []byte(`{"category":"watch","year":1968}`)
	legacySnapshot, err := DecodeSnapshot(legacy)
	if err != nil {
		t.Fatalf("decode legacy snapshot: %v", err)
	}
	if legacySnapshot["category"] != "watch" {
		t.Fatalf("expected category watch, got %v", legacySnapshot["category"])
	}

	if _, err := DecodeSnapshot([]byte(`{}`)); err == nil {
		t.Fatal("expected error for empty snapshot")
	}
	if _, err := DecodeSnapshot(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestMessageText_LegacyContentKey(t *testing.T) {
	if got := MessageText([]byte(`{"text":"hello"}`)); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if got := MessageText([]byte(`{"content":"legacy"}`)); got != "legacy" {
		t.Fatalf("expected legacy, got %q", got)
	}
	if got := MessageText([]byte(`not json`)); got != "" {
		t.Fatalf("expected empty text for invalid payload, got %q", got)
	}
}
