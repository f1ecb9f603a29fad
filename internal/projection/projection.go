// Package projection derives read state from the conversation journal. The
// applier owns the conversation state machine; it is the only writer of
// conversation, message and valuation rows, and every handler is safe to
// re-apply so the whole projection can be rebuilt from the journal.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
	"github.com/kudamusoni/chatbot-api-sub001/internal/valuation"
)

const replayPageSize = 500

// valuationIDNamespace seeds deterministic valuation ids so rebuilding the
// projection from scratch assigns the same id to the same snapshot.
var valuationIDNamespace = uuid.MustParse("9f2c4d66-3a81-4f0e-9b7d-55e0c8a41d27")

// Applier consumes stored events and maintains the read projections.
type Applier struct {
	store  storage.ProjectionStore
	logger zerolog.Logger
}

// New builds an Applier over the projection store.
func New(store storage.ProjectionStore, logger zerolog.Logger) *Applier {
	return &Applier{
		store:  store,
		logger: logger.With().Str("component", "projection").Logger(),
	}
}

// HandleEvent applies one stored event to the projections. Events at or below
// the conversation's last applied id are skipped, so duplicate delivery and
// partial replays are no-ops.
func (a *Applier) HandleEvent(ctx context.Context, evt event.Event) error {
	conv, err := a.store.GetConversation(ctx, evt.ConversationID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		conv = storage.Conversation{
			ID:        evt.ConversationID,
			ClientID:  evt.ClientID,
			State:     storage.StateChat,
			CreatedAt: evt.CreatedAt,
		}
	case err != nil:
		return fmt.Errorf("load conversation: %w", err)
	default:
		if evt.ID <= conv.LastEventID {
			return nil
		}
	}

	if err := a.applyEffects(ctx, &conv, evt); err != nil {
		return err
	}

	conv.LastEventID = evt.ID
	conv.LastActivityAt = evt.CreatedAt
	if err := a.store.PutConversation(ctx, conv); err != nil {
		return fmt.Errorf("store conversation: %w", err)
	}
	return nil
}

func (a *Applier) applyEffects(ctx context.Context, conv *storage.Conversation, evt event.Event) error {
	switch evt.Type {
	case event.TypeUserMessage, event.TypeAssistantMessage:
		return a.applyMessage(ctx, evt)
	case event.TypeAppraisalStarted:
		conv.State = storage.StateAppraisalIntake
		conv.Answers = map[string]any{}
		conv.CurrentQuestionKey = ""
		conv.PendingSnapshot = nil
		return nil
	case event.TypeAppraisalQuestionAsked:
		var payload event.QuestionAskedPayload
		if err := event.DecodePayload(evt.PayloadJSON, &payload); err != nil {
			return err
		}
		conv.State = storage.StateAppraisalIntake
		conv.CurrentQuestionKey = payload.QuestionKey
		return nil
	case event.TypeAppraisalAnswerRecorded:
		var payload event.AnswerRecordedPayload
		if err := event.DecodePayload(evt.PayloadJSON, &payload); err != nil {
			return err
		}
		if conv.Answers == nil {
			conv.Answers = map[string]any{}
		}
		if payload.QuestionKey != "" {
			conv.Answers[payload.QuestionKey] = payload.Answer
		}
		conv.CurrentQuestionKey = ""
		return nil
	case event.TypeAppraisalConfirmRequested:
		var payload event.ConfirmRequestedPayload
		if err := event.DecodePayload(evt.PayloadJSON, &payload); err != nil {
			return err
		}
		conv.State = storage.StateAppraisalConfirm
		conv.PendingSnapshot = payload.Snapshot
		return nil
	case event.TypeAppraisalConfirmed:
		conv.State = storage.StateValuationRunning
		return nil
	case event.TypeAppraisalCancelled:
		conv.State = storage.StateChat
		conv.Answers = nil
		conv.CurrentQuestionKey = ""
		conv.PendingSnapshot = nil
		return nil
	case event.TypeValuationRequested:
		ok, err := a.applyValuationRequested(ctx, evt)
		if err != nil {
			return err
		}
		if ok {
			conv.State = storage.StateValuationRunning
		}
		return nil
	case event.TypeValuationCompleted:
		var payload event.ValuationCompletedPayload
		if err := event.DecodePayload(evt.PayloadJSON, &payload); err != nil {
			return err
		}
		if err := a.finishValuation(ctx, evt, payload.SnapshotHash, storage.ValuationCompleted, payload.Result, ""); err != nil {
			return err
		}
		conv.State = storage.StateValuationReady
		return nil
	case event.TypeValuationFailed:
		var payload event.ValuationFailedPayload
		if err := event.DecodePayload(evt.PayloadJSON, &payload); err != nil {
			return err
		}
		if err := a.finishValuation(ctx, evt, payload.SnapshotHash, storage.ValuationFailed, nil, payload.ErrorCode); err != nil {
			return err
		}
		conv.State = storage.StateValuationFailed
		return nil
	default:
		return fmt.Errorf("%w: %s", event.ErrUnknownEventType, evt.Type)
	}
}

func (a *Applier) applyMessage(ctx context.Context, evt event.Event) error {
	text := event.MessageText(evt.PayloadJSON)
	if err := a.store.InsertMessage(ctx, storage.Message{
		ConversationID: evt.ConversationID,
		EventID:        evt.ID,
		Role:           evt.Type.Role(),
		Text:           text,
		CreatedAt:      evt.CreatedAt,
	}); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// applyValuationRequested materializes the pending valuation row. It reports
// false for payloads whose snapshot cannot be decoded: the write path rejects
// those today, but a journal written before that check must still replay to
// completion, so the event is logged and skipped instead of failing the apply.
func (a *Applier) applyValuationRequested(ctx context.Context, evt event.Event) (bool, error) {
	snapshot, err := event.DecodeSnapshot(evt.PayloadJSON)
	if err != nil {
		a.logger.Warn().
			Err(err).
			Str("conversation_id", evt.ConversationID).
			Int64("event_id", evt.ID).
			Msg("valuation request with undecodable snapshot")
		return false, nil
	}
	hash, err := valuation.SnapshotHash(snapshot)
	if err != nil {
		return false, err
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := a.store.CreateValuation(ctx, storage.Valuation{
		ID:             ValuationID(evt.ConversationID, hash),
		ConversationID: evt.ConversationID,
		ClientID:       evt.ClientID,
		RequestEventID: evt.ID,
		SnapshotHash:   hash,
		Status:         storage.ValuationPending,
		SnapshotJSON:   snapshotJSON,
		CreatedAt:      evt.CreatedAt,
	}); err != nil {
		return false, fmt.Errorf("create valuation: %w", err)
	}
	return true, nil
}

// finishValuation resolves the valuation for a terminal event and records the
// outcome. A missing snapshot hash falls back to the latest non-terminal
// valuation for the conversation, a compatibility shim for legacy payloads.
func (a *Applier) finishValuation(ctx context.Context, evt event.Event, snapshotHash string, status storage.ValuationStatus, resultJSON json.RawMessage, errorCode string) error {
	var (
		val storage.Valuation
		err error
	)
	if snapshotHash != "" {
		val, err = a.store.GetValuationByHash(ctx, evt.ConversationID, snapshotHash)
	} else {
		val, err = a.store.LatestNonTerminalValuation(ctx, evt.ConversationID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		a.logger.Warn().
			Str("conversation_id", evt.ConversationID).
			Str("snapshot_hash", snapshotHash).
			Int64("event_id", evt.ID).
			Msg("terminal valuation event without matching valuation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve valuation: %w", err)
	}
	if _, err := a.store.SetValuationTerminal(ctx, val.ID, status, resultJSON, errorCode); err != nil {
		return fmt.Errorf("finish valuation: %w", err)
	}
	return nil
}

// Replay clears the projections and rebuilds them from the full journal. The
// journal itself is never touched.
func (a *Applier) Replay(ctx context.Context, journal storage.EventStore) error {
	if err := a.store.ResetProjections(ctx); err != nil {
		return fmt.Errorf("reset projections: %w", err)
	}
	var afterID int64
	var applied int
	for {
		events, err := journal.ListAllEventsAfter(ctx, afterID, replayPageSize)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			if err := a.HandleEvent(ctx, evt); err != nil {
				return fmt.Errorf("replay event %d: %w", evt.ID, err)
			}
			afterID = evt.ID
			applied++
		}
	}
	a.logger.Info().Int("events", applied).Msg("projection replay complete")
	return nil
}

// ValuationID derives the stable valuation id for a conversation/snapshot
// pair. Rebuilding the projection assigns the same id every time.
func ValuationID(conversationID, snapshotHash string) string {
	return uuid.NewSHA1(valuationIDNamespace, []byte(conversationID+"\x00"+snapshotHash)).String()
}
