package valuation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/metrics"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

// GuardStore is the slice of storage the dispatch guard needs.
type GuardStore interface {
	storage.ValuationStore
	storage.JobStore
}

// Guard watches the event stream and hands pending valuations to the worker
// queue. The unique job row per valuation makes dispatch exactly-once; the
// guard itself may observe the same valuation any number of times.
type Guard struct {
	store  GuardStore
	logger zerolog.Logger
}

// NewGuard builds a dispatch guard over the valuation and job stores.
func NewGuard(store GuardStore, logger zerolog.Logger) *Guard {
	return &Guard{
		store:  store,
		logger: logger.With().Str("component", "valuation_guard").Logger(),
	}
}

// HandleEvent reacts to a stored event. A valuation request is resolved by
// snapshot hash; when the projection has not created the row yet the guard
// does nothing and picks the valuation up on the next event for the
// conversation. Every other event sweeps the conversation's pending
// valuations so a lost race cannot strand one.
func (g *Guard) HandleEvent(ctx context.Context, evt event.Event) error {
	if evt.Type == event.TypeValuationRequested {
		return g.dispatchRequested(ctx, evt)
	}
	return g.sweepPending(ctx, evt.ConversationID)
}

func (g *Guard) dispatchRequested(ctx context.Context, evt event.Event) error {
	snapshot, err := event.DecodeSnapshot(evt.PayloadJSON)
	if err != nil {
		return err
	}
	hash, err := SnapshotHash(snapshot)
	if err != nil {
		return err
	}
	val, err := g.store.GetValuationByHash(ctx, evt.ConversationID, hash)
	if errors.Is(err, storage.ErrNotFound) {
		// Projection has not written the row yet. The sweep on the next
		// event for this conversation picks it up.
		g.logger.Debug().
			Str("conversation_id", evt.ConversationID).
			Str("snapshot_hash", hash).
			Msg("valuation row not projected yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve valuation: %w", err)
	}
	return g.dispatch(ctx, val)
}

func (g *Guard) sweepPending(ctx context.Context, conversationID string) error {
	pending, err := g.store.ListPendingValuations(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list pending valuations: %w", err)
	}
	for _, val := range pending {
		if err := g.dispatch(ctx, val); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) dispatch(ctx context.Context, val storage.Valuation) error {
	if val.Status != storage.ValuationPending {
		return nil
	}
	created, err := g.store.EnqueueValuationJob(ctx, val.ID)
	if err != nil {
		return fmt.Errorf("enqueue valuation %s: %w", val.ID, err)
	}
	if !created {
		return nil
	}
	// The conversation projection already shows VALUATION_RUNNING; mirror it
	// on the row. Losing this race is harmless, the job row is authoritative.
	if _, err := g.store.MarkValuationRunning(ctx, val.ID); err != nil {
		return fmt.Errorf("mark valuation running: %w", err)
	}
	metrics.ValuationsDispatched.Inc()
	g.logger.Info().
		Str("valuation_id", val.ID).
		Str("conversation_id", val.ConversationID).
		Msg("valuation dispatched")
	return nil
}
