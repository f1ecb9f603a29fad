package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/metrics"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 30 * time.Second
	defaultMaxAttempts  = 5
	defaultBackoffBase  = 2 * time.Second
)

// Error codes carried by valuation.failed events.
const (
	ErrCodeInvalidSnapshot = "invalid_snapshot"
	ErrCodeExhausted       = "attempts_exhausted"
)

// Appender is the journal write path the worker closes its loop through.
type Appender interface {
	Record(ctx context.Context, evt event.Event) (event.Event, bool, error)
}

// WorkerStore is the slice of storage the worker needs.
type WorkerStore interface {
	storage.ValuationStore
	storage.JobStore
	storage.ComparableStore
}

// WorkerConfig tunes the polling loop. Zero values fall back to defaults.
type WorkerConfig struct {
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
}

// Worker drains the valuation job queue. Each job loads its valuation, scores
// the stored snapshot against the tenant catalog and appends the terminal
// event back into the journal. Jobs for already-terminal valuations complete
// without side effects, which is what makes duplicate delivery safe.
type Worker struct {
	store    WorkerStore
	appender Appender
	cfg      WorkerConfig
	logger   zerolog.Logger
}

// NewWorker builds a valuation worker.
func NewWorker(store WorkerStore, appender Appender, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	return &Worker{
		store:    store,
		appender: appender,
		cfg:      cfg,
		logger:   logger.With().Str("component", "valuation_worker").Logger(),
	}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.RunOnce(ctx); err != nil && !errors.Is(err, storage.ErrNotFound) {
			w.logger.Error().Err(err).Msg("job processing failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one due job. Returns
// storage.ErrNotFound when the queue has nothing due.
func (w *Worker) RunOnce(ctx context.Context) error {
	job, err := w.store.ClaimDueJob(ctx, time.Now().UTC(), w.cfg.Lease)
	if err != nil {
		return err
	}
	return w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job storage.Job) error {
	val, err := w.store.GetValuation(ctx, job.ValuationID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn().Str("valuation_id", job.ValuationID).Msg("job references missing valuation")
		return w.store.CompleteJob(ctx, job.ID)
	}
	if err != nil {
		return w.retry(ctx, job, err)
	}
	if val.Status.IsTerminal() {
		return w.store.CompleteJob(ctx, job.ID)
	}

	started := time.Now()
	result, execErr := w.execute(ctx, val)
	metrics.ValuationDuration.Observe(time.Since(started).Seconds())

	if execErr != nil {
		var perm *permanentError
		if errors.As(execErr, &perm) {
			return w.fail(ctx, job, val, perm.code, perm.Error())
		}
		return w.retry(ctx, job, execErr)
	}
	return w.complete(ctx, job, val, result)
}

// execute runs the pure scoring engine over the stored snapshot.
func (w *Worker) execute(ctx context.Context, val storage.Valuation) (Result, error) {
	var snapshot map[string]any
	if err := json.Unmarshal(val.SnapshotJSON, &snapshot); err != nil {
		return Result{}, &permanentError{code: ErrCodeInvalidSnapshot, err: fmt.Errorf("decode snapshot: %w", err)}
	}
	if len(snapshot) == 0 {
		return Result{}, &permanentError{code: ErrCodeInvalidSnapshot, err: errors.New("snapshot is empty")}
	}
	comparables, err := w.store.ListComparables(ctx, val.ClientID, snapshotString(snapshot, "category"))
	if err != nil {
		return Result{}, fmt.Errorf("load comparables: %w", err)
	}
	return Score(snapshot, comparables), nil
}

// complete appends the completion event before touching the valuation row.
// The row only turns terminal once the event is durably in the journal, so a
// terminal status always implies the event exists and the short-circuit in
// process cannot drop it.
func (w *Worker) complete(ctx context.Context, job storage.Job, val storage.Valuation, result Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return w.retry(ctx, job, fmt.Errorf("encode result: %w", err))
	}
	payload, err := event.MarshalPayload(event.ValuationCompletedPayload{
		SnapshotHash: val.SnapshotHash,
		Result:       resultJSON,
	})
	if err != nil {
		return w.retry(ctx, job, err)
	}
	if _, _, err := w.appender.Record(ctx, event.Event{
		ConversationID: val.ConversationID,
		ClientID:       val.ClientID,
		Type:           event.TypeValuationCompleted,
		PayloadJSON:    payload,
		IdempotencyKey: "valuation_completed:" + val.ID,
		CorrelationID:  val.ID,
	}); err != nil {
		return w.retry(ctx, job, fmt.Errorf("record completion: %w", err))
	}
	if _, err := w.store.SetValuationTerminal(ctx, val.ID, storage.ValuationCompleted, resultJSON, ""); err != nil {
		return w.retry(ctx, job, err)
	}
	metrics.ValuationsCompleted.WithLabelValues(string(storage.ValuationCompleted)).Inc()
	w.logger.Info().
		Str("valuation_id", val.ID).
		Str("conversation_id", val.ConversationID).
		Int("matches", result.Count).
		Msg("valuation completed")
	return w.store.CompleteJob(ctx, job.ID)
}

// fail mirrors complete: the failure event goes into the journal first, the
// row is marked terminal second.
func (w *Worker) fail(ctx context.Context, job storage.Job, val storage.Valuation, code, message string) error {
	payload, err := event.MarshalPayload(event.ValuationFailedPayload{
		SnapshotHash: val.SnapshotHash,
		ErrorCode:    code,
		Message:      message,
	})
	if err != nil {
		return w.retry(ctx, job, err)
	}
	if _, _, err := w.appender.Record(ctx, event.Event{
		ConversationID: val.ConversationID,
		ClientID:       val.ClientID,
		Type:           event.TypeValuationFailed,
		PayloadJSON:    payload,
		IdempotencyKey: "valuation_failed:" + val.ID,
		CorrelationID:  val.ID,
	}); err != nil {
		return w.retry(ctx, job, fmt.Errorf("record failure: %w", err))
	}
	if _, err := w.store.SetValuationTerminal(ctx, val.ID, storage.ValuationFailed, nil, code); err != nil {
		return w.retry(ctx, job, err)
	}
	metrics.ValuationsCompleted.WithLabelValues(string(storage.ValuationFailed)).Inc()
	w.logger.Warn().
		Str("valuation_id", val.ID).
		Str("code", code).
		Msg("valuation failed")
	return w.store.CompleteJob(ctx, job.ID)
}

// retry re-queues the job with exponential backoff. Once attempts run out the
// valuation is forced to a terminal failed state so nothing sits pending
// forever.
func (w *Worker) retry(ctx context.Context, job storage.Job, cause error) error {
	if job.AttemptCount >= w.cfg.MaxAttempts {
		val, err := w.store.GetValuation(ctx, job.ValuationID)
		if err == nil && !val.Status.IsTerminal() {
			// fail completes the job on success.
			failErr := w.fail(ctx, job, val, ErrCodeExhausted, cause.Error())
			if failErr == nil {
				return fmt.Errorf("job %d failed after %d attempts: %w", job.ID, job.AttemptCount, cause)
			}
			w.logger.Error().Err(failErr).Str("valuation_id", job.ValuationID).Msg("terminal failure write failed")
		}
		if err := w.store.RetryJob(ctx, job.ID, cause.Error(), time.Now().UTC(), true); err != nil {
			return err
		}
		return fmt.Errorf("job %d dead after %d attempts: %w", job.ID, job.AttemptCount, cause)
	}
	backoff := w.cfg.BackoffBase * time.Duration(1<<(job.AttemptCount-1))
	if err := w.store.RetryJob(ctx, job.ID, cause.Error(), time.Now().UTC().Add(backoff), false); err != nil {
		return err
	}
	return cause
}

type permanentError struct {
	code string
	err  error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
