// Package storage defines the persistence contracts for the event journal,
// the derived projections, the valuation pipeline, and the comparable
// catalog.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ConversationState enumerates the conversation lifecycle.
type ConversationState string

const (
	// StateChat is the initial free-chat state.
	StateChat ConversationState = "CHAT"
	// StateAppraisalIntake means the appraisal question flow is active.
	StateAppraisalIntake ConversationState = "APPRAISAL_INTAKE"
	// StateAppraisalConfirm means a snapshot awaits user confirmation.
	StateAppraisalConfirm ConversationState = "APPRAISAL_CONFIRM"
	// StateValuationRunning means a valuation is in flight.
	StateValuationRunning ConversationState = "VALUATION_RUNNING"
	// StateValuationReady means the latest valuation finished successfully.
	StateValuationReady ConversationState = "VALUATION_READY"
	// StateValuationFailed means the latest valuation ended in an error. The
	// user can cancel back to CHAT and retry.
	StateValuationFailed ConversationState = "VALUATION_FAILED"
)

// IsValid reports whether the state is a member of the lifecycle enumeration.
func (s ConversationState) IsValid() bool {
	switch s {
	case StateChat, StateAppraisalIntake, StateAppraisalConfirm,
		StateValuationRunning, StateValuationReady, StateValuationFailed:
		return true
	default:
		return false
	}
}

// Conversation is the mutable per-conversation read projection. It is written
// exclusively by the projector.
type Conversation struct {
	ID       string
	ClientID string
	State    ConversationState
	// LastEventID is the id of the last applied event; monotonically
	// non-decreasing.
	LastEventID    int64
	LastActivityAt time.Time
	// Appraisal scratch data, fully owned by the projector.
	Answers            map[string]any
	CurrentQuestionKey string
	PendingSnapshot    map[string]any
	CreatedAt          time.Time
}

// Message is one row of the message projection, immutable once created.
type Message struct {
	ConversationID string
	EventID        int64
	Role           string
	Text           string
	CreatedAt      time.Time
}

// ValuationStatus enumerates the valuation lifecycle. Transitions are
// monotone toward a terminal status and never regress.
type ValuationStatus string

const (
	// ValuationPending means the row exists but no job has been enqueued.
	ValuationPending ValuationStatus = "pending"
	// ValuationRunning means a worker job has been enqueued or is executing.
	ValuationRunning ValuationStatus = "running"
	// ValuationCompleted is the successful terminal status.
	ValuationCompleted ValuationStatus = "completed"
	// ValuationFailed is the error terminal status.
	ValuationFailed ValuationStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s ValuationStatus) IsTerminal() bool {
	return s == ValuationCompleted || s == ValuationFailed
}

// Valuation is one valuation per distinct input snapshot within a
// conversation, keyed by (conversation id, snapshot hash).
type Valuation struct {
	ID             string
	ConversationID string
	ClientID       string
	RequestEventID int64
	SnapshotHash   string
	Status         ValuationStatus
	SnapshotJSON   []byte
	ResultJSON     []byte
	ErrorCode      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ComparableSource identifies the provenance of a comparable record and
// drives its evidence weight.
type ComparableSource string

const (
	// SourceSold is a realized sale price.
	SourceSold ComparableSource = "sold"
	// SourceAsking is a current listing price.
	SourceAsking ComparableSource = "asking"
	// SourceEstimate is a catalog or expert estimate.
	SourceEstimate ComparableSource = "estimate"
)

// Comparable is a tenant-scoped catalog record used as valuation evidence.
type Comparable struct {
	ID        string
	ClientID  string
	Category  string
	Title     string
	Price     int64
	Year      int
	Source    ComparableSource
	CreatedAt time.Time
}

// JobStatus enumerates valuation job queue states.
type JobStatus string

const (
	// JobPending means the job is waiting to be claimed.
	JobPending JobStatus = "pending"
	// JobProcessing means a worker holds the lease.
	JobProcessing JobStatus = "processing"
	// JobDone means the job finished (the valuation reached a terminal
	// status, successfully or not).
	JobDone JobStatus = "done"
	// JobDead means the job exhausted its attempts.
	JobDead JobStatus = "dead"
)

// Job is one row of the valuation job queue.
type Job struct {
	ID            int64
	ValuationID   string
	Status        JobStatus
	AttemptCount  int
	NextAttemptAt time.Time
	LeaseUntil    time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EventStore is the append-only conversation event journal.
type EventStore interface {
	// AppendEvent appends evt atomically and returns the stored event with
	// id and timestamp set. When evt carries an idempotency key that already
	// exists for the conversation, the original event is returned with
	// created=false and nothing is appended.
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, bool, error)
	// GetEvent loads one event by id.
	GetEvent(ctx context.Context, id int64) (event.Event, error)
	// ListEventsAfter returns up to limit events for the conversation with
	// id > afterID, in ascending id order.
	ListEventsAfter(ctx context.Context, conversationID string, afterID int64, limit int) ([]event.Event, error)
	// ListAllEventsAfter pages through the whole journal across conversations
	// with id > afterID, in ascending id order. Used by full replay.
	ListAllEventsAfter(ctx context.Context, afterID int64, limit int) ([]event.Event, error)
	// LatestEventID returns the highest event id for the conversation, 0 when
	// the conversation has no events.
	LatestEventID(ctx context.Context, conversationID string) (int64, error)
}

// ConversationStore persists the conversation projection.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// PutConversation upserts the full projection row.
	PutConversation(ctx context.Context, conversation Conversation) error
}

// MessageStore persists the message projection.
type MessageStore interface {
	// InsertMessage inserts one message keyed by (conversation id, event id);
	// re-inserting the same key is a no-op.
	InsertMessage(ctx context.Context, message Message) error
	// ListMessagesBefore returns up to limit messages with event id below
	// beforeEventID (0 means newest), ascending by event id.
	ListMessagesBefore(ctx context.Context, conversationID string, beforeEventID int64, limit int) ([]Message, error)
}

// ValuationStore persists valuation rows keyed by (conversation, snapshot
// hash).
type ValuationStore interface {
	// CreateValuation inserts a pending valuation; when a row for the same
	// (conversation id, snapshot hash) exists the call is a no-op and the
	// stored row is returned.
	CreateValuation(ctx context.Context, valuation Valuation) (Valuation, error)
	GetValuation(ctx context.Context, id string) (Valuation, error)
	GetValuationByHash(ctx context.Context, conversationID, snapshotHash string) (Valuation, error)
	// LatestNonTerminalValuation supports legacy completion payloads lacking
	// a snapshot hash.
	LatestNonTerminalValuation(ctx context.Context, conversationID string) (Valuation, error)
	ListPendingValuations(ctx context.Context, conversationID string) ([]Valuation, error)
	// ListValuations returns every valuation for the conversation, oldest
	// request first.
	ListValuations(ctx context.Context, conversationID string) ([]Valuation, error)
	// MarkValuationRunning moves pending to running; returns false when the
	// row was not in pending (already claimed or terminal).
	MarkValuationRunning(ctx context.Context, id string) (bool, error)
	// SetValuationTerminal records the terminal status and result; returns
	// false when the row was already terminal (no overwrite).
	SetValuationTerminal(ctx context.Context, id string, status ValuationStatus, resultJSON []byte, errorCode string) (bool, error)
}

// ComparableStore reads the tenant comparable catalog.
type ComparableStore interface {
	// InsertComparable stores one catalog record, assigning an id when the
	// record has none, and returns the stored row.
	InsertComparable(ctx context.Context, comparable Comparable) (Comparable, error)
	// ListComparables returns the tenant's comparables, optionally narrowed
	// by category (empty means all).
	ListComparables(ctx context.Context, clientID, category string) ([]Comparable, error)
}

// JobStore is the durable valuation job queue.
type JobStore interface {
	// EnqueueValuationJob inserts a pending job for the valuation; returns
	// false when a job for it already exists.
	EnqueueValuationJob(ctx context.Context, valuationID string) (bool, error)
	// ClaimDueJob leases the oldest due pending job, returning ErrNotFound
	// when nothing is due.
	ClaimDueJob(ctx context.Context, now time.Time, lease time.Duration) (Job, error)
	// CompleteJob marks the job done.
	CompleteJob(ctx context.Context, id int64) error
	// RetryJob re-queues a failed attempt for nextAttempt, or marks the job
	// dead when dead is true.
	RetryJob(ctx context.Context, id int64, lastError string, nextAttempt time.Time, dead bool) error
}

// ProjectionStore groups the stores the projector writes.
type ProjectionStore interface {
	ConversationStore
	MessageStore
	ValuationStore
	// ResetProjections clears all derived state so the event log can be
	// replayed from scratch.
	ResetProjections(ctx context.Context) error
}
