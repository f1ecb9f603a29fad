package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kudamusoni/chatbot-api-sub001/internal/event"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

// AppendEvent atomically appends an event and returns it with its id and
// timestamp set. A UNIQUE violation on (conversation_id, idempotency_key)
// means a concurrent or retried submission already recorded the event; the
// stored row is returned with created=false.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, false, fmt.Errorf("storage is not configured")
	}
	if err := evt.Validate(); err != nil {
		return event.Event{}, false, err
	}

	evt.IdempotencyKey = strings.TrimSpace(evt.IdempotencyKey)
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	evt.CreatedAt = evt.CreatedAt.UTC().Truncate(time.Millisecond)

	// Fast path: a prior recording with the same key wins before we touch
	// the journal.
	if evt.IdempotencyKey != "" {
		stored, err := s.getEventByIdempotencyKey(ctx, evt.ConversationID, evt.IdempotencyKey)
		if err == nil {
			return stored, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return event.Event{}, false, err
		}
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO conversation_events (
		   conversation_id, client_id, event_type, payload_json,
		   idempotency_key, correlation_id, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ConversationID,
		evt.ClientID,
		string(evt.Type),
		evt.PayloadJSON,
		evt.IdempotencyKey,
		evt.CorrelationID,
		toMillis(evt.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) && evt.IdempotencyKey != "" {
			stored, lookupErr := s.getEventByIdempotencyKey(ctx, evt.ConversationID, evt.IdempotencyKey)
			if lookupErr == nil {
				return stored, false, nil
			}
		}
		return event.Event{}, false, fmt.Errorf("append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return event.Event{}, false, fmt.Errorf("read appended event id: %w", err)
	}
	evt.ID = id
	return evt, true, nil
}

// GetEvent loads one event by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, conversation_id, client_id, event_type, payload_json,
		        idempotency_key, correlation_id, created_at
		 FROM conversation_events WHERE id = ?`,
		id,
	)
	return scanEvent(row)
}

func (s *Store) getEventByIdempotencyKey(ctx context.Context, conversationID, key string) (event.Event, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, conversation_id, client_id, event_type, payload_json,
		        idempotency_key, correlation_id, created_at
		 FROM conversation_events
		 WHERE conversation_id = ? AND idempotency_key = ?`,
		conversationID,
		key,
	)
	return scanEvent(row)
}

// ListEventsAfter returns up to limit events for the conversation with
// id > afterID, ascending.
func (s *Store) ListEventsAfter(ctx context.Context, conversationID string, afterID int64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, conversation_id, client_id, event_type, payload_json,
		        idempotency_key, correlation_id, created_at
		 FROM conversation_events
		 WHERE conversation_id = ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		conversationID,
		afterID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ListAllEventsAfter pages through the journal across all conversations with
// id > afterID, ascending. Full replay walks the journal through this.
func (s *Store) ListAllEventsAfter(ctx context.Context, afterID int64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, conversation_id, client_id, event_type, payload_json,
		        idempotency_key, correlation_id, created_at
		 FROM conversation_events
		 WHERE id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list all events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LatestEventID returns the highest event id for the conversation, 0 when
// none exist.
func (s *Store) LatestEventID(ctx context.Context, conversationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var latest sql.NullInt64
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT MAX(id) FROM conversation_events WHERE conversation_id = ?`,
		conversationID,
	)
	if err := row.Scan(&latest); err != nil {
		return 0, fmt.Errorf("query latest event id: %w", err)
	}
	if !latest.Valid {
		return 0, nil
	}
	return latest.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt       event.Event
		eventType string
		createdAt int64
	)
	err := row.Scan(
		&evt.ID,
		&evt.ConversationID,
		&evt.ClientID,
		&eventType,
		&evt.PayloadJSON,
		&evt.IdempotencyKey,
		&evt.CorrelationID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}
	evt.Type = event.Type(eventType)
	evt.CreatedAt = fromMillis(createdAt)
	return evt, nil
}
