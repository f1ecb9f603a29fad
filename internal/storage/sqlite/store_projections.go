package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

// Conversation projection

// GetConversation loads the conversation projection row.
func (s *Store) GetConversation(ctx context.Context, id string) (storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Conversation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Conversation{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, client_id, state, last_event_id, last_activity_at,
		        answers_json, current_question_key, pending_snapshot_json, created_at
		 FROM conversations WHERE id = ?`,
		id,
	)

	var (
		conversation storage.Conversation
		state        string
		lastActivity int64
		createdAt    int64
		answersJSON  []byte
		pendingJSON  []byte
	)
	err := row.Scan(
		&conversation.ID,
		&conversation.ClientID,
		&state,
		&conversation.LastEventID,
		&lastActivity,
		&answersJSON,
		&conversation.CurrentQuestionKey,
		&pendingJSON,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Conversation{}, storage.ErrNotFound
		}
		return storage.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	conversation.State = storage.ConversationState(state)
	conversation.LastActivityAt = fromMillis(lastActivity)
	conversation.CreatedAt = fromMillis(createdAt)
	if conversation.Answers, err = unmarshalOptionalMap(answersJSON); err != nil {
		return storage.Conversation{}, fmt.Errorf("decode answers: %w", err)
	}
	if conversation.PendingSnapshot, err = unmarshalOptionalMap(pendingJSON); err != nil {
		return storage.Conversation{}, fmt.Errorf("decode pending snapshot: %w", err)
	}
	return conversation, nil
}

// PutConversation upserts the conversation projection row.
func (s *Store) PutConversation(ctx context.Context, conversation storage.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(conversation.ID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	if !conversation.State.IsValid() {
		return fmt.Errorf("invalid conversation state %q", conversation.State)
	}

	answersJSON, err := marshalOptionalMap(conversation.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	pendingJSON, err := marshalOptionalMap(conversation.PendingSnapshot)
	if err != nil {
		return fmt.Errorf("encode pending snapshot: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO conversations (
		   id, client_id, state, last_event_id, last_activity_at,
		   answers_json, current_question_key, pending_snapshot_json, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   last_event_id = excluded.last_event_id,
		   last_activity_at = excluded.last_activity_at,
		   answers_json = excluded.answers_json,
		   current_question_key = excluded.current_question_key,
		   pending_snapshot_json = excluded.pending_snapshot_json`,
		conversation.ID,
		conversation.ClientID,
		string(conversation.State),
		conversation.LastEventID,
		toMillis(conversation.LastActivityAt),
		answersJSON,
		conversation.CurrentQuestionKey,
		pendingJSON,
		toMillis(conversation.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// Message projection

// InsertMessage inserts one message row; re-inserting the same
// (conversation id, event id) is a no-op.
func (s *Store) InsertMessage(ctx context.Context, message storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO conversation_messages (conversation_id, event_id, role, text, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, event_id) DO NOTHING`,
		message.ConversationID,
		message.EventID,
		message.Role,
		message.Text,
		toMillis(message.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessagesBefore returns up to limit messages below beforeEventID
// (0 means newest), ascending by event id.
func (s *Store) ListMessagesBefore(ctx context.Context, conversationID string, beforeEventID int64, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT conversation_id, event_id, role, text, created_at
	 FROM (
	   SELECT conversation_id, event_id, role, text, created_at
	   FROM conversation_messages
	   WHERE conversation_id = ?` + beforeClause(beforeEventID) + `
	   ORDER BY event_id DESC
	   LIMIT ?
	 ) ORDER BY event_id ASC`

	args := []any{conversationID}
	if beforeEventID > 0 {
		args = append(args, beforeEventID)
	}
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		var (
			message   storage.Message
			createdAt int64
		)
		if err := rows.Scan(
			&message.ConversationID,
			&message.EventID,
			&message.Role,
			&message.Text,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.CreatedAt = fromMillis(createdAt)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func beforeClause(beforeEventID int64) string {
	if beforeEventID > 0 {
		return " AND event_id < ?"
	}
	return ""
}

// ResetProjections clears all derived state so the event log can be replayed
// from scratch. The journal itself is untouched.
func (s *Store) ResetProjections(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	for _, table := range []string{"conversations", "conversation_messages", "valuations"} {
		if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
