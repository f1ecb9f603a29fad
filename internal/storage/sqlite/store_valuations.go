package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

const valuationColumns = `id, conversation_id, client_id, request_event_id,
 snapshot_hash, status, snapshot_json, result_json, error_code, created_at, updated_at`

// CreateValuation inserts a pending valuation row. When a row for the same
// (conversation id, snapshot hash) already exists the insert is a no-op and
// the stored row is returned, so re-projecting the request event cannot
// regress an in-flight or terminal valuation.
func (s *Store) CreateValuation(ctx context.Context, valuation storage.Valuation) (storage.Valuation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Valuation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Valuation{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(valuation.ID) == "" {
		valuation.ID = uuid.NewString()
	}
	if strings.TrimSpace(valuation.SnapshotHash) == "" {
		return storage.Valuation{}, fmt.Errorf("snapshot hash is required")
	}
	if valuation.Status == "" {
		valuation.Status = storage.ValuationPending
	}
	now := time.Now().UTC()
	if valuation.CreatedAt.IsZero() {
		valuation.CreatedAt = now
	}
	if valuation.UpdatedAt.IsZero() {
		valuation.UpdatedAt = valuation.CreatedAt
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO valuations (
		   id, conversation_id, client_id, request_event_id, snapshot_hash,
		   status, snapshot_json, result_json, error_code, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, snapshot_hash) DO NOTHING`,
		valuation.ID,
		valuation.ConversationID,
		valuation.ClientID,
		valuation.RequestEventID,
		valuation.SnapshotHash,
		string(valuation.Status),
		valuation.SnapshotJSON,
		valuation.ResultJSON,
		valuation.ErrorCode,
		toMillis(valuation.CreatedAt),
		toMillis(valuation.UpdatedAt),
	)
	if err != nil {
		return storage.Valuation{}, fmt.Errorf("insert valuation: %w", err)
	}
	return s.GetValuationByHash(ctx, valuation.ConversationID, valuation.SnapshotHash)
}

// GetValuation loads one valuation by id.
func (s *Store) GetValuation(ctx context.Context, id string) (storage.Valuation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Valuation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Valuation{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+valuationColumns+` FROM valuations WHERE id = ?`,
		id,
	)
	return scanValuation(row)
}

// GetValuationByHash loads the valuation for (conversation id, snapshot hash).
func (s *Store) GetValuationByHash(ctx context.Context, conversationID, snapshotHash string) (storage.Valuation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Valuation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Valuation{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+valuationColumns+` FROM valuations
		 WHERE conversation_id = ? AND snapshot_hash = ?`,
		conversationID,
		snapshotHash,
	)
	return scanValuation(row)
}

// LatestNonTerminalValuation returns the most recent pending or running
// valuation for the conversation. This is the compatibility shim for legacy
// completion payloads that lack a snapshot hash.
func (s *Store) LatestNonTerminalValuation(ctx context.Context, conversationID string) (storage.Valuation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Valuation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Valuation{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+valuationColumns+` FROM valuations
		 WHERE conversation_id = ? AND status IN (?, ?)
		 ORDER BY request_event_id DESC
		 LIMIT 1`,
		conversationID,
		string(storage.ValuationPending),
		string(storage.ValuationRunning),
	)
	return scanValuation(row)
}

// ListPendingValuations returns the conversation's valuations still in the
// initial pending status, oldest first.
func (s *Store) ListPendingValuations(ctx context.Context, conversationID string) ([]storage.Valuation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+valuationColumns+` FROM valuations
		 WHERE conversation_id = ? AND status = ?
		 ORDER BY request_event_id ASC`,
		conversationID,
		string(storage.ValuationPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending valuations: %w", err)
	}
	defer rows.Close()

	var valuations []storage.Valuation
	for rows.Next() {
		valuation, err := scanValuation(rows)
		if err != nil {
			return nil, err
		}
		valuations = append(valuations, valuation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending valuations: %w", err)
	}
	return valuations, nil
}

// ListValuations returns every valuation for the conversation, oldest
// request first.
func (s *Store) ListValuations(ctx context.Context, conversationID string) ([]storage.Valuation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+valuationColumns+` FROM valuations
		 WHERE conversation_id = ?
		 ORDER BY request_event_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list valuations: %w", err)
	}
	defer rows.Close()

	var valuations []storage.Valuation
	for rows.Next() {
		valuation, err := scanValuation(rows)
		if err != nil {
			return nil, err
		}
		valuations = append(valuations, valuation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate valuations: %w", err)
	}
	return valuations, nil
}

// MarkValuationRunning moves a pending valuation to running. The
// compare-and-set against the pending status is what makes dispatch
// exactly-once: only the caller that wins the transition may enqueue a job.
func (s *Store) MarkValuationRunning(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE valuations SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(storage.ValuationRunning),
		toMillis(time.Now().UTC()),
		id,
		string(storage.ValuationPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark valuation running: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read affected rows: %w", err)
	}
	return affected == 1, nil
}

// SetValuationTerminal records the terminal status and result. Terminal rows
// are never overwritten; the call reports false when the row had already
// reached a terminal status.
func (s *Store) SetValuationTerminal(ctx context.Context, id string, status storage.ValuationStatus, resultJSON []byte, errorCode string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE valuations SET status = ?, result_json = ?, error_code = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status),
		resultJSON,
		errorCode,
		toMillis(time.Now().UTC()),
		id,
		string(storage.ValuationPending),
		string(storage.ValuationRunning),
	)
	if err != nil {
		return false, fmt.Errorf("set valuation terminal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read affected rows: %w", err)
	}
	return affected == 1, nil
}

func scanValuation(row rowScanner) (storage.Valuation, error) {
	var (
		valuation storage.Valuation
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&valuation.ID,
		&valuation.ConversationID,
		&valuation.ClientID,
		&valuation.RequestEventID,
		&valuation.SnapshotHash,
		&status,
		&valuation.SnapshotJSON,
		&valuation.ResultJSON,
		&valuation.ErrorCode,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Valuation{}, storage.ErrNotFound
		}
		return storage.Valuation{}, fmt.Errorf("scan valuation: %w", err)
	}
	valuation.Status = storage.ValuationStatus(status)
	valuation.CreatedAt = fromMillis(createdAt)
	valuation.UpdatedAt = fromMillis(updatedAt)
	return valuation, nil
}
