package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

// EnqueueValuationJob inserts one pending job for the valuation. The UNIQUE
// constraint on valuation_id keeps the queue at one job per valuation across
// retries and concurrent guards.
func (s *Store) EnqueueValuationJob(ctx context.Context, valuationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(valuationID) == "" {
		return false, fmt.Errorf("valuation id is required")
	}
	now := toMillis(time.Now().UTC())
	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO valuation_jobs (valuation_id, status, next_attempt_at, created_at, updated_at)
		 VALUES (?, 'pending', ?, ?, ?)
		 ON CONFLICT(valuation_id) DO NOTHING`,
		valuationID,
		now,
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue valuation job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read affected rows: %w", err)
	}
	return affected == 1, nil
}

// ClaimDueJob leases the oldest due pending job. Stale processing leases are
// reclaimed so a crashed worker cannot strand a job.
func (s *Store) ClaimDueJob(ctx context.Context, now time.Time, lease time.Duration) (storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return storage.Job{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Job{}, fmt.Errorf("storage is not configured")
	}
	nowMillis := toMillis(now)
	leaseUntil := toMillis(now.Add(lease))

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Job{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(
		ctx,
		`SELECT id, valuation_id, status, attempt_count, next_attempt_at,
		        lease_until, last_error, created_at, updated_at
		 FROM valuation_jobs
		 WHERE (status = 'pending' AND next_attempt_at <= ?)
		    OR (status = 'processing' AND lease_until <= ?)
		 ORDER BY next_attempt_at ASC
		 LIMIT 1`,
		nowMillis,
		nowMillis,
	)
	job, err := scanJob(row)
	if err != nil {
		return storage.Job{}, err
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE valuation_jobs
		 SET status = 'processing', attempt_count = attempt_count + 1,
		     lease_until = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND updated_at = ?`,
		leaseUntil,
		nowMillis,
		job.ID,
		string(job.Status),
		toMillis(job.UpdatedAt),
	)
	if err != nil {
		return storage.Job{}, fmt.Errorf("lease job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Job{}, fmt.Errorf("read affected rows: %w", err)
	}
	if affected != 1 {
		// Another worker won the claim between read and update.
		return storage.Job{}, storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return storage.Job{}, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = storage.JobProcessing
	job.AttemptCount++
	job.LeaseUntil = fromMillis(leaseUntil)
	job.UpdatedAt = fromMillis(nowMillis)
	return job, nil
}

// CompleteJob marks the job done.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE valuation_jobs SET status = 'done', lease_until = 0, updated_at = ? WHERE id = ?`,
		toMillis(time.Now().UTC()),
		id,
	); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RetryJob re-queues a failed attempt, or marks the job dead when dead is true.
func (s *Store) RetryJob(ctx context.Context, id int64, lastError string, nextAttempt time.Time, dead bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	status := string(storage.JobPending)
	if dead {
		status = string(storage.JobDead)
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE valuation_jobs
		 SET status = ?, last_error = ?, next_attempt_at = ?, lease_until = 0, updated_at = ?
		 WHERE id = ?`,
		status,
		lastError,
		toMillis(nextAttempt),
		toMillis(time.Now().UTC()),
		id,
	); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func scanJob(row rowScanner) (storage.Job, error) {
	var (
		job           storage.Job
		status        string
		nextAttemptAt int64
		leaseUntil    int64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&job.ID,
		&job.ValuationID,
		&status,
		&job.AttemptCount,
		&nextAttemptAt,
		&leaseUntil,
		&job.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Job{}, storage.ErrNotFound
		}
		return storage.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = storage.JobStatus(status)
	job.NextAttemptAt = fromMillis(nextAttemptAt)
	job.LeaseUntil = fromMillis(leaseUntil)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return job, nil
}
