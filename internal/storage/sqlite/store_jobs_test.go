package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

func TestEnqueueValuationJobIsUniquePerValuation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.EnqueueValuationJob(ctx, "val-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatal("first enqueue reported as duplicate")
	}

	created, err = store.EnqueueValuationJob(ctx, "val-1")
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Fatal("second enqueue created a duplicate job")
	}
}

func TestClaimDueJobLeasesAndHidesJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueValuationJob(ctx, "val-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := store.ClaimDueJob(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.ValuationID != "val-1" {
		t.Fatalf("claimed valuation %s, want val-1", job.ValuationID)
	}
	if job.Status != storage.JobProcessing {
		t.Fatalf("status = %s, want processing", job.Status)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", job.AttemptCount)
	}

	if _, err := store.ClaimDueJob(ctx, now.Add(time.Second), time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("claim within lease err = %v, want storage.ErrNotFound", err)
	}
}

func TestClaimDueJobReclaimsExpiredLease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueValuationJob(ctx, "val-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimDueJob(ctx, now, time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	job, err := store.ClaimDueJob(ctx, now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if job.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", job.AttemptCount)
	}
}

func TestCompleteJobRemovesFromQueue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueValuationJob(ctx, "val-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := store.ClaimDueJob(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := store.ClaimDueJob(ctx, now.Add(2*time.Minute), time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("claim after completion err = %v, want storage.ErrNotFound", err)
	}
}

func TestRetryJobSchedulesNextAttempt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueValuationJob(ctx, "val-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := store.ClaimDueJob(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RetryJob(ctx, job.ID, "upstream timeout", now.Add(30*time.Second), false); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if _, err := store.ClaimDueJob(ctx, now.Add(10*time.Second), time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("claim before backoff err = %v, want storage.ErrNotFound", err)
	}

	retried, err := store.ClaimDueJob(ctx, now.Add(time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if retried.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", retried.AttemptCount)
	}
	if retried.LastError != "upstream timeout" {
		t.Fatalf("last error = %q, want recorded error", retried.LastError)
	}
}

func TestRetryJobDeadStopsDelivery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueValuationJob(ctx, "val-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := store.ClaimDueJob(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RetryJob(ctx, job.ID, "permanent failure", now, true); err != nil {
		t.Fatalf("retry dead: %v", err)
	}

	if _, err := store.ClaimDueJob(ctx, now.Add(time.Hour), time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("dead job was claimable: err = %v", err)
	}
}
