package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/inkframe/workflow-engine/internal/data/repos/testutil"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

func TestQueueLeasePriorityThenFIFO(t *testing.T) {
	db := testutil.DB(t)
	q := New(db, testutil.Logger(t))
	ctx := context.Background()

	wf, proj, user := uuid.New(), uuid.New(), uuid.New()

	low, err := q.Enqueue(ctx, wf, proj, user, domain.JobTypeOCR, map[string]any{}, EnqueueOpts{Priority: 0})
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	time.Sleep(time.Millisecond)
	high, err := q.Enqueue(ctx, wf, proj, user, domain.JobTypeOCR, map[string]any{}, EnqueueOpts{Priority: 10})
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	leased, err := q.Lease(ctx, []domain.JobType{domain.JobTypeOCR}, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased == nil || leased.ID != high.ID {
		t.Fatalf("expected high-priority job %v leased first, got %v", high.ID, leased)
	}

	leased2, err := q.Lease(ctx, []domain.JobType{domain.JobTypeOCR}, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("lease 2: %v", err)
	}
	if leased2 == nil || leased2.ID != low.ID {
		t.Fatalf("expected low-priority job %v leased second, got %v", low.ID, leased2)
	}
}

func TestQueueHeartbeatStaleLease(t *testing.T) {
	db := testutil.DB(t)
	q := New(db, testutil.Logger(t))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), domain.JobTypeClean, map[string]any{}, EnqueueOpts{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, []domain.JobType{domain.JobTypeClean}, "worker-a", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}

	err = q.Heartbeat(ctx, job.ID, "worker-b", nil, time.Minute)
	if workflowerr.KindOf(err) != workflowerr.StaleLease {
		t.Fatalf("expected stale-lease, got %v", err)
	}
}

func TestQueueFailRetryableReschedulesWithinBackoffBounds(t *testing.T) {
	db := testutil.DB(t)
	q := New(db, testutil.Logger(t))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), domain.JobTypeCluster, map[string]any{}, EnqueueOpts{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := q.Lease(ctx, []domain.JobType{domain.JobTypeCluster}, "worker-1", time.Minute)
	if err != nil || leased == nil {
		t.Fatalf("lease: %v", err)
	}

	cause := workflowerr.New(workflowerr.Timeout, "cluster", "timed out")
	if err := q.Fail(ctx, job.ID, "worker-1", cause, true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	after, err := q.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.State != domain.JobDelayed {
		t.Fatalf("expected delayed state, got %v", after.State)
	}
	if after.DelayUntil == nil {
		t.Fatalf("expected delayUntil to be set")
	}

	delay := after.DelayUntil.Sub(time.Now().UTC())
	policy := domain.DefaultBackoffPolicy()
	maxDelay := time.Duration(policy.CapMs) * time.Millisecond
	if delay > maxDelay+time.Second {
		t.Fatalf("delay %v exceeds backoff cap %v", delay, maxDelay)
	}
}

func TestQueueFailExhaustedAttemptsTerminal(t *testing.T) {
	db := testutil.DB(t)
	q := New(db, testutil.Logger(t))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), domain.JobTypeSummary, map[string]any{}, EnqueueOpts{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, []domain.JobType{domain.JobTypeSummary}, "worker-1", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}

	cause := workflowerr.New(workflowerr.Timeout, "summary", "timed out")
	if err := q.Fail(ctx, job.ID, "worker-1", cause, true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	after, err := q.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.State != domain.JobFailed {
		t.Fatalf("expected terminal failed state after exhausting attempts, got %v", after.State)
	}
}

func TestQueueCancelActiveSetsRequestFlag(t *testing.T) {
	db := testutil.DB(t)
	q := New(db, testutil.Logger(t))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), domain.JobTypeExport, map[string]any{}, EnqueueOpts{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, []domain.JobType{domain.JobTypeExport}, "worker-1", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	after, err := q.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.State != domain.JobActive {
		t.Fatalf("active job should remain active until yield, got %v", after.State)
	}
	if !after.CancelRequested {
		t.Fatalf("expected cancel_requested flag set")
	}
}

func TestQueueCancelWaitingTransitionsDirectly(t *testing.T) {
	db := testutil.DB(t)
	q := New(db, testutil.Logger(t))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), domain.JobTypeVerify, map[string]any{}, EnqueueOpts{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after, err := q.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.State != domain.JobCancelled {
		t.Fatalf("expected cancelled, got %v", after.State)
	}
}
