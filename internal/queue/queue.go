// Package queue is the durable job queue (C1): at-least-once delivery of
// typed jobs with retry, backoff, and lease-based visibility timeouts over
// the job_run table.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// DefaultLeaseTTL is the invisibility deadline granted to a leased job absent
// a caller-specified one (§4.1: "implementation picks a safe default ≥ 2
// min").
const DefaultLeaseTTL = 5 * time.Minute

// EnqueueOpts mirrors spec.md §4.1's enumerated enqueue options.
type EnqueueOpts struct {
	Priority    int
	DelayMs     int64
	MaxAttempts int
	Backoff     domain.BackoffPolicy
}

// Queue is the durable, Postgres-backed job queue.
type Queue struct {
	db     *gorm.DB
	log    *logger.Logger
	pauses *pauseRegistry
}

func New(db *gorm.DB, baseLog *logger.Logger) *Queue {
	return &Queue{db: db, log: baseLog.With("component", "Queue")}
}

// Enqueue inserts a waiting (or delayed, if opts.DelayMs>0) job.
func (q *Queue) Enqueue(ctx context.Context, workflowID, projectID, userID uuid.UUID, jobType domain.JobType, payload any, opts EnqueueOpts) (*domain.JobRun, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff.Kind == "" {
		opts.Backoff = domain.DefaultBackoffPolicy()
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.InvalidInput, string(jobType), "marshal payload", err)
	}
	backoffJSON, err := json.Marshal(opts.Backoff)
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.Internal, string(jobType), "marshal backoff policy", err)
	}

	now := time.Now().UTC()
	job := &domain.JobRun{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		ProjectID:   projectID,
		UserID:      userID,
		JobType:     jobType,
		State:       domain.JobWaiting,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     datatypes.JSON(backoffJSON),
		Payload:     datatypes.JSON(payloadJSON),
		EnqueuedAt:  now,
	}
	if opts.DelayMs > 0 {
		delayUntil := now.Add(time.Duration(opts.DelayMs) * time.Millisecond)
		job.State = domain.JobDelayed
		job.DelayUntil = &delayUntil
	}

	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, string(jobType), "enqueue job", err)
	}
	return job, nil
}

// Lease claims at most one waiting-or-expired-delayed job matching any of
// types, priority-desc then enqueue-asc, and marks it active with a fresh
// lease deadline. Grounded on the teacher's ClaimNextRunnable SKIP LOCKED
// claim, generalized from a single implicit type to an explicit type set and
// from a single status-window check to the full waiting/delayed/expired-lease
// union spec.md §4.1 requires.
func (q *Queue) Lease(ctx context.Context, types []domain.JobType, workerID string, leaseTTL time.Duration) (*domain.JobRun, error) {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	now := time.Now().UTC()
	leaseExpiry := now.Add(leaseTTL)

	var claimed *domain.JobRun
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.JobRun
		lockQ := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("job_type IN ?", types).
			Where(`
				(
					state = ?
					OR (state = ? AND delay_until IS NOT NULL AND delay_until <= ?)
					OR (state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
				)
			`, domain.JobWaiting, domain.JobDelayed, now, domain.JobActive, now).
			Order("priority DESC, enqueued_at ASC")

		if err := lockQ.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		// A lease expiring without heartbeat returns the job to waiting with
		// attempts unchanged; only a fresh lease here increments attempts.
		attemptsExpr := gorm.Expr("attempts + 1")
		if job.State == domain.JobActive {
			attemptsExpr = gorm.Expr("attempts")
		}
		res := tx.Model(&domain.JobRun{}).Where("id = ?", job.ID).Updates(map[string]any{
			"state":            domain.JobActive,
			"attempts":         attemptsExpr,
			"worker_id":        workerID,
			"lease_expires_at": leaseExpiry,
			"heartbeat_at":     now,
			"started_at":       now,
			"cancel_requested": false,
			"updated_at":       now,
		})
		if res.Error != nil {
			return res.Error
		}
		job.State = domain.JobActive
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "lease job", err)
	}
	return claimed, nil
}

// Heartbeat extends a job's lease and optionally records progress. Fails
// with StaleLease if the worker no longer owns the job (lease expired or
// reassigned).
func (q *Queue) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, progress *int, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"lease_expires_at": now.Add(leaseTTL),
		"heartbeat_at":     now,
		"updated_at":       now,
	}
	if progress != nil {
		p := *progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		updates["progress"] = p
	}

	res := q.db.WithContext(ctx).Model(&domain.JobRun{}).
		Where("id = ? AND worker_id = ? AND state = ?", jobID, workerID, domain.JobActive).
		Updates(updates)
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflowerr.New(workflowerr.StaleLease, "", "job lease no longer owned by worker")
	}
	return nil
}

// Complete marks a job completed and stores its result.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, workerID string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return workflowerr.Wrap(workflowerr.Internal, "", "marshal result", err)
	}
	now := time.Now().UTC()
	res := q.db.WithContext(ctx).Model(&domain.JobRun{}).
		Where("id = ? AND worker_id = ? AND state = ?", jobID, workerID, domain.JobActive).
		Updates(map[string]any{
			"state":       domain.JobCompleted,
			"result":      datatypes.JSON(resultJSON),
			"progress":    100,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "complete job", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflowerr.New(workflowerr.StaleLease, "", "job lease no longer owned by worker")
	}
	return nil
}

// Fail marks a job failed or, if retryable and attempts remain, schedules a
// retry with full-jitter exponential backoff (corrected relative to the
// teacher's symmetric-jitter orchestrator.computeBackoff — spec.md §4.1
// requires min(cap, base*2^attempts) * rand(0,1), full jitter, not
// rand(-1,1) spread around the midpoint).
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, workerID string, cause error, retryable bool) error {
	var job domain.JobRun
	if err := q.db.WithContext(ctx).Where("id = ? AND worker_id = ?", jobID, workerID).First(&job).Error; err != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "load job for fail", err)
	}

	now := time.Now().UTC()
	kind := workflowerr.KindOf(cause)
	updates := map[string]any{
		"error_kind":    string(kind),
		"error_message": cause.Error(),
		"retryable":     retryable,
		"updated_at":    now,
	}

	if retryable && job.Attempts < job.MaxAttempts {
		var policy domain.BackoffPolicy
		if len(job.Backoff) > 0 {
			_ = json.Unmarshal(job.Backoff, &policy)
		} else {
			policy = domain.DefaultBackoffPolicy()
		}
		delay := fullJitterBackoff(policy, job.Attempts)
		delayUntil := now.Add(delay)
		updates["state"] = domain.JobDelayed
		updates["delay_until"] = delayUntil
		updates["worker_id"] = ""
	} else {
		updates["state"] = domain.JobFailed
		updates["finished_at"] = now
	}

	res := q.db.WithContext(ctx).Model(&domain.JobRun{}).
		Where("id = ? AND worker_id = ? AND state = ?", jobID, workerID, domain.JobActive).
		Updates(updates)
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "fail job", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflowerr.New(workflowerr.StaleLease, "", "job lease no longer owned by worker")
	}
	return nil
}

// fullJitterBackoff implements delay = rand(0, min(cap, base*2^attempts)),
// per spec.md §4.1 / §8 P7.
func fullJitterBackoff(policy domain.BackoffPolicy, attempts int) time.Duration {
	capMs := float64(policy.CapMs)
	raw := float64(policy.BaseMs) * math.Pow(2, float64(attempts))
	bounded := math.Min(capMs, raw)
	if bounded <= 0 {
		return 0
	}
	jittered := rand.Float64() * bounded
	return time.Duration(jittered) * time.Millisecond
}

// Cancel transitions {waiting, delayed} -> cancelled directly; for {active}
// jobs it sets a cancel-requested flag on the job row, which an executor
// observes by polling jobrt.Context.CancelRequested; Heartbeat neither reads
// nor reports the flag. Completed/failed jobs are unaffected.
func (q *Queue) Cancel(ctx context.Context, jobID uuid.UUID) error {
	now := time.Now().UTC()
	res := q.db.WithContext(ctx).Model(&domain.JobRun{}).
		Where("id = ? AND state IN ?", jobID, []domain.JobState{domain.JobWaiting, domain.JobDelayed}).
		Updates(map[string]any{
			"state":      domain.JobCancelled,
			"updated_at": now,
		})
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "cancel job", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	res = q.db.WithContext(ctx).Model(&domain.JobRun{}).
		Where("id = ? AND state = ?", jobID, domain.JobActive).
		Updates(map[string]any{"cancel_requested": true, "updated_at": now})
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "request cancel", res.Error)
	}
	return nil
}

// Status returns the current job row.
func (q *Queue) Status(ctx context.Context, jobID uuid.UUID) (*domain.JobRun, error) {
	var job domain.JobRun
	if err := q.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflowerr.New(workflowerr.NotFound, "", "job not found")
		}
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "load job", err)
	}
	return &job, nil
}

// LatestForWorkflow returns the most recently created job of the given type
// for a workflow, or nil if none has been enqueued yet. Used by the optional
// Temporal-backed driver (internal/temporalx) to resume a workflow's current
// stage from Postgres state alone, without keeping any in-memory job id
// between Tick activity invocations.
func (q *Queue) LatestForWorkflow(ctx context.Context, workflowID uuid.UUID, jobType domain.JobType) (*domain.JobRun, error) {
	var job domain.JobRun
	err := q.db.WithContext(ctx).
		Where("workflow_id = ? AND job_type = ?", workflowID, jobType).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "load latest job for workflow", err)
	}
	return &job, nil
}

// Health is the queueHealth() snapshot of §4.1.
type Health struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

func (q *Queue) QueueHealth(ctx context.Context) (Health, error) {
	var h Health
	counts := []struct {
		state domain.JobState
		dst   *int64
	}{
		{domain.JobWaiting, &h.Waiting},
		{domain.JobActive, &h.Active},
		{domain.JobCompleted, &h.Completed},
		{domain.JobFailed, &h.Failed},
		{domain.JobDelayed, &h.Delayed},
	}
	for _, c := range counts {
		if err := q.db.WithContext(ctx).Model(&domain.JobRun{}).Where("state = ?", c.state).Count(c.dst).Error; err != nil {
			return Health{}, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "queue health", err)
		}
	}
	h.Paused = int64(len(q.pausedTypesSnapshot()))
	return h, nil
}

// pauseRegistry holds the paused job types in process memory only; pause
// state is not shared across processes.
type pauseRegistry struct {
	paused map[domain.JobType]bool
}

func (q *Queue) pausedTypesSnapshot() map[domain.JobType]bool {
	if q.pauses == nil {
		return nil
	}
	out := make(map[domain.JobType]bool, len(q.pauses.paused))
	for k, v := range q.pauses.paused {
		out[k] = v
	}
	return out
}

// Pause marks a job type as paused. Lease itself does not consult the flag;
// the worker pool checks IsPaused and skips leasing a paused type.
func (q *Queue) Pause(jobType domain.JobType) {
	if q.pauses == nil {
		q.pauses = &pauseRegistry{paused: map[domain.JobType]bool{}}
	}
	q.pauses.paused[jobType] = true
}

// Resume re-enables claiming for the given type.
func (q *Queue) Resume(jobType domain.JobType) {
	if q.pauses == nil {
		return
	}
	delete(q.pauses.paused, jobType)
}

func (q *Queue) IsPaused(jobType domain.JobType) bool {
	if q.pauses == nil {
		return false
	}
	return q.pauses.paused[jobType]
}

// Clean removes terminal jobs of the given type older than the cutoff.
func (q *Queue) Clean(ctx context.Context, jobType domain.JobType, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := q.db.WithContext(ctx).
		Where("job_type = ? AND state IN ? AND finished_at < ?", jobType, []domain.JobState{domain.JobCompleted, domain.JobFailed, domain.JobCancelled}, cutoff).
		Delete(&domain.JobRun{})
	if res.Error != nil {
		return 0, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "clean jobs", res.Error)
	}
	return res.RowsAffected, nil
}
