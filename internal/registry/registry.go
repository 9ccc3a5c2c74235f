// Package registry is the Workflow Registry (C4): durable workflow rows,
// atomic status transitions, and the "one active workflow per project"
// invariant the §9 open-question decision resolves at the core rather than
// leaving to the caller.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// DefaultRetention is how long a terminal workflow row is kept before Reap deletes
// it (§3's 24h default retention window).
const DefaultRetention = 24 * time.Hour

type Registry struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) *Registry {
	return &Registry{db: db, log: baseLog.With("component", "Registry")}
}

// Create inserts a new pending workflow row. The existence check and the
// insert run inside one transaction — grounded on the teacher's
// ExistsRunnable idiom, generalized from a (ownerUserId, jobType,
// entityType, entityId) tuple down to a bare projectId scope, and moved
// from an advisory pre-check into the same transaction as the write so a
// second concurrent Create can't interleave between the two. The partial
// unique index idx_workflow_project_active is the second line of defense
// against that race on backends (Postgres) that enforce it; isUniqueViolation
// turns a constraint violation there into the same Conflict error.
func (r *Registry) Create(ctx context.Context, projectID, userID uuid.UUID, config domain.WorkflowConfig) (*domain.Workflow, error) {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.InvalidInput, "", "marshal workflow config", err)
	}
	now := time.Now().UTC()
	wf := &domain.Workflow{
		ID:           uuid.New(),
		ProjectID:    projectID,
		UserID:       userID,
		Status:       domain.WorkflowPending,
		CurrentStage: domain.StageUpload,
		Config:       datatypes.JSON(configJSON),
		StageResults: datatypes.JSON([]byte("{}")),
		StartedAt:    now,
		LastEventAt:  now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Workflow{}).
			Where("project_id = ? AND status IN ?", projectID, []domain.WorkflowStatus{domain.WorkflowPending, domain.WorkflowRunning}).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return workflowerr.New(workflowerr.Conflict, "", "project already has an active workflow")
		}
		return tx.Create(wf).Error
	})
	if err != nil {
		var wfErr *workflowerr.Error
		if errors.As(err, &wfErr) {
			return nil, wfErr
		}
		if isUniqueViolation(err) {
			return nil, workflowerr.New(workflowerr.Conflict, "", "project already has an active workflow")
		}
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "create workflow", err)
	}
	return wf, nil
}

// isUniqueViolation recognizes both Postgres's unique_violation SQLSTATE and
// sqlite's UNIQUE constraint error text, since repo tests run against
// internal/data/repos/testutil's in-memory sqlite rather than Postgres.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "duplicate key") || contains(msg, "UNIQUE constraint")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		(len(s) > 0 && indexOf(s, substr) >= 0))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// Get returns a workflow by ID.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	var wf domain.Workflow
	if err := r.db.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflowerr.New(workflowerr.NotFound, "", "workflow not found")
		}
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "load workflow", err)
	}
	return &wf, nil
}

// MarkRunning flips a pending workflow to running. The Orchestrator calls it
// when it starts driving the workflow, before the first stage job is
// enqueued.
func (r *Registry) MarkRunning(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Workflow{}).
		Where("id = ? AND status = ?", id, domain.WorkflowPending).
		Updates(map[string]any{"status": domain.WorkflowRunning, "last_event_at": now, "updated_at": now})
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "mark workflow running", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflowerr.New(workflowerr.Conflict, "", "workflow was not pending")
	}
	return nil
}

// TransitionStage atomically advances a workflow's stage/progress, with a
// compare-and-swap on the expected current status so a racing cancel or a
// second stage-completion can't silently clobber state (P3/P4).
func (r *Registry) TransitionStage(ctx context.Context, id uuid.UUID, expectedStatus domain.WorkflowStatus, stage domain.Stage, progress int) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Workflow{}).
		Where("id = ? AND status = ?", id, expectedStatus).
		Updates(map[string]any{
			"current_stage": stage,
			"progress":      progress,
			"last_event_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, string(stage), "transition stage", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflowerr.New(workflowerr.Conflict, string(stage), "workflow status changed concurrently")
	}
	return nil
}

// Complete marks a workflow completed (terminal, P3 absorbing).
func (r *Registry) Complete(ctx context.Context, id uuid.UUID) error {
	return r.setTerminal(ctx, id, domain.WorkflowCompleted, domain.StageCompleted, "", "")
}

// Fail marks a workflow failed (terminal).
func (r *Registry) Fail(ctx context.Context, id uuid.UUID, errKind, errMessage string) error {
	var wf domain.Workflow
	if err := r.db.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "load workflow for fail", err)
	}
	return r.setTerminal(ctx, id, domain.WorkflowFailed, wf.CurrentStage, errKind, errMessage)
}

func (r *Registry) setTerminal(ctx context.Context, id uuid.UUID, status domain.WorkflowStatus, stage domain.Stage, errKind, errMessage string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":        status,
		"current_stage": stage,
		"completed_at":  now,
		"last_event_at": now,
		"updated_at":    now,
	}
	if status == domain.WorkflowCompleted {
		updates["progress"] = domain.StageWeight[domain.StageCompleted]
	}
	if errKind != "" {
		updates["error_kind"] = errKind
		updates["error_message"] = errMessage
	}
	res := r.db.WithContext(ctx).Model(&domain.Workflow{}).
		Where("id = ? AND status NOT IN ?", id, []domain.WorkflowStatus{domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowCancelled}).
		Updates(updates)
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, string(stage), "set terminal status", res.Error)
	}
	return nil
}

// Cancel requests cancellation of a non-terminal workflow (P3: a no-op once
// the workflow already reached a terminal status).
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Workflow{}).
		Where("id = ? AND status NOT IN ?", id, []domain.WorkflowStatus{domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowCancelled}).
		Updates(map[string]any{"cancel_requested": true, "last_event_at": now, "updated_at": now})
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "request cancel", res.Error)
	}
	return nil
}

// MarkCancelled finalizes a cancellation once the Orchestrator's driver
// goroutine has unwound.
func (r *Registry) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return r.setTerminal(ctx, id, domain.WorkflowCancelled, "", "", "")
}

// ListByUser returns workflows owned by a user, most recent first.
func (r *Registry) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Workflow, error) {
	var out []domain.Workflow
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "list workflows by user", err)
	}
	return out, nil
}

// ListByProject returns workflows for a project, most recent first.
func (r *Registry) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]domain.Workflow, error) {
	var out []domain.Workflow
	q := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "list workflows by project", err)
	}
	return out, nil
}

// HasActive reports whether a project already has a pending/running
// workflow (used by workflowapi.StartWorkflow for a fast pre-check before
// relying on Create's in-transaction check for the authoritative answer).
func (r *Registry) HasActive(ctx context.Context, projectID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Workflow{}).
		Where("project_id = ? AND status IN ?", projectID, []domain.WorkflowStatus{domain.WorkflowPending, domain.WorkflowRunning}).
		Count(&count).Error
	if err != nil {
		return false, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "check active workflow", err)
	}
	return count > 0, nil
}

// SetRestartOf records that a newly created workflow is a restart of an
// earlier failed one (internal/workflowapi.RestartFailedWorkflow), so the
// lineage survives even though the failed row itself is never mutated
// (P3: terminal state is absorbing).
func (r *Registry) SetRestartOf(ctx context.Context, id, restartOfWorkflowID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&domain.Workflow{}).
		Where("id = ?", id).
		Update("restart_of_workflow_id", restartOfWorkflowID)
	if res.Error != nil {
		return workflowerr.Wrap(workflowerr.BackendUnavailable, "", "set restart lineage", res.Error)
	}
	return nil
}

// ListRunning returns every workflow currently in the running state, across
// all projects, for the Monitor's (C7) stuck-workflow sweep.
func (r *Registry) ListRunning(ctx context.Context) ([]domain.Workflow, error) {
	var out []domain.Workflow
	if err := r.db.WithContext(ctx).Where("status = ?", domain.WorkflowRunning).Find(&out).Error; err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "list running workflows", err)
	}
	return out, nil
}

// StatusCounts returns the number of workflows in each terminal/non-terminal
// status whose startedAt falls within [since, now), for the Monitor's metric
// sweep (§4.7).
func (r *Registry) StatusCounts(ctx context.Context, since time.Time) (map[domain.WorkflowStatus]int64, error) {
	var rows []struct {
		Status domain.WorkflowStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&domain.Workflow{}).
		Select("status, count(*) as count").
		Where("started_at >= ?", since).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "status counts", err)
	}
	out := make(map[domain.WorkflowStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// StageHistogram returns, for every currently-running workflow, a count of
// how many are sitting at each canonical stage (§4.7's stage histogram).
func (r *Registry) StageHistogram(ctx context.Context) (map[domain.Stage]int64, error) {
	var rows []struct {
		CurrentStage domain.Stage
		Count        int64
	}
	err := r.db.WithContext(ctx).Model(&domain.Workflow{}).
		Select("current_stage, count(*) as count").
		Where("status = ?", domain.WorkflowRunning).
		Group("current_stage").
		Scan(&rows).Error
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "stage histogram", err)
	}
	out := make(map[domain.Stage]int64, len(rows))
	for _, row := range rows {
		out[row.CurrentStage] = row.Count
	}
	return out, nil
}

// MeanCompletionDuration averages StartedAt->CompletedAt across workflows
// completed within [since, now), for the Monitor's metric sweep.
func (r *Registry) MeanCompletionDuration(ctx context.Context, since time.Time) (time.Duration, error) {
	var completed []domain.Workflow
	err := r.db.WithContext(ctx).
		Where("status = ? AND completed_at >= ?", domain.WorkflowCompleted, since).
		Find(&completed).Error
	if err != nil {
		return 0, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "load completed workflows", err)
	}
	if len(completed) == 0 {
		return 0, nil
	}
	var total time.Duration
	for _, wf := range completed {
		if wf.CompletedAt != nil {
			total += wf.CompletedAt.Sub(wf.StartedAt)
		}
	}
	return total / time.Duration(len(completed)), nil
}

// Reap deletes terminal workflows older than retention (§3's 24h default).
func (r *Registry) Reap(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().UTC().Add(-retention)
	res := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []domain.WorkflowStatus{domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowCancelled}, cutoff).
		Delete(&domain.Workflow{})
	if res.Error != nil {
		return 0, workflowerr.Wrap(workflowerr.BackendUnavailable, "", "reap workflows", res.Error)
	}
	return res.RowsAffected, nil
}
