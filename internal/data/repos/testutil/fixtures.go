package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SeedWorkflow creates a running Workflow row at the upload stage, the
// baseline state every stage-progression test starts from.
func SeedWorkflow(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID, userID uuid.UUID) *domain.Workflow {
	tb.Helper()
	now := time.Now().UTC()
	w := &domain.Workflow{
		ID:           uuid.New(),
		ProjectID:    projectID,
		UserID:       userID,
		Status:       domain.WorkflowRunning,
		CurrentStage: domain.StageUpload,
		Progress:     0,
		Config:       datatypes.JSON([]byte(`{"autoProcessing":true,"clusteringMethod":"embeddings","cleaningOptions":{},"summaryOptions":{}}`)),
		StageResults: datatypes.JSON([]byte("{}")),
		StartedAt:    now,
		LastEventAt:  now,
	}
	if err := tx.WithContext(ctx).Create(w).Error; err != nil {
		tb.Fatalf("seed workflow: %v", err)
	}
	return w
}

// SeedJobRun creates a waiting JobRun for the given workflow/stage, the unit
// the Queue leases and the Orchestrator watches for completion.
func SeedJobRun(tb testing.TB, ctx context.Context, tx *gorm.DB, workflowID, projectID, userID uuid.UUID, jobType domain.JobType) *domain.JobRun {
	tb.Helper()
	now := time.Now().UTC()
	policy := domain.DefaultBackoffPolicy()
	j := &domain.JobRun{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		ProjectID:   projectID,
		UserID:      userID,
		JobType:     jobType,
		State:       domain.JobWaiting,
		MaxAttempts: 3,
		Backoff:     JSON(tb, policy),
		Payload:     datatypes.JSON([]byte("{}")),
		EnqueuedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job run: %v", err)
	}
	return j
}

// SeedCheckpoint creates a rollback anchor for the given workflow/stage.
func SeedCheckpoint(tb testing.TB, ctx context.Context, tx *gorm.DB, workflowID, projectID uuid.UUID, stage domain.Stage) *domain.Checkpoint {
	tb.Helper()
	c := &domain.Checkpoint{
		ID:              uuid.New(),
		WorkflowID:      workflowID,
		ProjectID:       projectID,
		Stage:           stage,
		ProjectSnapshot: datatypes.JSON([]byte("{}")),
		RollbackActions: datatypes.JSON([]byte("[]")),
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed checkpoint: %v", err)
	}
	return c
}

// SeedAlert creates a monitor-emitted alert, optionally workflow-scoped.
func SeedAlert(tb testing.TB, ctx context.Context, tx *gorm.DB, kind domain.AlertKind, workflowID *uuid.UUID) *domain.Alert {
	tb.Helper()
	a := &domain.Alert{
		ID:        uuid.New(),
		Type:      domain.AlertWarning,
		Kind:      kind,
		WorkflowID: workflowID,
		Message:   "seeded alert",
		Metadata:  datatypes.JSON([]byte("{}")),
		Timestamp: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		tb.Fatalf("seed alert: %v", err)
	}
	return a
}
