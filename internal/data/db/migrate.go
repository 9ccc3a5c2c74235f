package db

import (
	"fmt"

	types "github.com/inkframe/workflow-engine/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Workflow{},
		&types.JobRun{},
		&types.Checkpoint{},
		&types.Alert{},
		&types.MetricsSnapshot{},
	)
}

// EnsureQueueIndexes adds the lease/claim-path indexes gorm tags alone don't
// express: a partial index over runnable states keyed by (priority, enqueued
// order) is what makes the Queue's SKIP LOCKED claim query cheap as the
// job_run table grows.
func EnsureQueueIndexes(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_run_claim
		ON job_run (state, delay_until, priority DESC, enqueued_at)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_run_claim: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_run_workflow_type
		ON job_run (workflow_id, job_type, state);
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_run_workflow_type: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_run_lease_expiry
		ON job_run (state, lease_expires_at)
		WHERE state = 'active';
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_run_lease_expiry: %w", err)
	}

	return nil
}

// EnsureWorkflowIndexes adds the "project already processing" guard (§9
// decision: the core serializes concurrent workflows per project) as a
// partial unique index, so the invariant holds even under a race between two
// StartWorkflow calls that both pass the application-level existence check.
func EnsureWorkflowIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_project_active
		ON workflow (project_id)
		WHERE deleted_at IS NULL AND status IN ('pending', 'running');
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_project_active: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_workflow_status_stage
		ON workflow (status, current_stage);
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_status_stage: %w", err)
	}

	return nil
}

// EnsureCheckpointIndexes keeps a workflow's checkpoints retrievable in the
// total creation order rollback replays them in (§4.5).
func EnsureCheckpointIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_workflow_checkpoint_workflow_created
		ON workflow_checkpoint (workflow_id, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_checkpoint_workflow_created: %w", err)
	}
	return nil
}

// EnsureAlertIndexes backs the Monitor's idempotent re-alerting lookup
// (active alert keyed by workflow + kind, §9).
func EnsureAlertIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_alert_active_kind
		ON workflow_alert (workflow_id, kind)
		WHERE deleted_at IS NULL AND resolved = false;
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_alert_active_kind: %w", err)
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureQueueIndexes(s.db); err != nil {
		s.log.Error("Queue index migration failed", "error", err)
		return err
	}
	if err := EnsureWorkflowIndexes(s.db); err != nil {
		s.log.Error("Workflow index migration failed", "error", err)
		return err
	}
	if err := EnsureCheckpointIndexes(s.db); err != nil {
		s.log.Error("Checkpoint index migration failed", "error", err)
		return err
	}
	if err := EnsureAlertIndexes(s.db); err != nil {
		s.log.Error("Alert index migration failed", "error", err)
		return err
	}

	return nil
}
