package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/inkframe/workflow-engine/internal/data/repos/testutil"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/progressbus"
	"github.com/inkframe/workflow-engine/internal/queue"
	"github.com/inkframe/workflow-engine/internal/registry"
)

func newMonitor(tb testing.TB, db *gorm.DB) *Monitor {
	tb.Helper()
	log := testutil.Logger(tb)
	reg := registry.New(db, log)
	q := queue.New(db, log)
	bus := progressbus.New()
	return New(db, log, reg, q, bus, WithStuckThreshold(time.Minute))
}

func TestMetricSweepPersistsSnapshot(t *testing.T) {
	db := testutil.DB(t)
	ctx := testutil.Context()
	m := newMonitor(t, db)

	projectID, userID := uuid.New(), uuid.New()
	wf := testutil.SeedWorkflow(t, ctx, db, projectID, userID)
	wf.Status = domain.WorkflowCompleted
	now := time.Now().UTC()
	wf.CompletedAt = &now
	if err := db.Save(wf).Error; err != nil {
		t.Fatalf("save workflow: %v", err)
	}

	if err := m.metricSweep(ctx); err != nil {
		t.Fatalf("metricSweep: %v", err)
	}

	var snapshots []domain.MetricsSnapshot
	if err := db.Find(&snapshots).Error; err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected one persisted snapshot, got %d", len(snapshots))
	}
	if snapshots[0].TotalWorkflows != 1 {
		t.Fatalf("expected total workflows 1, got %d", snapshots[0].TotalWorkflows)
	}
}

func TestMetricSweepAlertsOnHighErrorRate(t *testing.T) {
	db := testutil.DB(t)
	ctx := testutil.Context()
	m := newMonitor(t, db)

	projectID, userID := uuid.New(), uuid.New()
	now := time.Now().UTC()
	for i := 0; i < 9; i++ {
		wf := testutil.SeedWorkflow(t, ctx, db, projectID, userID)
		wf.Status = domain.WorkflowCompleted
		wf.CompletedAt = &now
		if err := db.Save(wf).Error; err != nil {
			t.Fatalf("save workflow: %v", err)
		}
	}
	failing := testutil.SeedWorkflow(t, ctx, db, projectID, userID)
	failing.Status = domain.WorkflowFailed
	failing.CompletedAt = &now
	if err := db.Save(failing).Error; err != nil {
		t.Fatalf("save failing workflow: %v", err)
	}
	// 1 failed out of 10 would sit below the 10% threshold; a second failure
	// pushes the rate to 2/11 and crosses it.
	failing2 := testutil.SeedWorkflow(t, ctx, db, projectID, userID)
	failing2.Status = domain.WorkflowFailed
	failing2.CompletedAt = &now
	if err := db.Save(failing2).Error; err != nil {
		t.Fatalf("save failing workflow: %v", err)
	}

	if err := m.metricSweep(ctx); err != nil {
		t.Fatalf("metricSweep: %v", err)
	}

	var alerts []domain.Alert
	if err := db.Where("kind = ?", domain.AlertKindHighErrorRate).Find(&alerts).Error; err != nil {
		t.Fatalf("load alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one high-error-rate alert, got %d", len(alerts))
	}

	// A second sweep over the same data must not duplicate the alert.
	if err := m.metricSweep(ctx); err != nil {
		t.Fatalf("second metricSweep: %v", err)
	}
	if err := db.Where("kind = ?", domain.AlertKindHighErrorRate).Find(&alerts).Error; err != nil {
		t.Fatalf("reload alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected idempotent alerting to keep a single row, got %d", len(alerts))
	}
}

func TestStuckWorkflowDetectionRaisesThenUpgradesAlert(t *testing.T) {
	db := testutil.DB(t)
	ctx := testutil.Context()
	m := newMonitor(t, db)

	projectID, userID := uuid.New(), uuid.New()
	wf := testutil.SeedWorkflow(t, ctx, db, projectID, userID)
	wf.StartedAt = time.Now().UTC().Add(-time.Hour)
	if err := db.Save(wf).Error; err != nil {
		t.Fatalf("save workflow: %v", err)
	}

	if err := m.detectStuckWorkflows(ctx); err != nil {
		t.Fatalf("detectStuckWorkflows: %v", err)
	}

	var alert domain.Alert
	if err := db.Where("workflow_id = ? AND kind = ?", wf.ID, domain.AlertKindStuckWorkflow).First(&alert).Error; err != nil {
		t.Fatalf("expected a stuck-workflow alert: %v", err)
	}
	if alert.Type != domain.AlertWarning {
		t.Fatalf("expected first detection to be a warning, got %s", alert.Type)
	}

	if err := m.detectStuckWorkflows(ctx); err != nil {
		t.Fatalf("second detectStuckWorkflows: %v", err)
	}

	var upgraded domain.Alert
	if err := db.Where("workflow_id = ? AND kind = ?", wf.ID, domain.AlertKindStuckWorkflow).First(&upgraded).Error; err != nil {
		t.Fatalf("reload alert: %v", err)
	}
	if upgraded.Type != domain.AlertError {
		t.Fatalf("expected repeated detection to upgrade to error, got %s", upgraded.Type)
	}

	var all []domain.Alert
	if err := db.Where("workflow_id = ? AND kind = ?", wf.ID, domain.AlertKindStuckWorkflow).Find(&all).Error; err != nil {
		t.Fatalf("load all alerts: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single idempotent alert row, got %d", len(all))
	}
}

func TestStuckWorkflowDetectionIgnoresFreshWorkflows(t *testing.T) {
	db := testutil.DB(t)
	ctx := testutil.Context()
	m := newMonitor(t, db)

	projectID, userID := uuid.New(), uuid.New()
	testutil.SeedWorkflow(t, ctx, db, projectID, userID)

	if err := m.detectStuckWorkflows(ctx); err != nil {
		t.Fatalf("detectStuckWorkflows: %v", err)
	}

	var count int64
	if err := db.Model(&domain.Alert{}).Where("kind = ?", domain.AlertKindStuckWorkflow).Count(&count).Error; err != nil {
		t.Fatalf("count alerts: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no stuck-workflow alert for a freshly started workflow, got %d", count)
	}
}

func TestHealthCheckHealthyWhenAllCollaboratorsPresent(t *testing.T) {
	db := testutil.DB(t)
	ctx := testutil.Context()
	m := newMonitor(t, db)

	status, reasons := m.classifyHealth(ctx)
	if status != StatusHealthy {
		t.Fatalf("expected healthy, got %s (%v)", status, reasons)
	}
}

func TestHealthCheckDegradedWithoutBus(t *testing.T) {
	db := testutil.DB(t)
	ctx := testutil.Context()
	log := testutil.Logger(t)
	m := New(db, log, registry.New(db, log), queue.New(db, log), nil)

	status, _ := m.classifyHealth(ctx)
	if status != StatusDegraded {
		t.Fatalf("expected degraded without a bus, got %s", status)
	}

	if err := m.healthCheck(ctx); err != nil {
		t.Fatalf("healthCheck: %v", err)
	}
	var count int64
	if err := db.Model(&domain.Alert{}).
		Where("workflow_id IS NULL AND kind = ? AND resolved = ?", domain.AlertKindSystemUnhealthy, false).
		Count(&count).Error; err != nil {
		t.Fatalf("count alerts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one unresolved system alert, got %d", count)
	}
}

func TestHealthCheckResolvesAlertOnRecovery(t *testing.T) {
	db := testutil.DB(t)
	ctx := testutil.Context()
	log := testutil.Logger(t)
	degraded := New(db, log, registry.New(db, log), queue.New(db, log), nil)
	if err := degraded.healthCheck(ctx); err != nil {
		t.Fatalf("healthCheck: %v", err)
	}

	healthy := newMonitor(t, db)
	if err := healthy.healthCheck(ctx); err != nil {
		t.Fatalf("second healthCheck: %v", err)
	}

	var count int64
	if err := db.Model(&domain.Alert{}).
		Where("kind = ? AND resolved = ?", domain.AlertKindSystemUnhealthy, false).
		Count(&count).Error; err != nil {
		t.Fatalf("count alerts: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected the system alert to be resolved once the bus came back, got %d unresolved", count)
	}
}

func TestCleanupAlertsDeletesOldResolvedRows(t *testing.T) {
	db := testutil.DB(t)
	ctx := testutil.Context()
	m := newMonitor(t, db)

	alert := testutil.SeedAlert(t, ctx, db, domain.AlertKindStuckWorkflow, nil)
	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := db.Model(&domain.Alert{}).Where("id = ?", alert.ID).
		Updates(map[string]any{"resolved": true, "resolved_at": old}).Error; err != nil {
		t.Fatalf("age alert: %v", err)
	}

	n, err := m.CleanupAlerts(ctx)
	if err != nil {
		t.Fatalf("CleanupAlerts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one alert deleted, got %d", n)
	}
}

func TestRunLoopRespectsContextCancellation(t *testing.T) {
	db := testutil.DB(t)
	m := newMonitor(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.runLoop(ctx, "test-loop", time.Hour, func(context.Context) error { return nil })
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runLoop did not exit after context cancellation")
	}
}
