// Package monitor is the Monitor (C7): a dual-cadence background sweep that
// persists a rolling MetricsSnapshot, flags workflows that have stopped
// making progress, and reports an overall health classification (§4.7).
//
// Grounded on the teacher's jobs/worker.Worker: Start spawns one goroutine
// per cadence, each driven by its own time.Ticker against a ctx.Done()
// select loop, same shape as Worker.runLoop's 1-second poll ticker.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
	"github.com/inkframe/workflow-engine/internal/progressbus"
	"github.com/inkframe/workflow-engine/internal/queue"
	"github.com/inkframe/workflow-engine/internal/registry"
)

// Default cadences and thresholds (§4.7).
const (
	DefaultMetricInterval  = 30 * time.Second
	DefaultHealthInterval  = 60 * time.Second
	DefaultStuckThreshold  = 30 * time.Minute
	DefaultAlertRetention  = 24 * time.Hour
	highErrorRateThreshold = 0.10
	lowThroughputThreshold = 1.0
)

// Status is the Monitor's own classification of system health, distinct
// from domain.WorkflowStatus.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Monitor owns the periodic sweeps. It holds its collaborators as concrete
// types: the gorm handle, the Registry, the Queue, and the Bus.
type Monitor struct {
	db       *gorm.DB
	log      *logger.Logger
	registry *registry.Registry
	queue    *queue.Queue
	bus      *progressbus.Bus

	metricInterval time.Duration
	healthInterval time.Duration
	stuckThreshold time.Duration
	alertRetention time.Duration
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

func WithMetricInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.metricInterval = d
		}
	}
}

func WithHealthInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

func WithStuckThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.stuckThreshold = d
		}
	}
}

func WithAlertRetention(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.alertRetention = d
		}
	}
}

func New(db *gorm.DB, baseLog *logger.Logger, reg *registry.Registry, q *queue.Queue, bus *progressbus.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		db:             db,
		log:            baseLog.With("component", "Monitor"),
		registry:       reg,
		queue:          q,
		bus:            bus,
		metricInterval: DefaultMetricInterval,
		healthInterval: DefaultHealthInterval,
		stuckThreshold: DefaultStuckThreshold,
		alertRetention: DefaultAlertRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the metric-sweep and health-check loops as independent
// goroutines, each ticking at its own cadence until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.log.Info("starting monitor",
		"metric_interval", m.metricInterval,
		"health_interval", m.healthInterval,
		"stuck_threshold", m.stuckThreshold,
	)
	go m.runLoop(ctx, "metric-sweep", m.metricInterval, m.metricSweep)
	go m.runLoop(ctx, "health-check", m.healthInterval, m.healthCheck)
}

func (m *Monitor) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor loop stopped", "loop", name)
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				m.log.Warn("monitor sweep failed", "loop", name, "error", err)
			}
		}
	}
}

// metricSweep recomputes and persists a MetricsSnapshot from the Registry
// and the Queue, runs stuck-workflow detection over currently running
// workflows, and alerts on a degraded error rate or throughput (§4.7).
func (m *Monitor) metricSweep(ctx context.Context) error {
	since := time.Now().UTC().Add(-time.Hour)

	counts, err := m.registry.StatusCounts(ctx, since)
	if err != nil {
		return err
	}
	histogram, err := m.registry.StageHistogram(ctx)
	if err != nil {
		return err
	}
	meanCompletion, err := m.registry.MeanCompletionDuration(ctx, since)
	if err != nil {
		return err
	}
	qHealth, err := m.queue.QueueHealth(ctx)
	if err != nil {
		return err
	}

	var total, completed, failed int64
	for status, n := range counts {
		total += n
		switch status {
		case domain.WorkflowCompleted:
			completed = n
		case domain.WorkflowFailed:
			failed = n
		}
	}

	var errorRate float64
	if completed+failed > 0 {
		errorRate = float64(failed) / float64(completed+failed)
	}
	throughputPerHour := float64(completed)

	statusJSON, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	stageJSON, err := json.Marshal(histogram)
	if err != nil {
		return err
	}

	snapshot := &domain.MetricsSnapshot{
		ID:                uuid.New(),
		StatusTotals:      statusJSON,
		StageHistogram:    stageJSON,
		MeanCompletionMs:  meanCompletion.Milliseconds(),
		ErrorRate:         errorRate,
		ThroughputPerHour: throughputPerHour,
		TotalWorkflows:    int(total),
		QueueWaiting:      int(qHealth.Waiting),
		QueueActive:       int(qHealth.Active),
		QueueCompleted:    int(qHealth.Completed),
		QueueFailed:       int(qHealth.Failed),
		QueueDelayed:      int(qHealth.Delayed),
		QueuePaused:       int(qHealth.Paused),
		CreatedAt:         time.Now().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return err
	}

	if total > 0 {
		if errorRate > highErrorRateThreshold {
			m.raiseSystemAlert(ctx, domain.AlertWarning, domain.AlertKindHighErrorRate,
				"workflow error rate above threshold", map[string]any{"errorRate": errorRate})
		}
		if throughputPerHour < lowThroughputThreshold {
			m.raiseSystemAlert(ctx, domain.AlertWarning, domain.AlertKindLowThroughput,
				"workflow throughput below threshold", map[string]any{"throughputPerHour": throughputPerHour})
		}
	}
	if qHealth.Paused > 0 {
		m.raiseSystemAlert(ctx, domain.AlertWarning, domain.AlertKindQueueDegraded,
			"one or more job types are paused", map[string]any{"pausedTypes": qHealth.Paused})
	}

	return m.detectStuckWorkflows(ctx)
}

// detectStuckWorkflows scans running workflows whose startedAt predates the
// stuck threshold and raises or upgrades an idempotent per-(workflowId,kind)
// alert (§4.7, §9's open-question decision). It never fails the workflow
// itself; validating and recovering a stuck workflow's state is the
// Orchestrator's job, not the Monitor's (§8 scenario 5).
func (m *Monitor) detectStuckWorkflows(ctx context.Context) error {
	running, err := m.registry.ListRunning(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-m.stuckThreshold)

	for _, wf := range running {
		if wf.StartedAt.After(cutoff) {
			continue
		}
		if err := m.alertStuckWorkflow(ctx, wf); err != nil {
			m.log.Warn("stuck workflow alert failed", "workflow_id", wf.ID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) alertStuckWorkflow(ctx context.Context, wf domain.Workflow) error {
	var existing domain.Alert
	err := m.db.WithContext(ctx).
		Where("workflow_id = ? AND kind = ? AND resolved = ?", wf.ID, domain.AlertKindStuckWorkflow, false).
		First(&existing).Error
	if err == nil {
		if existing.Type == domain.AlertWarning {
			existing.Type = domain.AlertError
			existing.Timestamp = time.Now().UTC()
			if err := m.db.WithContext(ctx).Save(&existing).Error; err != nil {
				return err
			}
			m.publishAlert(wf.ID, existing)
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	alert := domain.Alert{
		ID:         uuid.New(),
		Type:       domain.AlertWarning,
		Kind:       domain.AlertKindStuckWorkflow,
		WorkflowID: &wf.ID,
		Message:    "workflow has been running longer than the stuck threshold without completing",
		Timestamp:  time.Now().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return err
	}
	m.publishAlert(wf.ID, alert)
	return nil
}

// raiseSystemAlert creates a workflow-less (system-scoped) alert unless an
// unresolved alert of the same kind already exists, keeping re-alerting
// idempotent the same way alertStuckWorkflow does per workflow.
func (m *Monitor) raiseSystemAlert(ctx context.Context, typ domain.AlertType, kind domain.AlertKind, message string, metadata map[string]any) {
	var existing domain.Alert
	err := m.db.WithContext(ctx).
		Where("workflow_id IS NULL AND kind = ? AND resolved = ?", kind, false).
		First(&existing).Error
	if err == nil {
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		m.log.Warn("system alert lookup failed", "kind", kind, "error", err)
		return
	}

	metaJSON, _ := json.Marshal(metadata)
	alert := domain.Alert{
		ID:        uuid.New(),
		Type:      typ,
		Kind:      kind,
		Message:   message,
		Metadata:  metaJSON,
		Timestamp: time.Now().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(&alert).Error; err != nil {
		m.log.Warn("create system alert failed", "kind", kind, "error", err)
	}
}

func (m *Monitor) publishAlert(workflowID uuid.UUID, alert domain.Alert) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(progressbus.WorkflowTopic(workflowID), "alert", map[string]any{
		"kind":    string(alert.Kind),
		"type":    string(alert.Type),
		"message": alert.Message,
	})
}

// healthCheck verifies the database and the Monitor's three collaborators are reachable and
// classifies overall status. Unlike the metric sweep, a degraded/unhealthy
// result is itself alerted, and recovery resolves any open system-health
// alert (§4.7).
func (m *Monitor) healthCheck(ctx context.Context) error {
	status, reasons := m.classifyHealth(ctx)

	if status == StatusHealthy {
		return m.resolveSystemAlert(ctx, domain.AlertKindSystemUnhealthy)
	}

	typ := domain.AlertWarning
	if status == StatusUnhealthy {
		typ = domain.AlertError
	}
	m.raiseSystemAlert(ctx, typ, domain.AlertKindSystemUnhealthy,
		"system health check reported "+string(status), map[string]any{"reasons": reasons})
	return nil
}

func (m *Monitor) classifyHealth(ctx context.Context) (Status, []string) {
	var reasons []string

	if err := m.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		reasons = append(reasons, "database unreachable: "+err.Error())
		return StatusUnhealthy, reasons
	}
	if m.queue == nil {
		reasons = append(reasons, "queue not configured")
		return StatusUnhealthy, reasons
	}
	if _, err := m.queue.QueueHealth(ctx); err != nil {
		reasons = append(reasons, "queue health check failed: "+err.Error())
		return StatusUnhealthy, reasons
	}
	if m.registry == nil {
		reasons = append(reasons, "registry not configured")
		return StatusUnhealthy, reasons
	}
	if m.bus == nil {
		reasons = append(reasons, "progress bus not configured")
		return StatusDegraded, reasons
	}
	return StatusHealthy, nil
}

func (m *Monitor) resolveSystemAlert(ctx context.Context, kind domain.AlertKind) error {
	now := time.Now().UTC()
	return m.db.WithContext(ctx).Model(&domain.Alert{}).
		Where("workflow_id IS NULL AND kind = ? AND resolved = ?", kind, false).
		Updates(map[string]any{"resolved": true, "resolved_at": now}).Error
}

// CleanupAlerts deletes resolved alerts older than the retention window
// (§3/§4.7's 24h default), mirroring internal/registry.Reap's shape.
func (m *Monitor) CleanupAlerts(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-m.alertRetention)
	res := m.db.WithContext(ctx).
		Where("resolved = ? AND resolved_at < ?", true, cutoff).
		Delete(&domain.Alert{})
	return res.RowsAffected, res.Error
}
