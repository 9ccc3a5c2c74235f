package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// MetricsSnapshot is the per-sweep rollup the Monitor (C7) computes and
// persists (§3; persistence is a supplement beyond the distilled spec, see
// DESIGN.md). StageHistogram and StatusTotals are opaque JSON maps rather
// than fixed columns so the sweep cadence can evolve without a migration.
type MetricsSnapshot struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	StatusTotals   datatypes.JSON `gorm:"column:status_totals;type:jsonb" json:"statusTotals"`
	StageHistogram datatypes.JSON `gorm:"column:stage_histogram;type:jsonb" json:"stageHistogram"`

	MeanCompletionMs  int64   `gorm:"column:mean_completion_ms" json:"meanCompletionMs"`
	ErrorRate         float64 `gorm:"column:error_rate" json:"errorRate"`
	ThroughputPerHour float64 `gorm:"column:throughput_per_hour" json:"throughputPerHour"`
	TotalWorkflows    int     `gorm:"column:total_workflows" json:"totalWorkflows"`

	QueueWaiting   int `gorm:"column:queue_waiting" json:"queueWaiting"`
	QueueActive    int `gorm:"column:queue_active" json:"queueActive"`
	QueueCompleted int `gorm:"column:queue_completed" json:"queueCompleted"`
	QueueFailed    int `gorm:"column:queue_failed" json:"queueFailed"`
	QueueDelayed   int `gorm:"column:queue_delayed" json:"queueDelayed"`
	QueuePaused    int `gorm:"column:queue_paused" json:"queuePaused"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();index" json:"createdAt"`
}

func (MetricsSnapshot) TableName() string { return "metrics_snapshot" }
