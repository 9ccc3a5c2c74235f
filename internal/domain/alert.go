package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AlertType enumerates Monitor-emitted alert severities (§3).
type AlertType string

const (
	AlertError   AlertType = "error"
	AlertWarning AlertType = "warning"
	AlertInfo    AlertType = "info"
)

// AlertKind is a short machine key identifying the condition that produced
// the alert, used for idempotent re-alerting keyed by (workflowId, kind)
// (§7, §9).
type AlertKind string

const (
	AlertKindStuckWorkflow  AlertKind = "stuck-workflow"
	AlertKindHighErrorRate  AlertKind = "high-error-rate"
	AlertKindLowThroughput  AlertKind = "low-throughput"
	AlertKindQueueDegraded  AlertKind = "queue-degraded"
	AlertKindSystemUnhealthy AlertKind = "system-unhealthy"
)

// Alert is a monitor-emitted observation (§3).
type Alert struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"alertId"`

	Type AlertType `gorm:"column:type;not null;index" json:"type"`
	Kind AlertKind `gorm:"column:kind;not null;index" json:"kind"`

	// WorkflowID is nil for system-scoped alerts (§3 "workflowId|system").
	WorkflowID *uuid.UUID `gorm:"type:uuid;column:workflow_id;index" json:"workflowId,omitempty"`

	Message  string         `gorm:"column:message;not null" json:"message"`
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	Resolved   bool       `gorm:"column:resolved;not null;default:false;index" json:"resolved"`
	ResolvedAt *time.Time `gorm:"column:resolved_at" json:"resolvedAt,omitempty"`

	Timestamp time.Time      `gorm:"column:timestamp;not null;default:now();index" json:"timestamp"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deletedAt,omitempty"`
}

func (Alert) TableName() string { return "workflow_alert" }
