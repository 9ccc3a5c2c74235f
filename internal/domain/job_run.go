package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobType is the set of stage job types the Queue dispatches by (§3).
type JobType string

const (
	JobTypeVerify  JobType = "verify"
	JobTypeOCR     JobType = "ocr"
	JobTypeClean   JobType = "clean"
	JobTypeCluster JobType = "cluster"
	JobTypeSummary JobType = "summary"
	JobTypeExport  JobType = "export"
)

// JobState is the lifecycle state of a queued job (§3).
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
	JobCancelled JobState = "cancelled"
)

// BackoffKind enumerates the retry-delay policies a job can be enqueued
// with. The core only implements "exponential" with full jitter (§4.1, P7).
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
)

// BackoffPolicy is the enqueue-time retry configuration for a job.
type BackoffPolicy struct {
	Kind   BackoffKind `json:"kind"`
	BaseMs int64       `json:"base_ms"`
	CapMs  int64       `json:"cap_ms"`
	Jitter string      `json:"jitter"`
}

// DefaultBackoffPolicy matches spec.md §4.1's enumerated default.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Kind: BackoffExponential, BaseMs: 1000, CapMs: 30000, Jitter: "full"}
}

// JobRun is a single unit of work leased from the Queue (C1). Queue-level
// retries increment Attempts in place rather than creating new rows; an
// Orchestrator rollback-retry or delay-retry enqueues a new row, so a
// stage's history spans its JobRun rows plus its checkpoints.
type JobRun struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	WorkflowID uuid.UUID  `gorm:"type:uuid;not null;index" json:"workflowId"`
	ProjectID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"projectId"`
	UserID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"userId"`

	JobType JobType  `gorm:"column:job_type;not null;index" json:"type"`
	State   JobState `gorm:"column:state;not null;index" json:"state"`

	Priority   int        `gorm:"column:priority;not null;default:0" json:"priority"`
	Attempts   int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int       `gorm:"column:max_attempts;not null;default:3" json:"maxAttempts"`
	Backoff    datatypes.JSON `gorm:"column:backoff;type:jsonb" json:"backoff"`

	Progress int    `gorm:"column:progress;not null;default:0" json:"progress"`
	Message  string `gorm:"column:message" json:"message,omitempty"`

	Payload datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result  datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`

	ErrorKind    string `gorm:"column:error_kind" json:"errorKind,omitempty"`
	ErrorMessage string `gorm:"column:error_message" json:"errorMessage,omitempty"`
	Retryable    bool   `gorm:"column:retryable" json:"retryable,omitempty"`

	CancelRequested bool `gorm:"column:cancel_requested;not null;default:false" json:"cancelRequested"`

	WorkerID    string     `gorm:"column:worker_id;index" json:"workerId,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at;index" json:"leaseExpiresAt,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeatAt,omitempty"`

	EnqueuedAt time.Time  `gorm:"column:enqueued_at;not null;index" json:"enqueuedAt"`
	DelayUntil *time.Time `gorm:"column:delay_until;index" json:"delayUntil,omitempty"`
	StartedAt  *time.Time `gorm:"column:started_at" json:"startedAt,omitempty"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finishedAt,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deletedAt,omitempty"`
}

func (JobRun) TableName() string { return "job_run" }
