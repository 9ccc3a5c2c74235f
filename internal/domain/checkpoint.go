package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RollbackOp enumerates the inverse operations a rollback action can apply.
type RollbackOp string

const (
	RollbackOpDelete  RollbackOp = "delete"
	RollbackOpUpdate  RollbackOp = "update"
	RollbackOpRestore RollbackOp = "restore"
)

// RollbackEntityType enumerates the project-owned entity kinds a rollback
// action can target (§3).
type RollbackEntityType string

const (
	RollbackEntityProject RollbackEntityType = "project"
	RollbackEntityImage   RollbackEntityType = "image"
	RollbackEntityNote    RollbackEntityType = "note"
	RollbackEntityCluster RollbackEntityType = "cluster"
)

// RollbackAction is one ordered inverse operation captured by a checkpoint,
// to be replayed (in reverse temporal order across checkpoints) during a
// rollback (§4.5, P5).
type RollbackAction struct {
	Stage      Stage               `json:"stage"`
	Op         RollbackOp          `json:"op"`
	EntityType RollbackEntityType  `json:"entityType"`
	EntityID   string              `json:"entityId"`
	PriorState datatypes.JSON      `json:"priorState,omitempty"`
}

// Checkpoint is a rollback anchor captured immediately before a workflow
// enters a stage (§3, §4.5 step 1). Checkpoints for a workflow are totally
// ordered by CreatedAt.
type Checkpoint struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	WorkflowID uuid.UUID `gorm:"type:uuid;not null;index" json:"workflowId"`
	ProjectID  uuid.UUID `gorm:"type:uuid;not null;index" json:"projectId"`
	Stage      Stage     `gorm:"column:stage;not null;index" json:"stage"`

	// ProjectSnapshot is an opaque capture used by inverse operations; the
	// core treats its internal shape as collaborator-defined (open question,
	// §9 — the implementation here stores the pre-stage entity rows the
	// collaborator reports as in-scope for the stage, not a whole-project
	// dump).
	ProjectSnapshot datatypes.JSON `gorm:"column:project_snapshot;type:jsonb" json:"projectSnapshot"`
	RollbackActions datatypes.JSON `gorm:"column:rollback_actions;type:jsonb" json:"rollbackActions"`

	CreatedAt time.Time      `gorm:"column:created_at;not null;default:now();index" json:"timestamp"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deletedAt,omitempty"`
}

func (Checkpoint) TableName() string { return "workflow_checkpoint" }
