package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WorkflowStatus is the lifecycle status of a Workflow. Terminal values are
// absorbing: once reached, no further transitions are persisted (P3).
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// Stage is one of the six fixed phases of the pipeline, in canonical order.
type Stage string

const (
	StageUpload    Stage = "upload"
	StageOCR       Stage = "ocr"
	StageClean     Stage = "clean"
	StageCluster   Stage = "cluster"
	StageSummary   Stage = "summary"
	StageExport    Stage = "export"
	StageCompleted Stage = "completed"
)

// CanonicalStages is the fixed, totally-ordered stage sequence (P1).
var CanonicalStages = []Stage{StageUpload, StageOCR, StageClean, StageCluster, StageSummary, StageExport, StageCompleted}

// StageWeight is the cumulative progress reached at the end of each stage,
// used to roll job-level progress up into workflow-level progress (§4.5).
var StageWeight = map[Stage]int{
	StageUpload:    20,
	StageOCR:       35,
	StageClean:     55,
	StageCluster:   75,
	StageSummary:   90,
	StageExport:    98,
	StageCompleted: 100,
}

// StageIndex returns the position of a stage in CanonicalStages, or -1.
func StageIndex(s Stage) int {
	for i, v := range CanonicalStages {
		if v == s {
			return i
		}
	}
	return -1
}

// PrevStage returns the stage immediately preceding s in canonical order.
func PrevStage(s Stage) (Stage, bool) {
	i := StageIndex(s)
	if i <= 0 {
		return "", false
	}
	return CanonicalStages[i-1], true
}

// NextStage returns the stage immediately following s in canonical order.
func NextStage(s Stage) (Stage, bool) {
	i := StageIndex(s)
	if i < 0 || i >= len(CanonicalStages)-1 {
		return "", false
	}
	return CanonicalStages[i+1], true
}

// ClusteringMethod enumerates how the cluster stage groups cleaned notes.
type ClusteringMethod string

const (
	ClusteringEmbeddings ClusteringMethod = "embeddings"
	ClusteringLLM        ClusteringMethod = "llm"
	ClusteringHybrid     ClusteringMethod = "hybrid"
)

// CleaningOptions controls the text-cleaning stage. Marshaled into
// Workflow.Config as a nested object; unknown keys are rejected at the
// httpapi edge, never inside executors.
type CleaningOptions struct {
	SpellCheck      bool `json:"spellCheck"`
	RemoveArtifacts bool `json:"removeArtifacts"`
	NormalizeSpacing bool `json:"normalizeSpacing"`
}

// SummaryOptions controls the summary stage.
type SummaryOptions struct {
	IncludeQuotes       bool `json:"includeQuotes"`
	IncludeDistribution bool `json:"includeDistribution"`
	MaxThemes           int  `json:"maxThemes"`
	MinThemePercentage  float64 `json:"minThemePercentage"`
}

// WorkflowConfig is the enumerated, closed configuration surface for a
// workflow run (§3). It is the typed decode target once the httpapi edge has
// already rejected unknown top-level keys.
type WorkflowConfig struct {
	AutoProcessing   bool             `json:"autoProcessing"`
	ClusteringMethod ClusteringMethod `json:"clusteringMethod"`
	TargetClusters   *int             `json:"targetClusters,omitempty"`
	CleaningOptions  CleaningOptions  `json:"cleaningOptions"`
	SummaryOptions   SummaryOptions   `json:"summaryOptions"`
}

// AllowedWorkflowConfigKeys is the closed set of top-level keys accepted in
// a workflow start request's config object (redesign note §9: reject
// unknown keys at the edge, not inside executors).
var AllowedWorkflowConfigKeys = map[string]bool{
	"autoProcessing":   true,
	"clusteringMethod": true,
	"targetClusters":   true,
	"cleaningOptions":  true,
	"summaryOptions":   true,
}

// DefaultTargetClusters implements the spec's boundary behavior when
// targetClusters is absent: max(2, min(10, ceil(sqrt(n/2)))).
func DefaultTargetClusters(noteCount int) int {
	if noteCount <= 0 {
		return 2
	}
	v := int(math.Ceil(math.Sqrt(float64(noteCount) / 2.0)))
	if v < 2 {
		v = 2
	}
	if v > 10 {
		v = 10
	}
	return v
}

// Workflow is one run of the pipeline over a project (§3).
type Workflow struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"projectId"`
	UserID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"userId"`
	Status       WorkflowStatus `gorm:"column:status;not null;index" json:"status"`
	CurrentStage Stage          `gorm:"column:current_stage;not null" json:"currentStage"`
	Progress     int            `gorm:"column:progress;not null;default:0" json:"progress"`

	Config       datatypes.JSON `gorm:"column:config;type:jsonb" json:"config"`
	StageResults datatypes.JSON `gorm:"column:stage_results;type:jsonb" json:"stageResults"`

	CancelRequested bool `gorm:"column:cancel_requested;not null;default:false" json:"cancelRequested"`

	ErrorKind    string `gorm:"column:error_kind" json:"errorKind,omitempty"`
	ErrorMessage string `gorm:"column:error_message" json:"errorMessage,omitempty"`

	RestartOfWorkflowID *uuid.UUID `gorm:"type:uuid;column:restart_of_workflow_id;index" json:"restartOfWorkflowId,omitempty"`

	StartedAt   time.Time  `gorm:"column:started_at;not null;index" json:"startedAt"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completedAt,omitempty"`
	LastEventAt time.Time  `gorm:"column:last_event_at;not null;index" json:"lastEventAt"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deletedAt,omitempty"`
}

func (Workflow) TableName() string { return "workflow" }
