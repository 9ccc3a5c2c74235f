package workflowrun

import "time"

const (
	WorkflowName = "workflow_run"
	ActivityTick = "workflow_run_tick"
	SignalResume = "workflow_resume"
)

// TickResult mirrors orchestrator.TickResult in a Temporal-friendly shape:
// a plain struct with a wall-clock WaitUntil rather than a relative
// time.Duration, since it crosses the Activity/Workflow boundary and gets
// recorded in workflow history.
type TickResult struct {
	WorkflowID string     `json:"workflow_id"`
	Status     string     `json:"status"`
	Stage      string     `json:"stage,omitempty"`
	Done       bool       `json:"done"`
	WaitUntil  *time.Time `json:"wait_until,omitempty"`
}
