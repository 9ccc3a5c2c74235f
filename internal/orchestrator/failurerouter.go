package orchestrator

import "github.com/inkframe/workflow-engine/internal/workflowerr"

// Action is the failure router's decision for one failed job.
type Action string

const (
	// ActionFailed escalates the whole workflow to failed, no rollback.
	ActionFailed Action = "failed"
	// ActionFailedRollback escalates to failed without a further rollback;
	// returned only when an invalid-input/schema-mismatch kind recurs for the
	// same stage within one workflow.
	ActionFailedRollback Action = "failed-rollback"
	// ActionRollbackRetry rolls back to the previous stage and re-runs it
	// once.
	ActionRollbackRetry Action = "rollback-retry"
	// ActionDelayRetry re-enqueues the same stage after a fixed delay.
	ActionDelayRetry Action = "delay-retry"
)

// QuotaRetryDelayMs is the fixed delay before re-enqueuing a stage whose job
// exhausted its queue-level retries with kind quota-exceeded (§4.5).
const QuotaRetryDelayMs = 60_000

// Route is the failure router: a pure function from (kind,
// priorRollbacksForStage) to an action (§4.5/§7 — "the Orchestrator's
// failure router is the only component that decides retry vs rollback vs
// terminal"). The Queue already exhausted its own retries before a job
// reaches terminal JobFailed, so every kind seen here has already failed at
// least once past the queue's backoff policy; "retry" kinds below describe
// an orchestrator-level re-enqueue, not the queue's internal attempt loop.
func Route(kind workflowerr.Kind, priorRollbacksForStage int) Action {
	switch kind {
	case workflowerr.NoInput:
		return ActionFailed
	case workflowerr.InvalidInput, workflowerr.SchemaMismatch:
		if priorRollbacksForStage > 0 {
			return ActionFailedRollback
		}
		return ActionRollbackRetry
	case workflowerr.QuotaExceeded:
		return ActionDelayRetry
	case workflowerr.Timeout, workflowerr.RateLimited, workflowerr.UpstreamUnavailable:
		return ActionFailed
	default:
		return ActionFailed
	}
}
