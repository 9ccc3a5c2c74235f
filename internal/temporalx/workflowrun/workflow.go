package workflowrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

const (
	defaultPollInterval  = 2 * time.Second
	continueTickLimit    = 2000
	continueHistoryLimit = 15000
)

// Workflow drives a single processing workflow to completion by repeatedly
// invoking ActivityTick, which wraps orchestrator.Driver.Tick. It carries no
// pipeline knowledge of its own — stage order, rollback routing, and
// terminal-state handling all live in the orchestrator, reached the same
// way whether this Temporal loop or the in-process run() goroutine calls
// it. The Workflow's only job is pacing: sleep between ticks and
// continue-as-new before history grows unbounded.
func Workflow(ctx workflow.Context) error {
	workflowID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if workflowID == "" {
		return fmt.Errorf("workflowrun: missing workflow_id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // retries are routed by the orchestrator's failurerouter, not Temporal
	})

	tickCount := 0
	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, workflowID).Get(ctx, &out); err != nil {
			return err
		}

		if out.Done {
			status := strings.ToLower(strings.TrimSpace(out.Status))
			if status == "failed" {
				return fmt.Errorf("workflow failed (stage=%s)", strings.TrimSpace(out.Stage))
			}
			return nil
		}

		if d := nextWait(ctx, out.WaitUntil, defaultPollInterval); d > 0 {
			if err := workflow.Sleep(ctx, d); err != nil {
				return err
			}
		}
		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func nextWait(ctx workflow.Context, waitUntil *time.Time, def time.Duration) time.Duration {
	if waitUntil == nil || waitUntil.IsZero() {
		return def
	}
	now := workflow.Now(ctx)
	if waitUntil.Before(now) {
		return def
	}
	d := waitUntil.Sub(now)
	if d <= 0 {
		return def
	}
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
