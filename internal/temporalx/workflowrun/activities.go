package workflowrun

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/inkframe/workflow-engine/internal/orchestrator"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"

	"go.temporal.io/sdk/activity"
)

// Activities wraps an orchestrator.Driver so its Tick method can run as a
// Temporal Activity. Unlike the in-process Driver.Start goroutine, which
// keeps polling and driving a workflow for its whole lifetime, each Tick
// call here does one bounded unit of work and returns — Temporal supplies
// the durability that goroutine would otherwise have to reconstruct.
type Activities struct {
	Log    *logger.Logger
	Driver *orchestrator.Driver
}

func (a *Activities) Tick(ctx context.Context, workflowID string) (TickResult, error) {
	activity.RecordHeartbeat(ctx)

	res := TickResult{WorkflowID: strings.TrimSpace(workflowID)}
	if a == nil || a.Driver == nil {
		return res, fmt.Errorf("workflowrun: activity not configured")
	}

	id, err := uuid.Parse(res.WorkflowID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("workflowrun: invalid workflow_id")
	}

	out, err := a.Driver.Tick(ctx, id)
	if err != nil {
		if a.Log != nil {
			a.Log.Error("Tick failed", "workflow_id", id, "error", err)
		}
		return res, err
	}

	res.Status = string(out.Status)
	res.Stage = string(out.Stage)
	res.Done = out.Done
	if out.WaitHint > 0 {
		waitUntil := activity.GetInfo(ctx).StartedTime.Add(out.WaitHint)
		res.WaitUntil = &waitUntil
	}
	return res, nil
}
