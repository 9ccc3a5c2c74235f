package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/queue"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// TickResult is what one call to Tick accomplished, enough for a caller
// driving the workflow externally (internal/temporalx) to decide whether to
// poll again, sleep, or stop.
type TickResult struct {
	WorkflowID uuid.UUID
	Status     domain.WorkflowStatus
	Stage      domain.Stage
	Done       bool
	WaitHint   time.Duration
}

// Tick advances workflowID by at most one unit of work and returns
// immediately; it never blocks waiting on a job the way run()'s awaitJob
// does. It is the entry point for the optional Temporal-backed driver
// (internal/temporalx/workflowrun), which repeatedly invokes Tick as an
// Activity so a process restart loses no more than the in-flight Tick call,
// rather than the whole in-memory run() goroutine. The default path
// (Driver.Start's spawned goroutine) never calls Tick; the two drivers are
// alternatives, not layered on each other.
//
// Because Tick has no goroutine-local state to carry between calls (no
// rollbacks map, no remembered job id), it derives both from Postgres:
// the current stage's retry count from checkpointer.attemptsAt, and
// whether a job is already in flight from queue.LatestForWorkflow. An
// advance to the next stage, like a retry (rollback or delay), moves the
// workflow's current stage and enqueues that stage's job before returning,
// so the next Tick's LatestForWorkflow call sees the fresh job rather than
// the stale terminal one it is replacing.
//
// Unlike run(), Tick takes no config parameter: the workflow's config was
// already persisted as JSON on the workflow row at Start time, so Tick
// decodes it back from there, keeping its only input the workflow id (the
// same shape as the teacher's Activities.Tick(ctx, jobID)).
func (d *Driver) Tick(ctx context.Context, workflowID uuid.UUID) (TickResult, error) {
	wf, err := d.registry.Get(ctx, workflowID)
	if err != nil {
		return TickResult{}, err
	}

	var config domain.WorkflowConfig
	if len(wf.Config) > 0 {
		if err := json.Unmarshal(wf.Config, &config); err != nil {
			return TickResult{}, workflowerr.Wrap(workflowerr.Internal, string(wf.CurrentStage), "decode workflow config", err)
		}
	}

	if wf.Status.Terminal() {
		return TickResult{WorkflowID: workflowID, Status: wf.Status, Stage: wf.CurrentStage, Done: true}, nil
	}

	if wf.Status == domain.WorkflowPending {
		if err := d.registry.MarkRunning(ctx, workflowID); err != nil {
			return TickResult{}, err
		}
		d.publish(workflowID, "status-changed", map[string]any{"status": string(domain.WorkflowRunning)})
		wf.Status = domain.WorkflowRunning
	}

	if wf.CancelRequested {
		d.finishCancelled(ctx, workflowID)
		return TickResult{WorkflowID: workflowID, Status: domain.WorkflowCancelled, Stage: wf.CurrentStage, Done: true}, nil
	}

	i := stageIndex(wf.CurrentStage)
	if i < 0 {
		i = 0
	}
	def := pipeline[i]

	latest, err := d.queue.LatestForWorkflow(ctx, workflowID, def.jobType)
	if err != nil {
		return TickResult{}, err
	}

	if latest == nil {
		if err := d.enqueueStage(ctx, wf, def, config, 0); err != nil {
			d.finishFailed(ctx, workflowID, err)
			return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: def.stage, Done: true}, nil
		}
		return TickResult{WorkflowID: workflowID, Status: domain.WorkflowRunning, Stage: def.stage, WaitHint: d.minPoll}, nil
	}

	if !isTerminalJobState(latest.State) {
		return TickResult{WorkflowID: workflowID, Status: domain.WorkflowRunning, Stage: def.stage, WaitHint: d.minPoll}, nil
	}

	switch latest.State {
	case domain.JobCompleted:
		if err := d.registry.TransitionStage(ctx, workflowID, domain.WorkflowRunning, def.stage, domain.StageWeight[def.stage]); err != nil {
			d.finishFailed(ctx, workflowID, err)
			return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: def.stage, Done: true}, nil
		}
		d.publish(workflowID, "stage-completed", map[string]any{"stage": string(def.stage)})

		next := i + 1
		if next >= len(pipeline) {
			if err := d.registry.Complete(ctx, workflowID); err != nil {
				return TickResult{}, err
			}
			d.publish(workflowID, "status-changed", map[string]any{"status": string(domain.WorkflowCompleted)})
			return TickResult{WorkflowID: workflowID, Status: domain.WorkflowCompleted, Stage: domain.StageCompleted, Done: true}, nil
		}
		nextDef := pipeline[next]
		if err := d.registry.TransitionStage(ctx, workflowID, domain.WorkflowRunning, nextDef.stage, domain.StageWeight[def.stage]); err != nil {
			d.finishFailed(ctx, workflowID, err)
			return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: nextDef.stage, Done: true}, nil
		}
		wf.CurrentStage = nextDef.stage
		if err := d.enqueueStage(ctx, wf, nextDef, config, 0); err != nil {
			d.finishFailed(ctx, workflowID, err)
			return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: nextDef.stage, Done: true}, nil
		}
		return TickResult{WorkflowID: workflowID, Status: domain.WorkflowRunning, Stage: nextDef.stage, WaitHint: d.minPoll}, nil

	case domain.JobCancelled:
		d.finishCancelled(ctx, workflowID)
		return TickResult{WorkflowID: workflowID, Status: domain.WorkflowCancelled, Stage: def.stage, Done: true}, nil

	case domain.JobFailed:
		kind := workflowerr.Kind(latest.ErrorKind)
		priorRollbacks, err := d.cp.attemptsAt(ctx, workflowID, def.stage)
		if err != nil {
			return TickResult{}, err
		}
		// attemptsAt counts this stage's own just-captured attempt too, so
		// subtract one to get the count Route expects (rollbacks *before*
		// this failure).
		if priorRollbacks > 0 {
			priorRollbacks--
		}
		action := Route(kind, priorRollbacks)

		switch action {
		case ActionRollbackRetry:
			prevStage, ok := domain.PrevStage(def.stage)
			if !ok {
				err := workflowerr.New(kind, string(def.stage), "cannot roll back before the first stage")
				d.finishFailed(ctx, workflowID, err)
				return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: def.stage, Done: true}, nil
			}
			if _, err := d.cp.rollbackTo(ctx, workflowID, wf.ProjectID, prevStage); err != nil {
				d.finishFailed(ctx, workflowID, err)
				return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: def.stage, Done: true}, nil
			}
			if err := d.registry.TransitionStage(ctx, workflowID, domain.WorkflowRunning, prevStage, domain.StageWeight[prevStage]); err != nil {
				d.finishFailed(ctx, workflowID, err)
				return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: def.stage, Done: true}, nil
			}
			d.publish(workflowID, "rollback", map[string]any{"targetStage": string(prevStage), "failedStage": string(def.stage)})

			prevDef := pipeline[stageIndex(prevStage)]
			wf.CurrentStage = prevStage
			if err := d.enqueueStage(ctx, wf, prevDef, config, 0); err != nil {
				d.finishFailed(ctx, workflowID, err)
				return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: prevStage, Done: true}, nil
			}
			return TickResult{WorkflowID: workflowID, Status: domain.WorkflowRunning, Stage: prevStage, WaitHint: d.minPoll}, nil

		case ActionDelayRetry:
			if err := d.enqueueStage(ctx, wf, def, config, QuotaRetryDelayMs); err != nil {
				d.finishFailed(ctx, workflowID, err)
				return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: def.stage, Done: true}, nil
			}
			return TickResult{WorkflowID: workflowID, Status: domain.WorkflowRunning, Stage: def.stage, WaitHint: QuotaRetryDelayMs * time.Millisecond}, nil

		default: // ActionFailed, ActionFailedRollback
			d.finishFailed(ctx, workflowID, workflowerr.New(kind, string(def.stage), latest.ErrorMessage))
			return TickResult{WorkflowID: workflowID, Status: domain.WorkflowFailed, Stage: def.stage, Done: true}, nil
		}
	}

	return TickResult{WorkflowID: workflowID, Status: wf.Status, Stage: def.stage, WaitHint: d.minPoll}, nil
}

// enqueueStage captures a checkpoint and enqueues stg's job, shared by Tick's
// initial-enqueue and retry paths.
func (d *Driver) enqueueStage(ctx context.Context, wf *domain.Workflow, def stageDef, config domain.WorkflowConfig, delayMs int64) error {
	if _, err := d.cp.capture(ctx, wf, def.stage); err != nil {
		return err
	}
	d.publish(wf.ID, "stage-started", map[string]any{"stage": string(def.stage)})
	payload := buildPayload(def.stage, config)
	_, err := d.queue.Enqueue(ctx, wf.ID, wf.ProjectID, wf.UserID, def.jobType, payload, queue.EnqueueOpts{DelayMs: delayMs})
	return err
}
