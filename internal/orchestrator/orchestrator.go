// Package orchestrator is the per-workflow driver (C5): stage sequencing,
// checkpoint creation, progress rollup, and failure routing over the fixed
// six-stage pipeline. Generalizes the teacher's
// internal/jobs/orchestrator.Engine/Stage/OrchestratorState (an arbitrary
// named-stage, inline/child, resumable state machine) down to one hard-coded
// stage order, replacing its tick-driven resumption with one dedicated
// goroutine per workflow that blocks on the stage it is driving (P4: exactly
// one stage in flight per workflow).
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/inkframe/workflow-engine/internal/collab"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
	"github.com/inkframe/workflow-engine/internal/queue"
	"github.com/inkframe/workflow-engine/internal/registry"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// stageDef pairs a canonical pipeline stage with the job type that performs
// it. StageUpload's work is the verify job (zero-images precondition); the
// remaining five map one-to-one onto their executors.
type stageDef struct {
	stage   domain.Stage
	jobType domain.JobType
}

var pipeline = []stageDef{
	{domain.StageUpload, domain.JobTypeVerify},
	{domain.StageOCR, domain.JobTypeOCR},
	{domain.StageClean, domain.JobTypeClean},
	{domain.StageCluster, domain.JobTypeCluster},
	{domain.StageSummary, domain.JobTypeSummary},
	{domain.StageExport, domain.JobTypeExport},
}

func stageIndex(stage domain.Stage) int {
	for i, d := range pipeline {
		if d.stage == stage {
			return i
		}
	}
	return -1
}

// Driver runs the per-workflow state machine described in §4.5.
type Driver struct {
	registry *registry.Registry
	queue    *queue.Queue
	store    collab.ProjectStore
	cp       *checkpointer
	pub      jobrt.Publisher
	log      *logger.Logger

	minPoll time.Duration
	maxPoll time.Duration
}

func New(db *gorm.DB, reg *registry.Registry, q *queue.Queue, store collab.ProjectStore, pub jobrt.Publisher, baseLog *logger.Logger) *Driver {
	return &Driver{
		registry: reg,
		queue:    q,
		store:    store,
		cp:       &checkpointer{db: db, store: store},
		pub:      pub,
		log:      baseLog.With("component", "Orchestrator"),
		minPoll:  200 * time.Millisecond,
		maxPoll:  2 * time.Second,
	}
}

// Start creates a workflow and spawns its driver goroutine. The goroutine
// runs detached from ctx's lifetime (a request context dying must not abort
// an in-flight workflow) and is only ever stopped by reaching a terminal
// status or by CancelRequested being observed between polls.
func (d *Driver) Start(ctx context.Context, projectID, userID uuid.UUID, config domain.WorkflowConfig) (*domain.Workflow, error) {
	wf, err := d.registry.Create(ctx, projectID, userID, config)
	if err != nil {
		return nil, err
	}
	go d.run(wf.ID, config)
	return wf, nil
}

func (d *Driver) publish(workflowID uuid.UUID, event string, data map[string]any) {
	if d.pub == nil {
		return
	}
	d.pub.Publish(workflowID, event, data)
}

func (d *Driver) run(workflowID uuid.UUID, config domain.WorkflowConfig) {
	ctx := context.Background()

	if err := d.registry.MarkRunning(ctx, workflowID); err != nil {
		d.log.With("workflowId", workflowID).Error("mark running failed", "error", err)
		return
	}
	d.publish(workflowID, "status-changed", map[string]any{"status": string(domain.WorkflowRunning)})

	rollbacks := map[domain.Stage]int{}
	i := 0
	pendingDelayMs := int64(0)

	for i < len(pipeline) {
		def := pipeline[i]

		wf, err := d.registry.Get(ctx, workflowID)
		if err != nil {
			d.log.Error("load workflow for stage", "workflowId", workflowID, "error", err)
			return
		}
		if wf.CancelRequested {
			d.finishCancelled(ctx, workflowID)
			return
		}

		if _, err := d.cp.capture(ctx, wf, def.stage); err != nil {
			d.finishFailed(ctx, workflowID, err)
			return
		}
		d.publish(workflowID, "stage-started", map[string]any{"stage": string(def.stage)})

		payload := buildPayload(def.stage, config)
		job, err := d.queue.Enqueue(ctx, workflowID, wf.ProjectID, wf.UserID, def.jobType, payload, queue.EnqueueOpts{DelayMs: pendingDelayMs})
		pendingDelayMs = 0
		if err != nil {
			d.finishFailed(ctx, workflowID, err)
			return
		}

		finalJob, cancelled := d.awaitJob(ctx, job.ID, workflowID)
		if cancelled {
			d.finishCancelled(ctx, workflowID)
			return
		}

		switch finalJob.State {
		case domain.JobCompleted:
			if err := d.registry.TransitionStage(ctx, workflowID, domain.WorkflowRunning, def.stage, domain.StageWeight[def.stage]); err != nil {
				d.finishFailed(ctx, workflowID, err)
				return
			}
			d.publish(workflowID, "stage-completed", map[string]any{"stage": string(def.stage)})
			i++

		case domain.JobCancelled:
			d.finishCancelled(ctx, workflowID)
			return

		case domain.JobFailed:
			kind := workflowerr.Kind(finalJob.ErrorKind)
			action := Route(kind, rollbacks[def.stage])
			switch action {
			case ActionRollbackRetry:
				rollbacks[def.stage]++
				prevStage, ok := domain.PrevStage(def.stage)
				if !ok {
					d.finishFailed(ctx, workflowID, workflowerr.New(kind, string(def.stage), "cannot roll back before the first stage"))
					return
				}
				if _, err := d.cp.rollbackTo(ctx, workflowID, wf.ProjectID, prevStage); err != nil {
					d.finishFailed(ctx, workflowID, err)
					return
				}
				if err := d.registry.TransitionStage(ctx, workflowID, domain.WorkflowRunning, prevStage, domain.StageWeight[prevStage]); err != nil {
					d.finishFailed(ctx, workflowID, err)
					return
				}
				d.publish(workflowID, "rollback", map[string]any{"targetStage": string(prevStage), "failedStage": string(def.stage)})
				i = stageIndex(prevStage)

			case ActionDelayRetry:
				pendingDelayMs = QuotaRetryDelayMs

			case ActionFailed, ActionFailedRollback:
				d.finishFailed(ctx, workflowID, workflowerr.New(kind, string(def.stage), finalJob.ErrorMessage))
				return
			}
		}
	}

	if err := d.registry.Complete(ctx, workflowID); err != nil {
		d.log.Error("mark workflow complete", "workflowId", workflowID, "error", err)
		return
	}
	d.publish(workflowID, "status-changed", map[string]any{"status": string(domain.WorkflowCompleted)})
}

// awaitJob polls the job's status until it reaches a terminal state, backing
// off between minPoll and maxPoll (grounded on the teacher's
// Engine.pollChild clamp), while watching the owning workflow's
// cancel-requested flag each tick. Returns (job, true) if the workflow was
// cancelled mid-wait.
func (d *Driver) awaitJob(ctx context.Context, jobID, workflowID uuid.UUID) (*domain.JobRun, bool) {
	interval := d.minPoll
	for {
		job, err := d.queue.Status(ctx, jobID)
		if err == nil && isTerminalJobState(job.State) {
			return job, false
		}

		wf, werr := d.registry.Get(ctx, workflowID)
		if werr == nil && wf.CancelRequested {
			_ = d.queue.Cancel(ctx, jobID)
			for {
				job, err := d.queue.Status(ctx, jobID)
				if err == nil && isTerminalJobState(job.State) {
					return job, true
				}
				time.Sleep(d.minPoll)
			}
		}

		time.Sleep(interval)
		interval *= 2
		if interval > d.maxPoll {
			interval = d.maxPoll
		}
	}
}

func isTerminalJobState(s domain.JobState) bool {
	switch s {
	case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		return true
	default:
		return false
	}
}

func (d *Driver) finishFailed(ctx context.Context, workflowID uuid.UUID, cause error) {
	kind := workflowerr.KindOf(cause)
	if err := d.registry.Fail(ctx, workflowID, string(kind), cause.Error()); err != nil {
		d.log.Error("mark workflow failed", "workflowId", workflowID, "error", err)
	}
	d.publish(workflowID, "error", map[string]any{"message": cause.Error()})
	d.publish(workflowID, "status-changed", map[string]any{"status": string(domain.WorkflowFailed)})
}

func (d *Driver) finishCancelled(ctx context.Context, workflowID uuid.UUID) {
	if err := d.registry.MarkCancelled(ctx, workflowID); err != nil {
		d.log.Error("mark workflow cancelled", "workflowId", workflowID, "error", err)
	}
	d.publish(workflowID, "status-changed", map[string]any{"status": string(domain.WorkflowCancelled)})
}

// buildPayload assembles each stage job's payload from the workflow's
// closed config surface (domain.WorkflowConfig), so executors never see
// unrelated config fields.
func buildPayload(stage domain.Stage, config domain.WorkflowConfig) map[string]any {
	switch stage {
	case domain.StageClean:
		return map[string]any{"cleaningOptions": config.CleaningOptions}
	case domain.StageCluster:
		payload := map[string]any{"clusteringMethod": string(config.ClusteringMethod)}
		if config.TargetClusters != nil {
			payload["targetClusters"] = *config.TargetClusters
		}
		return payload
	case domain.StageSummary:
		return map[string]any{"summaryOptions": config.SummaryOptions}
	default:
		return map[string]any{}
	}
}
