// Package executors adapts the collab contracts into jobrt.Handler
// implementations, one per pipeline stage (§4.3). Each executor is a thin
// shim: decode the job payload, call exactly one collaborator, fold the
// result back through ProjectStore, report progress, and hand the outcome
// to Context.Succeed/Fail. Grounded on the teacher's pipeline step shape
// (internal/jobs/pipeline/*/pipeline.go: Deps struct + pure function over
// typed Input/Output), adapted from bespoke repo-struct deps to the
// collab.* interfaces this domain's executors depend on instead.
package executors

import (
	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// VerifyDeps are the collaborators the verify stage needs.
type VerifyDeps struct {
	Store collab.ProjectStore
}

// VerifyExecutor checks that a project has at least one uploaded image
// before the pipeline commits to OCR (§4.3 stage 1).
type VerifyExecutor struct {
	deps VerifyDeps
}

func NewVerifyExecutor(deps VerifyDeps) *VerifyExecutor {
	return &VerifyExecutor{deps: deps}
}

func (e *VerifyExecutor) Type() domain.JobType { return domain.JobTypeVerify }

func (e *VerifyExecutor) Run(ctx *jobrt.Context) error {
	projectID := ctx.Job.ProjectID

	if _, err := e.deps.Store.GetProject(ctx.Ctx, projectID); err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.NotFound, string(domain.StageUpload), "project lookup", err), false)
	}
	ctx.Progress(30, "checking uploaded images")

	images, err := e.deps.Store.GetImages(ctx.Ctx, projectID)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageUpload), "list images", err), true)
	}
	if len(images) == 0 {
		return ctx.Fail(workflowerr.New(workflowerr.NoInput, string(domain.StageUpload), "project has no uploaded images"), false)
	}

	if err := e.deps.Store.UpdateProjectStatus(ctx.Ctx, projectID, "verified"); err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageUpload), "update project status", err), true)
	}
	ctx.Progress(100, "verified")

	return ctx.Succeed(map[string]any{"imageCount": len(images)})
}
