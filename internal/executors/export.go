package executors

import (
	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// ExportDeps are the collaborators the export stage needs.
type ExportDeps struct {
	Store    collab.ProjectStore
	Renderer collab.ExportRenderer
}

// ExportExecutor renders the completed summary (plus the project's source
// images) into downloadable artifacts (§4.3 stage 6, the pipeline's final
// stage before StageCompleted).
type ExportExecutor struct {
	deps ExportDeps
}

func NewExportExecutor(deps ExportDeps) *ExportExecutor {
	return &ExportExecutor{deps: deps}
}

func (e *ExportExecutor) Type() domain.JobType { return domain.JobTypeExport }

func (e *ExportExecutor) Run(ctx *jobrt.Context) error {
	projectID := ctx.Job.ProjectID

	project, err := e.deps.Store.GetProject(ctx.Ctx, projectID)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageExport), "project lookup", err), true)
	}
	summaryDoc, _ := project["summary"].(map[string]any)
	summary := collab.SummaryResult{}
	if summaryDoc != nil {
		if v, ok := summaryDoc["topThemes"].([]string); ok {
			summary.TopThemes = v
		}
		if v, ok := summaryDoc["insights"].([]string); ok {
			summary.Insights = v
		}
		if v, ok := summaryDoc["distribution"].(map[string]float64); ok {
			summary.Distribution = v
		}
	}

	images, err := e.deps.Store.GetImages(ctx.Ctx, projectID)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageExport), "list images", err), true)
	}
	ctx.Progress(20, "loaded summary and images")

	formats := []string{"png", "json"}
	if raw, ok := ctx.Payload()["formats"].([]any); ok {
		formats = formats[:0]
		for _, f := range raw {
			if s, ok := f.(string); ok {
				formats = append(formats, s)
			}
		}
	}

	artifacts, err := e.deps.Renderer.Render(ctx.Ctx, summary, images, formats)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.Internal, string(domain.StageExport), "render", err), true)
	}
	ctx.Progress(80, "rendered artifacts")

	for _, a := range artifacts {
		doc := map[string]any{"id": a.ID, "format": a.Format, "uri": a.URI}
		if err := e.deps.Store.PutExportArtifact(ctx.Ctx, projectID, a.Format, doc); err != nil {
			return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageExport), "persist artifact "+a.Format, err), true)
		}
	}
	if err := e.deps.Store.UpdateProjectStatus(ctx.Ctx, projectID, "completed"); err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageExport), "update project status", err), true)
	}
	ctx.Progress(100, "export complete")

	return ctx.Succeed(map[string]any{"artifactCount": len(artifacts)})
}
