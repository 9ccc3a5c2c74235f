package executors

import (
	"encoding/json"

	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// SummaryDeps are the collaborators the summary stage needs.
type SummaryDeps struct {
	Store      collab.ProjectStore
	Summarizer collab.Summarizer
}

// SummaryExecutor derives top themes, a theme distribution, representative
// quotes, and free-form insights from the clustered notes (§4.3 stage 5).
type SummaryExecutor struct {
	deps SummaryDeps
}

func NewSummaryExecutor(deps SummaryDeps) *SummaryExecutor {
	return &SummaryExecutor{deps: deps}
}

func (e *SummaryExecutor) Type() domain.JobType { return domain.JobTypeSummary }

func (e *SummaryExecutor) Run(ctx *jobrt.Context) error {
	projectID := ctx.Job.ProjectID

	clusters, err := e.deps.Store.GetClusters(ctx.Ctx, projectID)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageSummary), "list clusters", err), true)
	}
	if len(clusters) == 0 {
		return ctx.Fail(workflowerr.New(workflowerr.NoInput, string(domain.StageSummary), "project has no clusters"), false)
	}
	notes, err := e.deps.Store.GetNotes(ctx.Ctx, projectID)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageSummary), "list notes", err), true)
	}
	ctx.Progress(20, "loaded clusters and notes")

	var opts map[string]any
	if raw, ok := ctx.Payload()["summaryOptions"]; ok {
		if b, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(b, &opts)
		}
	}

	result, err := e.deps.Summarizer.Summarize(ctx.Ctx, clusters, notes, opts)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.UpstreamUnavailable, string(domain.StageSummary), "summarize", err), true)
	}
	ctx.Progress(80, "summarized")

	summaryDoc := map[string]any{
		"topThemes":            result.TopThemes,
		"distribution":         result.Distribution,
		"representativeQuotes": result.RepresentativeQuotes,
		"insights":             result.Insights,
	}
	if err := e.deps.Store.PutSummary(ctx.Ctx, projectID, summaryDoc); err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageSummary), "persist summary", err), true)
	}
	ctx.Progress(100, "summary complete")

	return ctx.Succeed(map[string]any{"themeCount": len(result.TopThemes)})
}
