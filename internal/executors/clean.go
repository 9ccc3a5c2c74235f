package executors

import (
	"encoding/json"
	"fmt"

	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// CleanDeps are the collaborators the clean stage needs.
type CleanDeps struct {
	Store   collab.ProjectStore
	Cleaner collab.Cleaner
}

// CleanExecutor runs the deterministic text cleaner over every OCR'd note
// (§4.3 stage 3). Cleaner.Clean performs no I/O, so this stage's timeout
// budget (§5) is almost entirely CPU-bound, unlike ocr/cluster/summary.
type CleanExecutor struct {
	deps CleanDeps
}

func NewCleanExecutor(deps CleanDeps) *CleanExecutor {
	return &CleanExecutor{deps: deps}
}

func (e *CleanExecutor) Type() domain.JobType { return domain.JobTypeClean }

func (e *CleanExecutor) Run(ctx *jobrt.Context) error {
	projectID := ctx.Job.ProjectID

	notes, err := e.deps.Store.GetNotes(ctx.Ctx, projectID)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageClean), "list notes", err), true)
	}

	var opts map[string]any
	if raw, ok := ctx.Payload()["cleaningOptions"]; ok {
		if b, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(b, &opts)
		}
	}

	totalCorrections := 0
	for i, n := range notes {
		if ctx.CancelRequested() {
			return ctx.Fail(workflowerr.New(workflowerr.Internal, string(domain.StageClean), "cancelled"), false)
		}
		cleaned, corrections, err := e.deps.Cleaner.Clean(ctx.Ctx, n.RawText, opts)
		if err != nil {
			return ctx.Fail(workflowerr.Wrap(workflowerr.SchemaMismatch, string(domain.StageClean), fmt.Sprintf("note %s", n.ID), err), false)
		}
		notes[i].CleanedText = cleaned
		for _, c := range corrections {
			totalCorrections += c
		}
		if i%25 == 0 {
			ctx.Progress(int(float64(i+1)/float64(len(notes))*90), fmt.Sprintf("cleaned %d/%d notes", i+1, len(notes)))
		}
	}

	if err := e.deps.Store.UpsertNotes(ctx.Ctx, projectID, notes); err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageClean), "persist notes", err), true)
	}
	ctx.Progress(100, "clean complete")

	return ctx.Succeed(map[string]any{"noteCount": len(notes), "corrections": totalCorrections})
}
