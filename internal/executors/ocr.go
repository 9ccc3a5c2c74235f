package executors

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// OcrDeps are the collaborators the OCR stage needs.
type OcrDeps struct {
	Store collab.ProjectStore
	OCR   collab.OcrProvider
}

// OcrExecutor runs OCR over every image in a project and upserts one Note
// per recognized block (§4.3 stage 2). Keyed-overwrite semantics (P6) come
// from Store.UpsertNotes, which is idempotent on Note.ID.
type OcrExecutor struct {
	deps OcrDeps
}

func NewOcrExecutor(deps OcrDeps) *OcrExecutor {
	return &OcrExecutor{deps: deps}
}

func (e *OcrExecutor) Type() domain.JobType { return domain.JobTypeOCR }

func (e *OcrExecutor) Run(ctx *jobrt.Context) error {
	projectID := ctx.Job.ProjectID

	images, err := e.deps.Store.GetImages(ctx.Ctx, projectID)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageOCR), "list images", err), true)
	}
	if len(images) == 0 {
		return ctx.Fail(workflowerr.New(workflowerr.NoInput, string(domain.StageOCR), "project has no images"), false)
	}

	notes := make([]collab.Note, 0, len(images))
	var sumConf float64
	for i, img := range images {
		if ctx.CancelRequested() {
			return ctx.Fail(workflowerr.New(workflowerr.Internal, string(domain.StageOCR), "cancelled"), false)
		}

		result, err := e.deps.OCR.Process(ctx.Ctx, img, ctx.Payload())
		if err != nil {
			return ctx.Fail(workflowerr.Wrap(workflowerr.UpstreamUnavailable, string(domain.StageOCR), fmt.Sprintf("process image %s", img.ID), err), true)
		}
		for _, block := range result.Blocks {
			notes = append(notes, collab.Note{
				ID:         uuid.New(),
				ImageID:    img.ID,
				RawText:    block.Text,
				Confidence: block.Confidence,
			})
		}
		sumConf += result.MeanConf
		ctx.Progress(int(float64(i+1)/float64(len(images))*90), fmt.Sprintf("ocr %d/%d images", i+1, len(images)))
	}

	if err := e.deps.Store.UpsertNotes(ctx.Ctx, projectID, notes); err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageOCR), "persist notes", err), true)
	}
	ctx.Progress(100, "ocr complete")

	meanConf := 0.0
	if len(images) > 0 {
		meanConf = sumConf / float64(len(images))
	}
	return ctx.Succeed(map[string]any{"noteCount": len(notes), "meanConfidence": meanConf})
}
