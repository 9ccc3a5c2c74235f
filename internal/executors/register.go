package executors

import (
	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/jobrt"
)

// Deps bundles every collaborator the six stage executors need, so callers
// wire one struct instead of six constructor calls by hand.
type Deps struct {
	Store      collab.ProjectStore
	OCR        collab.OcrProvider
	Cleaner    collab.Cleaner
	Clustering collab.ClusteringProvider
	Summarizer collab.Summarizer
	Renderer   collab.ExportRenderer
}

// RegisterAll registers one handler per job type into r.
func RegisterAll(r *jobrt.Registry, deps Deps) error {
	handlers := []jobrt.Handler{
		NewVerifyExecutor(VerifyDeps{Store: deps.Store}),
		NewOcrExecutor(OcrDeps{Store: deps.Store, OCR: deps.OCR}),
		NewCleanExecutor(CleanDeps{Store: deps.Store, Cleaner: deps.Cleaner}),
		NewClusterExecutor(ClusterDeps{Store: deps.Store, Clustering: deps.Clustering}),
		NewSummaryExecutor(SummaryDeps{Store: deps.Store, Summarizer: deps.Summarizer}),
		NewExportExecutor(ExportDeps{Store: deps.Store, Renderer: deps.Renderer}),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
