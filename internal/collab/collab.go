// Package collab declares the collaborator contracts Stage Executors
// consume. The core treats every implementation as opaque (§6); concrete
// adapters (Google Cloud Vision/DocumentAI/Storage, image-export rendering)
// live in sibling packages, and a fixture-backed double lives in
// internal/collab/collabtest for orchestrator/executor tests.
package collab

import (
	"context"

	"github.com/google/uuid"
)

// ImageRef points at one uploaded note-page image owned by a project.
type ImageRef struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	StorageKey string
}

// Note is one OCR'd (and possibly cleaned) snippet extracted from an image.
type Note struct {
	ID          uuid.UUID
	ImageID     uuid.UUID
	RawText     string
	CleanedText string
	Confidence  float64
}

// Cluster groups notes into a theme.
type Cluster struct {
	ID         uuid.UUID
	Label      string
	MemberIDs  []uuid.UUID
	Confidence float64
	Centroid   []float64 // optional; nil when the provider doesn't compute one
}

// ProjectStore is the only mutable shared resource between executors (§5).
// Inverse (rollback) operations act only on entities it reports as owned by
// a given project.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID uuid.UUID) (map[string]any, error)
	UpdateProjectStatus(ctx context.Context, projectID uuid.UUID, status string) error

	GetImages(ctx context.Context, projectID uuid.UUID) ([]ImageRef, error)
	GetNotes(ctx context.Context, projectID uuid.UUID) ([]Note, error)
	GetClusters(ctx context.Context, projectID uuid.UUID) ([]Cluster, error)

	// UpsertNotes overwrites notes keyed by ID (idempotence rule, P6).
	UpsertNotes(ctx context.Context, projectID uuid.UUID, notes []Note) error
	// ReplaceClusters clears prior clusters for the project, then writes the
	// new set (§4.3 cluster stage contract: "clears prior clusters first").
	ReplaceClusters(ctx context.Context, projectID uuid.UUID, clusters []Cluster) error
	// PutSummary overwrites the project's summary document.
	PutSummary(ctx context.Context, projectID uuid.UUID, summary map[string]any) error
	// PutExportArtifact records one export artifact keyed by (projectId, format).
	PutExportArtifact(ctx context.Context, projectID uuid.UUID, format string, artifact map[string]any) error

	// Snapshot captures the subset of project-owned rows a stage is about to
	// touch, for checkpointing (§4.5 step 1; §9 open-question decision).
	Snapshot(ctx context.Context, projectID uuid.UUID, entityIDs []uuid.UUID) (map[string]any, error)
	// ApplyRollback replays one inverse action captured in a checkpoint.
	ApplyRollback(ctx context.Context, projectID uuid.UUID, action map[string]any) error
	// Restore applies a previously captured Snapshot verbatim.
	Restore(ctx context.Context, projectID uuid.UUID, snapshot map[string]any) error
}

// OcrBlock is one recognized text region.
type OcrBlock struct {
	ID         string
	Text       string
	Confidence float64
	BBox       [4]float64
	Type       string
}

// OcrResult is one image's OCR output.
type OcrResult struct {
	Blocks   []OcrBlock
	MeanConf float64
}

// OcrProvider recognizes text in a note-page image. May be synchronous or
// return a handle the executor polls; this contract is synchronous and
// adapters that wrap an async backend hide the polling loop internally.
type OcrProvider interface {
	Process(ctx context.Context, image ImageRef, options map[string]any) (OcrResult, error)
}

// Cleaner is deterministic and performs no network I/O (§6).
type Cleaner interface {
	Clean(ctx context.Context, rawText string, options map[string]any) (cleanedText string, corrections map[string]int, err error)
}

// ClusteringProvider groups cleaned notes into themed clusters.
type ClusteringProvider interface {
	Cluster(ctx context.Context, notes []Note, method string, targetClusters int) ([]Cluster, error)
}

// SummaryResult is the summary stage's output shape.
type SummaryResult struct {
	TopThemes          []string
	Distribution       map[string]float64
	RepresentativeQuotes map[string]string
	Insights           []string
}

// Summarizer derives themes/quotes/insights from clusters and notes.
type Summarizer interface {
	Summarize(ctx context.Context, clusters []Cluster, notes []Note, options map[string]any) (SummaryResult, error)
}

// ExportArtifact describes one rendered export output.
type ExportArtifact struct {
	ID     string
	Format string
	URI    string
}

// ExportRenderer renders a summary + images into downloadable artifacts.
type ExportRenderer interface {
	Render(ctx context.Context, summary SummaryResult, images []ImageRef, formats []string) ([]ExportArtifact, error)
}

// BlobStore is an opaque key-value byte store; the core never inspects
// values, only keys.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}

// Cache is an opaque key-value store with expiry, used for hot read paths
// (e.g. queue pause flags, idempotency fences) that don't need durability.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Del(ctx context.Context, key string) error
}
