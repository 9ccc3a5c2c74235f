package executors

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/collab/collabtest"
	"github.com/inkframe/workflow-engine/internal/data/repos/testutil"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/queue"
)

// claimedContext enqueues and leases one job of the given type, returning a
// ready-to-run jobrt.Context the way workerpool.Pool.claimAndRun would build
// one.
func claimedContext(t *testing.T, q *queue.Queue, jobType domain.JobType, projectID uuid.UUID, payload map[string]any) *jobrt.Context {
	t.Helper()
	ctx := context.Background()
	job, err := q.Enqueue(ctx, uuid.New(), projectID, uuid.New(), jobType, payload, queue.EnqueueOpts{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := q.Lease(ctx, []domain.JobType{jobType}, "worker-test", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased == nil || leased.ID != job.ID {
		t.Fatalf("expected to lease the just-enqueued job")
	}
	return jobrt.NewContext(ctx, q, leased, nil, "worker-test")
}

func TestVerifyExecutorFailsWithoutImages(t *testing.T) {
	q := queue.New(testutil.DB(t), testutil.Logger(t))
	store := collabtest.NewStore()
	projectID := uuid.New()
	store.SeedImages(projectID, nil)

	jc := claimedContext(t, q, domain.JobTypeVerify, projectID, map[string]any{})
	exec := NewVerifyExecutor(VerifyDeps{Store: store})
	if err := exec.Run(jc); err == nil {
		t.Fatalf("expected verify to fail with no images")
	}

	row, err := q.Status(context.Background(), jc.Job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if row.State != domain.JobFailed {
		t.Fatalf("expected terminal failed state, got %s", row.State)
	}
}

func TestOcrExecutorUpsertsNotes(t *testing.T) {
	q := queue.New(testutil.DB(t), testutil.Logger(t))
	store := collabtest.NewStore()
	projectID := uuid.New()
	img := collab.ImageRef{ID: uuid.New(), ProjectID: projectID, StorageKey: "gs://bucket/a.png"}
	store.SeedImages(projectID, []collab.ImageRef{img})

	ocr := &collabtest.OCR{Results: map[uuid.UUID]collab.OcrResult{
		img.ID: {Blocks: []collab.OcrBlock{{ID: "b1", Text: "hello world", Confidence: 0.9}}, MeanConf: 0.9},
	}}

	jc := claimedContext(t, q, domain.JobTypeOCR, projectID, map[string]any{})
	exec := NewOcrExecutor(OcrDeps{Store: store, OCR: ocr})
	if err := exec.Run(jc); err != nil {
		t.Fatalf("run: %v", err)
	}

	notes, err := store.GetNotes(context.Background(), projectID)
	if err != nil {
		t.Fatalf("get notes: %v", err)
	}
	if len(notes) != 1 || notes[0].RawText != "hello world" {
		t.Fatalf("expected one upserted note, got %+v", notes)
	}

	row, err := q.Status(context.Background(), jc.Job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if row.State != domain.JobCompleted {
		t.Fatalf("expected completed state, got %s", row.State)
	}
}

func TestClusterExecutorReplacesClusters(t *testing.T) {
	q := queue.New(testutil.DB(t), testutil.Logger(t))
	store := collabtest.NewStore()
	projectID := uuid.New()

	note := collab.Note{ID: uuid.New(), CleanedText: "note one"}
	if err := store.UpsertNotes(context.Background(), projectID, []collab.Note{note}); err != nil {
		t.Fatalf("seed notes: %v", err)
	}
	if err := store.ReplaceClusters(context.Background(), projectID, []collab.Cluster{{ID: uuid.New(), Label: "stale"}}); err != nil {
		t.Fatalf("seed stale cluster: %v", err)
	}

	jc := claimedContext(t, q, domain.JobTypeCluster, projectID, map[string]any{})
	exec := NewClusterExecutor(ClusterDeps{Store: store, Clustering: collabtest.Clusterer{}})
	if err := exec.Run(jc); err != nil {
		t.Fatalf("run: %v", err)
	}

	clusters, err := store.GetClusters(context.Background(), projectID)
	if err != nil {
		t.Fatalf("get clusters: %v", err)
	}
	if len(clusters) != 1 || clusters[0].Label != "general" {
		t.Fatalf("expected prior cluster replaced with the fresh set, got %+v", clusters)
	}
}
