package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/collab/collabtest"
	"github.com/inkframe/workflow-engine/internal/data/repos/testutil"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/executors"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/queue"
	"github.com/inkframe/workflow-engine/internal/registry"
)

// driveToTerminal stands in for the Temporal Workflow's sleep-then-Tick
// loop: call Tick, honor its WaitHint, repeat until Done.
func driveToTerminal(t *testing.T, d *Driver, workflowID uuid.UUID, timeout time.Duration) TickResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		out, err := d.Tick(context.Background(), workflowID)
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if out.Done {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow %s did not reach a terminal tick within %s (last stage=%s)", workflowID, timeout, out.Stage)
		}
		wait := out.WaitHint
		if wait <= 0 {
			wait = 5 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

func TestTickDrivesWorkflowToCompletionWithoutRunGoroutine(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	reg := registry.New(db, log)
	q := queue.New(db, log)
	store := collabtest.NewStore()

	projectID, userID := uuid.New(), uuid.New()
	img := collab.ImageRef{ID: uuid.New(), ProjectID: projectID, StorageKey: "gs://bucket/a.png"}
	store.SeedImages(projectID, []collab.ImageRef{img})

	ocr := &collabtest.OCR{Results: map[uuid.UUID]collab.OcrResult{
		img.ID: {Blocks: []collab.OcrBlock{{ID: "b1", Text: "hello world", Confidence: 0.9}}, MeanConf: 0.9},
	}}

	handlers := jobrt.NewRegistry()
	if err := executors.RegisterAll(handlers, executors.Deps{
		Store: store, OCR: ocr, Cleaner: collabtest.Cleaner{}, Clustering: collabtest.Clusterer{},
		Summarizer: collabtest.Summarizer{}, Renderer: collabtest.Renderer{},
	}); err != nil {
		t.Fatalf("register executors: %v", err)
	}

	stop := runFakeWorkers(t, q, handlers, 3)
	defer stop()

	driver := New(db, reg, q, store, nil, log)
	// Create the workflow row directly rather than via Start, since Start
	// also spawns the in-process run() goroutine and this test wants Tick
	// to be the only thing driving state forward.
	wf, err := reg.Create(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	final := driveToTerminal(t, driver, wf.ID, 5*time.Second)
	if final.Status != domain.WorkflowCompleted {
		t.Fatalf("expected completed, got %s (stage=%s)", final.Status, final.Stage)
	}

	row, err := reg.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if row.CurrentStage != domain.StageCompleted {
		t.Fatalf("expected final stage completed, got %s", row.CurrentStage)
	}
}

func TestTickIsIdempotentWhileAJobIsInFlight(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	reg := registry.New(db, log)
	q := queue.New(db, log)
	store := collabtest.NewStore()

	projectID, userID := uuid.New(), uuid.New()
	store.SeedImages(projectID, []collab.ImageRef{{ID: uuid.New(), ProjectID: projectID, StorageKey: "gs://bucket/a.png"}})

	handlers := jobrt.NewRegistry()
	if err := executors.RegisterAll(handlers, executors.Deps{
		Store: store, OCR: &collabtest.OCR{}, Cleaner: collabtest.Cleaner{}, Clustering: collabtest.Clusterer{},
		Summarizer: collabtest.Summarizer{}, Renderer: collabtest.Renderer{},
	}); err != nil {
		t.Fatalf("register executors: %v", err)
	}
	// No fake workers started: the first stage's job will sit in "waiting"
	// state, so repeated ticks must not enqueue a second job for it.

	driver := New(db, reg, q, store, nil, log)
	wf, err := reg.Create(context.Background(), projectID, userID, domain.WorkflowConfig{})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	first, err := driver.Tick(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if first.Done {
		t.Fatalf("expected the first tick to still be running, got done (status=%s)", first.Status)
	}

	second, err := driver.Tick(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if second.Stage != first.Stage {
		t.Fatalf("expected the second tick to observe the same in-flight stage, got %s vs %s", second.Stage, first.Stage)
	}

	latest, err := q.LatestForWorkflow(context.Background(), wf.ID, domain.JobTypeVerify)
	if err != nil {
		t.Fatalf("latest for workflow: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a job to have been enqueued for the verify stage")
	}

	var count int64
	if err := db.Model(&domain.JobRun{}).Where("workflow_id = ?", wf.ID).Count(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one job enqueued across two ticks, got %d", count)
	}
}
