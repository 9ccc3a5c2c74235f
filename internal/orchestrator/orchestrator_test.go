package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
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
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// runFakeWorkers starts a small pool of goroutines that lease and run every
// registered job type until stopCh closes, standing in for
// internal/workerpool so these tests exercise the real queue/registry state
// machine end to end without pulling in the pool package.
func runFakeWorkers(t *testing.T, q *queue.Queue, reg *jobrt.Registry, n int) (stop func()) {
	t.Helper()
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	types := reg.Types()
	for i := 0; i < n; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("fake-worker-%d", i)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopCh:
					return
				default:
				}
				job, err := q.Lease(context.Background(), types, workerID, time.Minute)
				if err != nil || job == nil {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				handler, ok := reg.Get(job.JobType)
				if !ok {
					continue
				}
				jc := jobrt.NewContext(context.Background(), q, job, nil, workerID)
				_ = handler.Run(jc)
			}
		}()
	}
	return func() {
		close(stopCh)
		wg.Wait()
	}
}

func awaitTerminal(t *testing.T, reg *registry.Registry, workflowID uuid.UUID, timeout time.Duration) *domain.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := reg.Get(context.Background(), workflowID)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if wf.Status.Terminal() {
			return wf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal status within %s", workflowID, timeout)
	return nil
}

func TestDriverRunsAllStagesToCompletion(t *testing.T) {
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
	wf, err := driver.Start(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := awaitTerminal(t, reg, wf.ID, 5*time.Second)
	if final.Status != domain.WorkflowCompleted {
		t.Fatalf("expected completed, got %s (stage=%s)", final.Status, final.CurrentStage)
	}
	if final.CurrentStage != domain.StageCompleted {
		t.Fatalf("expected final stage completed, got %s", final.CurrentStage)
	}
	if final.Progress != domain.StageWeight[domain.StageCompleted] {
		t.Fatalf("expected progress 100, got %d", final.Progress)
	}
}

func TestDriverFailsWorkflowWithNoImages(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	reg := registry.New(db, log)
	q := queue.New(db, log)
	store := collabtest.NewStore()

	projectID, userID := uuid.New(), uuid.New()
	store.SeedImages(projectID, nil)

	handlers := jobrt.NewRegistry()
	if err := executors.RegisterAll(handlers, executors.Deps{
		Store: store, OCR: &collabtest.OCR{}, Cleaner: collabtest.Cleaner{}, Clustering: collabtest.Clusterer{},
		Summarizer: collabtest.Summarizer{}, Renderer: collabtest.Renderer{},
	}); err != nil {
		t.Fatalf("register executors: %v", err)
	}

	stop := runFakeWorkers(t, q, handlers, 2)
	defer stop()

	driver := New(db, reg, q, store, nil, log)
	wf, err := driver.Start(context.Background(), projectID, userID, domain.WorkflowConfig{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := awaitTerminal(t, reg, wf.ID, 5*time.Second)
	if final.Status != domain.WorkflowFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ErrorKind != string(workflowerr.NoInput) {
		t.Fatalf("expected no-input error kind, got %s", final.ErrorKind)
	}
}

// flakyCleaner fails the first clean attempt with a schema-mismatch kind
// (non-retryable at the executor level, so the job reaches JobFailed
// immediately) and succeeds afterward, exercising the rollback-retry path
// of the failure router.
type flakyCleaner struct {
	calls int32
}

func (f *flakyCleaner) Clean(ctx context.Context, rawText string, options map[string]any) (string, map[string]int, error) {
	if atomic.AddInt32(&f.calls, 1) == 1 {
		return "", nil, fmt.Errorf("malformed note")
	}
	return rawText, map[string]int{}, nil
}

func TestDriverRollsBackOnceThenRetriesStage(t *testing.T) {
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
	cleaner := &flakyCleaner{}

	handlers := jobrt.NewRegistry()
	if err := executors.RegisterAll(handlers, executors.Deps{
		Store: store, OCR: ocr, Cleaner: cleaner, Clustering: collabtest.Clusterer{},
		Summarizer: collabtest.Summarizer{}, Renderer: collabtest.Renderer{},
	}); err != nil {
		t.Fatalf("register executors: %v", err)
	}

	stop := runFakeWorkers(t, q, handlers, 3)
	defer stop()

	driver := New(db, reg, q, store, nil, log)
	wf, err := driver.Start(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := awaitTerminal(t, reg, wf.ID, 5*time.Second)
	if final.Status != domain.WorkflowCompleted {
		t.Fatalf("expected completed after one rollback-retry, got %s (kind=%s msg=%s)", final.Status, final.ErrorKind, final.ErrorMessage)
	}
	if atomic.LoadInt32(&cleaner.calls) < 2 {
		t.Fatalf("expected clean to be re-run after rollback, saw %d calls", cleaner.calls)
	}
}
