package workflowapi

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
	"github.com/inkframe/workflow-engine/internal/orchestrator"
	"github.com/inkframe/workflow-engine/internal/progressbus"
	"github.com/inkframe/workflow-engine/internal/queue"
	"github.com/inkframe/workflow-engine/internal/registry"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// runFakeWorkers spawns a small pool draining q via jobrt, the same
// test-isolation shape internal/orchestrator's own tests use in place of
// wiring the full internal/workerpool for a unit test.
func runFakeWorkers(t *testing.T, q *queue.Queue, reg *jobrt.Registry, pub jobrt.Publisher, n int) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < n; i++ {
		workerID := uuid.New().String()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				job, err := q.Lease(ctx, reg.Types(), workerID, time.Minute)
				if err != nil || job == nil {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				h, ok := reg.Get(job.JobType)
				if !ok {
					_ = q.Fail(ctx, job.ID, workerID, workflowerr.New(workflowerr.Internal, "", "no handler"), false)
					continue
				}
				jc := jobrt.NewContext(ctx, q, job, pub, workerID)
				_ = h.Run(jc)
			}
		}()
	}
	return cancel
}

func awaitTerminal(t *testing.T, reg *registry.Registry, workflowID uuid.UUID, timeout time.Duration) *domain.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := reg.Get(context.Background(), workflowID)
		if err == nil && wf.Status.Terminal() {
			return wf
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal status within %s", workflowID, timeout)
	return nil
}

type harness struct {
	svc   Service
	reg   *registry.Registry
	store *collabtest.Store
	bus   *progressbus.Bus
	stop  func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	reg := registry.New(db, log)
	q := queue.New(db, log)
	store := collabtest.NewStore()
	bus := progressbus.New()
	pub := progressbus.NewWorkflowPublisher(bus, reg)

	driver := orchestrator.New(db, reg, q, store, pub, log)
	svc := New(driver, reg, store, bus, log)

	jobReg := jobrt.NewRegistry()
	deps := executors.Deps{
		Store:      store,
		OCR:        &collabtest.OCR{Results: map[uuid.UUID]collab.OcrResult{}},
		Cleaner:    collabtest.Cleaner{},
		Clustering: collabtest.Clusterer{},
		Summarizer: collabtest.Summarizer{},
		Renderer:   collabtest.Renderer{},
	}
	if err := executors.RegisterAll(jobReg, deps); err != nil {
		t.Fatalf("register executors: %v", err)
	}
	stop := runFakeWorkers(t, q, jobReg, pub, 3)

	return &harness{svc: svc, reg: reg, store: store, bus: bus, stop: stop}
}

func (h *harness) Close() { h.stop() }

func TestStartWorkflowFailsNoInputBeforeEnqueue(t *testing.T) {
	h := newHarness(t)
	defer h.Close()

	projectID, userID := uuid.New(), uuid.New()
	_, err := h.svc.StartWorkflow(context.Background(), projectID, userID, domain.WorkflowConfig{})
	if err == nil {
		t.Fatal("expected an error starting a workflow with no images")
	}
	if workflowerr.KindOf(err) != workflowerr.NoInput {
		t.Fatalf("expected NoInput, got %v", workflowerr.KindOf(err))
	}

	active, aerr := h.reg.HasActive(context.Background(), projectID)
	if aerr != nil {
		t.Fatalf("HasActive: %v", aerr)
	}
	if active {
		t.Fatal("no workflow row should have been created for a no-input rejection")
	}
}

func TestStartWorkflowRejectsSecondActiveWorkflow(t *testing.T) {
	h := newHarness(t)
	defer h.Close()

	projectID, userID := uuid.New(), uuid.New()
	h.store.SeedImages(projectID, []collab.ImageRef{{ID: uuid.New(), ProjectID: projectID, StorageKey: "one.png"}})

	first, err := h.svc.StartWorkflow(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if err != nil {
		t.Fatalf("first StartWorkflow: %v", err)
	}

	_, err = h.svc.StartWorkflow(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if workflowerr.KindOf(err) != workflowerr.Conflict {
		t.Fatalf("expected Conflict starting a second active workflow, got %v", err)
	}

	awaitTerminal(t, h.reg, first.ID, 5*time.Second)
}

func TestStartWorkflowRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	defer h.Close()

	projectID, userID := uuid.New(), uuid.New()
	imageID := uuid.New()
	h.store.SeedImages(projectID, []collab.ImageRef{{ID: imageID, ProjectID: projectID, StorageKey: "page1.png"}})

	wf, err := h.svc.StartWorkflow(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	final := awaitTerminal(t, h.reg, wf.ID, 5*time.Second)
	if final.Status != domain.WorkflowCompleted {
		t.Fatalf("expected completed, got %s (err=%s)", final.Status, final.ErrorMessage)
	}
	if final.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", final.Progress)
	}

	fetched, err := h.svc.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if fetched.Status != domain.WorkflowCompleted {
		t.Fatalf("GetWorkflow returned stale status %s", fetched.Status)
	}

	listed, err := h.svc.ListProjectWorkflows(context.Background(), projectID, 10)
	if err != nil {
		t.Fatalf("ListProjectWorkflows: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != wf.ID {
		t.Fatalf("expected the one workflow back, got %d entries", len(listed))
	}
}

func TestRestartFailedWorkflowCreatesNewRowAndPreservesOld(t *testing.T) {
	h := newHarness(t)
	defer h.Close()

	projectID, userID := uuid.New(), uuid.New()
	h.store.SeedImages(projectID, []collab.ImageRef{{ID: uuid.New(), ProjectID: projectID, StorageKey: "a.png"}})

	// Create and fail a workflow directly through the Registry rather than
	// racing the fake worker pool to a real failure, so this test exercises
	// RestartFailedWorkflow's own logic deterministically.
	wf, err := h.reg.Create(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.reg.Fail(context.Background(), wf.ID, string(workflowerr.Internal), "seeded failure"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	restarted, err := h.svc.RestartFailedWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("RestartFailedWorkflow: %v", err)
	}
	if restarted.ID == wf.ID {
		t.Fatal("expected a new workflow id")
	}
	if restarted.RestartOfWorkflowID == nil || *restarted.RestartOfWorkflowID != wf.ID {
		t.Fatalf("expected restartOfWorkflowId to reference %s, got %+v", wf.ID, restarted.RestartOfWorkflowID)
	}

	old, err := h.svc.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("reload old workflow: %v", err)
	}
	if old.Status != domain.WorkflowFailed {
		t.Fatalf("old workflow must remain failed (P3 absorbing), got %s", old.Status)
	}

	awaitTerminal(t, h.reg, restarted.ID, 5*time.Second)
}

func TestCancelWorkflowRequestsCancellation(t *testing.T) {
	h := newHarness(t)
	defer h.Close()

	projectID, userID := uuid.New(), uuid.New()
	h.store.SeedImages(projectID, []collab.ImageRef{{ID: uuid.New(), ProjectID: projectID, StorageKey: "a.png"}})

	wf, err := h.svc.StartWorkflow(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := h.svc.CancelWorkflow(context.Background(), wf.ID); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}

	final := awaitTerminal(t, h.reg, wf.ID, 5*time.Second)
	if final.Status != domain.WorkflowCancelled && final.Status != domain.WorkflowCompleted {
		t.Fatalf("expected cancelled (or completed if the race favored completion first), got %s", final.Status)
	}
}

func TestSubscribeDeliversWorkflowEvents(t *testing.T) {
	h := newHarness(t)
	defer h.Close()

	projectID, userID := uuid.New(), uuid.New()
	h.store.SeedImages(projectID, []collab.ImageRef{{ID: uuid.New(), ProjectID: projectID, StorageKey: "a.png"}})

	wf, err := h.svc.StartWorkflow(context.Background(), projectID, userID, domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	sub := h.svc.Subscribe(wf.ID, projectID, userID)
	defer sub.Close()

	select {
	case evt := <-sub.Events():
		if evt.Topic != progressbus.WorkflowTopic(wf.ID) && evt.Topic != progressbus.ProjectTopic(projectID) && evt.Topic != progressbus.UserTopic(userID) {
			t.Fatalf("unexpected topic %q", evt.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received an event for its own workflow")
	}

	awaitTerminal(t, h.reg, wf.ID, 5*time.Second)
}
