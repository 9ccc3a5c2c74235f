package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkframe/workflow-engine/internal/data/repos/testutil"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

func TestCreateRejectsSecondActiveWorkflowForSameProject(t *testing.T) {
	db := testutil.DB(t)
	reg := New(db, testutil.Logger(t))
	ctx := context.Background()
	projectID, userID := uuid.New(), uuid.New()
	cfg := domain.WorkflowConfig{ClusteringMethod: domain.ClusteringEmbeddings}

	if _, err := reg.Create(ctx, projectID, userID, cfg); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := reg.Create(ctx, projectID, userID, cfg); err == nil {
		t.Fatalf("expected second create for the same project to be rejected")
	} else if workflowerr.KindOf(err) != workflowerr.Conflict {
		t.Fatalf("expected Conflict, got %v", workflowerr.KindOf(err))
	}
}

func TestHasActiveReflectsStatus(t *testing.T) {
	db := testutil.DB(t)
	reg := New(db, testutil.Logger(t))
	ctx := context.Background()
	projectID, userID := uuid.New(), uuid.New()

	active, err := reg.HasActive(ctx, projectID)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if active {
		t.Fatalf("expected no active workflow before create")
	}

	wf, err := reg.Create(ctx, projectID, userID, domain.WorkflowConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	active, err = reg.HasActive(ctx, projectID)
	if err != nil {
		t.Fatalf("has active after create: %v", err)
	}
	if !active {
		t.Fatalf("expected active workflow after create")
	}

	if err := reg.Complete(ctx, wf.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	active, err = reg.HasActive(ctx, projectID)
	if err != nil {
		t.Fatalf("has active after complete: %v", err)
	}
	if active {
		t.Fatalf("expected no active workflow once completed")
	}
}

func TestTransitionStageRejectsStaleExpectedStatus(t *testing.T) {
	db := testutil.DB(t)
	reg := New(db, testutil.Logger(t))
	ctx := context.Background()
	wf, err := reg.Create(ctx, uuid.New(), uuid.New(), domain.WorkflowConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := reg.TransitionStage(ctx, wf.ID, domain.WorkflowRunning, domain.StageOCR, domain.StageWeight[domain.StageOCR]); err == nil {
		t.Fatalf("expected CAS to reject transition from the wrong expected status")
	}
	if err := reg.TransitionStage(ctx, wf.ID, domain.WorkflowPending, domain.StageOCR, domain.StageWeight[domain.StageOCR]); err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, err := reg.Get(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentStage != domain.StageOCR || got.Progress != domain.StageWeight[domain.StageOCR] {
		t.Fatalf("expected stage/progress updated, got %+v", got)
	}
}

func TestCancelIsNoOpOnceTerminal(t *testing.T) {
	db := testutil.DB(t)
	reg := New(db, testutil.Logger(t))
	ctx := context.Background()
	wf, err := reg.Create(ctx, uuid.New(), uuid.New(), domain.WorkflowConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Fail(ctx, wf.ID, "internal", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := reg.Cancel(ctx, wf.ID); err != nil {
		t.Fatalf("cancel after terminal should be a quiet no-op: %v", err)
	}

	got, err := reg.Get(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.WorkflowFailed {
		t.Fatalf("expected status to remain failed, got %s", got.Status)
	}
	if got.CancelRequested {
		t.Fatalf("expected cancel_requested to stay false once terminal")
	}
}

func TestReapDeletesOnlyOldTerminalWorkflows(t *testing.T) {
	db := testutil.DB(t)
	reg := New(db, testutil.Logger(t))
	ctx := context.Background()

	fresh, err := reg.Create(ctx, uuid.New(), uuid.New(), domain.WorkflowConfig{})
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if err := reg.Complete(ctx, fresh.ID); err != nil {
		t.Fatalf("complete fresh: %v", err)
	}

	old, err := reg.Create(ctx, uuid.New(), uuid.New(), domain.WorkflowConfig{})
	if err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := reg.Complete(ctx, old.ID); err != nil {
		t.Fatalf("complete old: %v", err)
	}
	past := time.Now().UTC().Add(-48 * time.Hour)
	if err := db.Model(&domain.Workflow{}).Where("id = ?", old.ID).Update("completed_at", past).Error; err != nil {
		t.Fatalf("backdate old: %v", err)
	}

	n, err := reg.Reap(ctx, DefaultRetention)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one reaped row, got %d", n)
	}
	if _, err := reg.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("expected fresh workflow to survive reap: %v", err)
	}
	if _, err := reg.Get(ctx, old.ID); err == nil {
		t.Fatalf("expected old workflow to be reaped")
	}
}

func TestListByProjectAndUser(t *testing.T) {
	db := testutil.DB(t)
	reg := New(db, testutil.Logger(t))
	ctx := context.Background()
	userID := uuid.New()
	p1, p2 := uuid.New(), uuid.New()

	wf1, err := reg.Create(ctx, p1, userID, domain.WorkflowConfig{})
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if err := reg.Complete(ctx, wf1.ID); err != nil {
		t.Fatalf("complete 1: %v", err)
	}
	if _, err := reg.Create(ctx, p2, userID, domain.WorkflowConfig{}); err != nil {
		t.Fatalf("create 2: %v", err)
	}

	byProject, err := reg.ListByProject(ctx, p1, 0)
	if err != nil {
		t.Fatalf("list by project: %v", err)
	}
	if len(byProject) != 1 || byProject[0].ID != wf1.ID {
		t.Fatalf("expected one workflow scoped to project 1, got %+v", byProject)
	}

	byUser, err := reg.ListByUser(ctx, userID, 0)
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("expected both workflows scoped to the owning user, got %d", len(byUser))
	}
}
