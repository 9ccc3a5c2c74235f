package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/inkframe/workflow-engine/internal/collab"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// checkpointer persists rollback anchors and replays them (§4.5 step 1, §9
// open-question decision: the project snapshot stored is the pre-stage
// entity rows the collaborator reports as in scope, not a whole-project
// dump — ProjectStore.Snapshot decides what that means per call).
type checkpointer struct {
	db    *gorm.DB
	store collab.ProjectStore
}

// capture snapshots the project immediately before stg runs and persists a
// Checkpoint carrying a single restore-style rollback action. One action is
// sufficient here because ProjectStore.Snapshot/Restore round-trip the same
// opaque blob; a collaborator with finer per-entity rollback operations
// could record more granular actions, but the contract doesn't require it.
func (c *checkpointer) capture(ctx context.Context, wf *domain.Workflow, stg domain.Stage) (*domain.Checkpoint, error) {
	snapshot, err := c.store.Snapshot(ctx, wf.ProjectID, nil)
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, string(stg), "snapshot project for checkpoint", err)
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.Internal, string(stg), "marshal checkpoint snapshot", err)
	}
	action := domain.RollbackAction{
		Stage:      stg,
		Op:         domain.RollbackOpRestore,
		EntityType: domain.RollbackEntityProject,
		EntityID:   wf.ProjectID.String(),
		PriorState: datatypes.JSON(snapshotJSON),
	}
	actionsJSON, err := json.Marshal([]domain.RollbackAction{action})
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.Internal, string(stg), "marshal rollback actions", err)
	}
	cp := &domain.Checkpoint{
		ID:              uuid.New(),
		WorkflowID:      wf.ID,
		ProjectID:       wf.ProjectID,
		Stage:           stg,
		ProjectSnapshot: datatypes.JSON(snapshotJSON),
		RollbackActions: datatypes.JSON(actionsJSON),
	}
	if err := c.db.WithContext(ctx).Create(cp).Error; err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, string(stg), "persist checkpoint", err)
	}
	return cp, nil
}

// rollbackTo implements the rollback procedure (§4.5): locate the checkpoint
// at target, replay the rollback actions of every checkpoint strictly more
// recent than it (reverse temporal order), then restore target's own
// project snapshot. Returns the target checkpoint on success so the caller
// can reset currentStage/progress to its baseline.
func (c *checkpointer) rollbackTo(ctx context.Context, workflowID, projectID uuid.UUID, target domain.Stage) (*domain.Checkpoint, error) {
	var targetCP domain.Checkpoint
	if err := c.db.WithContext(ctx).
		Where("workflow_id = ? AND stage = ?", workflowID, target).
		Order("created_at DESC").First(&targetCP).Error; err != nil {
		return nil, workflowerr.Wrap(workflowerr.Internal, string(target), "locate target checkpoint", err)
	}

	var newer []domain.Checkpoint
	if err := c.db.WithContext(ctx).
		Where("workflow_id = ? AND created_at > ?", workflowID, targetCP.CreatedAt).
		Order("created_at DESC").Find(&newer).Error; err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, string(target), "load newer checkpoints", err)
	}

	for _, cp := range newer {
		var actions []domain.RollbackAction
		if err := json.Unmarshal(cp.RollbackActions, &actions); err != nil {
			return nil, workflowerr.Wrap(workflowerr.Internal, string(cp.Stage), "decode rollback actions", err)
		}
		for i := len(actions) - 1; i >= 0; i-- {
			action := actions[i]
			actionMap := map[string]any{
				"op":         string(action.Op),
				"entityType": string(action.EntityType),
				"entityId":   action.EntityID,
			}
			if len(action.PriorState) > 0 {
				var prior any
				if err := json.Unmarshal(action.PriorState, &prior); err == nil {
					actionMap["priorState"] = prior
				}
			}
			if err := c.store.ApplyRollback(ctx, projectID, actionMap); err != nil {
				return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, string(cp.Stage), fmt.Sprintf("apply rollback action %d for checkpoint %s", i, cp.ID), err)
			}
		}
	}

	var targetSnapshot any
	if err := json.Unmarshal(targetCP.ProjectSnapshot, &targetSnapshot); err != nil {
		return nil, workflowerr.Wrap(workflowerr.Internal, string(target), "decode target snapshot", err)
	}
	snapshotMap, _ := targetSnapshot.(map[string]any)
	if err := c.store.Restore(ctx, projectID, snapshotMap); err != nil {
		return nil, workflowerr.Wrap(workflowerr.BackendUnavailable, string(target), "restore target snapshot", err)
	}
	return &targetCP, nil
}

// attemptsAt counts how many times stg has already been captured for this
// workflow, i.e. how many times it has been entered (first attempt plus one
// per rollback-retry back into it). The Temporal-backed driver (Tick) has no
// in-memory rollbacks map to carry between activity invocations the way
// run()'s goroutine does, so it derives the same "priorRollbacksForStage"
// Route() needs from this count instead.
func (c *checkpointer) attemptsAt(ctx context.Context, workflowID uuid.UUID, stg domain.Stage) (int, error) {
	var n int64
	if err := c.db.WithContext(ctx).Model(&domain.Checkpoint{}).
		Where("workflow_id = ? AND stage = ?", workflowID, stg).
		Count(&n).Error; err != nil {
		return 0, workflowerr.Wrap(workflowerr.BackendUnavailable, string(stg), "count checkpoint attempts", err)
	}
	return int(n), nil
}
