// Package workflowapi is the transport-neutral control surface (§6):
// StartWorkflow, GetWorkflow, CancelWorkflow, RestartFailedWorkflow,
// ListUserWorkflows, ListProjectWorkflows, Subscribe. Grounded on the
// teacher's internal/services.JobService — an interface plus a private
// struct implementation wired with a db handle and its collaborators,
// consumed 1:1 by gin handlers (internal/handlers.JobsHandler) without the
// handler ever touching a repo or the orchestrator directly.
package workflowapi

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/inkframe/workflow-engine/internal/collab"
	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/orchestrator"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
	"github.com/inkframe/workflow-engine/internal/progressbus"
	"github.com/inkframe/workflow-engine/internal/registry"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// Service is the control surface every transport (internal/httpapi, tests)
// drives. It never exposes the Orchestrator or Registry types directly, so
// a transport package can't reach past it into driver internals.
type Service interface {
	StartWorkflow(ctx context.Context, projectID, userID uuid.UUID, config domain.WorkflowConfig) (*domain.Workflow, error)
	GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error)
	CancelWorkflow(ctx context.Context, workflowID uuid.UUID) error
	RestartFailedWorkflow(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error)
	ListUserWorkflows(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Workflow, error)
	ListProjectWorkflows(ctx context.Context, projectID uuid.UUID, limit int) ([]domain.Workflow, error)
	Subscribe(workflowID, projectID, userID uuid.UUID) *progressbus.Subscription
}

type service struct {
	driver   *orchestrator.Driver
	registry *registry.Registry
	store    collab.ProjectStore
	bus      *progressbus.Bus
	log      *logger.Logger
}

func New(driver *orchestrator.Driver, reg *registry.Registry, store collab.ProjectStore, bus *progressbus.Bus, baseLog *logger.Logger) Service {
	return &service{
		driver:   driver,
		registry: reg,
		store:    store,
		bus:      bus,
		log:      baseLog.With("component", "WorkflowAPI"),
	}
}

// StartWorkflow enforces the two preconditions spec.md §8 calls out before
// a single job is enqueued: the project must have at least one image
// (no-input boundary behavior), and must not already have an active
// (pending/running) workflow (the §9 open-question decision to resolve
// the "one active workflow per project" invariant here rather than leave
// it to the caller). internal/executors' verify executor re-checks the
// image count independently as defense in depth against a project losing
// its images between this call and the upload stage actually running.
func (s *service) StartWorkflow(ctx context.Context, projectID, userID uuid.UUID, config domain.WorkflowConfig) (*domain.Workflow, error) {
	images, err := s.store.GetImages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, workflowerr.New(workflowerr.NoInput, string(domain.StageUpload), "project has no images")
	}

	active, err := s.registry.HasActive(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, workflowerr.New(workflowerr.Conflict, "", "project already has an active workflow")
	}

	if config.TargetClusters == nil {
		n := domain.DefaultTargetClusters(len(images))
		config.TargetClusters = &n
	}

	return s.driver.Start(ctx, projectID, userID, config)
}

func (s *service) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error) {
	return s.registry.Get(ctx, workflowID)
}

// CancelWorkflow only flips the cancel-requested flag; the driver goroutine
// observes it between polls and performs the actual unwind (§4.5).
func (s *service) CancelWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	return s.registry.Cancel(ctx, workflowID)
}

// RestartFailedWorkflow creates a brand-new workflow row referencing the
// failed one rather than mutating it in place (P3: terminal state is
// absorbing, so the old row can never transition again), grounded on the
// teacher's "new job row per retry" pattern.
func (s *service) RestartFailedWorkflow(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error) {
	old, err := s.registry.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.WorkflowFailed {
		return nil, workflowerr.New(workflowerr.Conflict, "", "only a failed workflow can be restarted")
	}

	var config domain.WorkflowConfig
	if err := json.Unmarshal(old.Config, &config); err != nil {
		return nil, workflowerr.Wrap(workflowerr.Internal, "", "decode prior workflow config", err)
	}

	fresh, err := s.StartWorkflow(ctx, old.ProjectID, old.UserID, config)
	if err != nil {
		return nil, err
	}
	if err := s.registry.SetRestartOf(ctx, fresh.ID, old.ID); err != nil {
		return nil, err
	}
	fresh.RestartOfWorkflowID = &old.ID
	return fresh, nil
}

func (s *service) ListUserWorkflows(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Workflow, error) {
	return s.registry.ListByUser(ctx, userID, limit)
}

func (s *service) ListProjectWorkflows(ctx context.Context, projectID uuid.UUID, limit int) ([]domain.Workflow, error) {
	return s.registry.ListByProject(ctx, projectID, limit)
}

// Subscribe hands back a live Progress Bus subscription across all three
// canonical topics a caller might care about for this workflow (§4.6);
// projectID/userID may be uuid.Nil to subscribe to only the workflow topic.
func (s *service) Subscribe(workflowID, projectID, userID uuid.UUID) *progressbus.Subscription {
	topics := []string{progressbus.WorkflowTopic(workflowID)}
	if projectID != uuid.Nil {
		topics = append(topics, progressbus.ProjectTopic(projectID))
	}
	if userID != uuid.Nil {
		topics = append(topics, progressbus.UserTopic(userID))
	}
	return s.bus.Subscribe(topics...)
}
