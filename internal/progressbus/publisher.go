package progressbus

import (
	"context"

	"github.com/google/uuid"

	domain "github.com/inkframe/workflow-engine/internal/domain"
)

// WorkflowLookup is the narrow slice of internal/registry a WorkflowPublisher
// needs: resolving a workflow's owning project/user so a single workflow
// event can fan out across all three canonical topics (§4.6). Kept as a
// local interface so this package never imports internal/registry.
type WorkflowLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
}

// WorkflowPublisher adapts a Bus into the jobrt.Publisher/orchestrator.Driver
// contract (Publish(workflowID, event, data)), fanning each call out onto
// workflow.<id>, project.<projectId>, and user.<userId> (§4.6's three
// canonical topics share a single event).
type WorkflowPublisher struct {
	bus    *Bus
	lookup WorkflowLookup
}

func NewWorkflowPublisher(bus *Bus, lookup WorkflowLookup) *WorkflowPublisher {
	return &WorkflowPublisher{bus: bus, lookup: lookup}
}

func (p *WorkflowPublisher) Publish(workflowID uuid.UUID, event string, data map[string]any) {
	topic := WorkflowTopic(workflowID)
	p.bus.Publish(topic, event, data)

	wf, err := p.lookup.Get(context.Background(), workflowID)
	if err != nil {
		return
	}
	p.bus.Publish(ProjectTopic(wf.ProjectID), event, data)
	p.bus.Publish(UserTopic(wf.UserID), event, data)
}
