package executors

import (
	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// ClusterDeps are the collaborators the cluster stage needs.
type ClusterDeps struct {
	Store      collab.ProjectStore
	Clustering collab.ClusteringProvider
}

// ClusterExecutor groups cleaned notes into themed clusters (§4.3 stage 4).
// It clears prior clusters before writing the new set (the cluster stage
// contract's "clears prior clusters first" rule), so a retried or restarted
// cluster job never leaves stale clusters alongside fresh ones.
type ClusterExecutor struct {
	deps ClusterDeps
}

func NewClusterExecutor(deps ClusterDeps) *ClusterExecutor {
	return &ClusterExecutor{deps: deps}
}

func (e *ClusterExecutor) Type() domain.JobType { return domain.JobTypeCluster }

func (e *ClusterExecutor) Run(ctx *jobrt.Context) error {
	projectID := ctx.Job.ProjectID

	notes, err := e.deps.Store.GetNotes(ctx.Ctx, projectID)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageCluster), "list notes", err), true)
	}
	if len(notes) == 0 {
		return ctx.Fail(workflowerr.New(workflowerr.NoInput, string(domain.StageCluster), "project has no cleaned notes"), false)
	}
	ctx.Progress(10, "loaded notes")

	method, _ := ctx.Payload()["clusteringMethod"].(string)
	if method == "" {
		method = string(domain.ClusteringEmbeddings)
	}
	targetClusters := domain.DefaultTargetClusters(len(notes))
	if v, ok := ctx.Payload()["targetClusters"]; ok {
		if f, ok := v.(float64); ok && int(f) > 0 {
			targetClusters = int(f)
		}
	}

	clusters, err := e.deps.Clustering.Cluster(ctx.Ctx, notes, method, targetClusters)
	if err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.UpstreamUnavailable, string(domain.StageCluster), "cluster notes", err), true)
	}
	ctx.Progress(80, "clustered notes")

	if err := e.deps.Store.ReplaceClusters(ctx.Ctx, projectID, clusters); err != nil {
		return ctx.Fail(workflowerr.Wrap(workflowerr.BackendUnavailable, string(domain.StageCluster), "persist clusters", err), true)
	}
	ctx.Progress(100, "cluster complete")

	return ctx.Succeed(map[string]any{"clusterCount": len(clusters)})
}
