// Package workerpool is the worker tier (C2): N bounded-concurrency pools
// keyed by job type, each running a lease -> dispatch -> settle loop.
package workerpool

import (
	"context"
	"time"

	"github.com/google/uuid"

	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/jobrt"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
	"github.com/inkframe/workflow-engine/internal/queue"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

// TypeConfig is a per-job-type tuning knob (§4.2's worked example:
// ocr:4, clean:8, cluster:2, summary:2, export:2).
type TypeConfig struct {
	Concurrency int
	Timeout     time.Duration
}

// DefaultTypeConfig matches spec.md §4.2's worked concurrency example and
// §5's per-stage timeout table.
func DefaultTypeConfig() map[domain.JobType]TypeConfig {
	return map[domain.JobType]TypeConfig{
		domain.JobTypeVerify:  {Concurrency: 4, Timeout: 1 * time.Minute},
		domain.JobTypeOCR:     {Concurrency: 4, Timeout: 5 * time.Minute},
		domain.JobTypeClean:   {Concurrency: 8, Timeout: 2 * time.Minute},
		domain.JobTypeCluster: {Concurrency: 2, Timeout: 5 * time.Minute},
		domain.JobTypeSummary: {Concurrency: 2, Timeout: 3 * time.Minute},
		domain.JobTypeExport:  {Concurrency: 2, Timeout: 5 * time.Minute},
	}
}

// Pool runs one typed worker pool over the shared Queue/Registry.
type Pool struct {
	q        *queue.Queue
	registry *jobrt.Registry
	pub      jobrt.Publisher
	log      *logger.Logger
	workerID string

	configs map[domain.JobType]TypeConfig
	pollInterval time.Duration
}

// New builds a worker pool, grounded on the teacher's single-ticker
// Worker.Start loop, generalized to one goroutine set per job type so a
// slow/saturated type (e.g. cluster: 2 workers) never starves a fast one
// (e.g. clean: 8 workers).
func New(q *queue.Queue, registry *jobrt.Registry, pub jobrt.Publisher, baseLog *logger.Logger, configs map[domain.JobType]TypeConfig) *Pool {
	if configs == nil {
		configs = DefaultTypeConfig()
	}
	return &Pool{
		q:            q,
		registry:     registry,
		pub:          pub,
		log:          baseLog.With("component", "WorkerPool"),
		workerID:     uuid.New().String(),
		configs:      configs,
		pollInterval: 1 * time.Second,
	}
}

// Start launches one semaphore-bounded goroutine set per registered job
// type and returns immediately; goroutines stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for _, jobType := range p.registry.Types() {
		cfg, ok := p.configs[jobType]
		if !ok {
			cfg = TypeConfig{Concurrency: 1, Timeout: 5 * time.Minute}
		}
		sem := make(chan struct{}, cfg.Concurrency)
		for i := 0; i < cfg.Concurrency; i++ {
			go p.runLoop(ctx, jobType, cfg, sem)
		}
	}
}

func (p *Pool) runLoop(ctx context.Context, jobType domain.JobType, cfg TypeConfig, sem chan struct{}) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.q.IsPaused(jobType) {
				continue
			}
			select {
			case sem <- struct{}{}:
			default:
				continue
			}
			p.claimAndRun(ctx, jobType, cfg)
			<-sem
		}
	}
}

func (p *Pool) claimAndRun(ctx context.Context, jobType domain.JobType, cfg TypeConfig) {
	leaseTTL := cfg.Timeout + cfg.Timeout/5 // lease TTL >= timeout * 1.2 (§5)
	job, err := p.q.Lease(ctx, []domain.JobType{jobType}, p.workerID, leaseTTL)
	if err != nil {
		p.log.Warn("lease failed", "job_type", jobType, "error", err)
		return
	}
	if job == nil {
		return
	}

	handler, ok := p.registry.Get(jobType)
	if !ok {
		p.log.Error("no handler registered", "job_type", jobType, "job_id", job.ID)
		_ = p.q.Fail(ctx, job.ID, p.workerID, workflowerr.New(workflowerr.Internal, string(jobType), "no handler registered"), false)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	jc := jobrt.NewContext(runCtx, p.q, job, p.pub, p.workerID)

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("handler panic", "job_id", job.ID, "job_type", jobType, "panic", r)
				_ = p.q.Fail(ctx, job.ID, p.workerID, workflowerr.New(workflowerr.Internal, string(jobType), "handler panic"), true)
			}
		}()

		if err := handler.Run(jc); err != nil {
			if runCtx.Err() != nil {
				_ = p.q.Fail(ctx, job.ID, p.workerID, workflowerr.New(workflowerr.Timeout, string(jobType), "job exceeded per-type timeout"), true)
				return
			}
			kind := workflowerr.KindOf(err)
			_ = p.q.Fail(ctx, job.ID, p.workerID, err, kind.Retryable())
		}
	}()
}
