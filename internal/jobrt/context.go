package jobrt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/queue"
)

// Publisher is the narrow slice of the Progress Bus (C6) an executor needs:
// emitting a typed event onto a workflow's topic. Kept as a local interface
// so this package never imports internal/progressbus directly.
type Publisher interface {
	Publish(workflowID uuid.UUID, event string, data map[string]any)
}

// Context is the capability-scoped execution handle for a single claimed
// job. Executors never touch the Queue or job_run row directly — they only
// go through Progress/CancelRequested/Fail/Succeed.
type Context struct {
	Ctx       context.Context
	Queue     *queue.Queue
	Job       *domain.JobRun
	Publisher Publisher
	WorkerID  string

	payload map[string]any
}

func NewContext(ctx context.Context, q *queue.Queue, job *domain.JobRun, pub Publisher, workerID string) *Context {
	c := &Context{Ctx: ctx, Queue: q, Job: job, Publisher: pub, WorkerID: workerID}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload returns the decoded payload map; never nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field and parses it as a UUID.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Progress heartbeats the lease and reports percent-complete; publishes a
// progress event so the orchestrator's observer can fold it into the
// workflow-level rollup (§4.5).
func (c *Context) Progress(pct int, msg string) {
	if c == nil || c.Job == nil {
		return
	}
	_ = c.Queue.Heartbeat(c.Ctx, c.Job.ID, c.WorkerID, &pct, 0)
	if c.Publisher != nil {
		c.Publisher.Publish(c.Job.WorkflowID, "progress", map[string]any{
			"jobId":    c.Job.ID,
			"jobType":  c.Job.JobType,
			"progress": pct,
			"message":  msg,
		})
	}
}

// CancelRequested reports whether the Queue has flagged this job for
// cooperative cancellation. It re-reads the job row on each call; Heartbeat
// does not report the flag, so an executor sees a cancel only by calling this.
func (c *Context) CancelRequested() bool {
	if c == nil || c.Job == nil || c.Queue == nil {
		return false
	}
	row, err := c.Queue.Status(c.Ctx, c.Job.ID)
	if err != nil {
		return false
	}
	return row.CancelRequested
}

// Fail reports a terminal-or-retryable failure for this job (§4.1 fail()).
func (c *Context) Fail(err error, retryable bool) error {
	if c == nil || c.Job == nil {
		return nil
	}
	ferr := c.Queue.Fail(c.Ctx, c.Job.ID, c.WorkerID, err, retryable)
	if c.Publisher != nil {
		c.Publisher.Publish(c.Job.WorkflowID, "error", map[string]any{
			"jobId":   c.Job.ID,
			"jobType": c.Job.JobType,
			"message": err.Error(),
		})
	}
	return ferr
}

// Succeed reports job completion with a result payload (§4.1 complete()).
func (c *Context) Succeed(result any) error {
	if c == nil || c.Job == nil {
		return nil
	}
	err := c.Queue.Complete(c.Ctx, c.Job.ID, c.WorkerID, result)
	if c.Publisher != nil {
		c.Publisher.Publish(c.Job.WorkflowID, "stage-completed", map[string]any{
			"jobId":   c.Job.ID,
			"jobType": c.Job.JobType,
		})
	}
	return err
}
