package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/deadletter"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/ctxutil"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

// ErrLeaseLost means a fenced write found the row no longer held by this claim: the heartbeat went
// stale and another worker reclaimed the job. The holder must stop without reporting.
var ErrLeaseLost = errors.New("job lease lost")

/*
Context is the execution handle for one claimed job.
It wraps:
	- the claimed row in memory (Job), including the claim epoch that fences every write
	- the decoded payload, which handlers mutate and persist with the transition methods
	- the ledger (Store) and the realtime side channel (Notify)
Handlers never write book_job directly. Every transition goes through Yield, Succeed, Fail or
DeadLetter, each a single conditional write guarded by Held(epoch).
*/
type Context struct {
	Ctx    context.Context
	Job    *types.Job
	Store  jobsrepo.JobStore
	Notify Notifier
	Log    *logger.Logger
	Worker string

	payload    *types.Payload
	payloadErr error
	reported   *bool
	tx         dbctx.Context
}

/*
NewContext builds the handle for a job claimed by the caller.
A payload that does not decode is kept as an error; handlers surface it through PayloadErr and fail
the job, so a malformed row is reported instead of crashing the worker.
*/
func NewContext(ctx context.Context, job *types.Job, store jobsrepo.JobStore, notify Notifier, log *logger.Logger) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if notify == nil {
		notify = NopNotifier{}
	}
	if log == nil {
		log = logger.Nop()
	}
	// the worker's scope already names the job
	if s, ok := ctxutil.From(ctx); !ok || s.JobID == "" {
		log = log.With("job_id", job.ID.String(), "job_type", string(job.Type))
	}
	p, err := job.Decode()
	reported := false
	return &Context{
		Ctx:        ctx,
		Job:        job,
		Store:      store,
		Notify:     notify,
		Log:        log,
		payload:    &p,
		payloadErr: err,
		reported:   &reported,
	}
}

// Payload returns the mutable decoded payload. Changes persist with the next transition.
func (c *Context) Payload() *types.Payload { return c.payload }

func (c *Context) PayloadErr() error { return c.payloadErr }

// Reported reports whether a transition has been written for this execution.
func (c *Context) Reported() bool { return *c.reported }

// Held is the expectation every write of this execution is fenced with.
func (c *Context) Held() jobsrepo.Expect { return jobsrepo.Held(c.Job.ClaimEpoch) }

// In returns a handle whose writes join the given transaction. It shares payload and job with c.
func (c *Context) In(tx dbctx.Context) *Context {
	cp := *c
	cp.tx = tx
	return &cp
}

func (c *Context) dbc() dbctx.Context {
	if c.tx.Tx != nil {
		return c.tx
	}
	return dbctx.With(c.Ctx)
}

/*
Spawn inserts a child job owned by this job's tenant and records its created event.
The child inherits tenant and parent, and its chapter key is derived by the store.
*/
func (c *Context) Spawn(child *types.Job) error {
	child.TenantID = c.Job.TenantID
	parent := c.Job.ID
	child.ParentJobID = &parent
	if child.Status == "" {
		child.Status = types.JobStatusQueued
	}
	if child.Stage == "" {
		child.Stage = "queued"
	}
	dbc := c.dbc()
	if err := c.Store.Insert(dbc, child); err != nil {
		return err
	}
	if err := c.Store.AppendEvent(dbc, types.NewJobEvent(child, types.JobEventCreated, "spawned by "+c.Job.ID.String())); err != nil {
		return err
	}
	c.Notify.JobCreated(child)
	return nil
}

/*
Progress renews the heartbeat and records a stage for a still-running job.
Progress does not persist the payload; use Checkpoint for that.
*/
func (c *Context) Progress(stage, msg string) error {
	now := time.Now().UTC()
	ok, err := c.Store.UpdateAtomic(c.dbc(), c.Job.ID, c.Held(), map[string]interface{}{
		"stage":        stage,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	c.Job.Stage = stage
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
	c.Notify.JobProgress(c.Job, stage, msg)
	return nil
}

// Checkpoint persists the payload without changing status.
func (c *Context) Checkpoint(stage string) error {
	raw, err := c.payload.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ok, err := c.Store.UpdateAtomic(c.dbc(), c.Job.ID, c.Held(), map[string]interface{}{
		"stage":        stage,
		"payload":      raw,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	c.Job.Stage = stage
	c.Job.Payload = raw
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
	return nil
}

/*
Yield persists the payload and hands the job back to the queue.
The job becomes claimable again once after has elapsed, which is how orchestrators poll their
children without holding a worker. A yielded event is written only when the stage changes.
*/
func (c *Context) Yield(stage string, after time.Duration) error {
	raw, err := c.payload.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	notBefore := now.Add(after)
	ok, err := c.Store.UpdateAtomic(c.dbc(), c.Job.ID, c.Held(), map[string]interface{}{
		"status":       types.JobStatusQueued,
		"stage":        stage,
		"payload":      raw,
		"not_before":   notBefore,
		"heartbeat_at": nil,
		"updated_at":   now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	prevStage := c.Job.Stage
	c.Job.Status = types.JobStatusQueued
	c.Job.Stage = stage
	c.Job.Payload = raw
	c.Job.NotBefore = &notBefore
	c.Job.HeartbeatAt = nil
	c.Job.UpdatedAt = now
	*c.reported = true

	if prevStage != stage {
		if err := c.Store.AppendEvent(c.dbc(), types.NewJobEvent(c.Job, types.JobEventYielded, "")); err != nil {
			return err
		}
		c.Notify.JobProgress(c.Job, stage, "")
	}
	return nil
}

// Succeed persists the payload and marks the job done.
func (c *Context) Succeed(stage string) error {
	raw, err := c.payload.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ok, err := c.Store.UpdateAtomic(c.dbc(), c.Job.ID, c.Held(), map[string]interface{}{
		"status":       types.JobStatusDone,
		"stage":        stage,
		"payload":      raw,
		"error":        "",
		"error_class":  "",
		"not_before":   nil,
		"heartbeat_at": now,
		"completed_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	c.Job.Status = types.JobStatusDone
	c.Job.Stage = stage
	c.Job.Payload = raw
	c.Job.Error, c.Job.ErrorClass = "", ""
	c.Job.NotBefore = nil
	c.Job.HeartbeatAt = &now
	c.Job.CompletedAt = &now
	c.Job.UpdatedAt = now
	*c.reported = true

	if err := c.Store.AppendEvent(c.dbc(), types.NewJobEvent(c.Job, types.JobEventDone, "")); err != nil {
		return err
	}
	c.Notify.JobDone(c.Job)
	return nil
}

/*
Fail records a failed attempt.
What it does:
	- classifies the error and stores text, class and signature
	- increments retry_count; once it reaches max_retries the job is dead-lettered instead
	- persists the payload so runtime diagnostics of the attempt survive
Permanent failures are stored as failed like any other; their class is what stops every retry path.
*/
func (c *Context) Fail(stage string, cause error) error {
	if cause == nil {
		cause = fmt.Errorf("failed without error")
	}
	class := escalation.ClassifyError(cause)
	msg := cause.Error()
	sig := escalation.Signature(msg)

	raw, err := c.payload.Encode()
	if err != nil {
		return err
	}
	c.Job.RetryCount++
	if deadletter.LeafExhausted(c.Job) {
		err := c.deadLetter(deadletter.ReasonRetriesExhausted, msg, raw, map[string]interface{}{
			"retry_count":     c.Job.RetryCount,
			"error_class":     string(class),
			"error_signature": sig,
		})
		if err != nil {
			c.Job.RetryCount--
			return err
		}
		c.Job.ErrorClass = string(class)
		c.Job.ErrorSignature = sig
		return nil
	}

	now := time.Now().UTC()
	ok, err := c.Store.UpdateAtomic(c.dbc(), c.Job.ID, c.Held(), map[string]interface{}{
		"status":          types.JobStatusFailed,
		"stage":           stage,
		"payload":         raw,
		"retry_count":     c.Job.RetryCount,
		"error":           msg,
		"error_class":     string(class),
		"error_signature": sig,
		"not_before":      nil,
		"completed_at":    now,
		"updated_at":      now,
	})
	if err != nil {
		return err
	}
	if !ok {
		c.Job.RetryCount--
		return ErrLeaseLost
	}
	c.Job.Status = types.JobStatusFailed
	c.Job.Stage = stage
	c.Job.Payload = raw
	c.Job.Error = msg
	c.Job.ErrorClass = string(class)
	c.Job.ErrorSignature = sig
	c.Job.NotBefore = nil
	c.Job.CompletedAt = &now
	c.Job.UpdatedAt = now
	*c.reported = true

	ev := types.NewJobEvent(c.Job, types.JobEventFailed, msg)
	ev.Data = []byte(fmt.Sprintf(`{"class":%q,"retryCount":%d}`, class, c.Job.RetryCount))
	if err := c.Store.AppendEvent(c.dbc(), ev); err != nil {
		return err
	}
	c.Log.Warn("job failed", "stage", stage, "class", class, "retry_count", c.Job.RetryCount, "error", msg)
	c.Notify.JobFailed(c.Job, stage, msg)
	return nil
}

// DeadLetter persists the payload and moves the job to dead_letter.
func (c *Context) DeadLetter(reason deadletter.Reason, detail string) error {
	raw, err := c.payload.Encode()
	if err != nil {
		return err
	}
	return c.deadLetter(reason, detail, raw, nil)
}

func (c *Context) deadLetter(reason deadletter.Reason, detail string, raw datatypes.JSON, extra map[string]interface{}) error {
	patch := map[string]interface{}{"payload": raw}
	for k, v := range extra {
		patch[k] = v
	}
	ok, err := deadletter.Move(c.dbc(), c.Store, c.Job, c.Held(), reason, detail, patch)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	c.Job.Payload = raw
	*c.reported = true
	c.Log.Error("job dead-lettered", "reason", reason, "detail", detail)
	c.Notify.JobDeadLettered(c.Job, string(reason))
	return nil
}
