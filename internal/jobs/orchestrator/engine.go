package orchestrator

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/deadletter"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
	jobrt "github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
)

// ErrInvariant marks a chapter whose persisted state contradicts its section jobs. The cursor is never
// rewound automatically; an operator reset or the auto-fix loop decides what happens next.
var ErrInvariant = errors.New("orchestrator invariant violated")

const (
	DefaultPollInterval = 5 * time.Second
	DefaultHardCap      = 600

	// maxStepsPerTick bounds the in-memory steps (initialize, advance) taken before a tick writes.
	maxStepsPerTick = 4
)

type Config struct {
	// PollInterval is how long a waiting orchestrator stays off the queue between polls.
	PollInterval time.Duration
	// HardCap bounds section dispatches per chapter; 0 disables it.
	HardCap int
	Policy  *escalation.Policy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HardCap < 0 {
		c.HardCap = 0
	}
	if c.Policy == nil {
		c.Policy = escalation.Default()
	}
	return c
}

// fillIdentity copies identity columns into a payload written by an older enqueue that omitted them.
func fillIdentity(job *types.Job, p *types.Payload) {
	if strings.TrimSpace(p.BookID) == "" {
		p.BookID = job.BookID
	}
	if strings.TrimSpace(p.BookVersionID) == "" {
		p.BookVersionID = job.BookVersionID
	}
	if p.ChapterIndex == nil && job.ChapterIndex != nil {
		p.ChapterIndex = types.IntPtr(*job.ChapterIndex)
	}
	if p.SectionIndex == nil && job.SectionIndex != nil {
		p.SectionIndex = types.IntPtr(*job.SectionIndex)
	}
}

/*
commit runs fn in one transaction on a handle bound to it. fn ends with the tick's own transition
(Yield, Succeed or DeadLetter), so children and the parent payload land together or not at all.
If the transaction fails the in-memory payload is restored and the job is failed outside it; a lost
lease is returned untouched so the worker stops quietly.
*/
func commit(jc *jobrt.Context, before types.Payload, stage string, fn func(tjc *jobrt.Context, tx dbctx.Context) error) error {
	err := jc.Store.WithTx(jc.Ctx, func(tx dbctx.Context) error {
		return fn(jc.In(tx), tx)
	})
	if err == nil {
		return nil
	}
	*jc.Payload() = before
	if errors.Is(err, jobrt.ErrLeaseLost) {
		return err
	}
	return jc.Fail(stage, err)
}

// requeueChild puts a failed child back on the queue with new parameters, fenced on the failed row
// it was read as. It reports false when the child moved on in the meantime.
func requeueChild(tx dbctx.Context, store jobsrepo.JobStore, child *types.Job, raw datatypes.JSON, msg string, data string) (bool, error) {
	now := time.Now().UTC()
	ok, err := store.UpdateAtomic(tx, child.ID, jobsrepo.At(types.JobStatusFailed, child.ClaimEpoch), map[string]interface{}{
		"status":          types.JobStatusQueued,
		"stage":           "retry",
		"payload":         raw,
		"error":           "",
		"error_class":     "",
		"error_signature": "",
		"not_before":      nil,
		"heartbeat_at":    nil,
		"started_at":      nil,
		"completed_at":    nil,
		"updated_at":      now,
	})
	if err != nil || !ok {
		return ok, err
	}
	child.Status = types.JobStatusQueued
	child.Stage = "retry"
	child.Payload = raw
	child.Error, child.ErrorClass, child.ErrorSignature = "", "", ""
	child.NotBefore, child.HeartbeatAt, child.StartedAt, child.CompletedAt = nil, nil, nil, nil
	child.UpdatedAt = now

	ev := types.NewJobEvent(child, types.JobEventReset, msg)
	ev.Actor = "orchestrator"
	if data != "" {
		ev.Data = []byte(data)
	}
	return true, store.AppendEvent(tx, ev)
}

// escalatedPayload strips the previous attempt's diagnostics and records the next parameters.
func escalatedPayload(child *types.Job, esc types.Escalation) (datatypes.JSON, error) {
	p, err := child.Decode()
	if err != nil {
		p = types.Payload{}
	}
	fillIdentity(child, &p)
	p.StripRuntime()
	p.Escalation = &esc
	return p.Encode()
}

// deadLetterWithChild dead-letters a failed child and then the orchestrator in one transaction.
func deadLetterWithChild(jc *jobrt.Context, before types.Payload, child *types.Job, reason deadletter.Reason, detail string) error {
	if child == nil || child.Status != types.JobStatusFailed {
		return jc.DeadLetter(reason, detail)
	}
	return commit(jc, before, "dead_letter", func(tjc *jobrt.Context, tx dbctx.Context) error {
		if _, err := deadletter.Move(tx, jc.Store, child, jobsrepo.At(types.JobStatusFailed, child.ClaimEpoch), reason, child.Error, nil); err != nil {
			return err
		}
		return tjc.DeadLetter(reason, detail)
	})
}

func parseID(raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
