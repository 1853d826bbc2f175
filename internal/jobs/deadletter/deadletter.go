// Package deadletter owns the terminal dead_letter state: the conditions that lead into it, the
// transition itself, and the audited operator reset that is the only way back out.
package deadletter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
)

type Reason string

const (
	ReasonOrchestratorCap   Reason = "orchestrator_attempts_exceeded"
	ReasonSectionAttempts   Reason = "section_attempts_exceeded"
	ReasonRetriesExhausted  Reason = "retries_exhausted"
	ReasonChildDeadLettered Reason = "child_dead_lettered"
	ReasonPermanent         Reason = "permanent_failure"
)

var (
	ErrNotResettable = errors.New("job is not in a resettable status")
	ErrBadRewind     = errors.New("invalid rewind target")
)

// LeafExhausted reports whether a leaf job has used up its retries.
func LeafExhausted(job *types.Job) bool {
	return job != nil && job.MaxRetries > 0 && job.RetryCount >= job.MaxRetries
}

// OrchestratorExhausted reports whether one more orchestrator step would exceed the hard cap.
func OrchestratorExhausted(p types.Payload, hardCap int) bool {
	return hardCap > 0 && p.OrchestratorAttempts+1 > hardCap
}

// Message renders the stored error text of a dead-lettered job.
func Message(reason Reason, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return string(reason)
	}
	return fmt.Sprintf("%s: %s", reason, detail)
}

// Move dead-letters job if it still satisfies expect. extra is merged into the patch, which lets callers
// persist a payload in the same write. The in-memory job is updated on success.
func Move(dbc dbctx.Context, store jobsrepo.JobStore, job *types.Job, expect jobsrepo.Expect, reason Reason, detail string, extra map[string]interface{}) (bool, error) {
	now := time.Now().UTC()
	msg := Message(reason, detail)
	patch := map[string]interface{}{
		"status":       types.JobStatusDeadLetter,
		"stage":        "dead_letter",
		"error":        msg,
		"completed_at": now,
		"not_before":   nil,
		"updated_at":   now,
	}
	for k, v := range extra {
		patch[k] = v
	}
	ok, err := store.UpdateAtomic(dbc, job.ID, expect, patch)
	if err != nil || !ok {
		return ok, err
	}
	job.Status = types.JobStatusDeadLetter
	job.Stage = "dead_letter"
	job.Error = msg
	job.CompletedAt = &now
	job.NotBefore = nil
	job.UpdatedAt = now

	ev := types.NewJobEvent(job, types.JobEventDeadLettered, msg)
	ev.Data = []byte(fmt.Sprintf(`{"reason":%q}`, reason))
	if err := store.AppendEvent(dbc, ev); err != nil {
		return true, err
	}
	return true, nil
}

type ResetOptions struct {
	Actor  string
	Reason string
	// RewindTo moves a chapter cursor back to this section index. Nil keeps the cursor.
	RewindTo *int
}

// Reset moves a failed or dead-lettered job back to queued. For a chapter it also revives the pending
// section job and clears the orchestration budget, optionally rewinding the cursor. Everything happens
// in one transaction and writes a reset event per touched job.
func Reset(dbc dbctx.Context, store jobsrepo.JobStore, id uuid.UUID, opts ResetOptions) (*types.Job, error) {
	var out *types.Job
	err := store.WithTx(dbc.Ctx, func(tx dbctx.Context) error {
		job, err := store.GetByID(tx, id)
		if err != nil {
			return err
		}
		if job.Status != types.JobStatusFailed && job.Status != types.JobStatusDeadLetter {
			return fmt.Errorf("%w: %s is %s", ErrNotResettable, job.ID, job.Status)
		}
		p, err := job.Decode()
		if err != nil {
			return err
		}
		p.StripRuntime()

		if job.Type == types.JobTypeChapter {
			if err := resetChapter(tx, store, job, &p, opts); err != nil {
				return err
			}
		} else if opts.RewindTo != nil {
			return fmt.Errorf("%w: only chapter jobs have a cursor", ErrBadRewind)
		}

		if err := requeue(tx, store, job, p, opts); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func resetChapter(tx dbctx.Context, store jobsrepo.JobStore, job *types.Job, p *types.Payload, opts ResetOptions) error {
	p.OrchestratorAttempts = 0
	p.AttemptsAtCurrentSection = 0

	if opts.RewindTo != nil {
		to := *opts.RewindTo
		if to < 0 || to > p.NextSectionIndex {
			return fmt.Errorf("%w: %d not in [0, %d]", ErrBadRewind, to, p.NextSectionIndex)
		}
		p.NextSectionIndex = to
		p.PendingSectionJobID = ""
		return nil
	}

	if p.PendingSectionJobID == "" {
		return nil
	}
	pendingID, err := uuid.Parse(p.PendingSectionJobID)
	if err != nil {
		p.PendingSectionJobID = ""
		return nil
	}
	pending, err := store.GetByID(tx, pendingID)
	if errors.Is(err, jobsrepo.ErrNotFound) {
		p.PendingSectionJobID = ""
		return nil
	}
	if err != nil {
		return err
	}
	if pending.Status != types.JobStatusFailed && pending.Status != types.JobStatusDeadLetter {
		return nil
	}
	pp, err := pending.Decode()
	if err != nil {
		return err
	}
	pp.StripRuntime()
	return requeue(tx, store, pending, pp, opts)
}

func requeue(tx dbctx.Context, store jobsrepo.JobStore, job *types.Job, p types.Payload, opts ResetOptions) error {
	raw, err := p.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	prevStatus := job.Status
	ok, err := store.UpdateAtomic(tx, job.ID, jobsrepo.At(job.Status, job.ClaimEpoch), map[string]interface{}{
		"status":          types.JobStatusQueued,
		"stage":           "reset",
		"payload":         raw,
		"retry_count":     0,
		"error":           "",
		"error_class":     "",
		"error_signature": "",
		"not_before":      nil,
		"heartbeat_at":    nil,
		"started_at":      nil,
		"completed_at":    nil,
		"updated_at":      now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reset %s: job changed concurrently", job.ID)
	}
	job.Status = types.JobStatusQueued
	job.Stage = "reset"
	job.Payload = raw
	job.RetryCount = 0
	job.Error, job.ErrorClass, job.ErrorSignature = "", "", ""
	job.NotBefore, job.HeartbeatAt, job.StartedAt, job.CompletedAt = nil, nil, nil, nil
	job.UpdatedAt = now

	ev := types.NewJobEvent(job, types.JobEventReset, strings.TrimSpace(opts.Reason))
	ev.Actor = strings.TrimSpace(opts.Actor)
	data := fmt.Sprintf(`{"from":%q}`, prevStatus)
	if opts.RewindTo != nil && job.Type == types.JobTypeChapter {
		data = fmt.Sprintf(`{"from":%q,"rewindTo":%d}`, prevStatus, *opts.RewindTo)
	}
	ev.Data = []byte(data)
	return store.AppendEvent(tx, ev)
}
