// Package autofix watches every job of one book version and applies bounded remediation to failures.
// It halts loudly, with a HaltError, instead of re-queueing the same failure forever.
package autofix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/fixstate"
	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

const (
	DefaultMaxPolls             = 120
	DefaultMaxFixAttemptsPerSig = 3
	DefaultPollInterval         = 30 * time.Second
	// completePollsRequired consecutive complete polls end the loop successfully.
	completePollsRequired = 2
	actor                 = "autofix"
)

var (
	ErrMaxPolls         = errors.New("autofix: poll budget exhausted before the book completed")
	ErrCircuitOpen      = errors.New("autofix: same failure recurred beyond the fix bound")
	ErrDeadLettered     = errors.New("autofix: dead-lettered job needs an operator")
	ErrPermanentFailure = errors.New("autofix: permanent failure needs an operator")
	ErrHalted           = errors.New("autofix: book version was halted earlier")
)

// HaltError names the job that stopped the loop. It unwraps to one of the sentinel errors above.
type HaltError struct {
	JobID     uuid.UUID
	Label     string
	Signature string
	Attempts  int
	Cause     error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("%v: job %s (%s) attempts=%d signature=%q", e.Cause, e.JobID, e.Label, e.Attempts, e.Signature)
}

func (e *HaltError) Unwrap() error { return e.Cause }

type Config struct {
	TenantID             string
	BookID               string
	BookVersionID        string
	MaxPolls             int
	MaxFixAttemptsPerSig int
	PollInterval         time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPolls <= 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	if c.MaxFixAttemptsPerSig <= 0 {
		c.MaxFixAttemptsPerSig = DefaultMaxFixAttemptsPerSig
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// PollResult is what one poll saw and did.
type PollResult struct {
	Poll     int
	Jobs     int
	Active   int
	Failed   int
	Done     int
	Requeued []uuid.UUID
	// Skipped are failed sections left to their live chapter orchestrator.
	Skipped  []uuid.UUID
	Complete bool
	// Finished is set once enough consecutive complete polls were seen.
	Finished bool
}

type Loop struct {
	store  jobsrepo.JobStore
	fix    fixstate.Repo
	policy *escalation.Policy
	log    *logger.Logger
	cfg    Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	// freshStart makes the next poll ignore complete polls counted by an earlier Run.
	freshStart bool
}

func New(store jobsrepo.JobStore, fix fixstate.Repo, policy *escalation.Policy, baseLog *logger.Logger, cfg Config) (*Loop, error) {
	if cfg.BookID == "" || cfg.BookVersionID == "" {
		return nil, fmt.Errorf("autofix: book and version are required")
	}
	if policy == nil {
		policy = escalation.Default()
	}
	cfg = cfg.withDefaults()
	return &Loop{
		store:  store,
		fix:    fix,
		policy: policy,
		log:    baseLog.With("component", "AutoFix", "book_id", cfg.BookID, "book_version_id", cfg.BookVersionID),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls until the book version completes, a halt condition trips, the poll budget runs out or ctx
// ends. Completion returns nil; every other outcome returns an error.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("autofix started", "max_polls", l.cfg.MaxPolls, "max_fix_attempts_per_sig", l.cfg.MaxFixAttemptsPerSig)
	l.freshStart = true
	for i := 0; i < l.cfg.MaxPolls; i++ {
		res, err := l.Poll(ctx)
		if err != nil {
			l.log.Error("autofix halted", "error", err)
			return err
		}
		l.log.Info("autofix poll",
			"poll", res.Poll,
			"jobs", res.Jobs,
			"active", res.Active,
			"failed", res.Failed,
			"done", res.Done,
			"requeued", len(res.Requeued),
		)
		if res.Finished {
			l.log.Info("book version complete", "polls", res.Poll)
			return nil
		}
		if i == l.cfg.MaxPolls-1 {
			break
		}
		if err := l.sleep(ctx, l.cfg.PollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w (%d polls)", ErrMaxPolls, l.cfg.MaxPolls)
}

// Poll runs one diagnostic pass and persists the fix state.
func (l *Loop) Poll(ctx context.Context) (PollResult, error) {
	var (
		res  PollResult
		halt *HaltError
	)
	err := l.store.WithTx(ctx, func(tx dbctx.Context) error {
		res, halt = PollResult{}, nil
		st, err := l.fix.LoadOrCreate(tx, l.cfg.TenantID, l.cfg.BookID, l.cfg.BookVersionID)
		if err != nil {
			return err
		}
		if st.HaltedAt != nil {
			return fmt.Errorf("%w at %s: %s", ErrHalted, st.HaltedAt.Format(time.RFC3339), st.HaltReason)
		}
		jobs, err := l.store.Query(tx, jobsrepo.Filter{
			TenantID:      l.cfg.TenantID,
			BookID:        l.cfg.BookID,
			BookVersionID: l.cfg.BookVersionID,
		})
		if err != nil {
			return err
		}

		st.Polls++
		res.Poll = st.Polls
		res.Jobs = len(jobs)
		byID := make(map[uuid.UUID]*types.Job, len(jobs))
		var failed, dead []*types.Job
		for _, j := range jobs {
			byID[j.ID] = j
			switch {
			case j.Status.Active():
				res.Active++
			case j.Status == types.JobStatusFailed:
				failed = append(failed, j)
			case j.Status == types.JobStatusDeadLetter:
				dead = append(dead, j)
			case j.Status == types.JobStatusDone:
				res.Done++
			}
		}
		res.Failed = len(failed) + len(dead)
		res.Complete = len(jobs) > 0 && res.Active == 0 && res.Failed == 0

		if l.freshStart {
			st.ConsecutiveCompletePolls = 0
			l.freshStart = false
		}
		if res.Complete {
			st.ConsecutiveCompletePolls++
		} else {
			st.ConsecutiveCompletePolls = 0
		}
		if st.ConsecutiveCompletePolls >= completePollsRequired {
			res.Finished = true
			return l.fix.Save(tx, st)
		}

		if len(dead) > 0 {
			j := dead[0]
			halt = &HaltError{JobID: j.ID, Label: j.Label(), Signature: signatureOf(j), Cause: ErrDeadLettered}
			return l.halt(tx, st, j, halt)
		}

		for _, j := range failed {
			if j.Type == types.JobTypeSection && parentLive(j, byID) {
				res.Skipped = append(res.Skipped, j.ID)
				continue
			}
			sig := signatureOf(j)
			entry := st.Entries[j.ID.String()]
			if entry.LastErrorSignature == sig {
				entry.Attempts++
			} else {
				entry.Attempts = 1
			}
			entry.LastErrorSignature = sig

			class := classOf(j)
			if class == types.ClassPermanent {
				st.Entries[j.ID.String()] = entry
				halt = &HaltError{JobID: j.ID, Label: j.Label(), Signature: sig, Attempts: entry.Attempts, Cause: ErrPermanentFailure}
				return l.halt(tx, st, j, halt)
			}
			if entry.Attempts > l.cfg.MaxFixAttemptsPerSig {
				st.Entries[j.ID.String()] = entry
				halt = &HaltError{JobID: j.ID, Label: j.Label(), Signature: sig, Attempts: entry.Attempts, Cause: ErrCircuitOpen}
				return l.halt(tx, st, j, halt)
			}

			ok, err := l.requeue(tx, j, class, entry.Attempts, sig)
			if err != nil {
				return err
			}
			if !ok {
				// changed under us; the next poll sees the new state
				continue
			}
			now := l.now()
			entry.LastFixedAt = &now
			st.Entries[j.ID.String()] = entry
			res.Requeued = append(res.Requeued, j.ID)
		}
		return l.fix.Save(tx, st)
	})
	if err != nil {
		return res, err
	}
	if halt != nil {
		return res, halt
	}
	return res, nil
}

func (l *Loop) halt(tx dbctx.Context, st *types.FixState, job *types.Job, h *HaltError) error {
	now := l.now()
	st.HaltedAt = &now
	st.HaltReason = h.Error()
	if err := l.fix.Save(tx, st); err != nil {
		return err
	}
	ev := types.NewJobEvent(job, types.JobEventAutofixHalted, h.Error())
	ev.Actor = actor
	ev.Data = mustJSON(map[string]any{"signature": h.Signature, "attempts": h.Attempts, "cause": h.Cause.Error()})
	return l.store.AppendEvent(tx, ev)
}

// requeue strips runtime fields, escalates generation parameters and puts the job back to queued. The
// retry counter is kept so leaf retry bounds still apply.
func (l *Loop) requeue(tx dbctx.Context, job *types.Job, class types.ErrorClass, attempts int, sig string) (bool, error) {
	p, err := job.Decode()
	if err != nil {
		return false, err
	}
	p.StripRuntime()
	if job.Type.Generative() {
		esc := l.policy.Escalate(p.Escalation, class, attempts)
		p.Escalation = &esc
	}
	raw, err := p.Encode()
	if err != nil {
		return false, err
	}
	now := l.now()
	ok, err := l.store.UpdateAtomic(tx, job.ID, jobsrepo.At(types.JobStatusFailed, job.ClaimEpoch), map[string]interface{}{
		"status":       types.JobStatusQueued,
		"stage":        "autofix",
		"payload":      raw,
		"not_before":   nil,
		"heartbeat_at": nil,
		"started_at":   nil,
		"completed_at": nil,
		"updated_at":   now,
	})
	if err != nil || !ok {
		return ok, err
	}
	prevErr := job.Error
	job.Status = types.JobStatusQueued
	job.Stage = "autofix"
	job.Payload = raw
	data := map[string]any{"signature": sig, "attempts": attempts, "class": string(class)}
	if p.Escalation != nil {
		data["escalation"] = p.Escalation
	}
	ev := types.NewJobEvent(job, types.JobEventAutofixRequeued, prevErr)
	ev.Actor = actor
	ev.Data = mustJSON(data)
	if err := l.store.AppendEvent(tx, ev); err != nil {
		return false, err
	}
	l.log.Info("requeued failed job", "job_id", job.ID, "job", job.Label(), "class", class, "attempts", attempts)
	return true, nil
}

// parentLive reports whether a section's chapter orchestrator will still act on it.
func parentLive(job *types.Job, byID map[uuid.UUID]*types.Job) bool {
	if job.ParentJobID == nil {
		return false
	}
	parent, ok := byID[*job.ParentJobID]
	return ok && parent.Status.Active()
}

func signatureOf(job *types.Job) string {
	if job.ErrorSignature != "" {
		return job.ErrorSignature
	}
	return escalation.Signature(job.Error)
}

func classOf(job *types.Job) types.ErrorClass {
	class := types.ErrorClass(job.ErrorClass)
	if class.Valid() {
		return class
	}
	return escalation.ClassifyMessage(job.Error)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
