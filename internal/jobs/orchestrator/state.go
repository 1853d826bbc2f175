package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/deadletter"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
)

// State is where a chapter stands. It is derived from the payload on every tick and also written to
// the job's stage column.
type State string

const (
	StateInitializing State = "initializing"
	StateDispatching  State = "dispatching_section"
	StateAwaiting     State = "awaiting_section"
	StateAdvancing    State = "advancing"
	StateRetrying     State = "retrying"
	StateCompleted    State = "completed"
	StateDeadLetter   State = "dead_letter"
	StateInvariant    State = "invariant_violation"
)

// Action is what one tick does.
type Action string

const (
	ActionInitialize Action = "initialize"
	ActionDispatch   Action = "dispatch"
	ActionAwait      Action = "await"
	ActionAdvance    Action = "advance"
	ActionRetry      Action = "retry"
	ActionComplete   Action = "complete"
	ActionDeadLetter Action = "dead_letter"
	ActionInvariant  Action = "invariant"
)

// Pending is the observed state of the section job named by pendingSectionJobId. Job is nil when the
// row does not exist.
type Pending struct {
	Job        *types.Job
	Escalation *types.Escalation
}

// Limits bound a chapter's work.
type Limits struct {
	// HardCap bounds orchestratorAttempts, the number of section dispatches over the chapter's life.
	HardCap int
	Policy  *escalation.Policy
}

type Step struct {
	State  State
	Action Action
	// Reason and Detail are set for dead_letter and invariant steps.
	Reason deadletter.Reason
	Detail string
	// Escalation carries the parameters of a retry.
	Escalation types.Escalation
}

/*
NextStep is the chapter state machine. It reads only the persisted payload and the observed pending
section, so the same inputs always give the same step.
Order of checks:
	- no sectionCount yet: initialize from the outline
	- no pending section: complete when the cursor is past the end, else dispatch (unless the cap is hit)
	- pending section: done advances, failed retries or dead-letters, anything live is awaited
*/
func NextStep(p types.Payload, pending *Pending, lim Limits) Step {
	if p.SectionCount <= 0 {
		return Step{State: StateInitializing, Action: ActionInitialize}
	}
	if p.NextSectionIndex < 0 || p.NextSectionIndex > p.SectionCount {
		return invariant(fmt.Sprintf("cursor %d outside [0, %d]", p.NextSectionIndex, p.SectionCount))
	}

	if p.PendingSectionJobID == "" {
		if p.NextSectionIndex == p.SectionCount {
			return Step{State: StateCompleted, Action: ActionComplete}
		}
		if deadletter.OrchestratorExhausted(p, lim.HardCap) {
			return Step{
				State:  StateDeadLetter,
				Action: ActionDeadLetter,
				Reason: deadletter.ReasonOrchestratorCap,
				Detail: fmt.Sprintf("%d dispatches, cap %d", p.OrchestratorAttempts, lim.HardCap),
			}
		}
		return Step{State: StateDispatching, Action: ActionDispatch}
	}

	if _, err := uuid.Parse(p.PendingSectionJobID); err != nil {
		return invariant(fmt.Sprintf("pending section id %q is not a uuid", p.PendingSectionJobID))
	}
	if pending == nil || pending.Job == nil {
		return invariant(fmt.Sprintf("pending section %s does not exist", p.PendingSectionJobID))
	}
	job := pending.Job
	if job.Type != types.JobTypeSection ||
		job.ChapterIndex == nil || p.ChapterIndex == nil || *job.ChapterIndex != *p.ChapterIndex ||
		job.SectionIndex == nil || *job.SectionIndex != p.NextSectionIndex {
		return invariant(fmt.Sprintf("pending section %s is %s, cursor is section %d", job.ID, job.Label(), p.NextSectionIndex))
	}

	switch job.Status {
	case types.JobStatusDone:
		return Step{State: StateAdvancing, Action: ActionAdvance}
	case types.JobStatusDeadLetter:
		return Step{
			State:  StateDeadLetter,
			Action: ActionDeadLetter,
			Reason: deadletter.ReasonChildDeadLettered,
			Detail: fmt.Sprintf("section %d: %s", p.NextSectionIndex, job.Error),
		}
	case types.JobStatusFailed:
		return failedStep(p, job, pending.Escalation, lim)
	default:
		return Step{State: StateAwaiting, Action: ActionAwait}
	}
}

func failedStep(p types.Payload, job *types.Job, cur *types.Escalation, lim Limits) Step {
	class := types.ErrorClass(job.ErrorClass)
	if !class.Valid() {
		class = escalation.ClassifyMessage(job.Error)
	}
	failures := p.AttemptsAtCurrentSection + 1
	d := lim.Policy.Decide(cur, class, failures)
	switch d.Action {
	case escalation.ActionAbort:
		return Step{
			State:  StateDeadLetter,
			Action: ActionDeadLetter,
			Reason: deadletter.ReasonPermanent,
			Detail: fmt.Sprintf("section %d: %s", p.NextSectionIndex, job.Error),
		}
	case escalation.ActionDeadLetter:
		return Step{
			State:  StateDeadLetter,
			Action: ActionDeadLetter,
			Reason: deadletter.ReasonSectionAttempts,
			Detail: fmt.Sprintf("section %d: %s; last error: %s", p.NextSectionIndex, d.Reason, job.Error),
		}
	}
	if deadletter.OrchestratorExhausted(p, lim.HardCap) {
		return Step{
			State:  StateDeadLetter,
			Action: ActionDeadLetter,
			Reason: deadletter.ReasonOrchestratorCap,
			Detail: fmt.Sprintf("%d dispatches, cap %d", p.OrchestratorAttempts, lim.HardCap),
		}
	}
	return Step{State: StateRetrying, Action: ActionRetry, Escalation: d.Escalation}
}

func invariant(detail string) Step {
	return Step{State: StateInvariant, Action: ActionInvariant, Detail: detail}
}
