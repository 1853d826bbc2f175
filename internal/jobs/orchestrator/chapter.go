package orchestrator

import (
	"errors"
	"fmt"
	"time"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/artifacts"
	jobrt "github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

var liveStatuses = []types.JobStatus{types.JobStatusQueued, types.JobStatusProcessing, types.JobStatusStale}

// Chapter walks one chapter's sections in order. It is not a long-lived process: every claim of the
// chapter job runs one Tick and hands the job back to the queue.
type Chapter struct {
	Artifacts gcp.ArtifactStore
	cfg       Config
	log       *logger.Logger
}

func NewChapter(artifactStore gcp.ArtifactStore, baseLog *logger.Logger, cfg Config) *Chapter {
	return &Chapter{
		Artifacts: artifactStore,
		cfg:       cfg.withDefaults(),
		log:       baseLog.With("component", "ChapterOrchestrator"),
	}
}

func (c *Chapter) Type() types.JobType { return types.JobTypeChapter }

func (c *Chapter) Run(jc *jobrt.Context) error { return c.Tick(jc) }

func (c *Chapter) limits() Limits {
	return Limits{HardCap: c.cfg.HardCap, Policy: c.cfg.Policy}
}

// Tick runs one step of the chapter state machine and ends with exactly one transition of the chapter
// job, or returns an error the worker records as a failure.
func (c *Chapter) Tick(jc *jobrt.Context) error {
	if err := jc.PayloadErr(); err != nil {
		return jc.Fail("decode", types.Classified(types.ClassPermanent, err))
	}
	p := jc.Payload()
	fillIdentity(jc.Job, p)
	if p.ChapterIndex == nil {
		return jc.Fail("decode", types.Permanent("chapter job %s has no chapterIndex", jc.Job.ID))
	}
	before := *p

	for i := 0; i < maxStepsPerTick; i++ {
		pending, err := c.observe(jc, *p)
		if err != nil {
			return err
		}
		step := NextStep(*p, pending, c.limits())
		switch step.Action {
		case ActionInitialize:
			if err := c.initialize(jc, p); err != nil {
				*p = before
				return jc.Fail(string(StateInitializing), err)
			}
		case ActionAdvance:
			c.advance(p)
		case ActionDispatch:
			return c.dispatch(jc, before)
		case ActionAwait:
			return jc.Yield(string(StateAwaiting), c.cfg.PollInterval)
		case ActionRetry:
			return c.retry(jc, before, pending.Job, step.Escalation)
		case ActionComplete:
			return c.complete(jc)
		case ActionDeadLetter:
			var child *types.Job
			if pending != nil {
				child = pending.Job
			}
			c.log.Warn("chapter dead-lettered", "job_id", jc.Job.ID, "reason", step.Reason, "detail", step.Detail)
			return deadLetterWithChild(jc, *p, child, step.Reason, step.Detail)
		case ActionInvariant:
			return jc.Fail(string(StateInvariant), fmt.Errorf("%w: %s", ErrInvariant, step.Detail))
		default:
			return fmt.Errorf("unknown orchestrator action %q", step.Action)
		}
	}
	return jc.Yield(string(StateAwaiting), c.cfg.PollInterval)
}

func (c *Chapter) observe(jc *jobrt.Context, p types.Payload) (*Pending, error) {
	if p.PendingSectionJobID == "" {
		return nil, nil
	}
	id, ok := parseID(p.PendingSectionJobID)
	if !ok {
		return &Pending{}, nil
	}
	job, err := jc.Store.GetByID(dbctx.With(jc.Ctx), id)
	if errors.Is(err, jobsrepo.ErrNotFound) {
		return &Pending{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending section: %w", err)
	}
	out := &Pending{Job: job}
	if sp, err := job.Decode(); err == nil {
		out.Escalation = sp.Escalation
	}
	return out, nil
}

func (c *Chapter) initialize(jc *jobrt.Context, p *types.Payload) error {
	if err := jc.Progress(string(StateInitializing), "reading outline"); err != nil {
		return err
	}
	outline, err := artifacts.ReadOutline(jc.Ctx, c.Artifacts, p.BookID, p.BookVersionID)
	if err != nil {
		return err
	}
	ch, err := outline.Chapter(*p.ChapterIndex)
	if err != nil {
		return err
	}
	p.SectionCount = len(ch.Sections)
	if p.Title == "" {
		p.Title = ch.Title
	}
	return nil
}

func (c *Chapter) advance(p *types.Payload) {
	now := time.Now().UTC()
	p.PendingSectionJobID = ""
	p.NextSectionIndex++
	p.AttemptsAtCurrentSection = 0
	p.OrchestratorLastProgressAt = &now
}

// dispatch creates (or adopts) the job for the cursor's section and yields, all in one transaction.
// A live job already present for the index is adopted so a lost payload write never duplicates work.
func (c *Chapter) dispatch(jc *jobrt.Context, before types.Payload) error {
	p := jc.Payload()
	section := p.NextSectionIndex
	now := time.Now().UTC()

	return commit(jc, before, string(StateDispatching), func(tjc *jobrt.Context, tx dbctx.Context) error {
		live, err := jc.Store.Query(tx, jobsrepo.Filter{
			TenantID:      jc.Job.TenantID,
			Types:         []types.JobType{types.JobTypeSection},
			Statuses:      liveStatuses,
			BookID:        p.BookID,
			BookVersionID: p.BookVersionID,
			ChapterIndex:  p.ChapterIndex,
			SectionIndex:  &section,
			Limit:         1,
		})
		if err != nil {
			return err
		}
		if len(live) > 0 {
			p.PendingSectionJobID = live[0].ID.String()
			c.log.Info("adopted live section job", "chapter_job_id", jc.Job.ID, "section_job_id", live[0].ID, "section", section)
		} else {
			child, err := sectionJob(*p, section)
			if err != nil {
				return err
			}
			if err := tjc.Spawn(child); err != nil {
				return err
			}
			p.PendingSectionJobID = child.ID.String()
		}
		p.OrchestratorAttempts++
		p.OrchestratorLastProgressAt = &now
		return tjc.Yield(string(StateAwaiting), c.cfg.PollInterval)
	})
}

func sectionJob(p types.Payload, section int) (*types.Job, error) {
	sp := types.Payload{
		BookID:        p.BookID,
		BookVersionID: p.BookVersionID,
		ChapterIndex:  types.IntPtr(*p.ChapterIndex),
		SectionIndex:  types.IntPtr(section),
	}
	raw, err := sp.Encode()
	if err != nil {
		return nil, err
	}
	return &types.Job{
		Type:          types.JobTypeSection,
		BookID:        p.BookID,
		BookVersionID: p.BookVersionID,
		ChapterIndex:  types.IntPtr(*p.ChapterIndex),
		SectionIndex:  types.IntPtr(section),
		Payload:       raw,
	}, nil
}

// retry re-queues the same section job with escalated parameters.
func (c *Chapter) retry(jc *jobrt.Context, before types.Payload, section *types.Job, esc types.Escalation) error {
	p := jc.Payload()
	raw, err := escalatedPayload(section, esc)
	if err != nil {
		return jc.Fail(string(StateRetrying), err)
	}
	failedErr := section.Error
	return commit(jc, before, string(StateRetrying), func(tjc *jobrt.Context, tx dbctx.Context) error {
		data := fmt.Sprintf(`{"level":%d,"backend":%q,"maxOutputTokens":%d,"attempt":%d}`,
			esc.Level, esc.Backend, esc.MaxOutputTokens, p.AttemptsAtCurrentSection+1)
		ok, err := requeueChild(tx, jc.Store, section, raw, "retry after: "+failedErr, data)
		if err != nil {
			return err
		}
		if ok {
			p.AttemptsAtCurrentSection++
			p.OrchestratorAttempts++
			c.log.Info("section re-queued",
				"chapter_job_id", jc.Job.ID,
				"section_job_id", section.ID,
				"attempt", p.AttemptsAtCurrentSection,
				"backend", esc.Backend,
				"max_output_tokens", esc.MaxOutputTokens,
			)
		}
		return tjc.Yield(string(StateRetrying), c.cfg.PollInterval)
	})
}

// complete audits that every section index has a done job before marking the chapter done.
func (c *Chapter) complete(jc *jobrt.Context) error {
	p := jc.Payload()
	missing, err := c.missingSections(jc, *p)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return jc.Fail(string(StateInvariant), fmt.Errorf("%w: cursor at end but sections %v have no done job", ErrInvariant, missing))
	}
	return jc.Succeed(string(StateCompleted))
}

func (c *Chapter) missingSections(jc *jobrt.Context, p types.Payload) ([]int, error) {
	done, err := jc.Store.Query(dbctx.With(jc.Ctx), jobsrepo.Filter{
		TenantID:      jc.Job.TenantID,
		Types:         []types.JobType{types.JobTypeSection},
		Statuses:      []types.JobStatus{types.JobStatusDone},
		BookID:        p.BookID,
		BookVersionID: p.BookVersionID,
		ChapterIndex:  p.ChapterIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("audit sections: %w", err)
	}
	seen := map[int]bool{}
	for _, j := range done {
		if j.SectionIndex != nil {
			seen[*j.SectionIndex] = true
		}
	}
	var missing []int
	for i := 0; i < p.SectionCount; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}
