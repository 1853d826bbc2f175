package orchestrator

import (
	"fmt"
	"strings"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/artifacts"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/deadletter"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
	jobrt "github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

const (
	PhaseChapters   = "chapters"
	PhaseBackMatter = "back_matter"
)

var backMatterTypes = []types.JobType{types.JobTypeIndex, types.JobTypeGlossary}

/*
Book drives a full-book job.
Phases:
	- chapters: one chapter job per outline chapter, all in flight at once
	- back_matter: index and glossary once every chapter is done
Any dead-lettered child dead-letters the book. Failed chapters are left to the auto-fix loop or an
operator; failed back matter is retried here with escalation like a section.
*/
type Book struct {
	Artifacts gcp.ArtifactStore
	cfg       Config
	log       *logger.Logger
}

func NewBook(artifactStore gcp.ArtifactStore, baseLog *logger.Logger, cfg Config) *Book {
	return &Book{
		Artifacts: artifactStore,
		cfg:       cfg.withDefaults(),
		log:       baseLog.With("component", "BookOrchestrator"),
	}
}

func (b *Book) Type() types.JobType { return types.JobTypeFull }

func (b *Book) Run(jc *jobrt.Context) error { return b.Tick(jc) }

func (b *Book) Tick(jc *jobrt.Context) error {
	if err := jc.PayloadErr(); err != nil {
		return jc.Fail("decode", types.Classified(types.ClassPermanent, err))
	}
	p := jc.Payload()
	fillIdentity(jc.Job, p)
	before := *p

	if p.ChapterCount <= 0 {
		outline, err := artifacts.ReadOutline(jc.Ctx, b.Artifacts, p.BookID, p.BookVersionID)
		if err != nil {
			return jc.Fail(string(StateInitializing), err)
		}
		p.ChapterCount = len(outline.Chapters)
		if p.Title == "" {
			p.Title = outline.Title
		}
	}
	if p.Phase == "" {
		p.Phase = PhaseChapters
	}

	children, err := jc.Store.Query(dbctx.With(jc.Ctx), jobsrepo.Filter{
		TenantID:    jc.Job.TenantID,
		ParentJobID: &jc.Job.ID,
	})
	if err != nil {
		return fmt.Errorf("load children: %w", err)
	}

	if p.Phase == PhaseChapters {
		chapters := ofTypes(children, types.JobTypeChapter)
		if dl := firstInStatus(chapters, types.JobStatusDeadLetter); dl != nil {
			return jc.DeadLetter(deadletter.ReasonChildDeadLettered, fmt.Sprintf("%s: %s", dl.Label(), dl.Error))
		}
		missing := b.missingChapters(*p, chapters)
		if len(missing) > 0 || countInStatus(chapters, types.JobStatusDone) < p.ChapterCount {
			return b.spawnAndYield(jc, before, missing, "awaiting_chapters")
		}
		p.Phase = PhaseBackMatter
	}

	back := ofTypes(children, backMatterTypes...)
	if dl := firstInStatus(back, types.JobStatusDeadLetter); dl != nil {
		return jc.DeadLetter(deadletter.ReasonChildDeadLettered, fmt.Sprintf("%s: %s", dl.Label(), dl.Error))
	}
	for _, child := range back {
		if child.Status != types.JobStatusFailed {
			continue
		}
		done, err := b.retryBackMatter(jc, before, child)
		if done || err != nil {
			return err
		}
	}
	if countInStatus(back, types.JobStatusDone) == len(backMatterTypes) {
		return jc.Succeed(string(StateCompleted))
	}
	return b.spawnAndYield(jc, before, b.missingBackMatter(*p, back), "awaiting_back_matter")
}

func (b *Book) missingChapters(p types.Payload, chapters []*types.Job) []*types.Job {
	have := map[int]bool{}
	for _, ch := range chapters {
		if ch.ChapterIndex != nil {
			have[*ch.ChapterIndex] = true
		}
	}
	var out []*types.Job
	for i := 0; i < p.ChapterCount; i++ {
		if have[i] {
			continue
		}
		cp := types.Payload{BookID: p.BookID, BookVersionID: p.BookVersionID, ChapterIndex: types.IntPtr(i)}
		raw, err := cp.Encode()
		if err != nil {
			continue
		}
		out = append(out, &types.Job{
			Type:          types.JobTypeChapter,
			BookID:        p.BookID,
			BookVersionID: p.BookVersionID,
			ChapterIndex:  types.IntPtr(i),
			Payload:       raw,
		})
	}
	return out
}

func (b *Book) missingBackMatter(p types.Payload, back []*types.Job) []*types.Job {
	var out []*types.Job
	for _, t := range backMatterTypes {
		if len(ofTypes(back, t)) > 0 {
			continue
		}
		bp := types.Payload{BookID: p.BookID, BookVersionID: p.BookVersionID}
		raw, err := bp.Encode()
		if err != nil {
			continue
		}
		out = append(out, &types.Job{Type: t, BookID: p.BookID, BookVersionID: p.BookVersionID, Payload: raw})
	}
	return out
}

func (b *Book) spawnAndYield(jc *jobrt.Context, before types.Payload, spawn []*types.Job, stage string) error {
	return commit(jc, before, stage, func(tjc *jobrt.Context, tx dbctx.Context) error {
		for _, child := range spawn {
			if err := tjc.Spawn(child); err != nil {
				return err
			}
		}
		return tjc.Yield(stage, b.cfg.PollInterval)
	})
}

// retryBackMatter decides on a failed index or glossary job. It reports true when the book job has been
// transitioned (dead-lettered) and the tick is over.
func (b *Book) retryBackMatter(jc *jobrt.Context, before types.Payload, child *types.Job) (bool, error) {
	var cur *types.Escalation
	if cp, err := child.Decode(); err == nil {
		cur = cp.Escalation
	}
	class := types.ErrorClass(child.ErrorClass)
	if !class.Valid() {
		class = escalation.ClassifyMessage(child.Error)
	}
	failures := child.RetryCount
	if failures < 1 {
		failures = 1
	}
	d := b.cfg.Policy.Decide(cur, class, failures)
	switch d.Action {
	case escalation.ActionAbort:
		return true, deadLetterWithChild(jc, before, child, deadletter.ReasonPermanent, fmt.Sprintf("%s: %s", child.Label(), child.Error))
	case escalation.ActionDeadLetter:
		return true, deadLetterWithChild(jc, before, child, deadletter.ReasonSectionAttempts, fmt.Sprintf("%s: %s", child.Label(), d.Reason))
	}
	raw, err := escalatedPayload(child, d.Escalation)
	if err != nil {
		return false, err
	}
	data := fmt.Sprintf(`{"level":%d,"backend":%q,"maxOutputTokens":%d}`, d.Escalation.Level, d.Escalation.Backend, d.Escalation.MaxOutputTokens)
	err = jc.Store.WithTx(jc.Ctx, func(tx dbctx.Context) error {
		_, err := requeueChild(tx, jc.Store, child, raw, "retry after: "+strings.TrimSpace(child.Error), data)
		return err
	})
	return false, err
}

func ofTypes(jobs []*types.Job, want ...types.JobType) []*types.Job {
	var out []*types.Job
	for _, j := range jobs {
		for _, t := range want {
			if j.Type == t {
				out = append(out, j)
				break
			}
		}
	}
	return out
}

func firstInStatus(jobs []*types.Job, status types.JobStatus) *types.Job {
	for _, j := range jobs {
		if j.Status == status {
			return j
		}
	}
	return nil
}

func countInStatus(jobs []*types.Job, status types.JobStatus) int {
	n := 0
	for _, j := range jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}
