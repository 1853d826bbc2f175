package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/artifacts"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/claim"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
	jobrt "github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
)

const (
	testTenant  = "t1"
	testBook    = "book-1"
	testVersion = "v1"
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   jobsrepo.JobStore
	claimer *claim.Claimer
	art     *gcp.MemoryStore
	chapter *Chapter
	book    *Book
}

func newHarness(t *testing.T, sectionsPerChapter ...int) *harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	store := jobsrepo.NewJobStore(db, log)
	art := gcp.NewMemoryStore()

	outline := &artifacts.Outline{Title: "Test Book"}
	for i, n := range sectionsPerChapter {
		ch := artifacts.ChapterOutline{Title: "Chapter " + string(rune('A'+i))}
		for s := 0; s < n; s++ {
			ch.Sections = append(ch.Sections, artifacts.SectionOutline{Title: "Section"})
		}
		outline.Chapters = append(outline.Chapters, ch)
	}
	if len(outline.Chapters) > 0 {
		raw, err := outline.Encode()
		if err != nil {
			t.Fatalf("encode outline: %v", err)
		}
		if err := art.Upload(context.Background(), artifacts.OutlinePath(testBook, testVersion), raw); err != nil {
			t.Fatalf("upload outline: %v", err)
		}
	}

	cfg := Config{PollInterval: time.Nanosecond, HardCap: DefaultHardCap, Policy: escalation.Default()}
	return &harness{
		t:       t,
		ctx:     context.Background(),
		store:   store,
		claimer: claim.New(store, log, claim.Options{Worker: "test"}),
		art:     art,
		chapter: NewChapter(art, log, cfg),
		book:    NewBook(art, log, cfg),
	}
}

func (h *harness) insert(jobs ...*types.Job) {
	h.t.Helper()
	for _, j := range jobs {
		if j.TenantID == "" {
			j.TenantID = testTenant
		}
	}
	if err := h.store.Insert(dbctx.Background(), jobs...); err != nil {
		h.t.Fatalf("insert: %v", err)
	}
}

func (h *harness) chapterJob(chapter int, p types.Payload) *types.Job {
	h.t.Helper()
	p.BookID, p.BookVersionID = testBook, testVersion
	p.ChapterIndex = types.IntPtr(chapter)
	raw, err := p.Encode()
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	j := &types.Job{
		Type:          types.JobTypeChapter,
		BookID:        testBook,
		BookVersionID: testVersion,
		ChapterIndex:  types.IntPtr(chapter),
		Payload:       raw,
		MaxRetries:    3,
	}
	h.insert(j)
	return j
}

func (h *harness) doneSection(chapter, section int) *types.Job {
	h.t.Helper()
	j := &types.Job{
		Type:          types.JobTypeSection,
		Status:        types.JobStatusDone,
		BookID:        testBook,
		BookVersionID: testVersion,
		ChapterIndex:  types.IntPtr(chapter),
		SectionIndex:  types.IntPtr(section),
	}
	h.insert(j)
	return j
}

// claimed claims the next job of typ and wraps it; it fails the test when nothing is claimable.
func (h *harness) claimed(typ types.JobType) *jobrt.Context {
	h.t.Helper()
	job, err := h.claimer.ClaimNext(h.ctx, claim.Filter{TenantID: testTenant, Types: []types.JobType{typ}})
	if err != nil {
		h.t.Fatalf("claim %s: %v", typ, err)
	}
	if job == nil {
		h.t.Fatalf("claim %s: nothing claimable", typ)
	}
	return jobrt.NewContext(h.ctx, job, h.store, nil, testutil.Logger(h.t))
}

func (h *harness) tickChapter() *types.Job {
	h.t.Helper()
	jc := h.claimed(types.JobTypeChapter)
	if err := h.chapter.Tick(jc); err != nil {
		h.t.Fatalf("tick: %v", err)
	}
	return h.get(jc.Job.ID)
}

func (h *harness) tickBook() *types.Job {
	h.t.Helper()
	jc := h.claimed(types.JobTypeFull)
	if err := h.book.Tick(jc); err != nil {
		h.t.Fatalf("tick book: %v", err)
	}
	return h.get(jc.Job.ID)
}

// runLeaf claims one job of typ and ends it: done when fail is nil, failed with fail otherwise.
func (h *harness) runLeaf(typ types.JobType, fail error) *types.Job {
	h.t.Helper()
	jc := h.claimed(typ)
	var err error
	if fail == nil {
		err = jc.Succeed("done")
	} else {
		err = jc.Fail("generate", fail)
	}
	if err != nil {
		h.t.Fatalf("report %s: %v", typ, err)
	}
	return h.get(jc.Job.ID)
}

func (h *harness) get(id uuid.UUID) *types.Job {
	h.t.Helper()
	j, err := h.store.GetByID(dbctx.Background(), id)
	if err != nil {
		h.t.Fatalf("get %s: %v", id, err)
	}
	return j
}

func (h *harness) payload(j *types.Job) types.Payload {
	h.t.Helper()
	p, err := j.Decode()
	if err != nil {
		h.t.Fatalf("decode: %v", err)
	}
	return p
}

func (h *harness) jobs(f jobsrepo.Filter) []*types.Job {
	h.t.Helper()
	f.TenantID = testTenant
	out, err := h.store.Query(dbctx.Background(), f)
	if err != nil {
		h.t.Fatalf("query: %v", err)
	}
	return out
}

func (h *harness) sections(chapter int) []*types.Job {
	return h.jobs(jobsrepo.Filter{Types: []types.JobType{types.JobTypeSection}, ChapterIndex: types.IntPtr(chapter)})
}

func (h *harness) events(id uuid.UUID, kind types.JobEventKind) []*types.JobEvent {
	h.t.Helper()
	evs, err := h.store.ListEvents(dbctx.Background(), id, 0)
	if err != nil {
		h.t.Fatalf("events: %v", err)
	}
	var out []*types.JobEvent
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
