package autofix

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/fixstate"
	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
)

type fixture struct {
	t     *testing.T
	store jobsrepo.JobStore
	fix   fixstate.Repo
	loop  *Loop
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	store := jobsrepo.NewJobStore(db, log)
	fix := fixstate.NewRepo(db, log)
	cfg.TenantID, cfg.BookID, cfg.BookVersionID = "t1", "b1", "v1"
	loop, err := New(store, fix, escalation.Default(), log, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loop.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{t: t, store: store, fix: fix, loop: loop}
}

func (f *fixture) insert(typ types.JobType, status types.JobStatus, errMsg string) *types.Job {
	f.t.Helper()
	job := &types.Job{
		TenantID:      "t1",
		Type:          typ,
		Status:        status,
		BookID:        "b1",
		BookVersionID: "v1",
		MaxRetries:    10,
		Error:         errMsg,
	}
	if errMsg != "" {
		job.ErrorClass = string(escalation.ClassifyMessage(errMsg))
		job.ErrorSignature = escalation.Signature(errMsg)
	}
	if typ == types.JobTypeSection {
		job.ChapterIndex, job.SectionIndex = types.IntPtr(0), types.IntPtr(0)
	}
	if err := f.store.Insert(dbctx.Background(), job); err != nil {
		f.t.Fatalf("Insert: %v", err)
	}
	return job
}

// fail simulates a worker failing a re-queued job again.
func (f *fixture) fail(job *types.Job, msg string) {
	f.t.Helper()
	ok, err := f.store.UpdateAtomic(dbctx.Background(), job.ID, jobsrepo.InStatus(types.JobStatusQueued), map[string]interface{}{
		"status":          types.JobStatusFailed,
		"error":           msg,
		"error_class":     string(escalation.ClassifyMessage(msg)),
		"error_signature": escalation.Signature(msg),
	})
	if err != nil || !ok {
		f.t.Fatalf("fail %s: ok=%v err=%v", job.ID, ok, err)
	}
}

func (f *fixture) get(job *types.Job) *types.Job {
	f.t.Helper()
	got, err := f.store.GetByID(dbctx.Background(), job.ID)
	if err != nil {
		f.t.Fatalf("GetByID: %v", err)
	}
	return got
}

func (f *fixture) kinds(job *types.Job) []types.JobEventKind {
	f.t.Helper()
	evs, err := f.store.ListEvents(dbctx.Background(), job.ID, 0)
	if err != nil {
		f.t.Fatalf("ListEvents: %v", err)
	}
	out := make([]types.JobEventKind, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Kind)
	}
	return out
}

func TestHaltsAtMaxPlusOne(t *testing.T) {
	f := newFixture(t, Config{MaxFixAttemptsPerSig: 2})
	ctx := context.Background()
	job := f.insert(types.JobTypeIndex, types.JobStatusFailed, "503 service unavailable")

	for poll := 1; poll <= 2; poll++ {
		res, err := f.loop.Poll(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", poll, err)
		}
		if len(res.Requeued) != 1 || f.get(job).Status != types.JobStatusQueued {
			t.Fatalf("poll %d: expected requeue, got %+v", poll, res)
		}
		f.fail(job, "503 Service   Unavailable")
	}

	_, err := f.loop.Poll(ctx)
	var halt *HaltError
	if !errors.As(err, &halt) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit breaker halt, got %v", err)
	}
	if halt.JobID != job.ID || halt.Attempts != 3 {
		t.Fatalf("unexpected halt %+v", halt)
	}
	if f.get(job).Status != types.JobStatusFailed {
		t.Fatalf("halted job must be left as is")
	}
	kinds := f.kinds(job)
	if kinds[len(kinds)-1] != types.JobEventAutofixHalted {
		t.Fatalf("expected halt event last, got %v", kinds)
	}

	st, err := f.fix.LoadOrCreate(dbctx.Background(), "t1", "b1", "v1")
	if err != nil || st.HaltedAt == nil || st.Entries[job.ID.String()].Attempts != 3 {
		t.Fatalf("expected persisted halt, got %+v (%v)", st, err)
	}
	if _, err := f.loop.Poll(ctx); !errors.Is(err, ErrHalted) {
		t.Fatalf("a halted book must stay halted, got %v", err)
	}
}

func TestHaltsOnRepeatedMultibyteSignature(t *testing.T) {
	f := newFixture(t, Config{MaxFixAttemptsPerSig: 2})
	ctx := context.Background()
	msg := "request timed out " + strings.Repeat("x", 141) + "é continues"
	job := f.insert(types.JobTypeIndex, types.JobStatusFailed, msg)

	for poll := 1; poll <= 2; poll++ {
		res, err := f.loop.Poll(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", poll, err)
		}
		if len(res.Requeued) != 1 {
			t.Fatalf("poll %d: expected requeue, got %+v", poll, res)
		}
		f.fail(job, msg)
	}

	_, err := f.loop.Poll(ctx)
	var halt *HaltError
	if !errors.As(err, &halt) || !errors.Is(err, ErrCircuitOpen) || halt.Attempts != 3 {
		t.Fatalf("expected circuit breaker halt after 3 identical failures, got %v", err)
	}
}

func TestChangedSignatureResetsAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxFixAttemptsPerSig: 1})
	ctx := context.Background()
	job := f.insert(types.JobTypeGlossary, types.JobStatusFailed, "503 service unavailable")

	if _, err := f.loop.Poll(ctx); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	f.fail(job, "connection reset by peer")
	if _, err := f.loop.Poll(ctx); err != nil {
		t.Fatalf("a new signature starts over, got %v", err)
	}
	st, err := f.fix.LoadOrCreate(dbctx.Background(), "t1", "b1", "v1")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	entry := st.Entries[job.ID.String()]
	if entry.Attempts != 1 || entry.LastErrorSignature != "connection reset by peer" || entry.LastFixedAt == nil {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestRequeueEscalates(t *testing.T) {
	f := newFixture(t, Config{})
	job := f.insert(types.JobTypeSection, types.JobStatusFailed, "context deadline exceeded")
	if _, err := f.loop.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	got := f.get(job)
	p, err := got.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	pol := escalation.Default()
	if p.Escalation == nil || p.Escalation.MaxOutputTokens >= pol.DefaultMaxOutputTokens || p.Escalation.LastClass != string(types.ClassTimeout) {
		t.Fatalf("expected a reduced budget after a timeout, got %+v", p.Escalation)
	}
	if got.Stage != "autofix" || got.Error != "context deadline exceeded" {
		t.Fatalf("unexpected requeued row %+v", got)
	}
	kinds := f.kinds(job)
	if len(kinds) != 1 || kinds[0] != types.JobEventAutofixRequeued {
		t.Fatalf("expected one requeue event, got %v", kinds)
	}
}

func TestCompletionNeedsTwoPolls(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.loop.Poll(ctx)
	if err != nil || res.Complete || res.Finished {
		t.Fatalf("zero jobs is never complete: %+v (%v)", res, err)
	}

	f.insert(types.JobTypeIndex, types.JobStatusDone, "")
	res, err = f.loop.Poll(ctx)
	if err != nil || !res.Complete || res.Finished {
		t.Fatalf("first complete poll must not finish: %+v (%v)", res, err)
	}
	res, err = f.loop.Poll(ctx)
	if err != nil || !res.Finished {
		t.Fatalf("second complete poll must finish: %+v (%v)", res, err)
	}
}

func TestRunFinishesAndRunsOutOfPolls(t *testing.T) {
	f := newFixture(t, Config{MaxPolls: 3})
	f.insert(types.JobTypeIndex, types.JobStatusDone, "")
	if err := f.loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	g := newFixture(t, Config{MaxPolls: 3})
	g.insert(types.JobTypeIndex, types.JobStatusQueued, "")
	if err := g.loop.Run(context.Background()); !errors.Is(err, ErrMaxPolls) {
		t.Fatalf("expected ErrMaxPolls, got %v", err)
	}
}

func TestRunRecountsCompletion(t *testing.T) {
	f := newFixture(t, Config{MaxPolls: 5})
	ctx := context.Background()
	f.insert(types.JobTypeIndex, types.JobStatusDone, "")

	// an earlier run already finished this version
	for i := 0; i < 2; i++ {
		if _, err := f.loop.Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if err := f.loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st, err := f.fix.LoadOrCreate(dbctx.Background(), "t1", "b1", "v1")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if st.Polls != 4 {
		t.Fatalf("a new run must see two complete polls of its own, total polls = %d", st.Polls)
	}
}

func TestHaltsOnDeadLetterAndPermanent(t *testing.T) {
	f := newFixture(t, Config{})
	f.insert(types.JobTypeChapter, types.JobStatusDeadLetter, "orchestrator_attempts_exceeded")
	if _, err := f.loop.Poll(context.Background()); !errors.Is(err, ErrDeadLettered) {
		t.Fatalf("expected dead-letter halt, got %v", err)
	}

	g := newFixture(t, Config{})
	job := g.insert(types.JobTypeIndex, types.JobStatusFailed, "invalid api key")
	if _, err := g.loop.Poll(context.Background()); !errors.Is(err, ErrPermanentFailure) {
		t.Fatalf("expected permanent halt, got %v", err)
	}
	if g.get(job).Status != types.JobStatusFailed {
		t.Fatalf("permanent failures are never re-queued")
	}
}

func TestSkipsSectionOwnedByLiveChapter(t *testing.T) {
	f := newFixture(t, Config{})
	chapter := f.insert(types.JobTypeChapter, types.JobStatusQueued, "")
	section := &types.Job{
		TenantID:      "t1",
		Type:          types.JobTypeSection,
		Status:        types.JobStatusFailed,
		BookID:        "b1",
		BookVersionID: "v1",
		ParentJobID:   &chapter.ID,
		ChapterIndex:  types.IntPtr(0),
		SectionIndex:  types.IntPtr(1),
		Error:         "503 service unavailable",
	}
	if err := f.store.Insert(dbctx.Background(), section); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	res, err := f.loop.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Skipped) != 1 || len(res.Requeued) != 0 || f.get(section).Status != types.JobStatusFailed {
		t.Fatalf("section must be left to its chapter: %+v", res)
	}
}
