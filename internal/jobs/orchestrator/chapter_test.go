package orchestrator

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/deadletter"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
)

func TestChapterEndToEndTimeoutThenSuccess(t *testing.T) {
	h := newHarness(t, 3)
	h.doneSection(0, 0)
	h.doneSection(0, 1)
	ch := h.chapterJob(0, types.Payload{SectionCount: 3, NextSectionIndex: 2})

	// tick 1: dispatch section 2
	got := h.tickChapter()
	p := h.payload(got)
	if got.Status != types.JobStatusQueued || p.PendingSectionJobID == "" || p.NextSectionIndex != 2 || p.OrchestratorAttempts != 1 {
		t.Fatalf("after dispatch: status=%s payload=%+v", got.Status, p)
	}
	secID, _ := uuid.Parse(p.PendingSectionJobID)
	sec := h.get(secID)
	if sec.Type != types.JobTypeSection || *sec.SectionIndex != 2 || sec.ParentJobID == nil || *sec.ParentJobID != ch.ID {
		t.Fatalf("dispatched job mismatch: %+v", sec)
	}

	// the section times out
	sec = h.runLeaf(types.JobTypeSection, types.Classified(types.ClassTimeout, errors.New("generation timed out")))
	if sec.Status != types.JobStatusFailed || sec.ErrorClass != string(types.ClassTimeout) {
		t.Fatalf("section after timeout: status=%s class=%s", sec.Status, sec.ErrorClass)
	}

	// tick 2: same section re-queued with a smaller budget
	got = h.tickChapter()
	p = h.payload(got)
	if p.AttemptsAtCurrentSection != 1 || p.PendingSectionJobID != secID.String() {
		t.Fatalf("after retry: payload=%+v", p)
	}
	sec = h.get(secID)
	sp := h.payload(sec)
	if sec.Status != types.JobStatusQueued || sp.Escalation == nil {
		t.Fatalf("section not re-queued with escalation: status=%s payload=%+v", sec.Status, sp)
	}
	if sp.Escalation.MaxOutputTokens >= 4096 || sp.Escalation.Level != 0 {
		t.Fatalf("expected reduced budget on the same backend, got %+v", *sp.Escalation)
	}
	if n := len(h.sections(0)); n != 3 {
		t.Fatalf("retry must reuse the section job, have %d section jobs", n)
	}

	// the section succeeds and the chapter completes
	h.runLeaf(types.JobTypeSection, nil)
	got = h.tickChapter()
	p = h.payload(got)
	if got.Status != types.JobStatusDone || p.NextSectionIndex != 3 || p.PendingSectionJobID != "" || p.AttemptsAtCurrentSection != 0 {
		t.Fatalf("chapter not completed: status=%s payload=%+v", got.Status, p)
	}
	if len(h.events(ch.ID, types.JobEventDone)) != 1 {
		t.Fatalf("expected one done event")
	}
}

func TestChapterSequentialOrdering(t *testing.T) {
	h := newHarness(t, 4)
	ch := h.chapterJob(0, types.Payload{})

	assertOrdered := func() {
		t.Helper()
		byIndex := map[int]*types.Job{}
		for _, s := range h.sections(0) {
			if _, dup := byIndex[*s.SectionIndex]; dup {
				t.Fatalf("two section jobs for index %d", *s.SectionIndex)
			}
			byIndex[*s.SectionIndex] = s
		}
		for i, s := range byIndex {
			if i == 0 {
				continue
			}
			prev, ok := byIndex[i-1]
			if !ok || prev.Status != types.JobStatusDone {
				t.Fatalf("section %d exists (%s) while section %d is not done", i, s.Status, i-1)
			}
		}
	}

	for i := 0; i < 4; i++ {
		got := h.tickChapter()
		assertOrdered()
		if got.Status != types.JobStatusQueued {
			t.Fatalf("tick %d: chapter status %s", i, got.Status)
		}
		// polling while the section is queued changes nothing
		h.tickChapter()
		assertOrdered()
		if n := len(h.sections(0)); n != i+1 {
			t.Fatalf("tick %d: expected %d section jobs, have %d", i, i+1, n)
		}
		h.runLeaf(types.JobTypeSection, nil)
		assertOrdered()
	}
	got := h.tickChapter()
	if got.Status != types.JobStatusDone {
		t.Fatalf("chapter should be done, is %s", got.Status)
	}
	if p := h.payload(got); p.SectionCount != 4 || p.Title != "Chapter A" {
		t.Fatalf("outline not applied: %+v", p)
	}
	_ = ch
}

func TestChapterIdempotentResume(t *testing.T) {
	h := newHarness(t, 5)
	for i := 0; i < 3; i++ {
		h.doneSection(0, i)
	}
	ch := h.chapterJob(0, types.Payload{SectionCount: 5, NextSectionIndex: 3})

	h.tickChapter()
	h.tickChapter()
	secs := h.jobs(jobsrepo.Filter{Types: []types.JobType{types.JobTypeSection}, SectionIndex: types.IntPtr(3)})
	if len(secs) != 1 {
		t.Fatalf("expected exactly one job for section 3, got %d", len(secs))
	}

	// Simulate a payload write lost after the section was created: the cursor is back to
	// "nothing pending" while a live job for the index exists. The next tick adopts it.
	raw, err := types.Payload{BookID: testBook, BookVersionID: testVersion, ChapterIndex: types.IntPtr(0), SectionCount: 5, NextSectionIndex: 3}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ok, err := h.store.UpdateAtomic(dbctx.Background(), ch.ID, jobsrepo.InStatus(types.JobStatusQueued), map[string]interface{}{"payload": raw})
	if err != nil || !ok {
		t.Fatalf("rewrite payload: ok=%v err=%v", ok, err)
	}
	got := h.tickChapter()
	secs = h.jobs(jobsrepo.Filter{Types: []types.JobType{types.JobTypeSection}, SectionIndex: types.IntPtr(3)})
	if len(secs) != 1 {
		t.Fatalf("resume duplicated section 3: %d jobs", len(secs))
	}
	if p := h.payload(got); p.PendingSectionJobID != secs[0].ID.String() {
		t.Fatalf("live job not adopted: pending=%s want %s", p.PendingSectionJobID, secs[0].ID)
	}
}

func TestChapterPermanentFailureDeadLetters(t *testing.T) {
	h := newHarness(t, 2)
	ch := h.chapterJob(0, types.Payload{})

	h.tickChapter()
	sec := h.runLeaf(types.JobTypeSection, types.Permanent("OPENAI_API_KEY not configured"))
	got := h.tickChapter()
	if got.Status != types.JobStatusDeadLetter || !strings.Contains(got.Error, string(deadletter.ReasonPermanent)) {
		t.Fatalf("chapter: status=%s error=%q", got.Status, got.Error)
	}
	if sec = h.get(sec.ID); sec.Status != types.JobStatusDeadLetter {
		t.Fatalf("failed section should be dead-lettered with its chapter, is %s", sec.Status)
	}
	if len(h.events(ch.ID, types.JobEventDeadLettered)) != 1 {
		t.Fatalf("expected a dead_lettered event")
	}
}

func TestChapterSectionAttemptsBoundAndMonotonicEscalation(t *testing.T) {
	h := newHarness(t, 1)
	h.chapterJob(0, types.Payload{})
	h.tickChapter()

	lastLevel, lastBudget := -1, 1<<30
	var got *types.Job
	for attempt := 1; attempt <= 10; attempt++ {
		h.runLeaf(types.JobTypeSection, types.Classified(types.ClassTimeout, errors.New("request timed out")))
		got = h.tickChapter()
		if got.Status == types.JobStatusDeadLetter {
			break
		}
		sec := h.sections(0)[0]
		esc := h.payload(sec).Escalation
		if esc == nil {
			t.Fatalf("attempt %d: no escalation recorded", attempt)
		}
		if esc.Level < lastLevel || esc.MaxOutputTokens > lastBudget {
			t.Fatalf("attempt %d: escalation went backwards: %+v", attempt, *esc)
		}
		lastLevel, lastBudget = esc.Level, esc.MaxOutputTokens
	}
	if got.Status != types.JobStatusDeadLetter || !strings.Contains(got.Error, string(deadletter.ReasonSectionAttempts)) {
		t.Fatalf("expected section_attempts dead letter, got status=%s error=%q", got.Status, got.Error)
	}
	if p := h.payload(got); p.AttemptsAtCurrentSection != 4 {
		t.Fatalf("expected 4 retries before the fifth failure dead-lettered, got %d", p.AttemptsAtCurrentSection)
	}
	if lastLevel < 1 {
		t.Fatalf("persistent timeouts should have escalated the backend, level=%d", lastLevel)
	}
}

func TestChapterHardCap(t *testing.T) {
	h := newHarness(t, 3)
	h.chapterJob(0, types.Payload{SectionCount: 3, OrchestratorAttempts: DefaultHardCap})
	got := h.tickChapter()
	if got.Status != types.JobStatusDeadLetter || !strings.Contains(got.Error, string(deadletter.ReasonOrchestratorCap)) {
		t.Fatalf("expected orchestrator cap dead letter, got status=%s error=%q", got.Status, got.Error)
	}
	if n := len(h.sections(0)); n != 0 {
		t.Fatalf("no section should be dispatched past the cap, have %d", n)
	}
}

func TestChapterInvariantViolationFails(t *testing.T) {
	h := newHarness(t, 3)
	h.chapterJob(0, types.Payload{SectionCount: 3, NextSectionIndex: 1, PendingSectionJobID: uuid.NewString()})
	got := h.tickChapter()
	if got.Status != types.JobStatusFailed || !strings.Contains(got.Error, "invariant") {
		t.Fatalf("expected invariant failure, got status=%s error=%q", got.Status, got.Error)
	}
	if p := h.payload(got); p.NextSectionIndex != 1 {
		t.Fatalf("cursor must not move on an invariant failure, is %d", p.NextSectionIndex)
	}
}

func TestChapterAuditBlocksCompletion(t *testing.T) {
	h := newHarness(t, 2)
	h.doneSection(0, 1)
	h.chapterJob(0, types.Payload{SectionCount: 2, NextSectionIndex: 2})
	got := h.tickChapter()
	if got.Status != types.JobStatusFailed || !strings.Contains(got.Error, "[0]") {
		t.Fatalf("expected audit failure naming section 0, got status=%s error=%q", got.Status, got.Error)
	}
}

func TestChapterMissingOutlineIsPermanent(t *testing.T) {
	h := newHarness(t)
	h.chapterJob(0, types.Payload{})
	got := h.tickChapter()
	if got.Status != types.JobStatusFailed || got.ErrorClass != string(types.ClassPermanent) {
		t.Fatalf("expected permanent failure, got status=%s class=%s", got.Status, got.ErrorClass)
	}
}
