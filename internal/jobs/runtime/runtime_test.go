package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
)

type stubHandler struct{ t types.JobType }

func (h stubHandler) Type() types.JobType { return h.t }
func (h stubHandler) Run(*Context) error  { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubHandler{t: types.JobTypeSection}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(stubHandler{t: types.JobTypeSection}); err == nil {
		t.Fatalf("duplicate registration must fail")
	}
	if err := r.Register(stubHandler{t: "poem"}); err == nil {
		t.Fatalf("unknown job type must fail")
	}
	if err := r.Register(nil); err == nil {
		t.Fatalf("nil handler must fail")
	}
	if _, ok := r.Get(types.JobTypeSection); !ok {
		t.Fatalf("registered handler not found")
	}
	if got := r.Types(); len(got) != 1 || got[0] != types.JobTypeSection {
		t.Fatalf("Types = %v", got)
	}
}

func claimed(t *testing.T, store jobsrepo.JobStore, maxRetries int) *types.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &types.Job{
		TenantID:      "t1",
		Type:          types.JobTypeSection,
		Status:        types.JobStatusProcessing,
		Stage:         "claimed",
		BookID:        "b1",
		BookVersionID: "v1",
		ChapterIndex:  types.IntPtr(0),
		SectionIndex:  types.IntPtr(0),
		MaxRetries:    maxRetries,
		ClaimEpoch:    1,
		HeartbeatAt:   &now,
	}
	if err := store.Insert(dbctx.Background(), job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return job
}

func eventKinds(t *testing.T, store jobsrepo.JobStore, job *types.Job) []types.JobEventKind {
	t.Helper()
	events, err := store.ListEvents(dbctx.Background(), job.ID, 50)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	out := make([]types.JobEventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestFailThenDeadLetterAtMaxRetries(t *testing.T) {
	store := jobsrepo.NewJobStore(testutil.DB(t), testutil.Logger(t))
	job := claimed(t, store, 2)

	jc := NewContext(context.Background(), job, store, nil, testutil.Logger(t))
	if err := jc.Fail("generate", types.Classified(types.ClassTransient, errors.New("upstream 503"))); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !jc.Reported() || job.Status != types.JobStatusFailed || job.RetryCount != 1 || job.ErrorClass != string(types.ClassTransient) {
		t.Fatalf("unexpected job after first failure: %s retry=%d class=%q", job.Status, job.RetryCount, job.ErrorClass)
	}

	// the second attempt reaches max_retries
	if ok, err := store.UpdateAtomic(dbctx.Background(), job.ID, jobsrepo.InStatus(types.JobStatusFailed), map[string]interface{}{
		"status": types.JobStatusProcessing, "claim_epoch": 2,
	}); err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	job.Status, job.ClaimEpoch = types.JobStatusProcessing, 2
	jc = NewContext(context.Background(), job, store, nil, testutil.Logger(t))
	if err := jc.Fail("generate", types.Classified(types.ClassTransient, errors.New("upstream 503"))); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, err := store.GetByID(dbctx.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.JobStatusDeadLetter || got.RetryCount != 2 {
		t.Fatalf("expected dead_letter at retry 2, got %s retry=%d", got.Status, got.RetryCount)
	}
	seen := map[types.JobEventKind]int{}
	for _, k := range eventKinds(t, store, job) {
		seen[k]++
	}
	if seen[types.JobEventFailed] != 1 || seen[types.JobEventDeadLettered] != 1 {
		t.Fatalf("unexpected events %v", seen)
	}
}

func TestYieldWritesEventOnStageChangeOnly(t *testing.T) {
	store := jobsrepo.NewJobStore(testutil.DB(t), testutil.Logger(t))
	job := claimed(t, store, 0)

	for i := 0; i < 2; i++ {
		jc := NewContext(context.Background(), job, store, nil, testutil.Logger(t))
		if err := jc.Yield("awaiting_section", time.Second); err != nil {
			t.Fatalf("Yield %d: %v", i, err)
		}
		if job.Status != types.JobStatusQueued || job.NotBefore == nil {
			t.Fatalf("yield must requeue with not_before, got %s", job.Status)
		}
		// put it back as the next claim would
		job.ClaimEpoch++
		if ok, err := store.UpdateAtomic(dbctx.Background(), job.ID, jobsrepo.InStatus(types.JobStatusQueued), map[string]interface{}{
			"status": types.JobStatusProcessing, "claim_epoch": job.ClaimEpoch,
		}); err != nil || !ok {
			t.Fatalf("reclaim: ok=%v err=%v", ok, err)
		}
		job.Status = types.JobStatusProcessing
	}
	if kinds := eventKinds(t, store, job); len(kinds) != 1 || kinds[0] != types.JobEventYielded {
		t.Fatalf("expected a single yielded event, got %v", kinds)
	}
}

func TestTransitionsAreFencedByEpoch(t *testing.T) {
	store := jobsrepo.NewJobStore(testutil.DB(t), testutil.Logger(t))
	job := claimed(t, store, 0)

	// another worker reclaimed the job
	if ok, err := store.UpdateAtomic(dbctx.Background(), job.ID, jobsrepo.Held(1), map[string]interface{}{"claim_epoch": 2}); err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}

	jc := NewContext(context.Background(), job, store, nil, testutil.Logger(t))
	if err := jc.Progress("generating", ""); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Progress: expected ErrLeaseLost, got %v", err)
	}
	if err := jc.Succeed("done"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Succeed: expected ErrLeaseLost, got %v", err)
	}
	if err := jc.Fail("generate", errors.New("boom")); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Fail: expected ErrLeaseLost, got %v", err)
	}
	if jc.Reported() || job.RetryCount != 0 {
		t.Fatalf("a fenced-out holder must not report: reported=%v retry=%d", jc.Reported(), job.RetryCount)
	}
}

func TestSpawnInheritsTenantAndParent(t *testing.T) {
	store := jobsrepo.NewJobStore(testutil.DB(t), testutil.Logger(t))
	parent := claimed(t, store, 0)
	jc := NewContext(context.Background(), parent, store, nil, testutil.Logger(t))

	child := &types.Job{Type: types.JobTypeIndex, BookID: "b1", BookVersionID: "v1"}
	if err := jc.Spawn(child); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	got, err := store.GetByID(dbctx.Background(), child.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.TenantID != "t1" || got.ParentJobID == nil || *got.ParentJobID != parent.ID || got.Status != types.JobStatusQueued {
		t.Fatalf("unexpected child %+v", got)
	}
	if kinds := eventKinds(t, store, child); len(kinds) != 1 || kinds[0] != types.JobEventCreated {
		t.Fatalf("expected created event, got %v", kinds)
	}
}
