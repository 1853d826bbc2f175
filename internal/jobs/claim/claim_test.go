package claim

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
)

func newJob(typ types.JobType, book string, chapter *int, created time.Time) *types.Job {
	return &types.Job{
		TenantID:      "t1",
		Type:          typ,
		Status:        types.JobStatusQueued,
		BookID:        book,
		BookVersionID: "v1",
		ChapterIndex:  chapter,
		CreatedAt:     created,
	}
}

func setup(t *testing.T) (jobsrepo.JobStore, *Claimer) {
	t.Helper()
	db := testutil.DB(t)
	store := jobsrepo.NewJobStore(db, testutil.Logger(t))
	return store, New(store, testutil.Logger(t), Options{StaleAfter: 5 * time.Minute, Worker: "test"})
}

func TestClaimNextOrder(t *testing.T) {
	store, c := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := newJob(types.JobTypeIndex, "b1", nil, now.Add(-3*time.Minute))
	newer := newJob(types.JobTypeIndex, "b2", nil, now.Add(-2*time.Minute))
	later := newJob(types.JobTypeIndex, "b3", nil, now.Add(-4*time.Minute))
	notBefore := now.Add(time.Hour)
	later.NotBefore = &notBefore
	hb := now.Add(-30 * time.Second)
	fresh := newJob(types.JobTypeIndex, "b4", nil, now.Add(-10*time.Minute))
	fresh.Status = types.JobStatusProcessing
	fresh.HeartbeatAt = &hb
	if err := store.Insert(dbctx.Background(), older, newer, later, fresh); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for i, want := range []*types.Job{older, newer} {
		got, err := c.ClaimNext(ctx, Filter{TenantID: "t1"})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil || got.ID != want.ID {
			t.Fatalf("claim %d: expected %s, got %+v", i, want.ID, got)
		}
		if got.Status != types.JobStatusProcessing || got.ClaimEpoch != 1 || got.HeartbeatAt == nil || got.StartedAt == nil {
			t.Fatalf("claim %d: lease fields not set: %+v", i, got)
		}
	}
	got, err := c.ClaimNext(ctx, Filter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nothing claimable (deferred and fresh jobs only), got %s", got.ID)
	}
}

func TestClaimNextFiltersByType(t *testing.T) {
	store, c := setup(t)
	now := time.Now().UTC()
	idx := newJob(types.JobTypeIndex, "b1", nil, now.Add(-time.Minute))
	glo := newJob(types.JobTypeGlossary, "b1", nil, now)
	if err := store.Insert(dbctx.Background(), idx, glo); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := c.ClaimNext(context.Background(), Filter{Types: []types.JobType{types.JobTypeGlossary}})
	if err != nil || got == nil || got.ID != glo.ID {
		t.Fatalf("expected glossary job, got %+v err=%v", got, err)
	}
}

func TestClaimNextReclaimsStale(t *testing.T) {
	store, c := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-10 * time.Minute)
	abandoned := newJob(types.JobTypeSection, "b1", types.IntPtr(0), now.Add(-20*time.Minute))
	abandoned.SectionIndex = types.IntPtr(0)
	abandoned.Status = types.JobStatusProcessing
	abandoned.HeartbeatAt = &old
	abandoned.ClaimEpoch = 4
	marked := newJob(types.JobTypeIndex, "b2", nil, now.Add(-time.Minute))
	marked.Status = types.JobStatusStale
	if err := store.Insert(dbctx.Background(), abandoned, marked); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	first, err := c.ClaimNext(ctx, Filter{})
	if err != nil || first == nil || first.ID != marked.ID {
		t.Fatalf("stale-marked jobs come before expired leases: got %+v err=%v", first, err)
	}
	second, err := c.ClaimNext(ctx, Filter{})
	if err != nil || second == nil || second.ID != abandoned.ID {
		t.Fatalf("expected expired lease to be reclaimed: got %+v err=%v", second, err)
	}
	if second.ClaimEpoch != 5 {
		t.Fatalf("reclaim must bump the epoch, got %d", second.ClaimEpoch)
	}

	// The original holder is fenced out.
	ok, err := store.UpdateAtomic(dbctx.Background(), abandoned.ID, jobsrepo.Held(4), map[string]interface{}{"stage": "late write"})
	if err != nil || ok {
		t.Fatalf("write with the old epoch must not apply: ok=%v err=%v", ok, err)
	}
	if again, err := c.ClaimNext(ctx, Filter{}); err != nil || again != nil {
		t.Fatalf("freshly reclaimed job must not be handed out again: %+v err=%v", again, err)
	}
}

func TestClaimNextSkipsBusyChapter(t *testing.T) {
	store, c := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	section := newJob(types.JobTypeSection, "b1", types.IntPtr(2), now.Add(-2*time.Minute))
	section.SectionIndex = types.IntPtr(0)
	chapter := newJob(types.JobTypeChapter, "b1", types.IntPtr(2), now.Add(-time.Minute))
	if err := store.Insert(dbctx.Background(), section, chapter); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	first, err := c.ClaimNext(ctx, Filter{})
	if err != nil || first == nil || first.ID != section.ID {
		t.Fatalf("expected section first: %+v err=%v", first, err)
	}
	second, err := c.ClaimNext(ctx, Filter{})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("a second job of a processing chapter must not be claimed, got %s", second.Label())
	}
}

func TestClaimNextLooksPastBusyChapters(t *testing.T) {
	store, c := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// more yielded chapters than one selection batch, each waiting on a processing section
	for i := 0; i < defaultBatch+2; i++ {
		section := newJob(types.JobTypeSection, "b1", types.IntPtr(i), now.Add(-time.Hour))
		section.SectionIndex = types.IntPtr(0)
		section.Status = types.JobStatusProcessing
		section.HeartbeatAt = &now
		chapter := newJob(types.JobTypeChapter, "b1", types.IntPtr(i), now.Add(-30*time.Minute+time.Duration(i)*time.Second))
		if err := store.Insert(dbctx.Background(), section, chapter); err != nil {
			t.Fatalf("Insert chapter %d: %v", i, err)
		}
	}
	index := newJob(types.JobTypeIndex, "b1", nil, now.Add(-time.Minute))
	if err := store.Insert(dbctx.Background(), index); err != nil {
		t.Fatalf("Insert index: %v", err)
	}

	got, err := c.ClaimNext(ctx, Filter{})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got == nil || got.ID != index.ID {
		t.Fatalf("expected the queued index job behind the busy chapters, got %+v", got)
	}
}

func TestClaimNextMutualExclusion(t *testing.T) {
	store, c := setup(t)
	now := time.Now().UTC()

	const jobs = 24
	for i := 0; i < jobs; i++ {
		j := newJob(types.JobTypeIndex, fmt.Sprintf("book-%d", i), nil, now.Add(time.Duration(-jobs+i)*time.Second))
		if err := store.Insert(dbctx.Background(), j); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := c.ClaimNext(context.Background(), Filter{})
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}
