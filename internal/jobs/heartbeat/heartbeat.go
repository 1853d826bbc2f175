// Package heartbeat keeps a claimed job's lease alive and detects leases that were abandoned.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultStaleAfter = 5 * time.Minute
)

type Liveness string

const (
	LivenessFresh   Liveness = "fresh"
	LivenessStale   Liveness = "stale"
	LivenessNotHeld Liveness = "not_held"
)

// Classify reports how a job's lease looks at now. Only processing jobs hold a lease.
func Classify(job *types.Job, now time.Time, staleAfter time.Duration) Liveness {
	if job == nil || job.Status != types.JobStatusProcessing {
		return LivenessNotHeld
	}
	if job.HeartbeatAt == nil || now.Sub(*job.HeartbeatAt) > staleAfter {
		return LivenessStale
	}
	return LivenessFresh
}

type Keeper struct {
	store    jobsrepo.JobStore
	log      *logger.Logger
	interval time.Duration
	now      func() time.Time
}

func NewKeeper(store jobsrepo.JobStore, log *logger.Logger, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Keeper{
		store:    store,
		log:      log.With("component", "HeartbeatKeeper"),
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Keep renews job's heartbeat every interval until stop is called. A renewal that finds the lease gone
// cancels the returned context with runtime.ErrLeaseLost as its cause, and stop returns that error.
// Transient renewal errors are logged and retried on the next tick.
func (k *Keeper) Keep(ctx context.Context, job *types.Job) (context.Context, func() error) {
	workCtx, cancel := context.WithCancelCause(ctx)
	epoch := job.ClaimEpoch
	id := job.ID

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		lost error
	)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-workCtx.Done():
				return
			case <-ticker.C:
				now := k.now()
				ok, err := k.store.UpdateAtomic(dbctx.With(ctx), id, jobsrepo.Held(epoch), map[string]interface{}{
					"heartbeat_at": now,
					"updated_at":   now,
				})
				if err != nil {
					k.log.Warn("heartbeat renewal failed", "job_id", id, "error", err)
					continue
				}
				if !ok {
					k.log.Warn("heartbeat lease lost", "job_id", id, "epoch", epoch)
					mu.Lock()
					lost = fmt.Errorf("%w: %s epoch %d", runtime.ErrLeaseLost, id, epoch)
					mu.Unlock()
					cancel(runtime.ErrLeaseLost)
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() error {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(nil)
		})
		mu.Lock()
		defer mu.Unlock()
		return lost
	}
	return workCtx, stop
}

// Sweep marks processing jobs with an expired heartbeat as stale so operators can see them. Claimers
// reclaim expired jobs either way; sweeping only makes the state visible earlier.
func Sweep(ctx context.Context, store jobsrepo.JobStore, log *logger.Logger, tenantID string, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter)
	dbc := dbctx.With(ctx)
	candidates, err := store.Query(dbc, jobsrepo.Filter{
		TenantID:        tenantID,
		Statuses:        []types.JobStatus{types.JobStatusProcessing},
		HeartbeatBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n := 0
	for _, job := range candidates {
		expect := jobsrepo.At(types.JobStatusProcessing, job.ClaimEpoch)
		expect.HeartbeatBefore = &cutoff
		ok, err := store.UpdateAtomic(dbc, job.ID, expect, map[string]interface{}{
			"status":     types.JobStatusStale,
			"stage":      "stale",
			"updated_at": now,
		})
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		job.Status = types.JobStatusStale
		job.Stage = "stale"
		age := "never"
		if job.HeartbeatAt != nil {
			age = now.Sub(*job.HeartbeatAt).Round(time.Second).String()
		}
		if err := store.AppendEvent(dbc, types.NewJobEvent(job, types.JobEventStale, "heartbeat age "+age)); err != nil {
			return n, err
		}
		log.Warn("job marked stale", "job_id", job.ID, "job_type", job.Type, "heartbeat_age", age)
		n++
	}
	return n, nil
}
