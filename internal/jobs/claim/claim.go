// Package claim hands out jobs to workers. Selection and the transition to processing happen in one
// conditional write per candidate, so two claimers racing for the same row cannot both win.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	defaultBatch      = 16
)

type Filter struct {
	TenantID      string
	Types         []types.JobType
	BookID        string
	BookVersionID string
}

type Options struct {
	StaleAfter time.Duration
	// Batch is how many candidates each selection pass considers. Rows of busy chapters are filtered out
	// by the selection itself, so a full batch of them cannot hide claimable work further down.
	Batch  int
	Worker string
	Now    func() time.Time
}

type Claimer struct {
	store      jobsrepo.JobStore
	log        *logger.Logger
	staleAfter time.Duration
	batch      int
	worker     string
	now        func() time.Time
}

func New(store jobsrepo.JobStore, log *logger.Logger, opts Options) *Claimer {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Claimer{
		store:      store,
		log:        log.With("component", "Claimer"),
		staleAfter: opts.StaleAfter,
		batch:      opts.Batch,
		worker:     opts.Worker,
		now:        opts.Now,
	}
}

func (c *Claimer) StaleAfter() time.Duration { return c.staleAfter }

type pass struct {
	name   string
	status types.JobStatus
	filter func(now, cutoff time.Time) jobsrepo.Filter
	expect func(job *types.Job, cutoff time.Time) jobsrepo.Expect
}

// ClaimNext returns the next job this caller now holds, or nil when nothing is claimable. Queued jobs
// whose not_before has passed go first (oldest first), then jobs marked stale, then processing jobs
// whose heartbeat is older than the staleness threshold. A fresh processing job is never returned.
func (c *Claimer) ClaimNext(ctx context.Context, f Filter) (*types.Job, error) {
	now := c.now()
	cutoff := now.Add(-c.staleAfter)
	dbc := dbctx.With(ctx)

	base := jobsrepo.Filter{
		TenantID:      f.TenantID,
		Types:         f.Types,
		BookID:        f.BookID,
		BookVersionID: f.BookVersionID,
		Limit:         c.batch,
	}
	passes := []pass{
		{
			name:   "queued",
			status: types.JobStatusQueued,
			filter: func(now, _ time.Time) jobsrepo.Filter {
				q := base
				q.Statuses = []types.JobStatus{types.JobStatusQueued}
				q.RunnableAt = &now
				q.ChapterIdle = true
				return q
			},
			expect: func(job *types.Job, _ time.Time) jobsrepo.Expect {
				return jobsrepo.At(types.JobStatusQueued, job.ClaimEpoch)
			},
		},
		{
			name:   "stale",
			status: types.JobStatusStale,
			filter: func(_, _ time.Time) jobsrepo.Filter {
				q := base
				q.Statuses = []types.JobStatus{types.JobStatusStale}
				q.ChapterIdle = true
				return q
			},
			expect: func(job *types.Job, _ time.Time) jobsrepo.Expect {
				return jobsrepo.At(types.JobStatusStale, job.ClaimEpoch)
			},
		},
		{
			name:   "expired",
			status: types.JobStatusProcessing,
			filter: func(_, cutoff time.Time) jobsrepo.Filter {
				q := base
				q.Statuses = []types.JobStatus{types.JobStatusProcessing}
				q.HeartbeatBefore = &cutoff
				q.Order = "heartbeat_at ASC, id ASC"
				return q
			},
			expect: func(job *types.Job, cutoff time.Time) jobsrepo.Expect {
				e := jobsrepo.At(types.JobStatusProcessing, job.ClaimEpoch)
				e.HeartbeatBefore = &cutoff
				return e
			},
		},
	}

	for _, p := range passes {
		candidates, err := c.store.Query(dbc, p.filter(now, cutoff))
		if err != nil {
			return nil, fmt.Errorf("claim %s candidates: %w", p.name, err)
		}
		for _, cand := range candidates {
			won, err := c.tryClaim(dbc, cand, p.expect(cand, cutoff), now)
			if err != nil {
				return nil, err
			}
			if won {
				if p.status != types.JobStatusQueued {
					c.log.Warn("reclaimed job", "job_id", cand.ID, "job_type", cand.Type, "from", p.name, "epoch", cand.ClaimEpoch)
				}
				return cand, nil
			}
		}
	}
	return nil, nil
}

func (c *Claimer) tryClaim(dbc dbctx.Context, job *types.Job, expect jobsrepo.Expect, now time.Time) (bool, error) {
	from := job.Status
	ok, err := c.store.UpdateAtomic(dbc, job.ID, expect, map[string]interface{}{
		"status":       types.JobStatusProcessing,
		"stage":        "claimed",
		"heartbeat_at": now,
		"started_at":   now,
		"not_before":   nil,
		"claim_epoch":  gorm.Expr("claim_epoch + 1"),
		"updated_at":   now,
	})
	if errors.Is(err, jobsrepo.ErrChapterBusy) {
		c.log.Debug("chapter busy, skipping candidate", "job_id", job.ID, "chapter_key", deref(job.ChapterKey))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", job.ID, err)
	}
	if !ok {
		return false, nil
	}

	job.Status = types.JobStatusProcessing
	job.Stage = "claimed"
	job.HeartbeatAt = &now
	job.StartedAt = &now
	job.NotBefore = nil
	job.ClaimEpoch++
	job.UpdatedAt = now

	ev := types.NewJobEvent(job, types.JobEventClaimed, c.worker)
	ev.Data = []byte(fmt.Sprintf(`{"from":%q,"epoch":%d}`, from, job.ClaimEpoch))
	if err := c.store.AppendEvent(dbc, ev); err != nil {
		c.log.Warn("claim event not recorded", "job_id", job.ID, "error", err)
	}
	return true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
