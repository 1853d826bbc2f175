package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

// Expect is the precondition of a conditional write. Zero fields are not checked.
type Expect struct {
	Statuses []types.JobStatus
	// Epoch fences the write to one claim.
	Epoch *int64
	// HeartbeatBefore only matches rows whose heartbeat is missing or older than the cutoff.
	HeartbeatBefore *time.Time
}

func InStatus(statuses ...types.JobStatus) Expect {
	return Expect{Statuses: statuses}
}

// Held matches a processing row still owned by the claim with the given epoch.
func Held(epoch int64) Expect {
	return Expect{Statuses: []types.JobStatus{types.JobStatusProcessing}, Epoch: &epoch}
}

// At matches a row in the given status that nobody has claimed since it was read.
func At(status types.JobStatus, epoch int64) Expect {
	return Expect{Statuses: []types.JobStatus{status}, Epoch: &epoch}
}

type Filter struct {
	TenantID      string
	IDs           []uuid.UUID
	Types         []types.JobType
	Statuses      []types.JobStatus
	BookID        string
	BookVersionID string
	ParentJobID   *uuid.UUID
	ChapterIndex  *int
	SectionIndex  *int
	// RunnableAt only matches rows with no not_before or one at or before the time.
	RunnableAt *time.Time
	// HeartbeatBefore only matches rows whose heartbeat is missing or older than the time.
	HeartbeatBefore *time.Time
	// ChapterIdle drops rows whose chapter already has another job processing.
	ChapterIdle bool
	Order       string
	Limit       int
}

type JobStore interface {
	Insert(dbc dbctx.Context, jobs ...*types.Job) error
	Query(dbc dbctx.Context, f Filter) ([]*types.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	// UpdateAtomic applies patch only when the row still satisfies expect, and reports whether it did.
	// A patch that collides with the processing-per-chapter index returns ErrChapterBusy.
	UpdateAtomic(dbc dbctx.Context, id uuid.UUID, expect Expect, patch map[string]interface{}) (bool, error)
	AppendEvent(dbc dbctx.Context, ev *types.JobEvent) error
	ListEvents(dbc dbctx.Context, jobID uuid.UUID, limit int) ([]*types.JobEvent, error)
	WithTx(ctx context.Context, fn func(dbc dbctx.Context) error) error
}

type jobStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobStore(db *gorm.DB, baseLog *logger.Logger) JobStore {
	return &jobStore{
		db:  db,
		log: baseLog.With("repo", "JobStore"),
	}
}

func (r *jobStore) Insert(dbc dbctx.Context, jobs ...*types.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, j := range jobs {
		if j == nil {
			return fmt.Errorf("insert: nil job")
		}
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		if j.Status == "" {
			j.Status = types.JobStatusQueued
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = j.CreatedAt
		}
		if j.ChapterKey == nil && j.ChapterIndex != nil {
			key := types.ChapterKey(j.BookID, j.BookVersionID, *j.ChapterIndex)
			j.ChapterKey = &key
		}
		if len(j.Payload) == 0 {
			j.Payload = []byte("{}")
		}
	}
	if err := dbc.DB(r.db).Create(&jobs).Error; err != nil {
		return fmt.Errorf("insert jobs: %w", err)
	}
	return nil
}

func (r *jobStore) Query(dbc dbctx.Context, f Filter) ([]*types.Job, error) {
	q := dbc.DB(r.db).Model(&types.Job{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if len(f.Types) > 0 {
		q = q.Where("job_type IN ?", f.Types)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.BookID != "" {
		q = q.Where("book_id = ?", f.BookID)
	}
	if f.BookVersionID != "" {
		q = q.Where("book_version_id = ?", f.BookVersionID)
	}
	if f.ParentJobID != nil {
		q = q.Where("parent_job_id = ?", *f.ParentJobID)
	}
	if f.ChapterIndex != nil {
		q = q.Where("chapter_index = ?", *f.ChapterIndex)
	}
	if f.SectionIndex != nil {
		q = q.Where("section_index = ?", *f.SectionIndex)
	}
	if f.RunnableAt != nil {
		q = q.Where("(not_before IS NULL OR not_before <= ?)", f.RunnableAt.UTC())
	}
	if f.HeartbeatBefore != nil {
		q = q.Where("(heartbeat_at IS NULL OR heartbeat_at < ?)", f.HeartbeatBefore.UTC())
	}
	if f.ChapterIdle {
		q = q.Where("(chapter_key IS NULL OR NOT EXISTS (SELECT 1 FROM book_job p WHERE p.chapter_key = book_job.chapter_key AND p.status = ? AND p.id <> book_job.id))",
			types.JobStatusProcessing)
	}
	order := f.Order
	if order == "" {
		order = "created_at ASC, id ASC"
	}
	q = q.Order(order)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*types.Job
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return out, nil
}

func (r *jobStore) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	var job types.Job
	err := dbc.DB(r.db).Where("id = ?", id).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

func (r *jobStore) UpdateAtomic(dbc dbctx.Context, id uuid.UUID, expect Expect, patch map[string]interface{}) (bool, error) {
	if len(patch) == 0 {
		return false, fmt.Errorf("update job %s: empty patch", id)
	}
	if _, ok := patch["updated_at"]; !ok {
		patch["updated_at"] = time.Now().UTC()
	}
	q := dbc.DB(r.db).Model(&types.Job{}).Where("id = ?", id)
	switch len(expect.Statuses) {
	case 0:
	case 1:
		q = q.Where("status = ?", expect.Statuses[0])
	default:
		q = q.Where("status IN ?", expect.Statuses)
	}
	if expect.Epoch != nil {
		q = q.Where("claim_epoch = ?", *expect.Epoch)
	}
	if expect.HeartbeatBefore != nil {
		q = q.Where("(heartbeat_at IS NULL OR heartbeat_at < ?)", expect.HeartbeatBefore.UTC())
	}
	res := q.Updates(patch)
	if res.Error != nil {
		if IsUniqueViolation(res.Error) {
			return false, fmt.Errorf("update job %s: %w", id, ErrChapterBusy)
		}
		return false, fmt.Errorf("update job %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *jobStore) AppendEvent(dbc dbctx.Context, ev *types.JobEvent) error {
	if ev == nil {
		return nil
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := dbc.DB(r.db).Create(ev).Error; err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

func (r *jobStore) ListEvents(dbc dbctx.Context, jobID uuid.UUID, limit int) ([]*types.JobEvent, error) {
	q := dbc.DB(r.db).Where("job_id = ?", jobID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.JobEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	return out, nil
}

// WithTx runs fn in one transaction. Every store call inside fn must pass the dbctx it receives.
func (r *jobStore) WithTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}
