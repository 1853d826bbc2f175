package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/deadletter"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

// ErrInvalidRequest marks caller mistakes (unknown type, missing ids, indices on the wrong job type).
var ErrInvalidRequest = errors.New("invalid job request")

const DefaultLeafMaxRetries = 3

type EnqueueRequest struct {
	TenantID      string
	BookID        string
	BookVersionID string
	Type          types.JobType
	ChapterIndex  *int
	SectionIndex  *int
	Title         string
	// MaxRetries bounds leaf jobs; zero takes the service default. Orchestrating types ignore it.
	MaxRetries int
	Actor      string
}

// RunStatus is the aggregate state of one book version's jobs.
type RunStatus struct {
	BookID        string                  `json:"book_id"`
	BookVersionID string                  `json:"book_version_id"`
	Total         int                     `json:"total"`
	Counts        map[types.JobStatus]int `json:"counts"`
	Active        int                     `json:"active"`
	Failed        int                     `json:"failed"`
	DeadLettered  int                     `json:"dead_lettered"`
	Done          int                     `json:"done"`
	// Complete means at least one job exists and every job is done.
	Complete bool `json:"complete"`
}

type JobService interface {
	// EnqueueRoot creates a caller-owned job. When a live root job with the same identity exists it is
	// returned instead and created is false.
	EnqueueRoot(dbc dbctx.Context, req EnqueueRequest) (job *types.Job, created bool, err error)
	Get(dbc dbctx.Context, tenantID string, id uuid.UUID) (*types.Job, error)
	ListForBook(dbc dbctx.Context, tenantID, bookID, versionID string) ([]*types.Job, error)
	RunStatus(dbc dbctx.Context, tenantID, bookID, versionID string) (*RunStatus, error)
	Events(dbc dbctx.Context, tenantID string, id uuid.UUID, limit int) ([]*types.JobEvent, error)
	Reset(dbc dbctx.Context, tenantID string, id uuid.UUID, opts deadletter.ResetOptions) (*types.Job, error)
}

type jobService struct {
	store          jobsrepo.JobStore
	log            *logger.Logger
	notify         runtime.Notifier
	leafMaxRetries int
}

func NewJobService(store jobsrepo.JobStore, baseLog *logger.Logger, notify runtime.Notifier, leafMaxRetries int) JobService {
	if notify == nil {
		notify = runtime.NopNotifier{}
	}
	if leafMaxRetries <= 0 {
		leafMaxRetries = DefaultLeafMaxRetries
	}
	return &jobService{
		store:          store,
		log:            baseLog.With("service", "JobService"),
		notify:         notify,
		leafMaxRetries: leafMaxRetries,
	}
}

func (s *jobService) EnqueueRoot(dbc dbctx.Context, req EnqueueRequest) (*types.Job, bool, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.BookID = strings.TrimSpace(req.BookID)
	req.BookVersionID = strings.TrimSpace(req.BookVersionID)
	if err := validateEnqueue(req); err != nil {
		return nil, false, err
	}

	p := types.Payload{
		BookID:        req.BookID,
		BookVersionID: req.BookVersionID,
		ChapterIndex:  req.ChapterIndex,
		SectionIndex:  req.SectionIndex,
		Title:         strings.TrimSpace(req.Title),
	}
	raw, err := p.Encode()
	if err != nil {
		return nil, false, err
	}
	job := &types.Job{
		TenantID:      req.TenantID,
		Type:          req.Type,
		Status:        types.JobStatusQueued,
		Stage:         "queued",
		BookID:        req.BookID,
		BookVersionID: req.BookVersionID,
		ChapterIndex:  req.ChapterIndex,
		SectionIndex:  req.SectionIndex,
		Payload:       raw,
	}
	if req.Type.Generative() {
		job.MaxRetries = req.MaxRetries
		if job.MaxRetries <= 0 {
			job.MaxRetries = s.leafMaxRetries
		}
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "api"
	}

	var (
		out     *types.Job
		created bool
	)
	err = s.store.WithTx(dbc.Ctx, func(tx dbctx.Context) error {
		existing, err := s.store.Query(tx, jobsrepo.Filter{
			TenantID:      req.TenantID,
			Types:         []types.JobType{req.Type},
			Statuses:      []types.JobStatus{types.JobStatusQueued, types.JobStatusProcessing, types.JobStatusStale},
			BookID:        req.BookID,
			BookVersionID: req.BookVersionID,
			ChapterIndex:  req.ChapterIndex,
			SectionIndex:  req.SectionIndex,
		})
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.ParentJobID == nil && sameIndex(e.ChapterIndex, req.ChapterIndex) && sameIndex(e.SectionIndex, req.SectionIndex) {
				out = e
				return nil
			}
		}
		if err := s.store.Insert(tx, job); err != nil {
			return err
		}
		ev := types.NewJobEvent(job, types.JobEventCreated, "enqueued "+job.Label())
		ev.Actor = actor
		if err := s.store.AppendEvent(tx, ev); err != nil {
			return err
		}
		out = job
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", req.Type, err)
	}
	if created {
		s.log.Info("job enqueued", "job_id", out.ID, "job", out.Label(), "book_id", out.BookID, "book_version_id", out.BookVersionID)
		s.notify.JobCreated(out)
	} else {
		s.log.Debug("live job already queued", "job_id", out.ID, "job", out.Label())
	}
	return out, created, nil
}

func validateEnqueue(req EnqueueRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidRequest, req.Type)
	}
	if req.TenantID == "" || req.BookID == "" || req.BookVersionID == "" {
		return fmt.Errorf("%w: tenant, book and version are required", ErrInvalidRequest)
	}
	negative := func(v *int) bool { return v != nil && *v < 0 }
	if negative(req.ChapterIndex) || negative(req.SectionIndex) {
		return fmt.Errorf("%w: indices must be non-negative", ErrInvalidRequest)
	}
	switch req.Type {
	case types.JobTypeChapter:
		if req.ChapterIndex == nil || req.SectionIndex != nil {
			return fmt.Errorf("%w: chapter jobs take a chapter index only", ErrInvalidRequest)
		}
	case types.JobTypeSection:
		if req.ChapterIndex == nil || req.SectionIndex == nil {
			return fmt.Errorf("%w: section jobs take chapter and section indices", ErrInvalidRequest)
		}
	default:
		if req.ChapterIndex != nil || req.SectionIndex != nil {
			return fmt.Errorf("%w: %s jobs are book level", ErrInvalidRequest, req.Type)
		}
	}
	return nil
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *jobService) Get(dbc dbctx.Context, tenantID string, id uuid.UUID) (*types.Job, error) {
	job, err := s.store.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && job.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", jobsrepo.ErrNotFound, id)
	}
	return job, nil
}

func (s *jobService) ListForBook(dbc dbctx.Context, tenantID, bookID, versionID string) ([]*types.Job, error) {
	if strings.TrimSpace(bookID) == "" || strings.TrimSpace(versionID) == "" {
		return nil, fmt.Errorf("%w: book and version are required", ErrInvalidRequest)
	}
	return s.store.Query(dbc, jobsrepo.Filter{TenantID: tenantID, BookID: bookID, BookVersionID: versionID})
}

func (s *jobService) RunStatus(dbc dbctx.Context, tenantID, bookID, versionID string) (*RunStatus, error) {
	jobs, err := s.ListForBook(dbc, tenantID, bookID, versionID)
	if err != nil {
		return nil, err
	}
	return Summarize(bookID, versionID, jobs), nil
}

// Summarize counts jobs per status.
func Summarize(bookID, versionID string, jobs []*types.Job) *RunStatus {
	st := &RunStatus{
		BookID:        bookID,
		BookVersionID: versionID,
		Total:         len(jobs),
		Counts:        map[types.JobStatus]int{},
	}
	for _, j := range jobs {
		st.Counts[j.Status]++
		switch {
		case j.Status.Active():
			st.Active++
		case j.Status == types.JobStatusFailed:
			st.Failed++
		case j.Status == types.JobStatusDeadLetter:
			st.DeadLettered++
		case j.Status == types.JobStatusDone:
			st.Done++
		}
	}
	st.Complete = st.Total > 0 && st.Done == st.Total
	return st
}

func (s *jobService) Events(dbc dbctx.Context, tenantID string, id uuid.UUID, limit int) ([]*types.JobEvent, error) {
	if _, err := s.Get(dbc, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(dbc, id, limit)
}

func (s *jobService) Reset(dbc dbctx.Context, tenantID string, id uuid.UUID, opts deadletter.ResetOptions) (*types.Job, error) {
	if _, err := s.Get(dbc, tenantID, id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Actor) == "" {
		opts.Actor = "operator"
	}
	job, err := deadletter.Reset(dbc, s.store, id, opts)
	if err != nil {
		return nil, err
	}
	s.log.Info("job reset", "job_id", job.ID, "job", job.Label(), "actor", opts.Actor, "reason", opts.Reason)
	s.notify.JobProgress(job, "reset", opts.Reason)
	return job, nil
}
