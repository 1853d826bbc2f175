package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/http/middleware"
	"github.com/yungbote/neurobridge-bookgen/internal/http/response"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/deadletter"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/apierr"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/services"
)

const defaultEventLimit = 200

type JobHandler struct {
	jobs services.JobService
}

func NewJobHandler(jobs services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type enqueueBody struct {
	Type         string `json:"type" binding:"required"`
	ChapterIndex *int   `json:"chapter_index"`
	SectionIndex *int   `json:"section_index"`
	Title        string `json:"title"`
	MaxRetries   int    `json:"max_retries"`
}

// POST /api/books/:bookId/versions/:versionId/jobs
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var body enqueueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	job, created, err := h.jobs.EnqueueRoot(dbctx.Context{Ctx: c.Request.Context()}, services.EnqueueRequest{
		TenantID:      middleware.TenantID(c),
		BookID:        c.Param("bookId"),
		BookVersionID: c.Param("versionId"),
		Type:          types.JobType(body.Type),
		ChapterIndex:  body.ChapterIndex,
		SectionIndex:  body.SectionIndex,
		Title:         body.Title,
		MaxRetries:    body.MaxRetries,
		Actor:         "api",
	})
	if err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	if created {
		response.RespondCreated(c, gin.H{"job": job, "created": true})
		return
	}
	response.RespondOK(c, gin.H{"job": job, "created": false})
}

// GET /api/books/:bookId/versions/:versionId/jobs
func (h *JobHandler) ListBookJobs(c *gin.Context) {
	jobs, err := h.jobs.ListForBook(dbctx.Context{Ctx: c.Request.Context()}, middleware.TenantID(c), c.Param("bookId"), c.Param("versionId"))
	if err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/books/:bookId/versions/:versionId/status
func (h *JobHandler) BookStatus(c *gin.Context) {
	st, err := h.jobs.RunStatus(dbctx.Context{Ctx: c.Request.Context()}, middleware.TenantID(c), c.Param("bookId"), c.Param("versionId"))
	if err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	response.RespondOK(c, gin.H{"status": st})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	limit := defaultEventLimit
	if raw := c.Query("events"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			limit = n
		}
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	tenant := middleware.TenantID(c)
	job, err := h.jobs.Get(dbc, tenant, jobID)
	if err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	events, err := h.jobs.Events(dbc, tenant, jobID, limit)
	if err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	response.RespondOK(c, gin.H{"job": job, "events": events})
}

type resetBody struct {
	Reason   string `json:"reason"`
	RewindTo *int   `json:"rewind_to"`
}

// POST /api/jobs/:id/reset
func (h *JobHandler) ResetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	var body resetBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
	}
	job, err := h.jobs.Reset(dbctx.Context{Ctx: c.Request.Context()}, middleware.TenantID(c), jobID, deadletter.ResetOptions{
		Actor:    "api",
		Reason:   body.Reason,
		RewindTo: body.RewindTo,
	})
	if err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

var jobErrors = apierr.Table{
	{Target: services.ErrInvalidRequest, Status: http.StatusBadRequest, Code: "invalid_request"},
	{Target: deadletter.ErrBadRewind, Status: http.StatusBadRequest, Code: "invalid_request"},
	{Target: jobsrepo.ErrNotFound, Status: http.StatusNotFound, Code: "job_not_found"},
	{Target: deadletter.ErrNotResettable, Status: http.StatusConflict, Code: "job_not_resettable"},
}

func toAPIError(err error) *apierr.Error {
	return jobErrors.Map(err)
}
