package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobEventKind string

const (
	JobEventCreated         JobEventKind = "created"
	JobEventClaimed         JobEventKind = "claimed"
	JobEventProgress        JobEventKind = "progress"
	JobEventYielded         JobEventKind = "yielded"
	JobEventFailed          JobEventKind = "failed"
	JobEventDone            JobEventKind = "done"
	JobEventDeadLettered    JobEventKind = "dead_lettered"
	JobEventStale           JobEventKind = "stale"
	JobEventReset           JobEventKind = "reset"
	JobEventAutofixRequeued JobEventKind = "autofix_requeued"
	JobEventAutofixHalted   JobEventKind = "autofix_halted"
)

// JobEvent is an append-only ledger of job transitions. Resets and auto-fix actions always write one,
// which is what makes them auditable.
type JobEvent struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	TenantID      string         `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	BookID        string         `gorm:"column:book_id;not null;index" json:"book_id"`
	BookVersionID string         `gorm:"column:book_version_id;not null" json:"book_version_id"`
	JobType       JobType        `gorm:"column:job_type;not null" json:"job_type"`
	Kind          JobEventKind   `gorm:"column:kind;not null;index" json:"kind"`
	Status        Status         `gorm:"column:status;not null" json:"status"`
	Stage         string         `gorm:"column:stage" json:"stage,omitempty"`
	Actor         string         `gorm:"column:actor" json:"actor,omitempty"`
	Message       string         `gorm:"column:message;type:text" json:"message,omitempty"`
	Data          datatypes.JSON `gorm:"column:data" json:"data,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
}

func (JobEvent) TableName() string { return "book_job_event" }

// NewJobEvent fills the identifying columns from the job.
func NewJobEvent(job *Job, kind JobEventKind, message string) *JobEvent {
	return &JobEvent{
		ID:            uuid.New(),
		JobID:         job.ID,
		TenantID:      job.TenantID,
		BookID:        job.BookID,
		BookVersionID: job.BookVersionID,
		JobType:       job.Type,
		Kind:          kind,
		Status:        job.Status,
		Stage:         job.Stage,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	}
}
