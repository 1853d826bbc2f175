package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobType string

const (
	TypeChapter  JobType = "chapter"
	TypeSection  JobType = "section"
	TypeIndex    JobType = "index"
	TypeGlossary JobType = "glossary"
	TypeFull     JobType = "full"
)

func (t JobType) Valid() bool {
	switch t {
	case TypeChapter, TypeSection, TypeIndex, TypeGlossary, TypeFull:
		return true
	}
	return false
}

// Generative reports whether jobs of this type call the content generation backend themselves.
func (t JobType) Generative() bool {
	return t == TypeSection || t == TypeIndex || t == TypeGlossary
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusStale      Status = "stale"
)

// Terminal statuses are never claimed again without an explicit reset.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusDeadLetter }

// Active statuses still have work ahead of them without outside help.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusProcessing || s == StatusStale
}

// Job is one unit of book generation work. Orchestration state lives in Payload; the columns next to it
// are denormalized for claiming and querying.
type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       string         `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	Type           JobType        `gorm:"column:job_type;not null;index" json:"type"`
	Status         Status         `gorm:"column:status;not null;index" json:"status"`
	Stage          string         `gorm:"column:stage" json:"stage,omitempty"`
	ParentJobID    *uuid.UUID     `gorm:"type:uuid;column:parent_job_id;index" json:"parent_job_id,omitempty"`
	BookID         string         `gorm:"column:book_id;not null;index:idx_book_job_book" json:"book_id"`
	BookVersionID  string         `gorm:"column:book_version_id;not null;index:idx_book_job_book" json:"book_version_id"`
	ChapterIndex   *int           `gorm:"column:chapter_index" json:"chapter_index,omitempty"`
	SectionIndex   *int           `gorm:"column:section_index" json:"section_index,omitempty"`
	ChapterKey     *string        `gorm:"column:chapter_key;index" json:"-"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload"`
	RetryCount     int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries     int            `gorm:"column:max_retries;not null;default:0" json:"max_retries"`
	ClaimEpoch     int64          `gorm:"column:claim_epoch;not null;default:0" json:"claim_epoch"`
	Error          string         `gorm:"column:error;type:text" json:"error,omitempty"`
	ErrorClass     string         `gorm:"column:error_class" json:"error_class,omitempty"`
	ErrorSignature string         `gorm:"column:error_signature" json:"error_signature,omitempty"`
	NotBefore      *time.Time     `gorm:"column:not_before;index" json:"not_before,omitempty"`
	HeartbeatAt    *time.Time     `gorm:"column:heartbeat_at;index" json:"last_heartbeat,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "book_job" }

// ChapterKey identifies a chapter across job types; at most one job per key may be processing.
func ChapterKey(bookID, versionID string, chapter int) string {
	return fmt.Sprintf("%s/%s/%d", strings.TrimSpace(bookID), strings.TrimSpace(versionID), chapter)
}

// Decode parses the job payload. An empty payload decodes to the zero Payload.
func (j *Job) Decode() (Payload, error) {
	if j == nil {
		return Payload{}, fmt.Errorf("nil job")
	}
	return DecodePayload(j.Payload)
}

// Label is a short human readable job description for logs and CLI output.
func (j *Job) Label() string {
	if j == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(j.Type))
	if j.ChapterIndex != nil {
		fmt.Fprintf(&b, " ch%d", *j.ChapterIndex)
	}
	if j.SectionIndex != nil {
		fmt.Fprintf(&b, " s%d", *j.SectionIndex)
	}
	return b.String()
}

// IntPtr is a small helper for the optional index columns.
func IntPtr(v int) *int { return &v }
