package jobs

import (
	"time"

	"github.com/google/uuid"
)

// FixEntry is the auto-fix memory for one job.
type FixEntry struct {
	Attempts           int        `json:"attempts"`
	LastErrorSignature string     `json:"lastErrorSignature"`
	LastFixedAt        *time.Time `json:"lastFixedAt,omitempty"`
}

// FixState is the persisted auto-fix loop state of one watched book version.
type FixState struct {
	ID                       uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID                 string              `gorm:"column:tenant_id;not null;uniqueIndex:uq_fix_state_target" json:"tenant_id"`
	BookID                   string              `gorm:"column:book_id;not null;uniqueIndex:uq_fix_state_target" json:"book_id"`
	BookVersionID            string              `gorm:"column:book_version_id;not null;uniqueIndex:uq_fix_state_target" json:"book_version_id"`
	Entries                  map[string]FixEntry `gorm:"column:entries;type:text;serializer:json" json:"entries"`
	ConsecutiveCompletePolls int                 `gorm:"column:consecutive_complete_polls;not null;default:0" json:"consecutive_complete_polls"`
	Polls                    int                 `gorm:"column:polls;not null;default:0" json:"polls"`
	HaltedAt                 *time.Time          `gorm:"column:halted_at" json:"halted_at,omitempty"`
	HaltReason               string              `gorm:"column:halt_reason;type:text" json:"halt_reason,omitempty"`
	CreatedAt                time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt                time.Time           `gorm:"not null" json:"updated_at"`
}

func (FixState) TableName() string { return "fix_state" }
