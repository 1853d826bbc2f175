package db

import (
	"fmt"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Job{},
		&types.JobEvent{},
		&types.FixState{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return EnsureIndexes(db)
}

// EnsureIndexes creates the indexes gorm tags cannot express. The partial unique index is what makes a
// second claim on the same chapter fail inside the claim's own write. The statements are valid for both
// Postgres and SQLite.
func EnsureIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_book_job_processing_chapter
			ON book_job (chapter_key)
			WHERE status = 'processing'`,
		`CREATE INDEX IF NOT EXISTS idx_book_job_claim
			ON book_job (tenant_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_book_job_parent_section
			ON book_job (parent_job_id, section_index)`,
		`CREATE INDEX IF NOT EXISTS idx_book_job_event_job_created
			ON book_job_event (job_id, created_at)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}
