package fixstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

type Repo interface {
	// LoadOrCreate returns the state of one book version, creating an empty row on first use.
	LoadOrCreate(dbc dbctx.Context, tenantID, bookID, versionID string) (*types.FixState, error)
	Save(dbc dbctx.Context, st *types.FixState) error
	Delete(dbc dbctx.Context, tenantID, bookID, versionID string) error
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "FixStateRepo")}
}

func (r *repo) LoadOrCreate(dbc dbctx.Context, tenantID, bookID, versionID string) (*types.FixState, error) {
	now := time.Now().UTC()
	fresh := &types.FixState{
		ID:            uuid.New(),
		TenantID:      tenantID,
		BookID:        bookID,
		BookVersionID: versionID,
		Entries:       map[string]types.FixEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx := dbc.DB(r.db)
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, fmt.Errorf("create fix state: %w", err)
	}
	var st types.FixState
	err := tx.Where("tenant_id = ? AND book_id = ? AND book_version_id = ?", tenantID, bookID, versionID).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("fix state vanished for %s/%s", bookID, versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load fix state: %w", err)
	}
	if st.Entries == nil {
		st.Entries = map[string]types.FixEntry{}
	}
	return &st, nil
}

func (r *repo) Save(dbc dbctx.Context, st *types.FixState) error {
	if st == nil {
		return nil
	}
	st.UpdatedAt = time.Now().UTC()
	if err := dbc.DB(r.db).Save(st).Error; err != nil {
		return fmt.Errorf("save fix state: %w", err)
	}
	return nil
}

func (r *repo) Delete(dbc dbctx.Context, tenantID, bookID, versionID string) error {
	err := dbc.DB(r.db).
		Where("tenant_id = ? AND book_id = ? AND book_version_id = ?", tenantID, bookID, versionID).
		Delete(&types.FixState{}).Error
	if err != nil {
		return fmt.Errorf("delete fix state: %w", err)
	}
	return nil
}
