package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
)

type ItemRepo interface {
	// Upsert writes a finalized item and reports whether it was created,
	// updated, or skipped (content unchanged).
	Upsert(ctx context.Context, tx *gorm.DB, artifactID, itemXML, fingerprint string) (string, error)
	GetByArtifact(ctx context.Context, tx *gorm.DB, artifactID string) (*domain.Item, error)
}

type itemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewItemRepo(db *gorm.DB, baseLog *logger.Logger) ItemRepo {
	return &itemRepo{db: db, log: baseLog.With("repo", "ItemRepo")}
}

func (r *itemRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *itemRepo) Upsert(ctx context.Context, tx *gorm.DB, artifactID, itemXML, fingerprint string) (string, error) {
	conn := r.conn(tx)
	now := time.Now()

	var existing domain.Item
	err := conn.WithContext(ctx).Where("artifact_id = ?", artifactID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row := &domain.Item{
			ID:          uuid.New(),
			ArtifactID:  artifactID,
			ItemXML:     itemXML,
			Fingerprint: fingerprint,
			SyncedAt:    &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if cerr := conn.WithContext(ctx).Create(row).Error; cerr != nil {
			return "", cerr
		}
		return domain.SyncCreated, nil
	}
	if err != nil {
		return "", err
	}

	if existing.ItemXML == itemXML {
		return domain.SyncSkipped, nil
	}

	uerr := conn.WithContext(ctx).
		Model(&domain.Item{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"item_xml":    itemXML,
			"fingerprint": fingerprint,
			"synced_at":   now,
			"updated_at":  now,
		}).Error
	if uerr != nil {
		return "", uerr
	}
	return domain.SyncUpdated, nil
}

func (r *itemRepo) GetByArtifact(ctx context.Context, tx *gorm.DB, artifactID string) (*domain.Item, error) {
	var item domain.Item
	err := r.conn(tx).WithContext(ctx).Where("artifact_id = ?", artifactID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
