package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
)

type ArtifactRepo interface {
	// Ensure creates the artifact row if it does not exist yet. Existing rows
	// are left untouched.
	Ensure(ctx context.Context, tx *gorm.DB, id, kind, parentID string) (*domain.Artifact, error)
	Get(ctx context.Context, tx *gorm.DB, id string) (*domain.Artifact, error)
	ListByKind(ctx context.Context, tx *gorm.DB, kind string) ([]*domain.Artifact, error)
	SetReviewState(ctx context.Context, tx *gorm.DB, id, state string) error
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{db: db, log: baseLog.With("repo", "ArtifactRepo")}
}

func (r *artifactRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *artifactRepo) Ensure(ctx context.Context, tx *gorm.DB, id, kind, parentID string) (*domain.Artifact, error) {
	conn := r.conn(tx)
	var existing domain.Artifact
	err := conn.WithContext(ctx).Where("id = ?", id).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	a := &domain.Artifact{
		ID:          id,
		Kind:        kind,
		ParentID:    parentID,
		ReviewState: domain.ReviewPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := conn.WithContext(ctx).Create(a).Error; err != nil {
		if IsUniqueViolation(err) {
			// Lost a race with another worker; the row exists now.
			if gerr := conn.WithContext(ctx).Where("id = ?", id).First(&existing).Error; gerr == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return a, nil
}

func (r *artifactRepo) Get(ctx context.Context, tx *gorm.DB, id string) (*domain.Artifact, error) {
	var a domain.Artifact
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *artifactRepo) ListByKind(ctx context.Context, tx *gorm.DB, kind string) ([]*domain.Artifact, error) {
	var out []*domain.Artifact
	err := r.conn(tx).WithContext(ctx).
		Where("kind = ?", kind).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *artifactRepo) SetReviewState(ctx context.Context, tx *gorm.DB, id, state string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&domain.Artifact{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"review_state": state,
			"updated_at":   time.Now(),
		}).Error
}
