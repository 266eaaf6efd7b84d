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

type FingerprintRepo interface {
	// InsertIfNew records (parent, value) -> artifactID. Returns false without
	// recording when the pair is already taken by a different artifact; the
	// insert-vs-insert race is resolved by the unique index, so two workers
	// can never both win. Re-registering a pair the same artifact already
	// holds returns true, so re-running a stage that reproduces identical
	// content does not collide with itself.
	InsertIfNew(ctx context.Context, tx *gorm.DB, parentArtifactID, value, artifactID string) (bool, error)
	Exists(ctx context.Context, tx *gorm.DB, parentArtifactID, value string) (bool, error)
}

type fingerprintRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFingerprintRepo(db *gorm.DB, baseLog *logger.Logger) FingerprintRepo {
	return &fingerprintRepo{db: db, log: baseLog.With("repo", "FingerprintRepo")}
}

func (r *fingerprintRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *fingerprintRepo) InsertIfNew(ctx context.Context, tx *gorm.DB, parentArtifactID, value, artifactID string) (bool, error) {
	row := &domain.Fingerprint{
		ID:               uuid.New(),
		ParentArtifactID: parentArtifactID,
		Value:            value,
		ArtifactID:       artifactID,
		CreatedAt:        time.Now(),
	}
	err := r.conn(tx).WithContext(ctx).Create(row).Error
	if err == nil {
		return true, nil
	}
	if IsUniqueViolation(err) {
		var existing domain.Fingerprint
		gerr := r.conn(tx).WithContext(ctx).
			Where("parent_artifact_id = ? AND value = ?", parentArtifactID, value).
			First(&existing).Error
		if errors.Is(gerr, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if gerr != nil {
			return false, gerr
		}
		return existing.ArtifactID == artifactID, nil
	}
	return false, err
}

func (r *fingerprintRepo) Exists(ctx context.Context, tx *gorm.DB, parentArtifactID, value string) (bool, error) {
	var row domain.Fingerprint
	err := r.conn(tx).WithContext(ctx).
		Where("parent_artifact_id = ? AND value = ?", parentArtifactID, value).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
