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

// ErrStaleRecord is returned by SaveVersioned when the row changed under the
// caller. The store surfaces it as a write conflict; it is never merged away.
var ErrStaleRecord = errors.New("stage record version is stale")

type StageRecordRepo interface {
	// Get returns nil when no record exists for (artifactID, stage).
	Get(ctx context.Context, tx *gorm.DB, artifactID, stage string) (*domain.StageRecord, error)
	GetAll(ctx context.Context, tx *gorm.DB, artifactID string) ([]*domain.StageRecord, error)
	// SaveVersioned inserts a fresh record or applies an optimistic-locked
	// update. Fails with ErrStaleRecord when the stored version does not match.
	SaveVersioned(ctx context.Context, tx *gorm.DB, rec *domain.StageRecord) error
	// Claim transitions (artifactID, stage) to in_progress. claimed=false
	// means another worker already holds the transition; callers skip the
	// item rather than race it. An in_progress record whose updated_at is
	// older than staleInProgress was claimed by a worker that died before
	// writing a result; it is taken over instead of refused.
	// staleInProgress <= 0 disables takeover.
	Claim(ctx context.Context, tx *gorm.DB, artifactID, stage string, staleInProgress time.Duration) (rec *domain.StageRecord, claimed bool, err error)
}

type stageRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageRecordRepo(db *gorm.DB, baseLog *logger.Logger) StageRecordRepo {
	return &stageRecordRepo{db: db, log: baseLog.With("repo", "StageRecordRepo")}
}

func (r *stageRecordRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *stageRecordRepo) Get(ctx context.Context, tx *gorm.DB, artifactID, stage string) (*domain.StageRecord, error) {
	var rec domain.StageRecord
	err := r.conn(tx).WithContext(ctx).
		Where("artifact_id = ? AND stage = ?", artifactID, stage).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *stageRecordRepo) GetAll(ctx context.Context, tx *gorm.DB, artifactID string) ([]*domain.StageRecord, error) {
	var out []*domain.StageRecord
	err := r.conn(tx).WithContext(ctx).
		Where("artifact_id = ?", artifactID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageRecordRepo) SaveVersioned(ctx context.Context, tx *gorm.DB, rec *domain.StageRecord) error {
	conn := r.conn(tx)
	now := time.Now()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
		rec.Version = 1
		rec.CreatedAt = now
		rec.UpdatedAt = now
		if err := conn.WithContext(ctx).Create(rec).Error; err != nil {
			if IsUniqueViolation(err) {
				return ErrStaleRecord
			}
			return err
		}
		return nil
	}

	prev := rec.Version
	res := conn.WithContext(ctx).
		Model(&domain.StageRecord{}).
		Where("id = ? AND version = ?", rec.ID, prev).
		Updates(map[string]interface{}{
			"status":        rec.Status,
			"attempt_count": rec.AttemptCount,
			"last_error":    rec.LastError,
			"output_ref":    rec.OutputRef,
			"completed_at":  rec.CompletedAt,
			"version":       prev + 1,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRecord
	}
	rec.Version = prev + 1
	rec.UpdatedAt = now
	return nil
}

func (r *stageRecordRepo) Claim(ctx context.Context, tx *gorm.DB, artifactID, stage string, staleInProgress time.Duration) (*domain.StageRecord, bool, error) {
	conn := r.conn(tx)

	rec, err := r.Get(ctx, conn, artifactID, stage)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		fresh := &domain.StageRecord{
			ID:         uuid.New(),
			ArtifactID: artifactID,
			Stage:      stage,
			Status:     domain.StageInProgress,
			Version:    1,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}
		if cerr := conn.WithContext(ctx).Create(fresh).Error; cerr != nil {
			if IsUniqueViolation(cerr) {
				// Another worker inserted first; treat as not claimed.
				return nil, false, nil
			}
			return nil, false, cerr
		}
		return fresh, true, nil
	}

	if rec.Status == domain.StageInProgress {
		if staleInProgress <= 0 || time.Since(rec.UpdatedAt) < staleInProgress {
			return rec, false, nil
		}
		// Claimed long ago and never finished; the holder is gone.
		// Fall through and take the claim over. The version condition
		// below keeps this safe: a holder that is in fact still alive
		// bumps the version when it writes, and our takeover loses.
	}

	prev := rec.Version
	res := conn.WithContext(ctx).
		Model(&domain.StageRecord{}).
		Where("id = ? AND version = ?", rec.ID, prev).
		Updates(map[string]interface{}{
			"status":     domain.StageInProgress,
			"version":    prev + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, false, nil
	}
	rec.Status = domain.StageInProgress
	rec.Version = prev + 1
	return rec, true, nil
}
