package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
)

type BatchJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *domain.BatchJob) (*domain.BatchJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.BatchJob, error)
	List(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.BatchJob, error)
	// ClaimNextRunnable picks one pending (or stale-running) job and marks it
	// running. Uses SKIP LOCKED on Postgres so concurrent workers never claim
	// the same job twice.
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleRunning time.Duration) (*domain.BatchJob, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus applies updates only while the job is not in one
	// of the given statuses. Returns false when the guard rejected the write
	// (e.g. the job was cancelled under us).
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, deny []string, updates map[string]interface{}) (bool, error)
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type batchJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBatchJobRepo(db *gorm.DB, baseLog *logger.Logger) BatchJobRepo {
	return &batchJobRepo{db: db, log: baseLog.With("repo", "BatchJobRepo")}
}

func (r *batchJobRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *batchJobRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.BatchJob) (*domain.BatchJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := r.conn(tx).WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *batchJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.BatchJob, error) {
	var job domain.BatchJob
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *batchJobRepo) List(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.BatchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.BatchJob
	err := r.conn(tx).WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleRunning time.Duration) (*domain.BatchJob, error) {
	conn := r.conn(tx)
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)

	var claimed *domain.BatchJob
	err := conn.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.BatchJob
		q := txx.Where(`
			status = ?
			OR (
				status = ?
				AND heartbeat_at IS NOT NULL
				AND heartbeat_at < ?
			)
		`, domain.JobPending, domain.JobRunning, staleCutoff).
			Order("created_at ASC")
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.BatchJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       domain.JobRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *batchJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(tx).WithContext(ctx).
		Model(&domain.BatchJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *batchJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, deny []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.conn(tx).WithContext(ctx).
		Model(&domain.BatchJob{}).
		Where("id = ?", id)
	if len(deny) > 0 {
		q = q.Where("status NOT IN ?", deny)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *batchJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.conn(tx).WithContext(ctx).
		Model(&domain.BatchJob{}).
		Where("id = ? AND status = ?", id, domain.JobRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
