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

type OperatorRepo interface {
	GetByEmail(ctx context.Context, tx *gorm.DB, email string) (*domain.Operator, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Operator, error)
	Create(ctx context.Context, tx *gorm.DB, op *domain.Operator) (*domain.Operator, error)
	Count(ctx context.Context, tx *gorm.DB) (int64, error)
}

type operatorRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOperatorRepo(db *gorm.DB, baseLog *logger.Logger) OperatorRepo {
	return &operatorRepo{db: db, log: baseLog.With("repo", "OperatorRepo")}
}

func (r *operatorRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *operatorRepo) GetByEmail(ctx context.Context, tx *gorm.DB, email string) (*domain.Operator, error) {
	var op domain.Operator
	err := r.conn(tx).WithContext(ctx).Where("email = ?", email).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *operatorRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Operator, error) {
	var op domain.Operator
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *operatorRepo) Create(ctx context.Context, tx *gorm.DB, op *domain.Operator) (*domain.Operator, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	now := time.Now()
	op.CreatedAt = now
	op.UpdatedAt = now
	if err := r.conn(tx).WithContext(ctx).Create(op).Error; err != nil {
		return nil, err
	}
	return op, nil
}

func (r *operatorRepo) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&domain.Operator{}).Count(&n).Error
	return n, err
}
