package repository

import (
	"context"

	"taskpulse/internal/model"

	"gorm.io/gorm"
)

type PendingInterface interface {
	Create(ctx context.Context, pd *model.PendingDelivery) error
	FetchPending(ctx context.Context, limit int) ([]model.PendingDelivery, error)
	UpdateStatus(ctx context.Context, id int64, status int, retryCount int) error
}

type PendingRepository struct {
	db *gorm.DB
}

func NewPendingRepository(db *gorm.DB) *PendingRepository {
	return &PendingRepository{db: db}
}

func (r *PendingRepository) Create(ctx context.Context, pd *model.PendingDelivery) error {
	return r.db.WithContext(ctx).Create(pd).Error
}

func (r *PendingRepository) FetchPending(ctx context.Context, limit int) ([]model.PendingDelivery, error) {
	var rows []model.PendingDelivery
	// oldest first so recipients see their backlog in order
	if err := r.db.WithContext(ctx).Where("status = ?", model.StatusPending).
		Limit(limit).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *PendingRepository) UpdateStatus(ctx context.Context, id int64, status int, retryCount int) error {
	return r.db.WithContext(ctx).Model(&model.PendingDelivery{}).Where("id = ?", id).Updates(map[string]any{
		"status":      status,
		"retry_count": retryCount,
	}).Error
}
