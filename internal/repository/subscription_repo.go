package repository

import (
	"context"

	"pointsystem/internal/model"

	"gorm.io/gorm"
)

type SubscriptionHistoryRepository struct {
	db *gorm.DB
}

func NewSubscriptionHistoryRepository(db *gorm.DB) *SubscriptionHistoryRepository {
	return &SubscriptionHistoryRepository{db: db}
}

func (r *SubscriptionHistoryRepository) Create(ctx context.Context, tx *gorm.DB, h *model.SubscriptionHistory) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(h).Error
}

func (r *SubscriptionHistoryRepository) ListByUserID(ctx context.Context, userID string) ([]*model.SubscriptionHistory, error) {
	var list []*model.SubscriptionHistory
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&list).Error
	return list, err
}
