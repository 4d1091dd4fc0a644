package repository

import (
	"context"
	"errors"

	"pointsystem/internal/model"

	"gorm.io/gorm"
)

var ErrAlreadyCheckedIn = errors.New("今日已签到")

type CheckinRepository struct {
	db *gorm.DB
}

func NewCheckinRepository(db *gorm.DB) *CheckinRepository {
	return &CheckinRepository{db: db}
}

// Create 写入签到记录，同一天重复签到返回 ErrAlreadyCheckedIn
func (r *CheckinRepository) Create(ctx context.Context, tx *gorm.DB, rec *model.CheckinRecord) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(rec).Error
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyCheckedIn
	}
	return err
}

func (r *CheckinRepository) Exists(ctx context.Context, sid, date string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.CheckinRecord{}).
		Where("sid = ? AND checkin_date = ?", sid, date).
		Count(&count).Error
	return count > 0, err
}

// ListBetween 查询 [from, to] 日期范围内的签到，日期格式 2006-01-02
func (r *CheckinRepository) ListBetween(ctx context.Context, sid, from, to string) ([]*model.CheckinRecord, error) {
	var list []*model.CheckinRecord
	err := r.db.WithContext(ctx).
		Where("sid = ? AND checkin_date >= ? AND checkin_date <= ?", sid, from, to).
		Order("checkin_date ASC").
		Find(&list).Error
	return list, err
}
