package repository

import (
	"context"
	"errors"

	"pointsystem/internal/ledger"
	"pointsystem/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PointsHistoryRepository struct {
	db *gorm.DB
}

func NewPointsHistoryRepository(db *gorm.DB) *PointsHistoryRepository {
	return &PointsHistoryRepository{db: db}
}

// LatestDeductionForRecord 查询某条生成记录最近一次扣减流水，不存在返回 nil
func (r *PointsHistoryRepository) LatestDeductionForRecord(ctx context.Context, tx *gorm.DB, recordID string) (*model.PointsHistory, error) {
	if tx == nil {
		tx = r.db
	}
	var entry model.PointsHistory
	err := tx.WithContext(ctx).
		Where("record_id = ? AND points < 0", recordID).
		Order("created_at DESC").
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *PointsHistoryRepository) CountByRecord(ctx context.Context, recordID, action string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.PointsHistory{}).
		Where("record_id = ? AND action = ?", recordID, action).
		Count(&count).Error
	return count, err
}

// ListBySID 分页查询积分流水，actions 为空时不过滤
func (r *PointsHistoryRepository) ListBySID(ctx context.Context, sid string, actions []string, page, pageSize int) ([]*model.PointsHistory, int64, error) {
	var entries []*model.PointsHistory
	var total int64

	scope := func(db *gorm.DB) *gorm.DB {
		db = db.Where("sid = ?", sid)
		if len(actions) > 0 {
			db = db.Where("action IN ?", actions)
		}
		return db
	}

	err := r.db.WithContext(ctx).Model(&model.PointsHistory{}).Scopes(scope).Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = r.db.WithContext(ctx).
		Scopes(scope).
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

func lockForUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

func datatypesDetail(detail ledger.Detail) datatypes.JSONType[ledger.Detail] {
	return datatypes.NewJSONType(detail)
}
