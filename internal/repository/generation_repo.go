package repository

import (
	"context"
	"errors"
	"time"

	"pointsystem/internal/model"
	"pointsystem/pkg/textutil"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrRecordNotFound  = errors.New("生成记录不存在")
	ErrAlreadyRefunded = errors.New("积分已退还")
)

type GenerationRepository struct {
	db *gorm.DB
}

func NewGenerationRepository(db *gorm.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) CreateRecord(ctx context.Context, tx *gorm.DB, record *model.GenerationRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

func (r *GenerationRepository) GetRecord(ctx context.Context, tx *gorm.DB, id string) (*model.GenerationRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var record model.GenerationRecord
	err := tx.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetRecordForUpdate 行锁读取记录，退款时用于串行化同一记录的并发结算
func (r *GenerationRepository) GetRecordForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.GenerationRecord, error) {
	var record model.GenerationRecord
	err := tx.WithContext(ctx).
		Clauses(lockForUpdate()).
		Where("id = ?", id).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *GenerationRepository) UpdateDispatchStatus(ctx context.Context, tx *gorm.DB, id, status, errMsg string) error {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"dispatch_status": status,
	}
	if status == model.DispatchStatusSuccess {
		updates["generation_status"] = model.GenerationStatusWaiting
	}
	if errMsg != "" {
		updates["error_message"] = textutil.Truncate(errMsg, 512)
	}
	result := tx.WithContext(ctx).
		Model(&model.GenerationRecord{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *GenerationRepository) UpdateGenerationStatus(ctx context.Context, tx *gorm.DB, id, status, errMsg string) error {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"generation_status": status,
	}
	if errMsg != "" {
		updates["error_message"] = textutil.Truncate(errMsg, 512)
	}
	return tx.WithContext(ctx).
		Model(&model.GenerationRecord{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// MarkRefunded 条件更新 points_refunded，保证 false -> true 只发生一次
func (r *GenerationRepository) MarkRefunded(ctx context.Context, tx *gorm.DB, id string, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.GenerationRecord{}).
		Where("id = ? AND points_refunded = ?", id, false).
		Updates(map[string]interface{}{
			"points_refunded": true,
			"refunded_at":     at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyRefunded
	}
	return nil
}

func (r *GenerationRepository) CreateTask(ctx context.Context, tx *gorm.DB, task *model.GenerationTask) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(task).Error
}

// GetLatestTask 查询记录对应的最新任务，不存在返回 nil
func (r *GenerationRepository) GetLatestTask(ctx context.Context, recordID string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("id DESC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// FinishTask 只在任务仍为 WAITING 时写入终态，返回是否由本次调用完成状态变更
func (r *GenerationRepository) FinishTask(ctx context.Context, tx *gorm.DB, taskID, status string, result []byte, at time.Time) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	res := tx.WithContext(ctx).
		Model(&model.GenerationTask{}).
		Where("task_id = ? AND status = ?", taskID, model.GenerationStatusWaiting).
		Updates(map[string]interface{}{
			"status":      status,
			"result":      datatypes.JSON(result),
			"finished_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GenerationRepository) CountStaleTasks(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.GenerationTask{}).
		Where("status = ? AND submit_at < ?", model.GenerationStatusWaiting, before).
		Count(&count).Error
	return count, err
}

func (r *GenerationRepository) ListStaleTasks(ctx context.Context, before time.Time, limit int) ([]*model.GenerationTask, error) {
	var tasks []*model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND submit_at < ?", model.GenerationStatusWaiting, before).
		Order("submit_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *GenerationRepository) CreateMedia(ctx context.Context, tx *gorm.DB, medias []*model.Media) error {
	if len(medias) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&medias).Error
}

func (r *GenerationRepository) ListMediaByRecord(ctx context.Context, recordID string) ([]*model.Media, error) {
	var medias []*model.Media
	err := r.db.WithContext(ctx).
		Where("record_id = ? AND is_delete = ?", recordID, false).
		Order("id ASC").
		Find(&medias).Error
	return medias, err
}

// MediaWithRecord 用户媒体列表行
type MediaWithRecord struct {
	ID         int64          `json:"id"`
	URL        string         `json:"url"`
	MediaType  string         `json:"media_type"`
	RecordID   string         `json:"record_id"`
	Tool       string         `json:"tool"`
	Parameters datatypes.JSON `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (r *GenerationRepository) ListMediaBySID(ctx context.Context, sid string, limit int) ([]*MediaWithRecord, error) {
	var rows []*MediaWithRecord
	err := r.db.WithContext(ctx).
		Table("medias").
		Select("medias.id, medias.url, medias.media_type, medias.record_id, records.tool, records.parameters, records.created_at").
		Joins("JOIN records ON records.id = medias.record_id").
		Where("medias.sid = ? AND medias.is_delete = ?", sid, false).
		Order("records.created_at DESC").
		Order("medias.id DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}
