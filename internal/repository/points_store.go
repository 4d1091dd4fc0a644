package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pointsystem/internal/ledger"
	"pointsystem/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTxRequired     = errors.New("积分变更必须在事务中执行")
	ErrDetailMismatch = errors.New("积分明细合计与变动积分不一致")
)

// PointsStore 积分持久化
//
// 【关键点】所有积分变更都遵循同一个模式：
//
//	db.Transaction(func(tx) {
//	    user := LockAndReadBalances(tx, sid)      // SELECT ... FOR UPDATE
//	    pools := ledger.Deduct/Grant/Refund(...)  // 纯计算
//	    CommitLedgerMutation(tx, sid, pools, entry)
//	})
//
// 余额写入使用绝对值覆盖四个字段，不做 balance = balance - ? 这类增量更新。
type PointsStore struct {
	db         *gorm.DB
	outboxRepo *OutboxRepository
	topic      string
}

func NewPointsStore(db *gorm.DB, ledgerTopic string) *PointsStore {
	return &PointsStore{
		db:         db,
		outboxRepo: NewOutboxRepository(db),
		topic:      ledgerTopic,
	}
}

// LockAndReadBalances 加行锁读取用户积分
func (s *PointsStore) LockAndReadBalances(ctx context.Context, tx *gorm.DB, sid string) (*model.User, error) {
	if tx == nil {
		return nil, ErrTxRequired
	}
	var user model.User
	err := tx.WithContext(ctx).
		Clauses(lockForUpdate()).
		Where("sid = ?", sid).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CommitLedgerMutation 写入新余额 + 积分流水 + 积分事件
func (s *PointsStore) CommitLedgerMutation(ctx context.Context, tx *gorm.DB, sid string, pools ledger.Pools, entry *model.PointsHistory) error {
	if tx == nil {
		return ErrTxRequired
	}

	detail := entry.Detail()
	if err := detail.Validate(); err != nil {
		return err
	}
	if detail.Sum() != entry.Points {
		return fmt.Errorf("%w: detail=%d points=%d", ErrDetailMismatch, detail.Sum(), entry.Points)
	}
	if pools.Bounds < 0 || pools.Membership < 0 || pools.Topup < 0 {
		return ledger.ErrInsufficientFunds
	}

	total := pools.Total()
	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("sid = ?", sid).
		Updates(map[string]interface{}{
			"bounds_points":     pools.Bounds,
			"membership_points": pools.Membership,
			"topup_points":      pools.Topup,
			"total_points":      total,
		})
	if result.Error != nil {
		return fmt.Errorf("更新用户积分失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	entry.SID = sid
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("写入积分流水失败: %w", err)
	}

	event := model.LedgerEvent{
		SID:        sid,
		Action:     entry.Action,
		Points:     entry.Points,
		Detail:     make(map[string]int64, len(detail)),
		TotalAfter: total,
		OccurredAt: time.Now(),
	}
	for pool, delta := range detail {
		event.Detail[string(pool)] = delta
	}
	if entry.RecordID != nil {
		event.RecordID = *entry.RecordID
	}
	if entry.OrderID != nil {
		event.OrderID = *entry.OrderID
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		MessageKey: sid,
		EventType:  "ledger." + entry.Action,
		Topic:      s.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入积分事件失败: %w", err)
	}

	return nil
}

// NewHistoryEntry 构造积分流水，points 由明细合计得出
func NewHistoryEntry(action string, detail ledger.Detail) *model.PointsHistory {
	return &model.PointsHistory{
		Action:       action,
		Points:       detail.Sum(),
		PointsDetail: datatypesDetail(detail),
	}
}
