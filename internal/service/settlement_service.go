package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointsystem/internal/ledger"
	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"
	"pointsystem/pkg/textutil"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RefundOutcome string

const (
	RefundApplied        RefundOutcome = "applied"
	RefundAlreadyApplied RefundOutcome = "already_applied"
	RefundNotNeeded      RefundOutcome = "not_needed"
)

// SettlementService 生成失败后的积分退还
//
// 一条记录只会退还一次：
//  1. 事务内对记录加行锁并检查 points_refunded
//  2. 按扣减流水的明细原路退还
//  3. 条件更新 points_refunded=false -> true，影响 0 行则整体回滚
type SettlementService struct {
	db          *gorm.DB
	genRepo     *repository.GenerationRepository
	historyRepo *repository.PointsHistoryRepository
	store       *repository.PointsStore
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
}

func NewSettlementService(db *gorm.DB, store *repository.PointsStore, m *metrics.Metrics, log *zap.Logger) *SettlementService {
	return &SettlementService{
		db:          db,
		genRepo:     repository.NewGenerationRepository(db),
		historyRepo: repository.NewPointsHistoryRepository(db),
		store:       store,
		metrics:     m,
		log:         log,
		now:         time.Now,
	}
}

func (s *SettlementService) Refund(ctx context.Context, recordID, reason string) (RefundOutcome, error) {
	var (
		outcome  RefundOutcome
		sid      string
		points   int64
		fallback bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.genRepo.GetRecordForUpdate(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if record.PointsRefunded {
			outcome = RefundAlreadyApplied
			return nil
		}
		if record.PointsCount <= 0 || record.SID == model.AnonymousSID {
			outcome = RefundNotNeeded
			return nil
		}
		sid = record.SID

		deduction, err := s.historyRepo.LatestDeductionForRecord(ctx, tx, recordID)
		if err != nil {
			return fmt.Errorf("查询扣减流水失败: %w", err)
		}
		var detail ledger.Detail
		if deduction != nil {
			detail = ledger.RefundDetail(deduction.Detail())
		}
		if len(detail) == 0 {
			// 找不到扣减明细时全部退到充值池
			fallback = true
			detail = ledger.Detail{ledger.PoolTopup: record.PointsCount}
		}

		user, err := s.store.LockAndReadBalances(ctx, tx, record.SID)
		if err != nil {
			return err
		}
		pools, err := ledger.Refund(user.Pools(), detail)
		if err != nil {
			return err
		}

		entry := repository.NewHistoryEntry(model.PointsActionRefund, detail)
		entry.RecordID = &record.ID
		entry.Remark = truncateRemark(reason)
		if err := s.store.CommitLedgerMutation(ctx, tx, record.SID, pools, entry); err != nil {
			return err
		}
		points = entry.Points

		if err := s.genRepo.MarkRefunded(ctx, tx, record.ID, s.now()); err != nil {
			return err
		}
		outcome = RefundApplied
		return nil
	})

	if errors.Is(err, repository.ErrAlreadyRefunded) {
		outcome, err = RefundAlreadyApplied, nil
	}
	if err != nil {
		s.metrics.Refund("error")
		if errors.Is(err, repository.ErrRecordNotFound) || errors.Is(err, repository.ErrUserNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.metrics.Refund(string(outcome))
	switch outcome {
	case RefundApplied:
		s.metrics.LedgerMutation(model.PointsActionRefund)
		if fallback {
			s.metrics.Refund("fallback_topup")
			s.log.Warn("未找到扣减流水，积分退还到充值池",
				zap.String("record_id", recordID),
				zap.String("sid", sid),
				zap.Int64("points", points))
		}
		s.log.Info("积分退还成功",
			zap.String("record_id", recordID),
			zap.String("sid", sid),
			zap.Int64("points", points),
			zap.String("reason", reason))
	case RefundAlreadyApplied:
		s.log.Info("积分已退还，跳过", zap.String("record_id", recordID))
	}
	return outcome, nil
}

func truncateRemark(s string) string {
	return textutil.Truncate(s, 256)
}
