package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointsystem/internal/infrastructure/lock"
	"pointsystem/internal/ledger"
	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const checkinDateLayout = "2006-01-02"

type CheckinResult struct {
	CheckinDate string `json:"checkin_date"`
	Points      int64  `json:"points"`
	TotalPoints int64  `json:"total_points"`
}

type CheckinDay struct {
	Date      string `json:"date"`
	Weekday   int    `json:"weekday"`
	CheckedIn bool   `json:"checked_in"`
	IsToday   bool   `json:"is_today"`
	Points    int64  `json:"points"`
}

type CheckinHistory struct {
	Days            []CheckinDay `json:"days"`
	CanCheckinToday bool         `json:"can_checkin_today"`
	RewardPoints    int64        `json:"reward_points"`
}

// CheckinService 每日签到，按 UTC 日期计算，奖励进入 bounds 池
type CheckinService struct {
	db          *gorm.DB
	store       *repository.PointsStore
	checkinRepo *repository.CheckinRepository
	locker      Locker
	reward      int64
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
}

func NewCheckinService(db *gorm.DB, store *repository.PointsStore, locker Locker, reward int64, m *metrics.Metrics, log *zap.Logger) *CheckinService {
	if reward <= 0 {
		reward = 2
	}
	return &CheckinService{
		db:          db,
		store:       store,
		checkinRepo: repository.NewCheckinRepository(db),
		locker:      locker,
		reward:      reward,
		metrics:     m,
		log:         log,
		now:         time.Now,
	}
}

func (s *CheckinService) Checkin(ctx context.Context, sid string) (*CheckinResult, error) {
	if sid == "" || sid == model.AnonymousSID {
		return nil, ErrUnauthenticated
	}

	now := s.now().UTC()
	today := now.Format(checkinDateLayout)

	release, err := s.locker.Acquire(ctx, lock.CheckinLockKey(sid))
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	exists, err := s.checkinRepo.Exists(ctx, sid, today)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if exists {
		return nil, ErrAlreadyCheckedIn
	}

	var total int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.store.LockAndReadBalances(ctx, tx, sid)
		if err != nil {
			return err
		}
		if err := s.checkinRepo.Create(ctx, tx, &model.CheckinRecord{
			SID:          sid,
			CheckinDate:  today,
			RewardPoints: s.reward,
		}); err != nil {
			return err
		}

		pools, err := ledger.Grant(user.Pools(), s.reward, ledger.PoolBounds)
		if err != nil {
			return err
		}
		recordID := fmt.Sprintf("checkin_%d", now.UnixMilli())
		entry := repository.NewHistoryEntry(model.PointsActionReward, ledger.Detail{ledger.PoolBounds: s.reward})
		entry.RecordID = &recordID
		entry.Remark = "daily checkin " + today
		if err := s.store.CommitLedgerMutation(ctx, tx, sid, pools, entry); err != nil {
			return err
		}
		total = pools.Total()
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrAlreadyCheckedIn), errors.Is(err, repository.ErrUserNotFound):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.metrics.LedgerMutation(model.PointsActionReward)
	s.log.Info("签到成功", zap.String("sid", sid), zap.String("date", today), zap.Int64("points", s.reward))
	return &CheckinResult{CheckinDate: today, Points: s.reward, TotalPoints: total}, nil
}

// History 本周（周日开始）的签到情况
func (s *CheckinService) History(ctx context.Context, sid string) (*CheckinHistory, error) {
	if sid == "" || sid == model.AnonymousSID {
		return nil, ErrUnauthenticated
	}

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := today.AddDate(0, 0, -int(today.Weekday()))
	weekEnd := weekStart.AddDate(0, 0, 6)

	records, err := s.checkinRepo.ListBetween(ctx, sid, weekStart.Format(checkinDateLayout), weekEnd.Format(checkinDateLayout))
	if err != nil {
		return nil, err
	}
	byDate := make(map[string]*model.CheckinRecord, len(records))
	for _, r := range records {
		byDate[r.CheckinDate] = r
	}

	todayKey := today.Format(checkinDateLayout)
	history := &CheckinHistory{
		Days:            make([]CheckinDay, 0, 7),
		CanCheckinToday: byDate[todayKey] == nil,
		RewardPoints:    s.reward,
	}
	for i := 0; i < 7; i++ {
		day := weekStart.AddDate(0, 0, i)
		key := day.Format(checkinDateLayout)
		slot := CheckinDay{
			Date:    key,
			Weekday: int(day.Weekday()),
			IsToday: key == todayKey,
		}
		if r := byDate[key]; r != nil {
			slot.CheckedIn = true
			slot.Points = r.RewardPoints
		}
		history.Days = append(history.Days, slot)
	}
	return history, nil
}
