package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pointsystem/internal/ledger"
	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxMediaList    = 200
)

// 积分流水筛选类型
var historyFilters = map[string][]string{
	"":          nil,
	"consumed":  {model.PointsActionDeduct},
	"refunded":  {model.PointsActionRefund},
	"purchased": {model.PointsActionPurchase},
	"rewarded":  {model.PointsActionReward},
	"obtained":  {model.PointsActionPurchase, model.PointsActionReward, model.PointsActionAdmin},
}

type UserProfile struct {
	SID                    string     `json:"sid"`
	Name                   string     `json:"name"`
	Email                  string     `json:"email"`
	Avatar                 string     `json:"avatar"`
	BoundsPoints           int64      `json:"bounds_points"`
	MembershipPoints       int64      `json:"membership_points"`
	TopupPoints            int64      `json:"topup_points"`
	TotalPoints            int64      `json:"total_points"`
	SubscriptionType       string     `json:"subscription_type"`
	SubscriptionsStartDate *time.Time `json:"subscriptions_start_date"`
	SubscriptionsEndDate   *time.Time `json:"subscriptions_end_date"`
}

type HistoryPage struct {
	Items []*model.PointsHistory `json:"items"`
	Total int64                  `json:"total"`
	Page  int                    `json:"page"`
	Size  int                    `json:"size"`
}

// PointsService 积分查询与人工调整
type PointsService struct {
	db          *gorm.DB
	store       *repository.PointsStore
	userRepo    *repository.UserRepository
	historyRepo *repository.PointsHistoryRepository
	genRepo     *repository.GenerationRepository
	metrics     *metrics.Metrics
	log         *zap.Logger
}

func NewPointsService(db *gorm.DB, store *repository.PointsStore, m *metrics.Metrics, log *zap.Logger) *PointsService {
	return &PointsService{
		db:          db,
		store:       store,
		userRepo:    repository.NewUserRepository(db),
		historyRepo: repository.NewPointsHistoryRepository(db),
		genRepo:     repository.NewGenerationRepository(db),
		metrics:     m,
		log:         log,
	}
}

func (s *PointsService) Balance(ctx context.Context, sid string) (*UserProfile, error) {
	if sid == "" || sid == model.AnonymousSID {
		return nil, ErrUnauthenticated
	}
	user, err := s.userRepo.GetBySID(ctx, nil, sid)
	if err != nil {
		return nil, err
	}
	return profileOf(user), nil
}

func (s *PointsService) ListHistory(ctx context.Context, sid, filter string, page, size int) (*HistoryPage, error) {
	if sid == "" || sid == model.AnonymousSID {
		return nil, ErrUnauthenticated
	}
	actions, ok := historyFilters[filter]
	if !ok {
		return nil, validationErrorf("type", "unknown history type %q", filter)
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	items, total, err := s.historyRepo.ListBySID(ctx, sid, actions, page, size)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.PointsHistory{}
	}
	return &HistoryPage{Items: items, Total: total, Page: page, Size: size}, nil
}

// AdminGrant 人工发放积分，唯一产生 admin 流水的入口
func (s *PointsService) AdminGrant(ctx context.Context, sid, pool string, amount int64, remark string) (*UserProfile, error) {
	if strings.TrimSpace(sid) == "" {
		return nil, validationErrorf("sid", "sid is required")
	}
	p := ledger.Pool(pool)
	if !p.Valid() {
		return nil, validationErrorf("pool", "unknown pool %q", pool)
	}
	if amount <= 0 {
		return nil, validationErrorf("amount", "amount must be positive")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.store.LockAndReadBalances(ctx, tx, sid)
		if err != nil {
			return err
		}
		pools, err := ledger.Grant(user.Pools(), amount, p)
		if err != nil {
			return err
		}
		entry := repository.NewHistoryEntry(model.PointsActionAdmin, ledger.Detail{p: amount})
		entry.Remark = truncateRemark(remark)
		return s.store.CommitLedgerMutation(ctx, tx, sid, pools, entry)
	})
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.metrics.LedgerMutation(model.PointsActionAdmin)
	s.log.Info("人工发放积分",
		zap.String("sid", sid),
		zap.String("pool", pool),
		zap.Int64("amount", amount),
		zap.String("remark", remark))
	return s.Balance(ctx, sid)
}

func (s *PointsService) ListMedia(ctx context.Context, sid string) ([]*repository.MediaWithRecord, error) {
	if sid == "" || sid == model.AnonymousSID {
		return nil, ErrUnauthenticated
	}
	rows, err := s.genRepo.ListMediaBySID(ctx, sid, maxMediaList)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*repository.MediaWithRecord{}
	}
	return rows, nil
}

func profileOf(u *model.User) *UserProfile {
	return &UserProfile{
		SID:                    u.SID,
		Name:                   u.Name,
		Email:                  u.Email,
		Avatar:                 u.Avatar,
		BoundsPoints:           u.BoundsPoints,
		MembershipPoints:       u.MembershipPoints,
		TopupPoints:            u.TopupPoints,
		TotalPoints:            u.TotalPoints,
		SubscriptionType:       u.SubscriptionType,
		SubscriptionsStartDate: u.SubscriptionsStartDate,
		SubscriptionsEndDate:   u.SubscriptionsEndDate,
	}
}
