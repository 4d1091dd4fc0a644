package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pointsystem/internal/catalog"
	"pointsystem/internal/config"
	"pointsystem/internal/gateway"
	"pointsystem/internal/infrastructure/database"
	"pointsystem/internal/ledger"
	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type memLocker struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *memLocker) Acquire(_ context.Context, key string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return func() {}, nil
}

type fixture struct {
	db         *gorm.DB
	store      *repository.PointsStore
	metrics    *metrics.Metrics
	locker     *memLocker
	settlement *SettlementService
	generation *GenerationService
	records    *RecordService
	webhook    *WebhookService
	checkin    *CheckinService
	points     *PointsService
	orders     *OrderService
	tools      map[string]*gateway.FakeTool
}

const webhookSecret = "whsec_test"

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(config.ProductsConfig{
		Credits: []config.ProductConfig{
			{ProductID: "prod_credits_100", Name: "100 credits", Points: 100},
		},
		Subscriptions: []config.ProductConfig{
			{ProductID: "prod_basic_monthly", Name: "basic", Points: 40, Type: model.SubscriptionBasic, Interval: model.IntervalMonthly},
			{ProductID: "prod_ultimate_yearly", Name: "ultimate", Points: 1200, Type: model.SubscriptionUltimate, Interval: model.IntervalYearly},
		},
	})
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	log := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	store := repository.NewPointsStore(db, "points.ledger.event")
	tools := map[string]*gateway.FakeTool{
		"paid": {ToolName: "paid", Cost: 2},
		"swap": {ToolName: "swap", Cost: 6},
		"free": {ToolName: "free", Cost: 0},
	}
	registry := gateway.NewRegistry(tools["paid"], tools["swap"], tools["free"])
	locker := &memLocker{}

	settlement := NewSettlementService(db, store, m, log)
	return &fixture{
		db:         db,
		store:      store,
		metrics:    m,
		locker:     locker,
		settlement: settlement,
		generation: NewGenerationService(db, registry, store, settlement, 200*time.Millisecond, m, log),
		records:    NewRecordService(db, registry, settlement, nil, m, log),
		webhook:    NewWebhookService(db, webhookSecret, testCatalog(t), locker, store, m, log),
		checkin:    NewCheckinService(db, store, locker, 2, m, log),
		points:     NewPointsService(db, store, m, log),
		orders:     NewOrderService(db),
		tools:      tools,
	}
}

func (f *fixture) seedUser(t *testing.T, sid string, pools ledger.Pools) {
	t.Helper()
	require.NoError(t, repository.NewUserRepository(f.db).Create(context.Background(), nil, &model.User{
		SID:              sid,
		Email:            sid + "@example.com",
		BoundsPoints:     pools.Bounds,
		MembershipPoints: pools.Membership,
		TopupPoints:      pools.Topup,
	}))
}

func (f *fixture) user(t *testing.T, sid string) *model.User {
	t.Helper()
	u, err := repository.NewUserRepository(f.db).GetBySID(context.Background(), nil, sid)
	require.NoError(t, err)
	return u
}

func (f *fixture) history(t *testing.T, sid string) []*model.PointsHistory {
	t.Helper()
	var list []*model.PointsHistory
	require.NoError(t, f.db.Where("sid = ?", sid).Order("id ASC").Find(&list).Error)
	return list
}

func (f *fixture) record(t *testing.T, id string) *model.GenerationRecord {
	t.Helper()
	r, err := repository.NewGenerationRepository(f.db).GetRecord(context.Background(), nil, id)
	require.NoError(t, err)
	return r
}

// requireConsistent 总积分等于三池之和，且等于流水累计
func (f *fixture) requireConsistent(t *testing.T, sid string, initial int64) {
	t.Helper()
	u := f.user(t, sid)
	require.Equal(t, u.BoundsPoints+u.MembershipPoints+u.TopupPoints, u.TotalPoints)
	sum := initial
	for _, h := range f.history(t, sid) {
		require.Equal(t, h.Detail().Sum(), h.Points)
		sum += h.Points
	}
	require.Equal(t, sum, u.TotalPoints)
}
