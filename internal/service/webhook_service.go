package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pointsystem/internal/catalog"
	"pointsystem/internal/infrastructure/lock"
	"pointsystem/internal/ledger"
	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"
	"pointsystem/pkg/idgen"
	"pointsystem/pkg/signature"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventSubscriptionPaid     = "subscription.paid"
	EventSubscriptionCanceled = "subscription.canceled"
	EventCheckoutCompleted    = "checkout.completed"
)

var ErrInvalidPayload = errors.New("webhook payload 格式错误")

type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// ============================================================================
// Creem 事件结构
// ============================================================================

type creemEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	CreatedAt int64           `json:"created_at"`
	Object    json.RawMessage `json:"object"`
}

type creemCustomer struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

type creemProduct struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	Currency      string `json:"currency"`
	BillingType   string `json:"billing_type"`
	BillingPeriod string `json:"billing_period"`
}

type creemSubscription struct {
	ID                     string                 `json:"id"`
	Product                creemProduct           `json:"product"`
	Customer               creemCustomer          `json:"customer"`
	LastTransactionID      string                 `json:"last_transaction_id"`
	LastTransactionDate    *time.Time             `json:"last_transaction_date"`
	CurrentPeriodStartDate *time.Time             `json:"current_period_start_date"`
	CurrentPeriodEndDate   *time.Time             `json:"current_period_end_date"`
	CanceledAt             *time.Time             `json:"canceled_at"`
	Metadata               map[string]interface{} `json:"metadata"`
}

type creemOrder struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Transaction string     `json:"transaction"`
	CreatedAt   *time.Time `json:"created_at"`
}

type creemCheckout struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id"`
	Order     creemOrder             `json:"order"`
	Product   creemProduct           `json:"product"`
	Customer  creemCustomer          `json:"customer"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// grantPlan 一次支付入账所需的全部数据
type grantPlan struct {
	eventType     string
	transactionID string
	metadata      map[string]interface{}
	email         string
	points        int64
	pool          ledger.Pool
	order         *model.Order
	subscription  *model.SubscriptionHistory
	remark        string
}

// WebhookService 支付回调处理
//
// 幂等：transaction_id 先查、加锁后再查，最后由 orders 唯一索引兜底。
// 订单、积分发放、订阅历史、积分流水在同一个事务内完成。
type WebhookService struct {
	db        *gorm.DB
	secret    string
	catalog   *catalog.Catalog
	locker    Locker
	store     *repository.PointsStore
	userRepo  *repository.UserRepository
	orderRepo *repository.OrderRepository
	subRepo   *repository.SubscriptionHistoryRepository
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

func NewWebhookService(
	db *gorm.DB,
	secret string,
	products *catalog.Catalog,
	locker Locker,
	store *repository.PointsStore,
	m *metrics.Metrics,
	log *zap.Logger,
) *WebhookService {
	return &WebhookService{
		db:        db,
		secret:    secret,
		catalog:   products,
		locker:    locker,
		store:     store,
		userRepo:  repository.NewUserRepository(db),
		orderRepo: repository.NewOrderRepository(db),
		subRepo:   repository.NewSubscriptionHistoryRepository(db),
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// Verify 校验 creem-signature
func (s *WebhookService) Verify(payload []byte, sig string) error {
	return signature.Verify(payload, sig, s.secret)
}

func (s *WebhookService) HandleEvent(ctx context.Context, payload []byte) (WebhookOutcome, error) {
	var event creemEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var (
		outcome WebhookOutcome
		err     error
	)
	switch event.EventType {
	case EventSubscriptionPaid:
		outcome, err = s.handleSubscriptionPaid(ctx, event, payload)
	case EventCheckoutCompleted:
		outcome, err = s.handleCheckoutCompleted(ctx, event, payload)
	case EventSubscriptionCanceled:
		outcome, err = s.handleSubscriptionCanceled(ctx, event)
	default:
		s.log.Info("未处理的回调事件", zap.String("event_type", event.EventType), zap.String("event_id", event.ID))
		outcome = WebhookIgnored
	}

	if err != nil {
		s.metrics.WebhookEvent(event.EventType, "error")
		s.log.Error("回调处理失败",
			zap.String("event_type", event.EventType),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return "", err
	}
	s.metrics.WebhookEvent(event.EventType, string(outcome))
	return outcome, nil
}

func (s *WebhookService) handleSubscriptionPaid(ctx context.Context, event creemEvent, payload []byte) (WebhookOutcome, error) {
	var sub creemSubscription
	if err := json.Unmarshal(event.Object, &sub); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	product, ok := s.catalog.FindSubscription(sub.Product.ID)
	if !ok {
		s.log.Error("订阅商品不存在", zap.String("product_id", sub.Product.ID), zap.String("event_id", event.ID))
		return WebhookIgnored, nil
	}

	interval := product.Interval
	switch sub.Product.BillingPeriod {
	case "every-month":
		interval = model.IntervalMonthly
	case "":
	default:
		interval = model.IntervalYearly
	}

	currency := sub.Product.Currency
	if currency == "" {
		currency = "USD"
	}
	start, end := s.subscriptionWindow(sub, interval)

	plan := &grantPlan{
		eventType:     event.EventType,
		transactionID: sub.LastTransactionID,
		metadata:      sub.Metadata,
		email:         sub.Customer.Email,
		points:        product.Points,
		pool:          ledger.PoolMembership,
		order: &model.Order{
			OrderType:             model.OrderTypeSubscription,
			Amount:                sub.Product.Price,
			Currency:              currency,
			Status:                model.OrderStatusCompleted,
			PaymentProvider:       model.PaymentProviderCreem,
			PaymentIntentID:       sub.ID,
			TransactionID:         sub.LastTransactionID,
			CustomerID:            sub.Customer.ID,
			CustomerEmail:         sub.Customer.Email,
			CustomerName:          sub.Customer.Name,
			CustomerCountry:       sub.Customer.Country,
			SubscriptionType:      product.Tier,
			SubscriptionInterval:  interval,
			SubscriptionStartDate: &start,
			SubscriptionEndDate:   &end,
			CreditsAmount:         product.Points,
			Metadata:              datatypes.JSON(payload),
			Description:           fmt.Sprintf("使用邮箱%s 订阅支付: %s", sub.Customer.Email, product.ProductID),
			PaidAt:                sub.LastTransactionDate,
		},
		subscription: &model.SubscriptionHistory{
			SubscriptionType:     product.Tier,
			SubscriptionInterval: interval,
			StartDate:            &start,
			EndDate:              &end,
		},
		remark: "subscription: " + product.ProductID,
	}
	return s.grant(ctx, plan)
}

// subscriptionWindow 本期订阅起止时间，缺失时按支付时间和订阅周期推算
func (s *WebhookService) subscriptionWindow(sub creemSubscription, interval string) (time.Time, time.Time) {
	var start time.Time
	switch {
	case sub.CurrentPeriodStartDate != nil:
		start = *sub.CurrentPeriodStartDate
	case sub.LastTransactionDate != nil:
		start = *sub.LastTransactionDate
	default:
		start = s.now()
	}
	if sub.CurrentPeriodEndDate != nil {
		return start, *sub.CurrentPeriodEndDate
	}
	if interval == model.IntervalYearly {
		return start, start.AddDate(1, 0, 0)
	}
	return start, start.AddDate(0, 1, 0)
}

func (s *WebhookService) handleCheckoutCompleted(ctx context.Context, event creemEvent, payload []byte) (WebhookOutcome, error) {
	var checkout creemCheckout
	if err := json.Unmarshal(event.Object, &checkout); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	product, ok := s.catalog.Find(checkout.Product.ID)
	if !ok {
		s.log.Error("商品不存在", zap.String("product_id", checkout.Product.ID), zap.String("event_id", event.ID))
		return WebhookIgnored, nil
	}

	// 订阅商品在 subscription.paid 中入账
	if checkout.Order.Type == "recurring" || checkout.Product.BillingType == "recurring" || product.Kind == catalog.KindSubscription {
		s.log.Info("订阅类 checkout，跳过",
			zap.String("product_id", product.ProductID),
			zap.String("transaction_id", checkout.Order.Transaction))
		return WebhookIgnored, nil
	}

	currency := checkout.Order.Currency
	if currency == "" {
		currency = "USD"
	}

	plan := &grantPlan{
		eventType:     event.EventType,
		transactionID: checkout.Order.Transaction,
		metadata:      checkout.Metadata,
		email:         checkout.Customer.Email,
		points:        product.Points,
		pool:          ledger.PoolTopup,
		order: &model.Order{
			OrderType:       model.OrderTypeCredits,
			Amount:          checkout.Order.Amount,
			Currency:        currency,
			Status:          model.OrderStatusCompleted,
			PaymentProvider: model.PaymentProviderCreem,
			PaymentIntentID: checkout.Order.ID,
			TransactionID:   checkout.Order.Transaction,
			CustomerID:      checkout.Customer.ID,
			CustomerEmail:   checkout.Customer.Email,
			CustomerName:    checkout.Customer.Name,
			CustomerCountry: checkout.Customer.Country,
			CreditsAmount:   product.Points,
			Metadata:        datatypes.JSON(payload),
			Description:     fmt.Sprintf("积分购买: %s", product.Name),
			PaidAt:          checkout.Order.CreatedAt,
		},
		remark: "credits: " + product.ProductID,
	}
	return s.grant(ctx, plan)
}

// grant 订单 + 发放积分 (+ 订阅变更) 原子入账
func (s *WebhookService) grant(ctx context.Context, plan *grantPlan) (WebhookOutcome, error) {
	if plan.transactionID == "" {
		s.log.Error("回调缺少 transaction id", zap.String("event_type", plan.eventType))
		return WebhookIgnored, nil
	}

	user, err := s.resolveUser(ctx, plan.metadata, plan.email)
	if err != nil {
		return "", err
	}
	if user == nil {
		s.log.Error("回调用户不存在",
			zap.Any("metadata", plan.metadata),
			zap.String("email", plan.email),
			zap.String("transaction_id", plan.transactionID))
		return WebhookIgnored, nil
	}

	if dup, err := s.processed(ctx, plan.transactionID); err != nil || dup {
		return WebhookDuplicate, err
	}

	release, err := s.locker.Acquire(ctx, lock.WebhookLockKey(plan.transactionID))
	if err != nil {
		return "", fmt.Errorf("获取回调锁失败: %w", err)
	}
	defer release()

	// 加锁后再次检查
	if dup, err := s.processed(ctx, plan.transactionID); err != nil || dup {
		return WebhookDuplicate, err
	}

	var action string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.store.LockAndReadBalances(ctx, tx, user.SID)
		if err != nil {
			return err
		}

		order := plan.order
		order.OrderNo = idgen.GenerateOrderNo()
		order.UserID = locked.SID
		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return err
		}

		if sub := plan.subscription; sub != nil {
			action = model.SubscriptionActionRenew
			if locked.IsFree(s.now()) {
				action = model.SubscriptionActionNew
			}
			if err := s.userRepo.UpdateSubscription(ctx, tx, locked.SID, sub.SubscriptionType, sub.StartDate, sub.EndDate); err != nil {
				return fmt.Errorf("更新订阅信息失败: %w", err)
			}
			sub.UserID = locked.SID
			sub.OrderID = &order.ID
			sub.Action = action
			if err := s.subRepo.Create(ctx, tx, sub); err != nil {
				return fmt.Errorf("写入订阅历史失败: %w", err)
			}
		}

		pools, err := ledger.Grant(locked.Pools(), plan.points, plan.pool)
		if err != nil {
			return err
		}
		entry := repository.NewHistoryEntry(model.PointsActionPurchase, ledger.Detail{plan.pool: plan.points})
		entry.OrderID = &order.ID
		entry.Remark = plan.remark
		return s.store.CommitLedgerMutation(ctx, tx, locked.SID, pools, entry)
	})
	if errors.Is(err, repository.ErrDuplicateRequest) {
		s.log.Info("订单已处理", zap.String("transaction_id", plan.transactionID))
		return WebhookDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	s.metrics.LedgerMutation(model.PointsActionPurchase)
	s.log.Info("支付入账成功",
		zap.String("event_type", plan.eventType),
		zap.String("sid", user.SID),
		zap.String("transaction_id", plan.transactionID),
		zap.String("pool", string(plan.pool)),
		zap.Int64("points", plan.points),
		zap.String("subscription_action", action))
	return WebhookProcessed, nil
}

func (s *WebhookService) processed(ctx context.Context, transactionID string) (bool, error) {
	existing, err := s.orderRepo.GetByTransactionID(ctx, nil, transactionID)
	if err != nil {
		return false, fmt.Errorf("查询订单失败: %w", err)
	}
	if existing != nil {
		s.log.Info("订单已处理", zap.String("transaction_id", transactionID), zap.String("order_no", existing.OrderNo))
		return true, nil
	}
	return false, nil
}

// handleSubscriptionCanceled 降级为 free 并清空订阅周期，已发放积分不回收
func (s *WebhookService) handleSubscriptionCanceled(ctx context.Context, event creemEvent) (WebhookOutcome, error) {
	var sub creemSubscription
	if err := json.Unmarshal(event.Object, &sub); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	user, err := s.resolveUser(ctx, sub.Metadata, sub.Customer.Email)
	if err != nil {
		return "", err
	}
	if user == nil {
		s.log.Error("回调用户不存在", zap.Any("metadata", sub.Metadata), zap.String("email", sub.Customer.Email))
		return WebhookIgnored, nil
	}

	var previous string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.userRepo.GetBySIDForUpdate(ctx, tx, user.SID)
		if err != nil {
			return err
		}
		if locked.SubscriptionType == model.SubscriptionFree {
			return nil
		}
		previous = locked.SubscriptionType
		if err := s.userRepo.UpdateSubscription(ctx, tx, locked.SID, model.SubscriptionFree, nil, nil); err != nil {
			return err
		}
		return s.subRepo.Create(ctx, tx, &model.SubscriptionHistory{
			UserID:           locked.SID,
			SubscriptionType: previous,
			StartDate:        locked.SubscriptionsStartDate,
			EndDate:          locked.SubscriptionsEndDate,
			Action:           model.SubscriptionActionCancel,
		})
	})
	if err != nil {
		return "", err
	}
	if previous == "" {
		s.log.Info("用户已是 free，跳过取消", zap.String("sid", user.SID))
		return WebhookIgnored, nil
	}

	s.log.Info("订阅已取消",
		zap.String("sid", user.SID),
		zap.String("from", previous),
		zap.Timep("canceled_at", sub.CanceledAt))
	return WebhookProcessed, nil
}

// resolveUser 依次按 metadata.userId、metadata.internal_customer_id、邮箱查找
func (s *WebhookService) resolveUser(ctx context.Context, metadata map[string]interface{}, email string) (*model.User, error) {
	for _, key := range []string{"userId", "internal_customer_id"} {
		sid := metaString(metadata, key)
		if sid == "" {
			continue
		}
		user, err := s.userRepo.GetBySID(ctx, nil, sid)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}
	}

	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	user, err := s.userRepo.GetByEmail(ctx, nil, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, nil
	}
	return user, err
}

func metaString(metadata map[string]interface{}, key string) string {
	if metadata == nil {
		return ""
	}
	v, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
