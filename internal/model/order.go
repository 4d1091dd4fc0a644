package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	OrderTypeSubscription = "subscription"
	OrderTypeCredits      = "credits"
)

const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusFailed     = "failed"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

const (
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

const PaymentProviderCreem = "creem"

// Order 支付订单
// transaction_id 是第三方支付流水号，唯一索引保证同一笔支付只入账一次
type Order struct {
	ID                    int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo               string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID                string         `gorm:"type:varchar(32);index;not null" json:"user_id"` // 用户 sid
	OrderType             string         `gorm:"type:varchar(16);not null" json:"order_type"`
	Amount                int64          `gorm:"not null" json:"amount"` // 最小货币单位（分）
	Currency              string         `gorm:"type:varchar(8);not null;default:USD" json:"currency"`
	Status                string         `gorm:"type:varchar(16);index;not null" json:"status"`
	PaymentProvider       string         `gorm:"type:varchar(32)" json:"payment_provider"`
	PaymentIntentID       string         `gorm:"type:varchar(128)" json:"payment_intent_id"`
	TransactionID         string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"transaction_id"`
	CustomerID            string         `gorm:"type:varchar(128)" json:"customer_id"`
	CustomerEmail         string         `gorm:"type:varchar(255)" json:"customer_email"`
	CustomerName          string         `gorm:"type:varchar(255)" json:"customer_name"`
	CustomerCountry       string         `gorm:"type:varchar(8)" json:"customer_country"`
	SubscriptionType      string         `gorm:"type:varchar(16)" json:"subscription_type,omitempty"`
	SubscriptionInterval  string         `gorm:"type:varchar(16)" json:"subscription_interval,omitempty"`
	SubscriptionStartDate *time.Time     `json:"subscription_start_date,omitempty"`
	SubscriptionEndDate   *time.Time     `json:"subscription_end_date,omitempty"`
	CreditsAmount         int64          `gorm:"not null;default:0" json:"credits_amount"`
	Metadata              datatypes.JSON `json:"-"`
	Description           string         `gorm:"type:varchar(512)" json:"description"`
	PaidAt                *time.Time     `json:"paid_at"`
	CancelledAt           *time.Time     `json:"cancelled_at,omitempty"`
	RefundedAt            *time.Time     `json:"refunded_at,omitempty"`
	CreatedAt             time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

const (
	SubscriptionActionNew       = "new"
	SubscriptionActionRenew     = "renew"
	SubscriptionActionUpgrade   = "upgrade"
	SubscriptionActionDowngrade = "downgrade"
	SubscriptionActionCancel    = "cancel"
)

// SubscriptionHistory 订阅变更历史
type SubscriptionHistory struct {
	ID                   int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID               string     `gorm:"type:varchar(32);index;not null" json:"user_id"`
	OrderID              *int64     `json:"order_id,omitempty"`
	SubscriptionType     string     `gorm:"type:varchar(16);not null" json:"subscription_type"`
	SubscriptionInterval string     `gorm:"type:varchar(16)" json:"subscription_interval,omitempty"`
	StartDate            *time.Time `json:"start_date"`
	EndDate              *time.Time `json:"end_date"`
	Action               string     `gorm:"type:varchar(16);not null" json:"action"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (SubscriptionHistory) TableName() string {
	return "subscription_history"
}
