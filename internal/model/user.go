package model

import (
	"time"

	"pointsystem/internal/ledger"
)

const (
	SubscriptionFree     = "free"
	SubscriptionBasic    = "basic"
	SubscriptionUltimate = "ultimate"
)

// AnonymousSID 未登录用户生成记录时使用的 sid
const AnonymousSID = "anonymous"

// User 用户表
// 三个积分池 + 冗余总积分，total_points 必须始终等于三池之和。
// 积分字段只能通过积分账本写入（PointsStore.CommitLedgerMutation）。
type User struct {
	ID                     int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SID                    string     `gorm:"column:sid;type:varchar(32);uniqueIndex;not null" json:"sid"`
	Name                   string     `gorm:"type:varchar(128)" json:"name"`
	Avatar                 string     `gorm:"type:varchar(512)" json:"avatar"`
	Email                  string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	BoundsPoints           int64      `gorm:"not null;default:0" json:"bounds_points"`     // 赠送积分
	MembershipPoints       int64      `gorm:"not null;default:0" json:"membership_points"` // 订阅积分
	TopupPoints            int64      `gorm:"not null;default:0" json:"topup_points"`      // 充值积分
	TotalPoints            int64      `gorm:"not null;default:0" json:"total_points"`
	SubscriptionType       string     `gorm:"type:varchar(16);not null;default:free" json:"subscription_type"`
	SubscriptionsStartDate *time.Time `json:"subscriptions_start_date"`
	SubscriptionsEndDate   *time.Time `json:"subscriptions_end_date"`
	LastLogin              *time.Time `json:"last_login"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) Pools() ledger.Pools {
	return ledger.Pools{
		Bounds:     u.BoundsPoints,
		Membership: u.MembershipPoints,
		Topup:      u.TopupPoints,
	}
}

// IsFree 当前没有有效订阅：free 类型、没有结束时间或已过期
func (u *User) IsFree(now time.Time) bool {
	if u.SubscriptionType == "" || u.SubscriptionType == SubscriptionFree {
		return true
	}
	if u.SubscriptionsEndDate == nil {
		return true
	}
	return u.SubscriptionsEndDate.Before(now)
}
