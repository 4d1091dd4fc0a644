package model

import (
	"time"

	"pointsystem/internal/ledger"

	"gorm.io/datatypes"
)

// ============================================================================
// 积分流水动作
// ============================================================================

const (
	PointsActionDeduct   = "deduct"   // 生成任务扣减
	PointsActionRefund   = "refund"   // 任务失败退还
	PointsActionPurchase = "purchase" // 订阅/充值发放
	PointsActionReward   = "reward"   // 签到等奖励
	PointsActionAdmin    = "admin"    // 人工调整
)

// PointsHistory 积分流水表
//
// 【重要】
// 1. 只追加，不修改，不删除
// 2. points_detail 各池变动之和必须等于 points
// 3. 退款时以扣减流水的 points_detail 为准原路返还
type PointsHistory struct {
	ID           int64                            `gorm:"primaryKey;autoIncrement" json:"id"`
	SID          string                           `gorm:"column:sid;type:varchar(32);index;not null" json:"sid"`
	Action       string                           `gorm:"type:varchar(16);index;not null" json:"action"`
	Points       int64                            `gorm:"not null" json:"points"` // 正数入账，负数出账
	PointsDetail datatypes.JSONType[ledger.Detail] `json:"points_detail"`
	RecordID     *string                          `gorm:"type:varchar(32);index" json:"record_id,omitempty"`
	OrderID      *int64                           `gorm:"index" json:"order_id,omitempty"`
	Remark       string                           `gorm:"type:varchar(256)" json:"remark,omitempty"`
	CreatedAt    time.Time                        `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time                        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PointsHistory) TableName() string {
	return "points_history"
}

func (h *PointsHistory) Detail() ledger.Detail {
	return h.PointsDetail.Data()
}
