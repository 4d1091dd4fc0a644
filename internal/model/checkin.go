package model

import "time"

// CheckinRecord 每日签到，(sid, checkin_date) 唯一
type CheckinRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SID          string    `gorm:"column:sid;type:varchar(32);not null;uniqueIndex:uk_sid_date" json:"sid"`
	CheckinDate  string    `gorm:"type:varchar(10);not null;uniqueIndex:uk_sid_date" json:"checkin_date"` // UTC 日期 2006-01-02
	RewardPoints int64     `gorm:"not null" json:"reward_points"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (CheckinRecord) TableName() string {
	return "checkin_records"
}
