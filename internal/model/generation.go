package model

import (
	"time"

	"gorm.io/datatypes"
)

// 记录的派发状态：只表示任务是否成功提交到第三方
const (
	DispatchStatusPending = "pending"
	DispatchStatusSuccess = "success"
	DispatchStatusFail    = "fail"
)

// 生成状态：第三方任务的执行结果
const (
	GenerationStatusWaiting = "WAITING"
	GenerationStatusSucceed = "SUCCEED"
	GenerationStatusFailed  = "FAILED"
)

func IsTerminalGenerationStatus(status string) bool {
	return status == GenerationStatusSucceed || status == GenerationStatusFailed
}

// GenerationRecord 生成记录，一次用户请求一条
// points_refunded 只允许 false -> true 变化一次
type GenerationRecord struct {
	ID               string         `gorm:"primaryKey;type:varchar(32)" json:"id"`
	SID              string         `gorm:"column:sid;type:varchar(32);index;not null" json:"sid"`
	Type             string         `gorm:"type:varchar(16);not null;default:image" json:"type"`
	Tool             string         `gorm:"type:varchar(64);not null" json:"tool"`
	Parameters       datatypes.JSON `json:"parameters"`
	ExpectedCount    int            `gorm:"not null;default:1" json:"expected_count"`
	PointsCount      int64          `gorm:"not null;default:0" json:"points_count"`
	DispatchStatus   string         `gorm:"type:varchar(16);not null;default:pending" json:"dispatch_status"`
	GenerationStatus string         `gorm:"type:varchar(16)" json:"generation_status"`
	ErrorMessage     string         `gorm:"type:varchar(512)" json:"error_message,omitempty"`
	PointsRefunded   bool           `gorm:"not null;default:false" json:"points_refunded"`
	RefundedAt       *time.Time     `json:"refunded_at,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GenerationRecord) TableName() string {
	return "records"
}

// GenerationTask 第三方任务，提交成功后才会创建
type GenerationTask struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	RecordID   string         `gorm:"type:varchar(32);index;not null" json:"record_id"`
	TaskID     string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"task_id"`
	Tool       string         `gorm:"type:varchar(64);not null" json:"tool"`
	Status     string         `gorm:"type:varchar(16);index;not null" json:"status"`
	SubmitAt   time.Time      `gorm:"not null" json:"submit_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Result     datatypes.JSON `json:"result,omitempty"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GenerationTask) TableName() string {
	return "tasks"
}

// Media 转存后的生成结果
type Media struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SID       string    `gorm:"column:sid;type:varchar(32);index;not null" json:"sid"`
	RecordID  string    `gorm:"type:varchar(32);index;not null" json:"record_id"`
	TaskID    string    `gorm:"type:varchar(128);not null" json:"task_id"`
	URL       string    `gorm:"type:varchar(1024);not null" json:"url"`
	MediaType string    `gorm:"type:varchar(16);not null;default:image" json:"media_type"`
	IsDelete  bool      `gorm:"not null;default:false" json:"is_delete"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Media) TableName() string {
	return "medias"
}
