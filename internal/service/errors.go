package service

import (
	"context"
	"errors"
	"fmt"

	"pointsystem/internal/model"
	"pointsystem/internal/repository"
)

var (
	ErrInsufficientPoints   = errors.New("积分不足")
	ErrUnauthenticated      = errors.New("请先登录")
	ErrPersistence          = errors.New("数据持久化失败")
	ErrUpstreamUnavailable  = errors.New("第三方服务暂不可用")
	ErrProductNotFound      = errors.New("商品不存在")
	ErrPaymentNotConfigured = errors.New("支付未配置")
	ErrCheckoutFailed       = errors.New("创建支付会话失败")

	ErrUserNotFound     = repository.ErrUserNotFound
	ErrRecordNotFound   = repository.ErrRecordNotFound
	ErrAlreadyCheckedIn = repository.ErrAlreadyCheckedIn
)

// ValidationError 请求参数不合法，发生在任何副作用之前
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func validationErrorf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// UpstreamSubmissionError 提交第三方任务失败，已扣积分会同步退还
type UpstreamSubmissionError struct {
	Tool    string
	Message string
	Err     error
}

func (e *UpstreamSubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %s", e.Tool, e.Message)
}

func (e *UpstreamSubmissionError) Unwrap() error {
	return e.Err
}

// Caller 请求方身份，SID 为空表示未登录
type Caller struct {
	SID   string
	Email string
}

func (c Caller) Anonymous() bool {
	return c.SID == "" || c.SID == model.AnonymousSID
}

// Locker 分布式锁，返回释放函数
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}
