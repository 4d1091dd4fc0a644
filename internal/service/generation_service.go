package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pointsystem/internal/gateway"
	"pointsystem/internal/ledger"
	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"
	"pointsystem/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxParametersSize = 64 << 10

type GenerateRequest struct {
	Tool       string          `json:"tool" binding:"required"`
	Parameters json.RawMessage `json:"parameters"`
}

type GenerateResult struct {
	RecordID    string `json:"record_id"`
	TaskID      string `json:"task_id"`
	Tool        string `json:"tool"`
	PointsCount int64  `json:"points_count"`
	Status      string `json:"status"`
}

// GenerationService 驱动一次生成请求：校验、计价、扣积分、提交第三方任务
type GenerationService struct {
	db              *gorm.DB
	registry        *gateway.Registry
	store           *repository.PointsStore
	genRepo         *repository.GenerationRepository
	settlement      *SettlementService
	upstreamTimeout time.Duration
	metrics         *metrics.Metrics
	log             *zap.Logger
	now             func() time.Time
}

func NewGenerationService(
	db *gorm.DB,
	registry *gateway.Registry,
	store *repository.PointsStore,
	settlement *SettlementService,
	upstreamTimeout time.Duration,
	m *metrics.Metrics,
	log *zap.Logger,
) *GenerationService {
	if upstreamTimeout <= 0 {
		upstreamTimeout = 30 * time.Second
	}
	return &GenerationService{
		db:              db,
		registry:        registry,
		store:           store,
		genRepo:         repository.NewGenerationRepository(db),
		settlement:      settlement,
		upstreamTimeout: upstreamTimeout,
		metrics:         m,
		log:             log,
		now:             time.Now,
	}
}

func (s *GenerationService) Generate(ctx context.Context, caller Caller, req GenerateRequest) (*GenerateResult, error) {
	if req.Tool == "" {
		return nil, validationErrorf("tool", "tool is required")
	}
	if len(req.Parameters) > maxParametersSize {
		return nil, validationErrorf("parameters", "parameters exceed %d bytes", maxParametersSize)
	}
	tool, err := s.registry.Get(req.Tool)
	if err != nil {
		return nil, &ValidationError{Field: "tool", Err: err}
	}
	params, err := tool.Validate(req.Parameters)
	if err != nil {
		return nil, &ValidationError{Field: "parameters", Err: err}
	}

	cost := tool.PriceOf(params)
	if cost < 0 {
		return nil, validationErrorf("parameters", "negative price %d", cost)
	}
	sid := caller.SID
	if caller.Anonymous() {
		// 匿名用户只能使用免费工具
		if cost > 0 {
			return nil, ErrUnauthenticated
		}
		sid = model.AnonymousSID
	}

	normalized, err := json.Marshal(params)
	if err != nil {
		return nil, validationErrorf("parameters", "encode parameters: %v", err)
	}

	record := &model.GenerationRecord{
		ID:             idgen.GenerateRecordID(),
		SID:            sid,
		Type:           tool.MediaType(),
		Tool:           tool.Name(),
		Parameters:     normalized,
		ExpectedCount:  tool.ExpectedCount(params),
		PointsCount:    cost,
		DispatchStatus: model.DispatchStatusPending,
	}

	if err := s.reserve(ctx, record); err != nil {
		return nil, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	start := s.now()
	sub, err := tool.Submit(submitCtx, params)
	cancel()
	s.metrics.ObserveSubmit(tool.Name(), s.now().Sub(start))
	if err != nil {
		return nil, s.failDispatch(ctx, record, err)
	}

	task := &model.GenerationTask{
		RecordID: record.ID,
		TaskID:   sub.TaskID,
		Tool:     tool.Name(),
		Status:   model.GenerationStatusWaiting,
		SubmitAt: s.now(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.genRepo.CreateTask(ctx, tx, task); err != nil {
			return err
		}
		return s.genRepo.UpdateDispatchStatus(ctx, tx, record.ID, model.DispatchStatusSuccess, "")
	})
	if err != nil {
		// 任务已在第三方创建但本地没有记录，需要人工处理
		s.log.Error("任务提交成功但保存失败",
			zap.Bool("persistence_after_submit", true),
			zap.String("record_id", record.ID),
			zap.String("task_id", sub.TaskID),
			zap.String("sid", sid),
			zap.Error(err))
		s.metrics.Generation(tool.Name(), "persist_failed")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.metrics.Generation(tool.Name(), "submitted")
	s.log.Info("生成任务已提交",
		zap.String("record_id", record.ID),
		zap.String("task_id", sub.TaskID),
		zap.String("tool", tool.Name()),
		zap.String("sid", sid),
		zap.Int64("points", cost))

	return &GenerateResult{
		RecordID:    record.ID,
		TaskID:      sub.TaskID,
		Tool:        tool.Name(),
		PointsCount: cost,
		Status:      model.GenerationStatusWaiting,
	}, nil
}

// reserve 创建记录，收费工具在同一事务内扣减积分
func (s *GenerationService) reserve(ctx context.Context, record *model.GenerationRecord) error {
	if record.PointsCount == 0 {
		if err := s.genRepo.CreateRecord(ctx, nil, record); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.store.LockAndReadBalances(ctx, tx, record.SID)
		if err != nil {
			return err
		}
		pools, detail, err := ledger.Deduct(user.Pools(), record.PointsCount)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return ErrInsufficientPoints
			}
			return err
		}
		if err := s.genRepo.CreateRecord(ctx, tx, record); err != nil {
			return err
		}
		entry := repository.NewHistoryEntry(model.PointsActionDeduct, detail)
		entry.RecordID = &record.ID
		entry.Remark = record.Tool
		return s.store.CommitLedgerMutation(ctx, tx, record.SID, pools, entry)
	})
	switch {
	case err == nil:
		s.metrics.LedgerMutation(model.PointsActionDeduct)
		return nil
	case errors.Is(err, ErrInsufficientPoints):
		s.metrics.Generation(record.Tool, "insufficient_points")
		return ErrInsufficientPoints
	case errors.Is(err, repository.ErrUserNotFound):
		return ErrUserNotFound
	default:
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}

// failDispatch 提交失败：标记记录失败并同步退还积分，退款失败只记录日志
func (s *GenerationService) failDispatch(ctx context.Context, record *model.GenerationRecord, submitErr error) error {
	msg := upstreamMessage(submitErr)
	// 调用方取消请求后仍需完成补偿
	cctx := context.WithoutCancel(ctx)

	if err := s.genRepo.UpdateDispatchStatus(cctx, nil, record.ID, model.DispatchStatusFail, msg); err != nil {
		s.log.Error("更新记录失败状态出错", zap.String("record_id", record.ID), zap.Error(err))
	}

	if record.PointsCount > 0 {
		outcome, err := s.settlement.Refund(cctx, record.ID, "submit failed: "+msg)
		if err != nil {
			s.log.Error("提交失败后退还积分出错",
				zap.String("record_id", record.ID),
				zap.String("sid", record.SID),
				zap.Error(err))
		} else {
			s.log.Info("提交失败，积分已处理",
				zap.String("record_id", record.ID),
				zap.String("outcome", string(outcome)))
		}
	}

	s.metrics.Generation(record.Tool, "submit_failed")
	s.log.Warn("第三方任务提交失败",
		zap.String("record_id", record.ID),
		zap.String("tool", record.Tool),
		zap.Error(submitErr))

	return &UpstreamSubmissionError{Tool: record.Tool, Message: msg, Err: submitErr}
}

func upstreamMessage(err error) string {
	var upErr *gateway.UpstreamError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream request timed out"
	case errors.As(err, &upErr):
		if upErr.Body != "" {
			return upErr.Body
		}
		return fmt.Sprintf("upstream returned %d", upErr.StatusCode)
	default:
		return err.Error()
	}
}
