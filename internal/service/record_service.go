package service

import (
	"context"
	"fmt"
	"time"

	"pointsystem/internal/gateway"
	"pointsystem/internal/media"
	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RecordStatus struct {
	RecordID       string   `json:"record_id"`
	Tool           string   `json:"tool"`
	Type           string   `json:"type"`
	Status         string   `json:"status"`
	URLs           []string `json:"urls"`
	ErrorMessage   string   `json:"error,omitempty"`
	PointsCount    int64    `json:"points_count"`
	PointsRefunded bool     `json:"points_refunded"`
}

// RecordService 由客户端轮询驱动的任务状态同步
type RecordService struct {
	db         *gorm.DB
	registry   *gateway.Registry
	genRepo    *repository.GenerationRepository
	settlement *SettlementService
	relocator  media.Relocator
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

func NewRecordService(
	db *gorm.DB,
	registry *gateway.Registry,
	settlement *SettlementService,
	relocator media.Relocator,
	m *metrics.Metrics,
	log *zap.Logger,
) *RecordService {
	if relocator == nil {
		relocator = media.PassthroughRelocator{}
	}
	return &RecordService{
		db:         db,
		registry:   registry,
		genRepo:    repository.NewGenerationRepository(db),
		settlement: settlement,
		relocator:  relocator,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

func (s *RecordService) Poll(ctx context.Context, caller Caller, recordID string) (*RecordStatus, error) {
	if caller.Anonymous() {
		return nil, ErrUnauthenticated
	}
	record, err := s.genRepo.GetRecord(ctx, nil, recordID)
	if err != nil {
		return nil, err
	}
	if record.SID != caller.SID && record.SID != model.AnonymousSID {
		return nil, ErrRecordNotFound
	}

	switch record.DispatchStatus {
	case model.DispatchStatusFail:
		if record.PointsCount > 0 && !record.PointsRefunded {
			// 提交失败时的同步退款未完成，重试
			if _, err := s.settlement.Refund(ctx, record.ID, "submit failed: retry"); err != nil {
				s.log.Error("重试退还积分出错", zap.String("record_id", record.ID), zap.Error(err))
			} else if record, err = s.genRepo.GetRecord(ctx, nil, record.ID); err != nil {
				return nil, err
			}
		}
		return s.view(record, model.GenerationStatusFailed, nil), nil
	case model.DispatchStatusPending:
		return s.view(record, model.GenerationStatusWaiting, nil), nil
	}

	task, err := s.genRepo.GetLatestTask(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return s.view(record, model.GenerationStatusWaiting, nil), nil
	}
	if model.IsTerminalGenerationStatus(task.Status) {
		if task.Status == model.GenerationStatusFailed && record.PointsCount > 0 && !record.PointsRefunded {
			// 上次退款未完成，重试
			if _, err := s.settlement.Refund(ctx, record.ID, "generation failed: retry"); err != nil {
				s.log.Error("重试退还积分出错", zap.String("record_id", record.ID), zap.Error(err))
			}
		}
		return s.stored(ctx, record.ID)
	}

	tool, err := s.registry.Get(record.Tool)
	if err != nil {
		return nil, err
	}
	st, err := tool.Poll(ctx, task.TaskID)
	if err != nil {
		s.log.Warn("查询第三方任务状态失败",
			zap.String("record_id", record.ID),
			zap.String("task_id", task.TaskID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if !st.State.Terminal() {
		return s.view(record, model.GenerationStatusWaiting, nil), nil
	}

	status := string(st.State)
	finished := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.genRepo.FinishTask(ctx, tx, task.TaskID, status, st.Raw, s.now())
		if err != nil || !ok {
			return err
		}
		finished = true
		return s.genRepo.UpdateGenerationStatus(ctx, tx, record.ID, status, st.ErrorMessage)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !finished {
		// 并发轮询已写入终态
		return s.stored(ctx, record.ID)
	}

	// 只有抢到终态的请求转存媒体
	if st.State == gateway.StateSucceed {
		urls := s.relocator.Relocate(ctx, st.URLs, media.Owner{
			SID:      record.SID,
			RecordID: record.ID,
			TaskID:   task.TaskID,
		})
		medias := make([]*model.Media, 0, len(urls))
		for _, u := range urls {
			medias = append(medias, &model.Media{
				SID:       record.SID,
				RecordID:  record.ID,
				TaskID:    task.TaskID,
				URL:       u,
				MediaType: tool.MediaType(),
			})
		}
		if err := s.genRepo.CreateMedia(ctx, nil, medias); err != nil {
			s.log.Error("保存媒体记录失败", zap.String("record_id", record.ID), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	s.metrics.Generation(record.Tool, string(st.State))
	if st.State == gateway.StateFailed {
		s.log.Info("生成任务失败，退还积分",
			zap.String("record_id", record.ID),
			zap.String("error", st.ErrorMessage))
		if _, err := s.settlement.Refund(ctx, record.ID, "generation failed: "+st.ErrorMessage); err != nil {
			s.log.Error("生成失败后退还积分出错", zap.String("record_id", record.ID), zap.Error(err))
		}
	}
	return s.stored(ctx, record.ID)
}

// stored 返回已持久化的终态
func (s *RecordService) stored(ctx context.Context, recordID string) (*RecordStatus, error) {
	record, err := s.genRepo.GetRecord(ctx, nil, recordID)
	if err != nil {
		return nil, err
	}
	medias, err := s.genRepo.ListMediaByRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(medias))
	for _, m := range medias {
		urls = append(urls, m.URL)
	}
	status := record.GenerationStatus
	if status == "" {
		status = model.GenerationStatusWaiting
	}
	return s.view(record, status, urls), nil
}

func (s *RecordService) view(record *model.GenerationRecord, status string, urls []string) *RecordStatus {
	if urls == nil {
		urls = []string{}
	}
	return &RecordStatus{
		RecordID:       record.ID,
		Tool:           record.Tool,
		Type:           record.Type,
		Status:         status,
		URLs:           urls,
		ErrorMessage:   record.ErrorMessage,
		PointsCount:    record.PointsCount,
		PointsRefunded: record.PointsRefunded,
	}
}
