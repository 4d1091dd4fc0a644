package job

import (
	"context"
	"time"

	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 消息投递，生产环境为 mq.KafkaPublisher
type Publisher interface {
	Publish(ctx context.Context, topic, key, value string) error
}

// OutboxSender 把积分变动事件从本地消息表投递到 Kafka
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	metrics    *metrics.Metrics
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, maxRetry int, m *metrics.Metrics, log *zap.Logger) *OutboxSender {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		metrics:    m,
		log:        log.Named("outbox"),
		stopCh:     make(chan struct{}),
		interval:   500 * time.Millisecond,
		batchSize:  100,
		maxRetry:   maxRetry,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 投递一批待发送消息，返回成功条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkAsSent(ctx, msg.ID); err != nil {
			s.log.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(err))
			return false
		}
		s.metrics.OutboxDispatch("sent")
		s.log.Debug("消息发送成功",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("key", msg.MessageKey))
		return true
	}

	s.log.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Int("retry_count", msg.RetryCount), zap.Error(err))
	exhausted, updateErr := s.outboxRepo.RecordFailure(ctx, msg.ID, msg.RetryCount, s.maxRetry)
	if updateErr != nil {
		s.log.Error("记录发送失败出错", zap.Int64("id", msg.ID), zap.Error(updateErr))
		return false
	}
	if exhausted {
		s.metrics.OutboxDispatch("failed")
		s.log.Error("消息超过最大重试次数，标记为失败",
			zap.Int64("id", msg.ID),
			zap.String("event_type", msg.EventType),
			zap.String("key", msg.MessageKey))
		return false
	}
	s.metrics.OutboxDispatch("retry")
	return false
}
