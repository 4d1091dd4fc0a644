package job

import (
	"context"
	"time"

	"pointsystem/internal/metrics"
	"pointsystem/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StaleTaskReporter 周期统计长时间停留在 WAITING 的第三方任务
//
// 任务状态只由客户端轮询推进，这里只告警，不改状态也不退积分。
type StaleTaskReporter struct {
	genRepo   *repository.GenerationRepository
	metrics   *metrics.Metrics
	log       *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	threshold time.Duration
	batchSize int
	now       func() time.Time
}

func NewStaleTaskReporter(db *gorm.DB, threshold time.Duration, m *metrics.Metrics, log *zap.Logger) *StaleTaskReporter {
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	return &StaleTaskReporter{
		genRepo:   repository.NewGenerationRepository(db),
		metrics:   m,
		log:       log.Named("stale_task"),
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		threshold: threshold,
		batchSize: 20,
		now:       time.Now,
	}
}

func (j *StaleTaskReporter) Start(ctx context.Context) {
	j.log.Info("滞留任务巡检启动", zap.Duration("threshold", j.threshold))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.Report(ctx)
		}
	}
}

func (j *StaleTaskReporter) Stop() {
	close(j.stopCh)
}

// Report 统计滞留任务数并记录最早的一批
func (j *StaleTaskReporter) Report(ctx context.Context) int64 {
	before := j.now().Add(-j.threshold)
	count, err := j.genRepo.CountStaleTasks(ctx, before)
	if err != nil {
		j.log.Error("统计滞留任务失败", zap.Error(err))
		return 0
	}
	j.metrics.SetStaleTasks(count)
	if count == 0 {
		return 0
	}

	tasks, err := j.genRepo.ListStaleTasks(ctx, before, j.batchSize)
	if err != nil {
		j.log.Error("查询滞留任务失败", zap.Error(err))
		return count
	}
	for _, t := range tasks {
		j.log.Warn("任务长时间未完成",
			zap.String("record_id", t.RecordID),
			zap.String("task_id", t.TaskID),
			zap.String("tool", t.Tool),
			zap.Time("submit_at", t.SubmitAt))
	}
	j.log.Warn("发现滞留任务", zap.Int64("count", count))
	return count
}
