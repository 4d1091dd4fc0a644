package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pointsystem/internal/catalog"
	"pointsystem/internal/config"
	"pointsystem/internal/gateway"
	"pointsystem/internal/handler"
	"pointsystem/internal/infrastructure/cache"
	"pointsystem/internal/infrastructure/database"
	"pointsystem/internal/infrastructure/lock"
	"pointsystem/internal/infrastructure/logger"
	"pointsystem/internal/infrastructure/mq"
	"pointsystem/internal/job"
	"pointsystem/internal/media"
	"pointsystem/internal/metrics"
	"pointsystem/internal/repository"
	"pointsystem/internal/service"
	"pointsystem/pkg/idgen"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	nodeID := flag.Int64("node", 1, "雪花算法节点ID")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		ServiceName: "pointsystem",
		Environment: cfg.Log.Env,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, *nodeID, log); err != nil {
		log.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, nodeID int64, log *zap.Logger) error {
	// 初始化 ID 生成器
	if err := idgen.Init(nodeID); err != nil {
		return err
	}

	db, err := database.Open(&cfg.MySQL, log)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis, log)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	products, err := catalog.New(cfg.Products)
	if err != nil {
		return fmt.Errorf("加载商品目录失败: %w", err)
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relocator, err := newRelocator(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	replicate := gateway.NewReplicateClient(cfg.Replicate.BaseURL, cfg.Replicate.APIToken, cfg.Business.UpstreamTimeout())
	registry := gateway.NewRegistry(gateway.NewReplicateTools(replicate, gateway.DefaultReplicateModels())...)
	locker := lock.NewRedisLocker(redisClient, cfg.Business.LockTTL())
	store := repository.NewPointsStore(db, cfg.Kafka.Topic.LedgerEvent)

	settlement := service.NewSettlementService(db, store, m, log)
	h := handler.NewHandler(handler.Services{
		Generation: service.NewGenerationService(db, registry, store, settlement, cfg.Business.UpstreamTimeout(), m, log),
		Records:    service.NewRecordService(db, registry, settlement, relocator, m, log),
		Points:     service.NewPointsService(db, store, m, log),
		Checkin:    service.NewCheckinService(db, store, locker, int64(cfg.Business.CheckinRewardPoints), m, log),
		Checkout:   service.NewCheckoutService(cfg.Creem, products, log),
		Webhook:    service.NewWebhookService(db, cfg.Creem.WebhookSecret, products, locker, store, m, log),
		Orders:     service.NewOrderService(db),
		Catalog:    products,
	}, log)

	// 启动后台任务
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := mq.NewKafkaPublisher(&cfg.Kafka, log)
		if err != nil {
			return err
		}
		defer publisher.Close()

		outboxSender := job.NewOutboxSender(db, publisher, cfg.Business.OutboxMaxRetry, m, log)
		go outboxSender.Start(ctx)
	} else {
		log.Warn("未配置 Kafka，积分事件保留在 outbox_message 表中")
	}

	staleReporter := job.NewStaleTaskReporter(db, time.Duration(cfg.Business.StaleTaskMinutes)*time.Minute, m, log)
	go staleReporter.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(h, handler.RouterOptions{
		AdminToken: cfg.Server.AdminToken,
		Gatherer:   reg,
		Metrics:    m,
		Log:        log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port), zap.Strings("tools", registry.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
	return nil
}

// newRelocator 未配置存储桶时直接返回第三方地址
func newRelocator(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (media.Relocator, error) {
	if cfg.Bucket == "" {
		log.Warn("未配置对象存储，生成结果不转存")
		return media.PassthroughRelocator{}, nil
	}
	client, err := media.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化对象存储失败: %w", err)
	}
	return media.NewS3Relocator(client, cfg, log), nil
}
