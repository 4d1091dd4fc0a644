package handler

import (
	"pointsystem/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterOptions struct {
	AdminToken string
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// SetupRouter 配置路由
func SetupRouter(h *Handler, opts RouterOptions) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log, opts.Metrics))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware())
	{
		// 支付回调不依赖用户身份
		api.POST("/webhook/creem", h.CreemWebhook)
		api.GET("/products", h.ListProducts)

		// 免费工具允许匿名调用，收费工具在服务层拒绝
		api.POST("/generate", h.Generate)

		user := api.Group("")
		user.Use(RequireUser())
		{
			user.GET("/records/:recordId", h.PollRecord)
			user.GET("/user", h.GetUser)
			user.GET("/user/media", h.ListMedia)
			user.GET("/points", h.ListPoints)
			user.POST("/checkin", h.Checkin)
			user.GET("/checkin/history", h.CheckinHistory)
			user.POST("/checkout", h.CreateCheckout)
			user.GET("/orders", h.ListOrders)
			user.GET("/orders/:orderNo", h.GetOrder)
			user.GET("/subscriptions", h.ListSubscriptions)
		}
	}

	internal := r.Group("/internal/v1")
	internal.Use(AdminAuth(opts.AdminToken))
	{
		internal.POST("/points/grant", h.AdminGrant)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
