package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"pointsystem/internal/catalog"
	"pointsystem/internal/gateway"
	"pointsystem/internal/infrastructure/logger"
	"pointsystem/internal/repository"
	"pointsystem/internal/service"
	"pointsystem/pkg/response"
	"pointsystem/pkg/signature"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// Services 处理器依赖的业务服务
type Services struct {
	Generation *service.GenerationService
	Records    *service.RecordService
	Points     *service.PointsService
	Checkin    *service.CheckinService
	Checkout   *service.CheckoutService
	Webhook    *service.WebhookService
	Orders     *service.OrderService
	Catalog    *catalog.Catalog
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	generation *service.GenerationService
	records    *service.RecordService
	points     *service.PointsService
	checkin    *service.CheckinService
	checkout   *service.CheckoutService
	webhook    *service.WebhookService
	orders     *service.OrderService
	catalog    *catalog.Catalog
	log        *zap.Logger
}

func NewHandler(s Services, log *zap.Logger) *Handler {
	return &Handler{
		generation: s.Generation,
		records:    s.Records,
		points:     s.Points,
		checkin:    s.Checkin,
		checkout:   s.Checkout,
		webhook:    s.Webhook,
		orders:     s.Orders,
		catalog:    s.Catalog,
		log:        log,
	}
}

// ============================================================
// 生成相关接口
// ============================================================

// Generate 提交生成任务
// POST /api/v1/generate
func (h *Handler) Generate(c *gin.Context) {
	var req service.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.generation.Generate(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// PollRecord 查询生成记录状态，同时推进第三方任务
// GET /api/v1/records/:recordId
func (h *Handler) PollRecord(c *gin.Context) {
	status, err := h.records.Poll(c.Request.Context(), callerFrom(c), c.Param("recordId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, status)
}

// ============================================================
// 用户与积分接口
// ============================================================

// GetUser 当前用户信息与三池余额
// GET /api/v1/user
func (h *Handler) GetUser(c *gin.Context) {
	profile, err := h.points.Balance(c.Request.Context(), callerFrom(c).SID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, profile)
}

// ListMedia 用户生成的媒体
// GET /api/v1/user/media
func (h *Handler) ListMedia(c *gin.Context) {
	media, err := h.points.ListMedia(c.Request.Context(), callerFrom(c).SID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": media})
}

// ListPoints 积分流水
// GET /api/v1/points?type=consumed&page=1&size=20
func (h *Handler) ListPoints(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	result, err := h.points.ListHistory(c.Request.Context(), callerFrom(c).SID, c.Query("type"), page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// Checkin 每日签到
// POST /api/v1/checkin
func (h *Handler) Checkin(c *gin.Context) {
	result, err := h.checkin.Checkin(c.Request.Context(), callerFrom(c).SID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// CheckinHistory 本周签到
// GET /api/v1/checkin/history
func (h *Handler) CheckinHistory(c *gin.Context) {
	history, err := h.checkin.History(c.Request.Context(), callerFrom(c).SID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, history)
}

// ============================================================
// 支付相关接口
// ============================================================

// ListProducts 可售商品
// GET /api/v1/products
func (h *Handler) ListProducts(c *gin.Context) {
	response.Success(c, gin.H{"list": h.catalog.List()})
}

type CheckoutRequest struct {
	ProductID string `json:"product_id" binding:"required"`
}

// CreateCheckout 创建支付会话
// POST /api/v1/checkout
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.checkout.CreateCheckout(c.Request.Context(), callerFrom(c), req.ProductID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ListOrders 查询用户订单列表
// GET /api/v1/orders?page=1&size=10
func (h *Handler) ListOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))

	result, err := h.orders.ListUserOrders(c.Request.Context(), callerFrom(c).SID, page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetOrder 查询订单详情
// GET /api/v1/orders/:orderNo
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), callerFrom(c).SID, c.Param("orderNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// ListSubscriptions 订阅变更历史
// GET /api/v1/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	list, err := h.orders.ListSubscriptionHistory(c.Request.Context(), callerFrom(c).SID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// CreemWebhook 支付回调
// POST /api/v1/webhook/creem
//
// 支付方按 HTTP 状态码重试，这里不走统一的 200 + code 约定
func (h *Handler) CreemWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求体失败"})
		return
	}

	if err := h.webhook.Verify(payload, c.GetHeader("creem-signature")); err != nil {
		log := logger.FromContext(c.Request.Context(), h.log)
		switch {
		case errors.Is(err, signature.ErrMissingSecret):
			log.Error("webhook secret 未配置")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		case errors.Is(err, signature.ErrMissingSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing signature"})
		default:
			log.Warn("webhook 签名校验失败")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		}
		return
	}

	outcome, err := h.webhook.HandleEvent(c.Request.Context(), payload)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

// ============================================================
// 内部接口
// ============================================================

type GrantRequest struct {
	SID    string `json:"sid" binding:"required"`
	Pool   string `json:"pool" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Remark string `json:"remark"`
}

// AdminGrant 人工发放积分
// POST /internal/v1/points/grant
func (h *Handler) AdminGrant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	profile, err := h.points.AdminGrant(c.Request.Context(), req.SID, req.Pool, req.Amount, req.Remark)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, profile)
}

// fail 业务错误映射为响应码
func (h *Handler) fail(c *gin.Context, err error) {
	var (
		validationErr *service.ValidationError
		upstreamErr   *service.UpstreamSubmissionError
	)
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, gateway.ErrUnsupportedTool):
		response.BusinessError(c, response.CodeUnsupportedTool, err.Error())
	case errors.As(err, &validationErr):
		response.ParamError(c, validationErr.Error())
	case errors.Is(err, service.ErrInsufficientPoints):
		response.InsufficientPoints(c, err.Error())
	case errors.As(err, &upstreamErr):
		response.BusinessError(c, response.CodeUpstreamFailed, upstreamErr.Message)
	case errors.Is(err, service.ErrUpstreamUnavailable):
		response.BusinessError(c, response.CodeUpstreamFailed, err.Error())
	case errors.Is(err, service.ErrAlreadyCheckedIn):
		response.BusinessError(c, response.CodeAlreadyCheckedIn, err.Error())
	case errors.Is(err, service.ErrUserNotFound):
		response.BusinessError(c, response.CodeUserNotFound, err.Error())
	case errors.Is(err, service.ErrRecordNotFound):
		response.BusinessError(c, response.CodeRecordNotFound, err.Error())
	case errors.Is(err, repository.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, service.ErrProductNotFound):
		response.BusinessError(c, response.CodeProductNotFound, err.Error())
	case errors.Is(err, service.ErrPaymentNotConfigured), errors.Is(err, service.ErrCheckoutFailed):
		response.BusinessError(c, response.CodePaymentFailed, err.Error())
	default:
		logger.FromContext(c.Request.Context(), h.log).Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}
