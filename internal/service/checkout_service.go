package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pointsystem/internal/catalog"
	"pointsystem/internal/config"

	"go.uber.org/zap"
)

type CheckoutResult struct {
	CheckoutURL string `json:"checkout_url"`
	CheckoutID  string `json:"checkout_id"`
	RequestID   string `json:"request_id"`
}

// CheckoutService 创建 Creem 支付会话，入账由 webhook 完成
type CheckoutService struct {
	apiKey     string
	endpoint   string
	successURL string
	catalog    *catalog.Catalog
	http       *http.Client
	log        *zap.Logger
	now        func() time.Time
}

func NewCheckoutService(cfg config.CreemConfig, products *catalog.Catalog, log *zap.Logger) *CheckoutService {
	return &CheckoutService{
		apiKey:     cfg.APIKey,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		successURL: cfg.SuccessURL,
		catalog:    products,
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        log,
		now:        time.Now,
	}
}

func (s *CheckoutService) CreateCheckout(ctx context.Context, caller Caller, productID string) (*CheckoutResult, error) {
	if caller.Anonymous() {
		return nil, ErrUnauthenticated
	}
	if productID == "" {
		return nil, validationErrorf("product_id", "product_id is required")
	}
	if _, ok := s.catalog.Find(productID); !ok {
		return nil, ErrProductNotFound
	}
	if s.apiKey == "" {
		return nil, ErrPaymentNotConfigured
	}

	requestID := fmt.Sprintf("%s_%d", caller.Email, s.now().UnixMilli())
	body, err := json.Marshal(map[string]interface{}{
		"product_id":  productID,
		"success_url": s.successURL,
		"request_id":  requestID,
		"metadata": map[string]string{
			"userId": caller.SID,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Error("Creem 创建 checkout 失败",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(raw)),
			zap.String("product_id", productID))
		return nil, fmt.Errorf("%w: status %d", ErrCheckoutFailed, resp.StatusCode)
	}

	var out struct {
		CheckoutURL string `json:"checkout_url"`
		CheckoutID  string `json:"checkout_id"`
		ID          string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	if out.CheckoutID == "" {
		out.CheckoutID = out.ID
	}

	s.log.Info("创建 checkout 成功",
		zap.String("sid", caller.SID),
		zap.String("product_id", productID),
		zap.String("checkout_id", out.CheckoutID))
	return &CheckoutResult{
		CheckoutURL: out.CheckoutURL,
		CheckoutID:  out.CheckoutID,
		RequestID:   requestID,
	}, nil
}
