package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pointsystem/internal/catalog"
	"pointsystem/internal/config"
	"pointsystem/internal/gateway"
	"pointsystem/internal/infrastructure/database"
	"pointsystem/internal/metrics"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"
	"pointsystem/internal/service"
	"pointsystem/pkg/response"
	"pointsystem/pkg/signature"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSecret     = "whsec_handler"
	testAdminToken = "admin-token"
)

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

type testServer struct {
	db     *gorm.DB
	router *gin.Engine
	tools  map[string]*gateway.FakeTool
}

func newTestServer(t *testing.T, webhookSecret string) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := repository.NewPointsStore(db, "points.ledger.event")
	tools := map[string]*gateway.FakeTool{
		"paid": {ToolName: "paid", Cost: 2},
		"free": {ToolName: "free", Cost: 0},
	}
	registry := gateway.NewRegistry(tools["paid"], tools["free"])
	products, err := catalog.New(config.ProductsConfig{
		Credits: []config.ProductConfig{{ProductID: "prod_credits_100", Name: "100 credits", Points: 100}},
	})
	require.NoError(t, err)

	settlement := service.NewSettlementService(db, store, m, log)
	h := NewHandler(Services{
		Generation: service.NewGenerationService(db, registry, store, settlement, time.Second, m, log),
		Records:    service.NewRecordService(db, registry, settlement, nil, m, log),
		Points:     service.NewPointsService(db, store, m, log),
		Checkin:    service.NewCheckinService(db, store, nopLocker{}, 2, m, log),
		Checkout:   service.NewCheckoutService(config.CreemConfig{}, products, log),
		Webhook:    service.NewWebhookService(db, webhookSecret, products, nopLocker{}, store, m, log),
		Orders:     service.NewOrderService(db),
		Catalog:    products,
	}, log)

	router := SetupRouter(h, RouterOptions{AdminToken: testAdminToken, Gatherer: reg, Metrics: m, Log: log})
	return &testServer{db: db, router: router, tools: tools}
}

func (s *testServer) seedUser(t *testing.T, sid string, topup int64) {
	t.Helper()
	require.NoError(t, repository.NewUserRepository(s.db).Create(context.Background(), nil, &model.User{
		SID:         sid,
		Email:       sid + "@example.com",
		TopupPoints: topup,
	}))
}

func (s *testServer) do(method, path, sid string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sid != "" {
		req.Header.Set(headerUserSID, sid)
		req.Header.Set(headerUserEmail, sid+"@example.com")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	NoPoints bool            `json:"noPoints"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestGenerateEndpoint(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.seedUser(t, "u1", 3)

	w := s.do(http.MethodPost, "/api/v1/generate", "u1", []byte(`{"tool":"paid","parameters":{"prompt":"cat"}}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code)
	var result service.GenerateResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.NotEmpty(t, result.RecordID)
	assert.Equal(t, model.GenerationStatusWaiting, result.Status)
	assert.NotEmpty(t, w.Header().Get(headerRequestID))

	// 余额 1，不足
	w = s.do(http.MethodPost, "/api/v1/generate", "u1", []byte(`{"tool":"paid"}`), nil)
	env = decode(t, w)
	assert.Equal(t, response.CodeInsufficientPoints, env.Code)
	assert.True(t, env.NoPoints)

	w = s.do(http.MethodPost, "/api/v1/generate", "u1", []byte(`{"tool":"video"}`), nil)
	assert.Equal(t, response.CodeUnsupportedTool, decode(t, w).Code)

	w = s.do(http.MethodPost, "/api/v1/generate", "u1", []byte(`{"tool":"free","parameters":{"invalid":true}}`), nil)
	assert.Equal(t, response.CodeParamError, decode(t, w).Code)

	w = s.do(http.MethodPost, "/api/v1/generate", "u1", []byte(`{}`), nil)
	assert.Equal(t, response.CodeParamError, decode(t, w).Code)

	w = s.do(http.MethodPost, "/api/v1/generate", "", []byte(`{"tool":"paid"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/generate", "", []byte(`{"tool":"free"}`), nil)
	assert.Equal(t, response.CodeSuccess, decode(t, w).Code)

	w = s.do(http.MethodGet, "/api/v1/records/"+result.RecordID, "u1", nil, nil)
	env = decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code)
	var status service.RecordStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, model.GenerationStatusWaiting, status.Status)
}

func TestGenerateUpstreamFailureEndpoint(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.seedUser(t, "u1", 3)
	s.tools["paid"].SubmitErr = &gateway.UpstreamError{StatusCode: 422, Body: "invalid prompt"}

	w := s.do(http.MethodPost, "/api/v1/generate", "u1", []byte(`{"tool":"paid"}`), nil)
	env := decode(t, w)
	assert.Equal(t, response.CodeUpstreamFailed, env.Code)
	assert.Equal(t, "invalid prompt", env.Message)

	w = s.do(http.MethodGet, "/api/v1/user", "u1", nil, nil)
	env = decode(t, w)
	var profile service.UserProfile
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.EqualValues(t, 3, profile.TotalPoints)
}

func TestUserRoutesRequireIdentity(t *testing.T) {
	s := newTestServer(t, testSecret)
	for _, path := range []string{"/api/v1/user", "/api/v1/user/media", "/api/v1/points", "/api/v1/checkin/history", "/api/v1/orders", "/api/v1/subscriptions"} {
		w := s.do(http.MethodGet, path, "", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestCheckinAndPointsEndpoints(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.seedUser(t, "u1", 0)

	w := s.do(http.MethodPost, "/api/v1/checkin", "u1", nil, nil)
	require.Equal(t, response.CodeSuccess, decode(t, w).Code)

	w = s.do(http.MethodPost, "/api/v1/checkin", "u1", nil, nil)
	assert.Equal(t, response.CodeAlreadyCheckedIn, decode(t, w).Code)

	w = s.do(http.MethodGet, "/api/v1/points?type=rewarded", "u1", nil, nil)
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code)
	var page service.HistoryPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.EqualValues(t, 1, page.Total)

	w = s.do(http.MethodGet, "/api/v1/points?type=bogus", "u1", nil, nil)
	assert.Equal(t, response.CodeParamError, decode(t, w).Code)

	w = s.do(http.MethodGet, "/api/v1/checkin/history", "u1", nil, nil)
	assert.Equal(t, response.CodeSuccess, decode(t, w).Code)

	w = s.do(http.MethodGet, "/api/v1/user", "ghost", nil, nil)
	assert.Equal(t, response.CodeUserNotFound, decode(t, w).Code)
}

func TestCreemWebhookEndpoint(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.seedUser(t, "u1", 0)
	payload := []byte(`{"id":"evt_1","eventType":"checkout.completed","object":{"order":{"id":"ord_1","type":"onetime","amount":500,"transaction":"tran_h1"},"product":{"id":"prod_credits_100"},"customer":{"email":"u1@example.com"},"metadata":{"userId":"u1"}}}`)
	signed := map[string]string{"creem-signature": signature.Sign(payload, testSecret)}

	w := s.do(http.MethodPost, "/api/v1/webhook/creem", "", payload, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/webhook/creem", "", payload, map[string]string{"creem-signature": "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := []byte(`{broken`)
	w = s.do(http.MethodPost, "/api/v1/webhook/creem", "", bad, map[string]string{"creem-signature": signature.Sign(bad, testSecret)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/webhook/creem", "", payload, signed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true,"outcome":"processed"}`, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/webhook/creem", "", payload, signed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true,"outcome":"duplicate"}`, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/orders", "u1", nil, nil)
	env := decode(t, w)
	var orders service.OrderPage
	require.NoError(t, json.Unmarshal(env.Data, &orders))
	assert.EqualValues(t, 1, orders.Total)

	w = s.do(http.MethodGet, "/api/v1/orders/missing", "u1", nil, nil)
	assert.Equal(t, response.CodeOrderNotFound, decode(t, w).Code)
}

func TestCreemWebhookWithoutSecret(t *testing.T) {
	s := newTestServer(t, "")
	payload := []byte(`{"eventType":"checkout.completed"}`)
	w := s.do(http.MethodPost, "/api/v1/webhook/creem", "", payload, map[string]string{"creem-signature": "abc"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminGrantEndpoint(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.seedUser(t, "u1", 0)
	body := []byte(`{"sid":"u1","pool":"bounds","amount":10,"remark":"make good"}`)

	w := s.do(http.MethodPost, "/internal/v1/points/grant", "", body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/internal/v1/points/grant", "", body, map[string]string{headerAdmin: "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/internal/v1/points/grant", "", body, map[string]string{headerAdmin: testAdminToken})
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code)
	var profile service.UserProfile
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.EqualValues(t, 10, profile.BoundsPoints)

	w = s.do(http.MethodPost, "/internal/v1/points/grant", "", []byte(`{"sid":"u1","pool":"gold","amount":1}`), map[string]string{headerAdmin: testAdminToken})
	assert.Equal(t, response.CodeParamError, decode(t, w).Code)
}

func TestCheckoutAndProductsEndpoints(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.seedUser(t, "u1", 0)

	w := s.do(http.MethodGet, "/api/v1/products", "", nil, nil)
	assert.Equal(t, response.CodeSuccess, decode(t, w).Code)
	assert.Contains(t, w.Body.String(), "prod_credits_100")

	w = s.do(http.MethodPost, "/api/v1/checkout", "u1", []byte(`{"product_id":"prod_missing"}`), nil)
	assert.Equal(t, response.CodeProductNotFound, decode(t, w).Code)

	// 未配置 api key
	w = s.do(http.MethodPost, "/api/v1/checkout", "u1", []byte(`{"product_id":"prod_credits_100"}`), nil)
	assert.Equal(t, response.CodePaymentFailed, decode(t, w).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do(http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pointsystem_http_requests_total")
}
