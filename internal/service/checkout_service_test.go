package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pointsystem/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateCheckout(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkouts", r.URL.Path)
		assert.Equal(t, "creem_key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"ch_123","checkout_url":"https://pay.example.com/ch_123"}`))
	}))
	defer srv.Close()

	s := NewCheckoutService(config.CreemConfig{APIKey: "creem_key", Endpoint: srv.URL + "/", SuccessURL: "https://app.example.com/ok"}, testCatalog(t), zap.NewNop())
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	res, err := s.CreateCheckout(context.Background(), user1, "prod_credits_100")
	require.NoError(t, err)
	assert.Equal(t, "ch_123", res.CheckoutID)
	assert.Equal(t, "https://pay.example.com/ch_123", res.CheckoutURL)
	assert.Equal(t, "u1@example.com_1700000000000", res.RequestID)

	assert.Equal(t, "prod_credits_100", got["product_id"])
	assert.Equal(t, "https://app.example.com/ok", got["success_url"])
	assert.Equal(t, map[string]interface{}{"userId": "u1"}, got["metadata"])
}

func TestCreateCheckoutErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad product"}`))
	}))
	defer srv.Close()
	ctx := context.Background()

	s := NewCheckoutService(config.CreemConfig{APIKey: "k", Endpoint: srv.URL}, testCatalog(t), zap.NewNop())
	_, err := s.CreateCheckout(ctx, user1, "prod_basic_monthly")
	assert.ErrorIs(t, err, ErrCheckoutFailed)

	_, err = s.CreateCheckout(ctx, user1, "prod_missing")
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = s.CreateCheckout(ctx, Caller{}, "prod_credits_100")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	unconfigured := NewCheckoutService(config.CreemConfig{}, testCatalog(t), zap.NewNop())
	_, err = unconfigured.CreateCheckout(ctx, user1, "prod_credits_100")
	assert.ErrorIs(t, err, ErrPaymentNotConfigured)
}
