package service

import (
	"context"
	"testing"

	"pointsystem/internal/ledger"
	"pointsystem/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderQueriesScopedToOwner(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{})
	f.seedUser(t, "u2", ledger.Pools{})
	ctx := context.Background()

	_, err := f.webhook.HandleEvent(ctx, checkoutCompleted(t, "tran_o1", "prod_credits_100", "onetime", map[string]interface{}{"userId": "u1"}, ""))
	require.NoError(t, err)

	page, err := f.orders.ListUserOrders(ctx, "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Page)
	orderNo := page.Items[0].OrderNo

	order, err := f.orders.GetOrder(ctx, "u1", orderNo)
	require.NoError(t, err)
	assert.Equal(t, "u1", order.UserID)

	_, err = f.orders.GetOrder(ctx, "u2", orderNo)
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)

	empty, err := f.orders.ListUserOrders(ctx, "u2", 1, 10)
	require.NoError(t, err)
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)

	_, err = f.orders.ListUserOrders(ctx, "", 1, 10)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
