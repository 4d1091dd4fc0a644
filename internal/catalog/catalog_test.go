package catalog

import (
	"testing"

	"pointsystem/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c, err := New(config.ProductsConfig{
		Credits: []config.ProductConfig{{ProductID: "prod_c100", Points: 100}},
		Subscriptions: []config.ProductConfig{
			{ProductID: "prod_basic", Points: 40, Type: "basic", Interval: "monthly"},
			{ProductID: "prod_ultimate", Points: 1200, Type: "ultimate"},
		},
	})
	require.NoError(t, err)

	p, ok := c.Find("prod_c100")
	require.True(t, ok)
	assert.Equal(t, KindCredits, p.Kind)

	_, ok = c.FindSubscription("prod_c100")
	assert.False(t, ok)

	sub, ok := c.FindSubscription("prod_ultimate")
	require.True(t, ok)
	assert.Equal(t, "monthly", sub.Interval)
	assert.Len(t, c.List(), 3)
}

func TestCatalogRejectsBadConfig(t *testing.T) {
	_, err := New(config.ProductsConfig{
		Credits: []config.ProductConfig{{ProductID: "a", Points: 1}, {ProductID: "a", Points: 2}},
	})
	assert.Error(t, err)

	_, err = New(config.ProductsConfig{
		Subscriptions: []config.ProductConfig{{ProductID: "s", Points: 10, Type: "gold"}},
	})
	assert.Error(t, err)

	_, err = New(config.ProductsConfig{
		Credits: []config.ProductConfig{{ProductID: "z"}},
	})
	assert.Error(t, err)
}
