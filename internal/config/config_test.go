package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9090
mysql:
  host: db
  password: from-file
business:
  upstream_timeout_seconds: 12
products:
  credits:
    - product_id: prod_credits_100
      points: 100
  subscriptions:
    - product_id: prod_basic_month
      points: 40
      type: basic
      interval: monthly
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db", cfg.MySQL.Host)
	assert.Equal(t, 12*time.Second, cfg.Business.UpstreamTimeout())
	assert.Equal(t, 2, cfg.Business.CheckinRewardPoints)
	assert.Equal(t, "points.ledger.event", cfg.Kafka.Topic.LedgerEvent)
	require.Len(t, cfg.Products.Credits, 1)
	assert.Equal(t, int64(100), cfg.Products.Credits[0].Points)
	require.Len(t, cfg.Products.Subscriptions, 1)
	assert.Equal(t, "monthly", cfg.Products.Subscriptions[0].Interval)
	assert.Same(t, cfg, GlobalConfig)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("POINTSYSTEM_MYSQL_PASSWORD", "from-env")

	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.MySQL.Password)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
