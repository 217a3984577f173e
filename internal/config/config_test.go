package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/settlement-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "@every 5m", cfg.Tick.Schedule)
	assert.Equal(t, 4*time.Minute, cfg.Tick.LockTTL)
	assert.Equal(t, 24*time.Hour, cfg.Claims.TTL)
	assert.Equal(t, 30*time.Second, cfg.Redis.RouteTTL)
	assert.Equal(t, "USDT", cfg.CopyTrade.SettlementAsset)
	assert.True(t, config.Decimal(cfg.CopyTrade.LiquidationRatio).Equal(config.Decimal("0.1")))
	assert.Empty(t, cfg.DB.DSN)
	assert.False(t, cfg.Webhooks.InsecureSkipSignature)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
claims:
  ttl: 12h
  base_url: https://app.example.com/claim
webhooks:
  nowpayments:
    ipn_secret: from-file
copytrade:
  liquidation_ratio: "0.25"
`), 0o600))
	t.Setenv("SETTLE_WEBHOOKS_NOWPAYMENTS_IPN_SECRET", "from-env")
	t.Setenv("SETTLE_TICK_SECRET", "tick")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 12*time.Hour, cfg.Claims.TTL)
	assert.Equal(t, "https://app.example.com/claim", cfg.Claims.BaseURL)
	assert.Equal(t, "from-env", cfg.Webhooks.NowPayments.IPNSecret)
	assert.Equal(t, "tick", cfg.Tick.Secret)
	assert.Equal(t, "0.25", cfg.CopyTrade.LiquidationRatio)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := config.Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero claim ttl", func(c *config.Config) { c.Claims.TTL = 0 }},
		{"ratio zero", func(c *config.Config) { c.CopyTrade.LiquidationRatio = "0" }},
		{"ratio one", func(c *config.Config) { c.CopyTrade.LiquidationRatio = "1" }},
		{"ratio garbage", func(c *config.Config) { c.CopyTrade.LiquidationRatio = "ten" }},
		{"fee above one", func(c *config.Config) { c.CopyTrade.PerformanceFeeRate = "1.5" }},
		{"negative min", func(c *config.Config) { c.Allocation.Min = "-1" }},
		{"no asset", func(c *config.Config) { c.CopyTrade.SettlementAsset = "" }},
		{"no schedule", func(c *config.Config) { c.Tick.Schedule = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}
