package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { require.NoError(t, os.Chdir(orig)) })
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0644))
}

func TestLoad_AppliesDefaults(t *testing.T) {
	writeConfig(t, `
admin_id: 7a3f9a5e-9f0c-4d41-8f5e-2b1c9c6a0d11
`)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.True(t, cfg.Liquidation.Enabled)
	assert.Equal(t, uint64(120), cfg.Liquidation.MinCreationRatioPct)
	assert.Equal(t, uint64(110), cfg.Liquidation.LiquidationThresholdPct)
	assert.Equal(t, int64(3600), cfg.Liquidation.CooldownSeconds)
	assert.Equal(t, uint64(5), cfg.Liquidation.LiquidationDiscountPct)
	assert.Equal(t, uint64(50), cfg.Liquidation.CloseFactorPct)
	assert.Equal(t, "ETH", cfg.Liquidation.CollateralCurrency)
}

func TestLoad_FullFile(t *testing.T) {
	writeConfig(t, `
log_level: debug
metrics_addr: ":9191"
admin_id: 7a3f9a5e-9f0c-4d41-8f5e-2b1c9c6a0d11
journal_path: /tmp/clearmatch/journal.log
scheduler:
  workers: 16
liquidation:
  enabled: false
  min_creation_ratio_pct: 150
  liquidation_threshold_pct: 125
  cooldown_seconds: 600
  liquidation_discount_pct: 10
  close_factor_pct: 25
  collateral_currency: BTC
markets:
  - symbol: BTC-USDT
    base: BTC
    quote: USDT
  - symbol: ETH-USDT
    base: ETH
    quote: USDT
`)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 16, cfg.Scheduler.Workers)
	assert.False(t, cfg.Liquidation.Enabled)
	assert.Equal(t, uint64(150), cfg.Liquidation.MinCreationRatioPct)
	require.Len(t, cfg.Markets, 2)
	assert.Equal(t, MarketConfig{Symbol: "ETH-USDT", Base: "ETH", Quote: "USDT"}, cfg.Markets[1])
}

func TestLoad_RejectsMissingAdmin(t *testing.T) {
	writeConfig(t, `
log_level: info
`)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed admin id", "admin_id: not-a-uuid\n"},
		{"unknown log level", "admin_id: 7a3f9a5e-9f0c-4d41-8f5e-2b1c9c6a0d11\nlog_level: verbose\n"},
		{"zero workers", "admin_id: 7a3f9a5e-9f0c-4d41-8f5e-2b1c9c6a0d11\nscheduler:\n  workers: 0\n"},
		{"market missing quote", "admin_id: 7a3f9a5e-9f0c-4d41-8f5e-2b1c9c6a0d11\nmarkets:\n  - symbol: BTC-USDT\n    base: BTC\n"},
		{"threshold above creation minimum", "admin_id: 7a3f9a5e-9f0c-4d41-8f5e-2b1c9c6a0d11\nliquidation:\n  liquidation_threshold_pct: 130\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.yaml)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
