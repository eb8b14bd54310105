package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "coingecko", cfg.Pricing.Source)
	assert.Equal(t, 30*time.Second, cfg.Pricing.GetFreshness())
	assert.Equal(t, time.Minute, cfg.Scheduler.GetInterval())
	assert.Equal(t, 45*time.Second, cfg.Scheduler.GetCycleTimeout())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cryptowatch.toml")
	content := `
[pricing]
source = "kafka"
freshness = "15s"

[scheduler]
interval = "2m"
cycle_timeout = "90s"
workers = 3
value_with_last_known = true

[pricing.products]
dogecoin = "DOGE-USD"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CRYPTOWATCH_REDIS_ADDR", "redis:6380")
	t.Setenv("CRYPTOWATCH_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(filepath.Join(dir, "missing.toml"), path)
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.Pricing.Source)
	assert.Equal(t, 15*time.Second, cfg.Pricing.GetFreshness())
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.GetInterval())
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.True(t, cfg.Scheduler.ValueWithLastKnown)
	assert.Equal(t, "DOGE-USD", cfg.Pricing.Products["dogecoin"])
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_RejectsUnknownSource(t *testing.T) {
	t.Setenv("CRYPTOWATCH_PRICING_SOURCE", "carrier-pigeon")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate_CycleTimeoutExceedsInterval(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Scheduler.Interval = "30s"
	cfg.Scheduler.CycleTimeout = "1m"

	assert.Error(t, cfg.Validate())
}

func TestDurationFallbacks(t *testing.T) {
	c := PricingConfig{Timeout: "not-a-duration", Freshness: "-5s"}
	assert.Equal(t, 10*time.Second, c.GetTimeout())
	assert.Equal(t, 30*time.Second, c.GetFreshness())
}
