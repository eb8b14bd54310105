package bootstrap

import (
	"context"
	"testing"
	"time"

	"cryptowatch/internal/config"
	"cryptowatch/internal/pricing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrices_CoinGecko(t *testing.T) {
	cfg := config.NewDefaultConfig()

	p, err := NewPrices(context.Background(), cfg, nil, "test")
	require.NoError(t, err)
	require.NotNil(t, p.Cache)
	assert.IsType(t, &pricing.CoinGecko{}, p.Source)
	p.Close()
}

func TestNewPrices_RedisFeaturesNeedClient(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Pricing.SharedCache = true
	_, err := NewPrices(context.Background(), cfg, nil, "test")
	assert.Error(t, err)

	cfg = config.NewDefaultConfig()
	cfg.Pricing.Distributed = true
	_, err = NewPrices(context.Background(), cfg, nil, "test")
	assert.Error(t, err)
}

func TestNewPrices_UnknownSource(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Pricing.Source = "carrier-pigeon"
	_, err := NewPrices(context.Background(), cfg, nil, "test")
	assert.Error(t, err)
}

func TestSchedulerConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Scheduler.Interval = "2m"
	cfg.Scheduler.CycleTimeout = "90s"
	cfg.Scheduler.NotifyTimeout = "3s"
	cfg.Scheduler.ValueWithLastKnown = true

	sc := SchedulerConfig(cfg)
	assert.Equal(t, 2*time.Minute, sc.Interval)
	assert.Equal(t, 90*time.Second, sc.CycleTimeout)
	assert.Equal(t, 3*time.Second, sc.NotifyTimeout)
	assert.Equal(t, 8, sc.Workers)
	assert.True(t, sc.ValueWithLastKnown)
}
