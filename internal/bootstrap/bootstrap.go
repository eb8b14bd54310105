// Package bootstrap assembles the price pipeline and scheduler settings
// shared by the service binaries.
package bootstrap

import (
	"context"
	"fmt"

	"cryptowatch/internal/cache"
	"cryptowatch/internal/config"
	"cryptowatch/internal/events"
	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"
	"cryptowatch/internal/pricing"
	"cryptowatch/internal/scheduler"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const coingeckoLimiterKey = "ratelimit:coingecko"

// Prices is the configured price pipeline
type Prices struct {
	Cache *cache.PriceCache
	// Source is the upstream below the in-process cache
	Source pricing.PriceSource

	done    chan struct{}
	closers []func() error
}

// Close releases the streaming feeds. Call it after the context passed to
// NewPrices is done.
func (p *Prices) Close() {
	if p.done != nil {
		<-p.done
	}
	for _, c := range p.closers {
		if err := c(); err != nil {
			logger.Log.Warn("Failed to close price feed", zap.Error(err))
		}
	}
}

// NewPrices builds the configured source, optionally layers the shared Redis
// quote tier over it and wraps the result in the in-process cache. Streaming
// sources are fed by goroutines bound to ctx. rdb may be nil when neither the
// shared tier nor the distributed limiter is enabled.
func NewPrices(ctx context.Context, cfg *config.Config, rdb *redis.Client, groupID string) (*Prices, error) {
	p := &Prices{}

	switch cfg.Pricing.Source {
	case "coingecko":
		opts := []pricing.CoinGeckoOption{
			pricing.WithBaseURL(cfg.Pricing.BaseURL),
			pricing.WithAPIKey(cfg.Pricing.APIKey),
			pricing.WithVsCurrency(cfg.Pricing.VsCurrency),
			pricing.WithTimeout(cfg.Pricing.GetTimeout()),
		}
		if cfg.Pricing.Distributed {
			if rdb == nil {
				return nil, fmt.Errorf("distributed rate limit requires redis")
			}
			opts = append(opts, pricing.WithLimiter(cache.NewDistributedLimiter(rdb, coingeckoLimiterKey, cfg.Pricing.RateLimit)))
		} else {
			opts = append(opts, pricing.WithRateLimit(cfg.Pricing.RateLimit))
		}
		p.Source = pricing.NewCoinGecko(opts...)

	case "kafka":
		consumer, err := events.NewConsumer(cfg.Kafka.Brokers, groupID, cfg.Kafka.PriceTopic)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, consumer.Close)
		p.Source = p.stream(cfg, consumer.Run(ctx))

	case "coinbase":
		feed := pricing.NewCoinbaseFeed(cfg.Pricing.FeedURL, cfg.Pricing.Products)
		p.Source = p.stream(cfg, feed.Run(ctx))

	default:
		return nil, fmt.Errorf("unknown pricing source %q", cfg.Pricing.Source)
	}

	if cfg.Pricing.SharedCache {
		if rdb == nil {
			return nil, fmt.Errorf("shared quote cache requires redis")
		}
		p.Source = cache.NewSharedSource(rdb, p.Source, cfg.Pricing.GetFreshness())
	}

	p.Cache = cache.NewPriceCache(p.Source,
		cache.WithFreshness(cfg.Pricing.GetFreshness()),
		cache.WithFetchTimeout(cfg.Pricing.GetTimeout()),
	)

	logger.Log.Info("Price pipeline ready",
		zap.String("source", cfg.Pricing.Source),
		zap.Bool("shared_cache", cfg.Pricing.SharedCache),
		zap.Bool("distributed_rate_limit", cfg.Pricing.Distributed),
	)
	return p, nil
}

// stream feeds a latest-quote table from quotes. The feed closes its channel
// once its own goroutine has exited, so done also guards Close.
func (p *Prices) stream(cfg *config.Config, quotes <-chan models.PriceQuote) *pricing.StreamSource {
	src := pricing.NewStreamSource(cfg.Pricing.GetStreamMaxAge())
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		// Drain until the feed closes its channel rather than stopping on ctx.
		src.Run(context.Background(), quotes)
	}()
	return src
}

// SchedulerConfig maps the file configuration onto the scheduler's
func SchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Interval:           cfg.Scheduler.GetInterval(),
		CycleTimeout:       cfg.Scheduler.GetCycleTimeout(),
		NotifyTimeout:      cfg.Scheduler.GetNotifyTimeout(),
		Workers:            cfg.Scheduler.Workers,
		ValueWithLastKnown: cfg.Scheduler.ValueWithLastKnown,
	}
}
