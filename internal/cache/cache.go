package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"endpoint", "instance"},
	)
	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"endpoint", "instance"},
	)
	quoteLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_cache_lookups_total",
			Help: "Quote cache lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
	priceFetchRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "price_fetch_requests_total",
			Help: "Total number of batched upstream price fetches",
		},
	)
	priceFetchIDsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "price_fetch_ids_total",
			Help: "Total number of coin ids requested from the upstream price source",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
	prometheus.MustRegister(quoteLookupsTotal)
	prometheus.MustRegister(priceFetchRequestsTotal)
	prometheus.MustRegister(priceFetchIDsTotal)
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// ResponseCache caches rendered API responses in Redis
type ResponseCache struct {
	client   *redis.Client
	instance string
}

// NewResponseCache creates a response cache labelled with the serving instance
func NewResponseCache(client *redis.Client, instance string) *ResponseCache {
	return &ResponseCache{client: client, instance: instance}
}

// Get returns the cached value, or "" on a miss
func (c *ResponseCache) Get(ctx context.Context, key, endpoint string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		cacheMissesTotal.WithLabelValues(endpoint, c.instance).Inc()
		return "", nil
	}
	if err != nil {
		return "", err
	}
	cacheHitsTotal.WithLabelValues(endpoint, c.instance).Inc()
	return val, nil
}

// Set stores value under key for ttl
func (c *ResponseCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// InvalidateByPrefix deletes every key starting with prefix
func (c *ResponseCache) InvalidateByPrefix(ctx context.Context, prefix, endpoint string) {
	ctx, span := tracing.Tracer().Start(ctx, "InvalidateByPrefix")
	defer span.End()

	keys, err := c.getAllKeys(ctx, prefix)
	if err != nil {
		logger.Log.Error("Failed to get cache keys for invalidation",
			zap.String("prefix", prefix),
			zap.String("endpoint", endpoint),
			zap.String("instance", c.instance),
			zap.Error(err),
		)
		return
	}

	invalidatedCount := 0
	for _, key := range keys {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			logger.Log.Warn("Failed to invalidate cache key",
				zap.String("key", key),
				zap.String("prefix", prefix),
				zap.String("endpoint", endpoint),
				zap.String("instance", c.instance),
				zap.Error(err),
			)
		} else {
			invalidatedCount++
		}
	}

	logger.Log.Debug("Cache invalidation completed",
		zap.String("prefix", prefix),
		zap.String("endpoint", endpoint),
		zap.String("instance", c.instance),
		zap.Int("invalidated_keys", invalidatedCount),
	)
}

func (c *ResponseCache) getAllKeys(ctx context.Context, prefix string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		foundKeys, nextCursor, err := c.client.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return nil, err
		}

		keys = append(keys, foundKeys...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
