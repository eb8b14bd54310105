package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"
	"cryptowatch/internal/pricing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const quoteKeyPrefix = "quote:"

// SharedSource is a PriceSource backed by a Redis quote tier shared by all
// service instances. Quotes are kept for the freshness window; ids not found
// in Redis are fetched from the wrapped source and written back.
type SharedSource struct {
	client   *redis.Client
	upstream pricing.PriceSource
	ttl      time.Duration
}

// NewSharedSource wraps upstream with the Redis tier
func NewSharedSource(client *redis.Client, upstream pricing.PriceSource, ttl time.Duration) *SharedSource {
	if ttl <= 0 {
		ttl = DefaultFreshness
	}
	return &SharedSource{client: client, upstream: upstream, ttl: ttl}
}

func quoteKey(id string) string {
	return quoteKeyPrefix + id
}

func (s *SharedSource) FetchPrices(ctx context.Context, ids []string) (map[string]models.PriceQuote, error) {
	ids = pricing.Dedupe(ids)
	quotes := s.load(ctx, ids)

	rest := pricing.MissingFrom(ids, quotes)
	if len(rest) == 0 {
		return quotes, nil
	}

	fetched, err := s.upstream.FetchPrices(ctx, rest)
	for id, q := range fetched {
		quotes[id] = q
	}
	s.store(ctx, fetched)

	var pf *pricing.PartialPriceFailure
	if err != nil && !errors.As(err, &pf) {
		// Upstream returned a plain error: treat every remaining id as missing.
		return quotes, pricing.NewPartialPriceFailure(pricing.MissingFrom(ids, quotes), err)
	}
	return quotes, err
}

// load reads cached quotes; Redis errors degrade to cache misses
func (s *SharedSource) load(ctx context.Context, ids []string) map[string]models.PriceQuote {
	quotes := make(map[string]models.PriceQuote, len(ids))
	if len(ids) == 0 {
		return quotes
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = quoteKey(id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		logger.Log.Warn("Shared quote tier unavailable", zap.Error(err))
		quoteLookupsTotal.WithLabelValues("redis", "error").Add(float64(len(ids)))
		return quotes
	}

	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			quoteLookupsTotal.WithLabelValues("redis", "miss").Inc()
			continue
		}
		var q models.PriceQuote
		if err := json.Unmarshal([]byte(raw), &q); err != nil || !q.Price.IsPositive() {
			quoteLookupsTotal.WithLabelValues("redis", "miss").Inc()
			continue
		}
		quotes[ids[i]] = q
		quoteLookupsTotal.WithLabelValues("redis", "hit").Inc()
	}
	return quotes
}

func (s *SharedSource) store(ctx context.Context, quotes map[string]models.PriceQuote) {
	if len(quotes) == 0 {
		return
	}
	pipe := s.client.Pipeline()
	for id, q := range quotes {
		data, err := json.Marshal(q)
		if err != nil {
			continue
		}
		pipe.Set(ctx, quoteKey(id), data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Log.Warn("Failed to write quotes to shared tier", zap.Error(err))
	}
}
