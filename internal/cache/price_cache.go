package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"
	"cryptowatch/internal/pricing"
	"cryptowatch/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DefaultFreshness is how long a cached quote is served without refetching
const DefaultFreshness = 30 * time.Second

// PriceCache holds the most recent quote per coin and coalesces concurrent
// fetches of the same stale coin into a single upstream request.
//
// Each coin has its own entry and mutex; no lock is held across the
// PriceSource call.
type PriceCache struct {
	source    pricing.PriceSource
	freshness time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       *zap.Logger

	entries sync.Map // coin id -> *entry
}

type entry struct {
	mu       sync.Mutex
	quote    *models.PriceQuote // last known, possibly expired
	storedAt time.Time
	flight   *flight // in-flight fetch, nil when idle
}

// flight is a pending upstream fetch for one coin. quote is written before
// done is closed and only read after.
type flight struct {
	done  chan struct{}
	quote *models.PriceQuote
}

// Option configures a PriceCache
type Option func(*PriceCache)

// WithFreshness sets the freshness window
func WithFreshness(d time.Duration) Option {
	return func(c *PriceCache) {
		if d > 0 {
			c.freshness = d
		}
	}
}

// WithFetchTimeout bounds each upstream fetch
func WithFetchTimeout(d time.Duration) Option {
	return func(c *PriceCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock injects the clock, for tests
func WithClock(now func() time.Time) Option {
	return func(c *PriceCache) {
		c.now = now
	}
}

// NewPriceCache creates a cache in front of source
func NewPriceCache(source pricing.PriceSource, opts ...Option) *PriceCache {
	c := &PriceCache{
		source:    source,
		freshness: DefaultFreshness,
		timeout:   pricing.DefaultTimeout,
		now:       time.Now,
		log:       logger.Log.Named("price_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *PriceCache) entry(id string) *entry {
	if e, ok := c.entries.Load(id); ok {
		return e.(*entry)
	}
	e, _ := c.entries.LoadOrStore(id, &entry{})
	return e.(*entry)
}

func (c *PriceCache) fresh(e *entry, now time.Time) bool {
	return e.quote != nil && now.Sub(e.storedAt) < c.freshness
}

// Resolve returns quotes for ids. Fresh cached quotes are served directly,
// stale or absent ones are fetched in one batch, and ids already being
// fetched by another caller wait for that fetch. Ids still unresolved are
// reported through a *pricing.PartialPriceFailure alongside the partial map.
func (c *PriceCache) Resolve(ctx context.Context, ids []string) (map[string]models.PriceQuote, error) {
	ids = pricing.Dedupe(ids)
	result := make(map[string]models.PriceQuote, len(ids))
	waits := make(map[string]*flight)
	var leading []string
	now := c.now()

	for _, id := range ids {
		e := c.entry(id)
		e.mu.Lock()
		switch {
		case c.fresh(e, now):
			result[id] = *e.quote
			quoteLookupsTotal.WithLabelValues("memory", "hit").Inc()
		case e.flight != nil:
			waits[id] = e.flight
			quoteLookupsTotal.WithLabelValues("memory", "coalesced").Inc()
		default:
			f := &flight{done: make(chan struct{})}
			e.flight = f
			waits[id] = f
			leading = append(leading, id)
			quoteLookupsTotal.WithLabelValues("memory", "miss").Inc()
		}
		e.mu.Unlock()
	}

	if len(leading) > 0 {
		sort.Strings(leading)
		// Detached from the caller so that its cancellation does not fail
		// other waiters on the same flights.
		go c.fetch(context.WithoutCancel(ctx), leading)
	}

	var missing []string
	for id, f := range waits {
		select {
		case <-f.done:
			if f.quote != nil {
				result[id] = *f.quote
			} else {
				missing = append(missing, id)
			}
		case <-ctx.Done():
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		return result, pricing.NewPartialPriceFailure(missing, ctx.Err())
	}
	return result, nil
}

// fetch performs one upstream call for ids and completes their flights
func (c *PriceCache) fetch(ctx context.Context, ids []string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "PriceCache.fetch")
	defer span.End()
	span.SetAttributes(attribute.Int("coins", len(ids)))

	var quotes map[string]models.PriceQuote
	var fetchErr error

	// Every flight must be completed, including when the source panics.
	defer func() {
		if r := recover(); r != nil {
			fetchErr = fmt.Errorf("price source panic: %v", r)
			quotes = nil
		}
		c.complete(ids, quotes)
		if fetchErr != nil {
			span.RecordError(fetchErr)
			span.SetStatus(codes.Error, "partial price failure")
			c.log.Warn("Upstream price fetch incomplete",
				zap.Int("requested", len(ids)),
				zap.Int("resolved", len(quotes)),
				zap.Error(fetchErr),
			)
		}
	}()

	priceFetchRequestsTotal.Inc()
	priceFetchIDsTotal.Add(float64(len(ids)))
	quotes, fetchErr = c.source.FetchPrices(ctx, ids)
}

func (c *PriceCache) complete(ids []string, quotes map[string]models.PriceQuote) {
	stored := c.now()
	for _, id := range ids {
		e := c.entry(id)
		e.mu.Lock()
		f := e.flight
		if q, ok := quotes[id]; ok && q.Price.IsPositive() {
			q.CoinID = id
			e.quote = &q
			e.storedAt = stored
			if f != nil {
				f.quote = &q
			}
		}
		// Failures leave the previous quote untouched.
		e.flight = nil
		e.mu.Unlock()
		if f != nil {
			close(f.done)
		}
	}
}

// LastKnown returns the most recent cached quote for each id regardless of
// freshness. Callers opt into this fallback explicitly.
func (c *PriceCache) LastKnown(ids []string) map[string]models.PriceQuote {
	out := make(map[string]models.PriceQuote, len(ids))
	for _, id := range pricing.Dedupe(ids) {
		v, ok := c.entries.Load(id)
		if !ok {
			continue
		}
		e := v.(*entry)
		e.mu.Lock()
		if e.quote != nil {
			out[id] = *e.quote
		}
		e.mu.Unlock()
	}
	return out
}
