package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	DefaultTimeout      = 10 * time.Second
	// DefaultRateLimit is the CoinGecko public tier budget in requests per minute
	DefaultRateLimit = 30
)

// Limiter blocks until an upstream request may be issued.
// *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// CoinGecko fetches prices in one batched simple/price request
type CoinGecko struct {
	baseURL    string
	apiKey     string
	vsCurrency string
	httpClient *http.Client
	limiter    Limiter
	now        func() time.Time
}

// CoinGeckoOption configures the client
type CoinGeckoOption func(*CoinGecko)

// WithBaseURL sets the API base URL
func WithBaseURL(baseURL string) CoinGeckoOption {
	return func(c *CoinGecko) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAPIKey sets the demo API key header
func WithAPIKey(key string) CoinGeckoOption {
	return func(c *CoinGecko) {
		c.apiKey = key
	}
}

// WithVsCurrency sets the single quote currency
func WithVsCurrency(currency string) CoinGeckoOption {
	return func(c *CoinGecko) {
		c.vsCurrency = strings.ToLower(currency)
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) CoinGeckoOption {
	return func(c *CoinGecko) {
		c.httpClient.Timeout = timeout
	}
}

// WithRateLimit sets a local limit in requests per minute
func WithRateLimit(perMinute int) CoinGeckoOption {
	return func(c *CoinGecko) {
		if perMinute > 0 {
			c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

// WithLimiter replaces the local limiter, e.g. with a distributed one
func WithLimiter(l Limiter) CoinGeckoOption {
	return func(c *CoinGecko) {
		c.limiter = l
	}
}

// NewCoinGecko creates a new CoinGecko client
func NewCoinGecko(opts ...CoinGeckoOption) *CoinGecko {
	c := &CoinGecko{
		baseURL:    DefaultCoinGeckoURL,
		vsCurrency: "usd",
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/DefaultRateLimit), 1),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type simplePrice map[string]json.Number

// FetchPrices issues a single request for all ids. Ids absent from the
// response, or quoted at a non-positive price, are reported missing.
func (c *CoinGecko) FetchPrices(ctx context.Context, ids []string) (map[string]models.PriceQuote, error) {
	ids = Dedupe(ids)
	if len(ids) == 0 {
		return map[string]models.PriceQuote{}, nil
	}

	payload, err := c.get(ctx, ids)
	if err != nil {
		return map[string]models.PriceQuote{}, NewPartialPriceFailure(ids, err)
	}

	quotes := make(map[string]models.PriceQuote, len(ids))
	for _, id := range ids {
		entry, ok := payload[id]
		if !ok {
			continue
		}
		q, err := c.parseQuote(id, entry)
		if err != nil {
			logger.Log.Warn("Discarding unusable CoinGecko quote",
				zap.String("coin_id", id),
				zap.Error(err),
			)
			continue
		}
		quotes[id] = q
	}

	return quotes, NewPartialPriceFailure(MissingFrom(ids, quotes), nil)
}

func (c *CoinGecko) get(ctx context.Context, ids []string) (map[string]simplePrice, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	values := url.Values{}
	values.Set("ids", strings.Join(ids, ","))
	values.Set("vs_currencies", c.vsCurrency)
	values.Set("include_last_updated_at", "true")
	endpoint := c.baseURL + "/simple/price?" + values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create coingecko request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch coingecko prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coingecko status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var payload map[string]simplePrice
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode coingecko prices: %w", err)
	}
	return payload, nil
}

func (c *CoinGecko) parseQuote(id string, entry simplePrice) (models.PriceQuote, error) {
	raw, ok := entry[c.vsCurrency]
	if !ok {
		return models.PriceQuote{}, fmt.Errorf("no %s price", c.vsCurrency)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return models.PriceQuote{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if !price.IsPositive() {
		return models.PriceQuote{}, fmt.Errorf("non-positive price %s", price)
	}

	observed := c.now()
	if ts, ok := entry["last_updated_at"]; ok {
		if secs, err := ts.Int64(); err == nil && secs > 0 {
			observed = time.Unix(secs, 0)
		}
	}
	return models.PriceQuote{CoinID: id, Price: price, ObservedAt: observed.UTC()}, nil
}
