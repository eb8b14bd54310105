package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoinGecko(t *testing.T, handler http.HandlerFunc) *CoinGecko {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCoinGecko(WithBaseURL(srv.URL), WithLimiter(nil), WithTimeout(2*time.Second))
}

func TestCoinGecko_FetchPrices(t *testing.T) {
	var calls atomic.Int32
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin,ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bitcoin":{"usd":50000.12345678,"last_updated_at":1700000000},"ethereum":{"usd":3000.5}}`))
	})

	quotes, err := c.FetchPrices(context.Background(), []string{"Bitcoin", "ethereum", "bitcoin"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, quotes, 2)

	btc := quotes["bitcoin"]
	assert.True(t, btc.Price.Equal(decimal.RequireFromString("50000.12345678")), btc.Price.String())
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), btc.ObservedAt)
	assert.True(t, quotes["ethereum"].Price.Equal(decimal.RequireFromString("3000.5")))
}

func TestCoinGecko_MissingIdsArePartialFailure(t *testing.T) {
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ethereum":{"usd":3000},"dogecoin":{"usd":0}}`))
	})

	quotes, err := c.FetchPrices(context.Background(), []string{"bitcoin", "ethereum", "dogecoin"})
	require.Error(t, err)

	var pf *PartialPriceFailure
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, []string{"bitcoin", "dogecoin"}, pf.Missing)
	assert.Contains(t, quotes, "ethereum")
	assert.NotContains(t, quotes, "dogecoin")
}

func TestCoinGecko_UpstreamErrorMarksAllMissing(t *testing.T) {
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"status":{"error_code":429}}`))
	})

	quotes, err := c.FetchPrices(context.Background(), []string{"bitcoin", "ethereum"})
	assert.Empty(t, quotes)

	var pf *PartialPriceFailure
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, []string{"bitcoin", "ethereum"}, pf.Missing)
	assert.ErrorContains(t, pf.Cause, "429")
}

func TestCoinGecko_APIKeyHeader(t *testing.T) {
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-cg-demo-api-key"))
		w.Write([]byte(`{"bitcoin":{"usd":1}}`))
	})
	WithAPIKey("secret")(c)

	_, err := c.FetchPrices(context.Background(), []string{"bitcoin"})
	assert.NoError(t, err)
}

func TestCoinGecko_EmptyRequestSkipsUpstream(t *testing.T) {
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected upstream call")
	})

	quotes, err := c.FetchPrices(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, quotes)
}
