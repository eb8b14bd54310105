package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultCoinbaseFeed is the Coinbase Exchange WebSocket endpoint
const DefaultCoinbaseFeed = "wss://ws-feed.exchange.coinbase.com"

// Coinbase WebSocket message format
type subscriptionMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// Trade message structure from Coinbase
type tradeMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
}

// CoinbaseFeed streams completed trades from Coinbase as price quotes
type CoinbaseFeed struct {
	url      string
	products map[string]string // product id -> coin id
	dialer   *websocket.Dialer
}

// NewCoinbaseFeed creates a feed for the given coin id -> product id mapping
func NewCoinbaseFeed(url string, coinProducts map[string]string) *CoinbaseFeed {
	products := make(map[string]string, len(coinProducts))
	for coin, product := range coinProducts {
		products[product] = models.NormalizeCoinID(coin)
	}
	return &CoinbaseFeed{
		url:      url,
		products: products,
		dialer:   websocket.DefaultDialer,
	}
}

func (f *CoinbaseFeed) productIDs() []string {
	ids := make([]string, 0, len(f.products))
	for p := range f.products {
		ids = append(ids, p)
	}
	return ids
}

// Run connects, subscribes and emits quotes until ctx is done, reconnecting
// with exponential backoff. The returned channel is closed on exit.
func (f *CoinbaseFeed) Run(ctx context.Context) <-chan models.PriceQuote {
	out := make(chan models.PriceQuote, 64)
	go func() {
		defer close(out)
		for {
			conn := f.connect(ctx)
			if conn == nil {
				return
			}
			err := f.stream(ctx, conn, out)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Log.Warn("Coinbase stream interrupted, reconnecting", zap.Error(err))
		}
	}()
	return out
}

func (f *CoinbaseFeed) connect(ctx context.Context) *websocket.Conn {
	backoff := 1 * time.Second

	for {
		logger.Log.Info("Connecting to Coinbase WebSocket", zap.String("url", f.url))
		c, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err == nil {
			logger.Log.Info("Connected to Coinbase WebSocket")
			return c
		}

		logger.Log.Warn("WebSocket connection failed",
			zap.Error(err),
			zap.Duration("retry_in", backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *CoinbaseFeed) stream(ctx context.Context, c *websocket.Conn, out chan<- models.PriceQuote) error {
	subscribe := subscriptionMessage{
		Type:       "subscribe",
		ProductIDs: f.productIDs(),
		Channels:   []string{"matches"},
	}
	if err := c.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		q, ok, err := f.parse(message)
		if err != nil {
			logger.Log.Debug("Skipping unparseable Coinbase message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- q:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parse converts a "match" message into a quote; other message types are ignored
func (f *CoinbaseFeed) parse(message []byte) (models.PriceQuote, bool, error) {
	var trade tradeMessage
	if err := json.Unmarshal(message, &trade); err != nil {
		return models.PriceQuote{}, false, err
	}
	if trade.Type != "match" && trade.Type != "last_match" {
		return models.PriceQuote{}, false, nil
	}
	coin, ok := f.products[trade.ProductID]
	if !ok {
		return models.PriceQuote{}, false, nil
	}

	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return models.PriceQuote{}, false, fmt.Errorf("parse price %q: %w", trade.Price, err)
	}
	observed, err := time.Parse(time.RFC3339Nano, trade.Time)
	if err != nil {
		observed = time.Now()
	}
	return models.PriceQuote{CoinID: coin, Price: price, ObservedAt: observed.UTC()}, true, nil
}
