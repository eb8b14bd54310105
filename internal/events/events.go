// Package events carries price updates and triggered alerts over Kafka.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cryptowatch/internal/models"

	"github.com/shopspring/decimal"
)

var ErrInvalidUpdate = errors.New("invalid price update")

// PriceUpdate is the standardized price update format on the price topic
type PriceUpdate struct {
	Exchange  string          `json:"exchange"`
	CoinID    string          `json:"coin_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp string          `json:"timestamp"`
}

// EncodeQuote serializes a quote observed on exchange
func EncodeQuote(exchange string, q models.PriceQuote) ([]byte, error) {
	return json.Marshal(PriceUpdate{
		Exchange:  exchange,
		CoinID:    q.CoinID,
		Price:     q.Price,
		Timestamp: q.ObservedAt.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeQuote parses a price update into a quote
func DecodeQuote(value []byte) (models.PriceQuote, error) {
	var u PriceUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return models.PriceQuote{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	coinID := models.NormalizeCoinID(u.CoinID)
	if coinID == "" {
		return models.PriceQuote{}, fmt.Errorf("%w: missing coin_id", ErrInvalidUpdate)
	}
	if !u.Price.IsPositive() {
		return models.PriceQuote{}, fmt.Errorf("%w: non-positive price %s for %s", ErrInvalidUpdate, u.Price, coinID)
	}
	observed, err := time.Parse(time.RFC3339Nano, u.Timestamp)
	if err != nil {
		return models.PriceQuote{}, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidUpdate, u.Timestamp, err)
	}
	return models.PriceQuote{CoinID: coinID, Price: u.Price, ObservedAt: observed}, nil
}

// AlertEvent is published on the alert topic for every committed transition
type AlertEvent struct {
	Type       string                 `json:"type"`
	Transition models.AlertTransition `json:"transition"`
}

const alertTriggered = "alert.triggered"

// EncodeTransition serializes a committed transition
func EncodeTransition(t models.AlertTransition) ([]byte, error) {
	return json.Marshal(AlertEvent{Type: alertTriggered, Transition: t})
}
