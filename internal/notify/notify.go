// Package notify delivers triggered alerts to users.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AlertsChannel is the Redis channel triggered alerts are published on
const AlertsChannel = "price_alerts"

// Dispatcher delivers one triggered alert. Each call is a single attempt.
type Dispatcher interface {
	Notify(ctx context.Context, userID string, t models.AlertTransition) error
}

// AlertMessage represents an alert that will be streamed. A message with
// only Timestamp set is a heartbeat.
type AlertMessage struct {
	AlertID        string           `json:"alert_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	CoinID         string           `json:"coin_id,omitempty"`
	Condition      models.Condition `json:"condition,omitempty"`
	TargetPrice    *decimal.Decimal `json:"target_price,omitempty"`
	TriggeredPrice *decimal.Decimal `json:"triggered_price,omitempty"`
	Timestamp      string           `json:"timestamp"`
}

// NewAlertMessage builds the streamed message for a transition
func NewAlertMessage(userID string, t models.AlertTransition) AlertMessage {
	target, triggered := t.TargetPrice, t.TriggeredPrice
	return AlertMessage{
		AlertID:        t.AlertID,
		UserID:         userID,
		CoinID:         t.CoinID,
		Condition:      t.Condition,
		TargetPrice:    &target,
		TriggeredPrice: &triggered,
		Timestamp:      t.ObservedAt.UTC().Format(time.RFC3339),
	}
}

// Heartbeat returns a keep-alive message
func Heartbeat(now time.Time) AlertMessage {
	return AlertMessage{Timestamp: now.UTC().Format(time.RFC3339)}
}

// IsHeartbeat reports whether m carries no alert
func (m AlertMessage) IsHeartbeat() bool {
	return m.AlertID == ""
}

// RedisPublisher publishes alerts to a Redis channel for the API instances
// to stream to connected clients.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel (AlertsChannel if empty)
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = AlertsChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Notify publishes the alert to Redis for distribution
func (p *RedisPublisher) Notify(ctx context.Context, userID string, t models.AlertTransition) error {
	alertJSON, err := json.Marshal(NewAlertMessage(userID, t))
	if err != nil {
		return fmt.Errorf("marshal alert message: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, alertJSON).Err(); err != nil {
		return fmt.Errorf("publish alert to redis: %w", err)
	}

	logger.Log.Info("Alert published to Redis",
		zap.String("alert_id", t.AlertID),
		zap.String("user_id", userID),
		zap.String("coin_id", t.CoinID),
	)
	return nil
}

// Fanout delivers each alert to every dispatcher
type Fanout []Dispatcher

// Notify calls every dispatcher once and joins their errors
func (f Fanout) Notify(ctx context.Context, userID string, t models.AlertTransition) error {
	var errs []error
	for _, d := range f {
		if err := d.Notify(ctx, userID, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DispatcherFunc adapts a function to a Dispatcher
type DispatcherFunc func(ctx context.Context, userID string, t models.AlertTransition) error

// Notify calls f
func (f DispatcherFunc) Notify(ctx context.Context, userID string, t models.AlertTransition) error {
	return f(ctx, userID, t)
}
