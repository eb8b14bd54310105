package cache

import (
	"context"

	"cryptowatch/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSubscriber represents a subscription to a Redis channel
type RedisSubscriber struct {
	pubsub *redis.PubSub
}

// NewRedisSubscriber subscribes to channel and waits for confirmation
func NewRedisSubscriber(ctx context.Context, client *redis.Client, channel string) (*RedisSubscriber, error) {
	pubsub := client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	logger.Log.Info("Subscribed to Redis channel", zap.String("channel", channel))
	return &RedisSubscriber{pubsub: pubsub}, nil
}

// ReceiveMessage waits for and returns the next message
func (s *RedisSubscriber) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	return s.pubsub.ReceiveMessage(ctx)
}

// Close closes the subscription
func (s *RedisSubscriber) Close() error {
	return s.pubsub.Close()
}
