package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Consumer reads price updates from the price topic
type Consumer struct {
	consumer *kafka.Consumer
	log      *zap.Logger
}

// NewConsumer creates a consumer subscribed to topic
func NewConsumer(brokers, groupID, topic string) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          groupID,
		"auto.offset.reset": "latest",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	log := logger.Log.Named("kafka_consumer")
	log.Info("Listening for price updates", zap.String("topic", topic))
	return &Consumer{consumer: c, log: log}, nil
}

// Run consumes until ctx is done and emits every valid quote. The channel
// is closed when Run stops.
func (c *Consumer) Run(ctx context.Context) <-chan models.PriceQuote {
	out := make(chan models.PriceQuote, 64)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			msg, err := c.consumer.ReadMessage(time.Second)
			if err != nil {
				var kerr kafka.Error
				if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				c.log.Error("Kafka consumer error", zap.Error(err))
				continue
			}

			q, err := DecodeQuote(msg.Value)
			if err != nil {
				c.log.Warn("Skipping price update", zap.Error(err))
				continue
			}

			select {
			case out <- q:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.consumer.Close()
}
