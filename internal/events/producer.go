package events

import (
	"context"
	"fmt"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Producer publishes price updates and triggered alerts to Kafka
type Producer struct {
	producer   *kafka.Producer
	priceTopic string
	alertTopic string
	log        *zap.Logger
}

// NewProducer creates a Kafka producer for the given topics
func NewProducer(brokers, priceTopic, alertTopic string) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	prod := &Producer{
		producer:   p,
		priceTopic: priceTopic,
		alertTopic: alertTopic,
		log:        logger.Log.Named("kafka_producer"),
	}
	go prod.reportDeliveries()
	return prod, nil
}

// reportDeliveries logs failed fire-and-forget deliveries
func (p *Producer) reportDeliveries() {
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.log.Error("Kafka delivery failed",
					zap.Stringp("topic", ev.TopicPartition.Topic),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			p.log.Error("Kafka producer error", zap.Error(ev))
		}
	}
}

// PublishQuote publishes a quote to the price topic keyed by coin id.
// Delivery is asynchronous.
func (p *Producer) PublishQuote(exchange string, q models.PriceQuote) error {
	value, err := EncodeQuote(exchange, q)
	if err != nil {
		return fmt.Errorf("encode price update: %w", err)
	}

	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.priceTopic, Partition: kafka.PartitionAny},
		Key:            []byte(q.CoinID),
		Value:          value,
	}, nil)
	if err != nil {
		return fmt.Errorf("produce price update: %w", err)
	}
	return nil
}

// Notify publishes a committed transition to the alert topic keyed by user
// and waits for its delivery report.
func (p *Producer) Notify(ctx context.Context, userID string, t models.AlertTransition) error {
	value, err := EncodeTransition(t)
	if err != nil {
		return fmt.Errorf("encode alert event: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.alertTopic, Partition: kafka.PartitionAny},
		Key:            []byte(userID),
		Value:          value,
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce alert event: %w", err)
	}

	select {
	case e := <-delivery:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver alert event: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deliver alert event: %w", ctx.Err())
	}
}

// Close flushes outstanding messages and closes the producer
func (p *Producer) Close() {
	if remaining := p.producer.Flush(5000); remaining > 0 {
		p.log.Warn("Kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
	}
	p.producer.Close()
}
