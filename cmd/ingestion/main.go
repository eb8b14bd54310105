package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"cryptowatch/internal/config"
	"cryptowatch/internal/events"
	"cryptowatch/internal/logger"
	"cryptowatch/internal/pricing"

	"go.uber.org/zap"
)

const exchange = "coinbase"

// ingestion streams Coinbase trades into the price topic consumed by the
// evaluator when pricing.source is "kafka".
func main() {
	configPath := flag.String("config", "cryptowatch.toml", "Path to the TOML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Log.Named("ingestion")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	producer, err := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.PriceTopic, cfg.Kafka.AlertTopic)
	if err != nil {
		log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	feed := pricing.NewCoinbaseFeed(cfg.Pricing.FeedURL, cfg.Pricing.Products)
	published := 0
	for q := range feed.Run(ctx) {
		if err := producer.PublishQuote(exchange, q); err != nil {
			log.Error("Error producing Kafka message", zap.String("coin_id", q.CoinID), zap.Error(err))
			continue
		}
		published++
		log.Debug("Trade", zap.String("coin_id", q.CoinID), zap.String("price", q.Price.String()))
	}

	log.Info("Ingestion stopped", zap.Int("published", published))
}
