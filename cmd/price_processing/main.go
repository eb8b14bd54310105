package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cryptowatch/internal/bootstrap"
	"cryptowatch/internal/cache"
	"cryptowatch/internal/config"
	"cryptowatch/internal/database"
	"cryptowatch/internal/events"
	"cryptowatch/internal/logger"
	"cryptowatch/internal/notify"
	"cryptowatch/internal/scheduler"
	"cryptowatch/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "cryptowatch.toml", "Path to the TOML config file")
	metricsAddr := flag.String("metrics", ":9102", "Address for the Prometheus metrics endpoint")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName+"-evaluator")
	if err != nil {
		log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	store, err := database.Open(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Database connection failed", zap.Error(err))
	}
	defer store.Close()

	rdb, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	prices, err := bootstrap.NewPrices(ctx, cfg, rdb, cfg.Kafka.GroupID)
	if err != nil {
		log.Fatal("Failed to build price pipeline", zap.Error(err))
	}

	// Committed transitions go to SSE clients over Redis and to the alert topic
	producer, err := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.PriceTopic, cfg.Kafka.AlertTopic)
	if err != nil {
		log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()
	dispatcher := notify.Fanout{
		notify.NewRedisPublisher(rdb, notify.AlertsChannel),
		producer,
	}

	sched := scheduler.New(scheduler.Deps{
		Holdings:   store,
		Alerts:     store,
		Snapshots:  store,
		Dispatcher: dispatcher,
		Prices:     prices.Cache,
	}, bootstrap.SchedulerConfig(cfg), scheduler.WithReportHook(func(r scheduler.CycleReport, err error) {
		if r.Degraded {
			log.Warn("Cycle ran degraded", zap.Strings("missing", r.Missing), zap.Int("failures", r.Failures))
		}
	}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	sched.Start(ctx)
	log.Info("Price processing started", zap.String("source", cfg.Pricing.Source))

	<-ctx.Done()
	log.Info("Shutting down price processing")

	sched.Stop()
	prices.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
}
