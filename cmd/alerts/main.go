package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cryptowatch/internal/bootstrap"
	"cryptowatch/internal/cache"
	"cryptowatch/internal/config"
	"cryptowatch/internal/database"
	"cryptowatch/internal/handlers"
	"cryptowatch/internal/logger"
	"cryptowatch/internal/notify"
	"cryptowatch/internal/scheduler"
	"cryptowatch/internal/tracing"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "cryptowatch.toml", "Path to the TOML config file")
	port := flag.Int("port", 0, "Port for alerts service (overrides config)")
	instance := flag.String("instance", "", "Instance ID for this server (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *instance != "" {
		cfg.Server.Instance = *instance
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Log.With(zap.String("instance", cfg.Server.Instance))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName+"-alerts")
	if err != nil {
		log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	// Initialize database connection
	store, err := database.Open(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}

	// Initialize Redis
	rdb, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	// Alerts fired by any evaluator instance arrive over Redis pub/sub
	sub, err := cache.NewRedisSubscriber(ctx, rdb, notify.AlertsChannel)
	if err != nil {
		log.Fatal("Failed to subscribe to alerts", zap.Error(err))
	}
	hub := handlers.NewHub()
	go hub.Listen(ctx, sub)

	// Manual cycles share the configured price pipeline
	prices, err := bootstrap.NewPrices(ctx, cfg, rdb, cfg.Kafka.GroupID+"-"+cfg.Server.Instance)
	if err != nil {
		log.Fatal("Failed to build price pipeline", zap.Error(err))
	}
	sched := scheduler.New(scheduler.Deps{
		Holdings:   store,
		Alerts:     store,
		Snapshots:  store,
		Dispatcher: notify.NewRedisPublisher(rdb, notify.AlertsChannel),
		Prices:     prices.Cache,
	}, bootstrap.SchedulerConfig(cfg))

	api := handlers.NewAPI(handlers.Deps{
		Alerts:    store,
		Holdings:  store,
		Snapshots: store,
		Portfolio: sched,
		Cache:     cache.NewResponseCache(rdb, cfg.Server.Instance),
		Hub:       hub,
		Health:    store,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Alerts service starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down alerts service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	sub.Close()
	prices.Close()
}
