package main

import (
	"context"
	"flag"
	"time"

	"cryptowatch/internal/config"
	"cryptowatch/internal/database"
	"cryptowatch/internal/logger"

	"go.uber.org/zap"
)

// migrate checks the database connection and applies the schema
func main() {
	configPath := flag.String("config", "cryptowatch.toml", "Path to the TOML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	logger.InitLogger()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := database.Open(ctx, cfg.Postgres)
	if err != nil {
		logger.Log.Fatal("Database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Log.Fatal("Migration failed", zap.Error(err))
	}
	logger.Log.Info("Successfully connected to the database and applied the schema")
}
