package database

import (
	"context"
	"fmt"
)

// schema is applied idempotently by Migrate
var schema = []string{
	`CREATE TABLE IF NOT EXISTS holdings (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		coin_id           TEXT NOT NULL,
		quantity          NUMERIC NOT NULL CHECK (quantity >= 0),
		average_buy_price NUMERIC CHECK (average_buy_price > 0),
		note              TEXT,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, coin_id)
	)`,
	`CREATE TABLE IF NOT EXISTS price_alerts (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		coin_id         TEXT NOT NULL,
		condition       TEXT NOT NULL CHECK (condition IN ('above', 'below')),
		target_price    NUMERIC NOT NULL CHECK (target_price > 0),
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		triggered_price NUMERIC,
		triggered_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_alerts_user ON price_alerts (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_price_alerts_active_coin ON price_alerts (coin_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		id                   BIGSERIAL PRIMARY KEY,
		user_id              TEXT NOT NULL,
		total_value          NUMERIC NOT NULL,
		priced_holdings      INTEGER NOT NULL,
		unavailable_holdings INTEGER NOT NULL,
		taken_at             TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_portfolio_snapshots_user_taken ON portfolio_snapshots (user_id, taken_at DESC)`,
}

// Migrate creates the tables and indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.log.Info("Database schema applied")
	return nil
}
