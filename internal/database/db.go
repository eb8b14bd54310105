package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cryptowatch/internal/config"
	"cryptowatch/internal/logger"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateHolding = errors.New("holding already exists for this user and coin")
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure
const uniqueViolation = "23505"

// Store is the Postgres repository for holdings, alerts and snapshots
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open initializes the database connection and verifies it with a ping
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	maxOpen, maxIdle := cfg.MaxOpenConns, cfg.MaxIdleConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(cfg.GetConnMaxLifetime())

	s := NewStore(db)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info("Database connection established")
	return s, nil
}

// NewStore wraps an existing connection pool
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logger.Log.Named("database")}
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// affectedOne maps a zero-row write to ErrNotFound
func affectedOne(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
