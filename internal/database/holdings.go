package database

import (
	"context"
	"database/sql"
	"errors"

	"cryptowatch/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const holdingColumns = `id, user_id, coin_id, quantity, average_buy_price, note, created_at, updated_at`

// CreateHolding inserts a new holding
func (s *Store) CreateHolding(ctx context.Context, h *models.Holding) error {
	query := `
		INSERT INTO holdings (` + holdingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		h.ID,
		h.UserID,
		h.CoinID,
		h.Quantity,
		h.AverageBuyPrice,
		h.Note,
		h.CreatedAt,
		h.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHolding
		}
		s.log.Error("Failed to create holding in database",
			zap.String("holding_id", h.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// GetHolding retrieves a holding by its ID
func (s *Store) GetHolding(ctx context.Context, id string) (*models.Holding, error) {
	query := `SELECT ` + holdingColumns + ` FROM holdings WHERE id = $1`

	h, err := scanHolding(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.log.Error("Failed to retrieve holding", zap.String("holding_id", id), zap.Error(err))
		return nil, err
	}
	return h, nil
}

// ListHoldings retrieves the holdings of every user
func (s *Store) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	query := `SELECT ` + holdingColumns + ` FROM holdings ORDER BY user_id, coin_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.log.Error("Failed to query all holdings", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	return scanHoldings(rows)
}

// ListHoldingsByUser retrieves all holdings of one user
func (s *Store) ListHoldingsByUser(ctx context.Context, userID string) ([]models.Holding, error) {
	query := `SELECT ` + holdingColumns + ` FROM holdings WHERE user_id = $1 ORDER BY coin_id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		s.log.Error("Failed to query holdings by user ID", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	return scanHoldings(rows)
}

// UpdateHolding updates quantity, average buy price and note of a holding
func (s *Store) UpdateHolding(ctx context.Context, h *models.Holding) error {
	query := `
		UPDATE holdings
		SET quantity = $1, average_buy_price = $2, note = $3, updated_at = $4
		WHERE id = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		h.Quantity,
		h.AverageBuyPrice,
		h.Note,
		h.UpdatedAt,
		h.ID,
	)
	if err != nil {
		s.log.Error("Failed to update holding", zap.String("holding_id", h.ID), zap.Error(err))
		return err
	}
	return affectedOne(result)
}

// DeleteHolding deletes a holding by ID
func (s *Store) DeleteHolding(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM holdings WHERE id = $1`, id)
	if err != nil {
		s.log.Error("Failed to delete holding", zap.String("holding_id", id), zap.Error(err))
		return err
	}
	return affectedOne(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHolding(row rowScanner) (*models.Holding, error) {
	var h models.Holding
	var avg decimal.NullDecimal
	var note sql.NullString

	err := row.Scan(
		&h.ID,
		&h.UserID,
		&h.CoinID,
		&h.Quantity,
		&avg,
		&note,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Convert nullable fields
	if avg.Valid {
		val := avg.Decimal
		h.AverageBuyPrice = &val
	}
	if note.Valid {
		val := note.String
		h.Note = &val
	}
	return &h, nil
}

func scanHoldings(rows *sql.Rows) ([]models.Holding, error) {
	var holdings []models.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holdings, nil
}
