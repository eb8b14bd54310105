package database

import (
	"context"

	"cryptowatch/internal/models"

	"go.uber.org/zap"
)

// AppendSnapshot inserts a portfolio snapshot and sets its ID
func (s *Store) AppendSnapshot(ctx context.Context, snap *models.PortfolioSnapshot) error {
	query := `
		INSERT INTO portfolio_snapshots (user_id, total_value, priced_holdings, unavailable_holdings, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		snap.UserID,
		snap.TotalValue,
		snap.PricedHoldings,
		snap.UnavailableHoldings,
		snap.TakenAt,
	).Scan(&snap.ID)
	if err != nil {
		s.log.Error("Failed to append portfolio snapshot", zap.String("user_id", snap.UserID), zap.Error(err))
		return err
	}
	return nil
}

// ListSnapshots returns the most recent snapshots of a user, newest first
func (s *Store) ListSnapshots(ctx context.Context, userID string, limit int) ([]models.PortfolioSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, total_value, priced_holdings, unavailable_holdings, taken_at
		FROM portfolio_snapshots
		WHERE user_id = $1
		ORDER BY taken_at DESC, id DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		s.log.Error("Failed to query snapshots", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.PortfolioSnapshot
	for rows.Next() {
		var snap models.PortfolioSnapshot
		if err := rows.Scan(
			&snap.ID,
			&snap.UserID,
			&snap.TotalValue,
			&snap.PricedHoldings,
			&snap.UnavailableHoldings,
			&snap.TakenAt,
		); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}
