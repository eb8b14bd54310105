package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cryptowatch/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const alertColumns = `id, user_id, coin_id, condition, target_price, is_active, triggered_price, triggered_at, created_at, updated_at`

// CreateAlert inserts a new alert into the database
func (s *Store) CreateAlert(ctx context.Context, alert *models.PriceAlert) error {
	query := `
		INSERT INTO price_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(ctx, query,
		alert.ID,
		alert.UserID,
		alert.CoinID,
		string(alert.Condition),
		alert.TargetPrice,
		alert.IsActive,
		alert.TriggeredPrice,
		alert.TriggeredAt,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		s.log.Error("Failed to create alert in database",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// GetAlert retrieves an alert by its ID
func (s *Store) GetAlert(ctx context.Context, id string) (*models.PriceAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM price_alerts WHERE id = $1`

	alert, err := scanAlert(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.log.Error("Failed to retrieve alert", zap.String("alert_id", id), zap.Error(err))
		return nil, err
	}
	return alert, nil
}

// ListAlertsByUser retrieves all alerts for a specific user
func (s *Store) ListAlertsByUser(ctx context.Context, userID string) ([]models.PriceAlert, error) {
	return s.queryAlerts(ctx, "user_id", userID,
		`SELECT `+alertColumns+` FROM price_alerts WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListAlertsByCoin retrieves all alerts for a specific coin
func (s *Store) ListAlertsByCoin(ctx context.Context, coinID string) ([]models.PriceAlert, error) {
	return s.queryAlerts(ctx, "coin_id", coinID,
		`SELECT `+alertColumns+` FROM price_alerts WHERE coin_id = $1 ORDER BY created_at DESC`, coinID)
}

// ListAlerts retrieves all alerts
func (s *Store) ListAlerts(ctx context.Context) ([]models.PriceAlert, error) {
	return s.queryAlerts(ctx, "", "",
		`SELECT `+alertColumns+` FROM price_alerts ORDER BY created_at DESC`)
}

// ListActiveAlerts retrieves every armed alert
func (s *Store) ListActiveAlerts(ctx context.Context) ([]models.PriceAlert, error) {
	return s.queryAlerts(ctx, "", "",
		`SELECT `+alertColumns+` FROM price_alerts WHERE is_active ORDER BY id`)
}

// ListActiveAlertsByUser retrieves the armed alerts of one user
func (s *Store) ListActiveAlertsByUser(ctx context.Context, userID string) ([]models.PriceAlert, error) {
	return s.queryAlerts(ctx, "user_id", userID,
		`SELECT `+alertColumns+` FROM price_alerts WHERE user_id = $1 AND is_active ORDER BY id`, userID)
}

func (s *Store) queryAlerts(ctx context.Context, field, value, query string, args ...any) ([]models.PriceAlert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		if field != "" {
			fields = append(fields, zap.String(field, value))
		}
		s.log.Error("Failed to query alerts", fields...)
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// UpdateAlert writes the user-editable fields and trigger metadata of an alert
func (s *Store) UpdateAlert(ctx context.Context, alert *models.PriceAlert) error {
	query := `
		UPDATE price_alerts
		SET condition = $1, target_price = $2, is_active = $3,
		    triggered_price = $4, triggered_at = $5, updated_at = $6
		WHERE id = $7
	`

	result, err := s.db.ExecContext(ctx, query,
		string(alert.Condition),
		alert.TargetPrice,
		alert.IsActive,
		alert.TriggeredPrice,
		alert.TriggeredAt,
		alert.UpdatedAt,
		alert.ID,
	)
	if err != nil {
		s.log.Error("Failed to update alert", zap.String("alert_id", alert.ID), zap.Error(err))
		return err
	}
	return affectedOne(result)
}

// ApplyTransition marks an alert triggered if it is still armed with the
// condition and target the transition was evaluated against. It reports
// whether this call applied it; concurrent cycles racing on the same alert
// see exactly one true.
func (s *Store) ApplyTransition(ctx context.Context, t models.AlertTransition) (bool, error) {
	triggered := models.PriceAlert{ID: t.AlertID, IsActive: true}
	triggered.MarkTriggered(t)

	query := `
		UPDATE price_alerts
		SET is_active = $1, triggered_price = $2, triggered_at = $3, updated_at = $4
		WHERE id = $5 AND is_active AND condition = $6 AND target_price = $7
	`

	result, err := s.db.ExecContext(ctx, query,
		triggered.IsActive,
		triggered.TriggeredPrice,
		triggered.TriggeredAt,
		time.Now().UTC(),
		t.AlertID,
		string(t.Condition),
		t.TargetPrice,
	)
	if err != nil {
		s.log.Error("Failed to apply alert transition", zap.String("alert_id", t.AlertID), zap.Error(err))
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteAlert deletes an alert by ID
func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM price_alerts WHERE id = $1`, id)
	if err != nil {
		s.log.Error("Failed to delete alert", zap.String("alert_id", id), zap.Error(err))
		return err
	}
	return affectedOne(result)
}

func scanAlert(row rowScanner) (*models.PriceAlert, error) {
	var alert models.PriceAlert
	var condition string
	var triggeredPrice decimal.NullDecimal
	var triggeredAt sql.NullTime

	err := row.Scan(
		&alert.ID,
		&alert.UserID,
		&alert.CoinID,
		&condition,
		&alert.TargetPrice,
		&alert.IsActive,
		&triggeredPrice,
		&triggeredAt,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Condition = models.Condition(condition)
	if triggeredPrice.Valid {
		val := triggeredPrice.Decimal
		alert.TriggeredPrice = &val
	}
	if triggeredAt.Valid {
		val := triggeredAt.Time
		alert.TriggeredAt = &val
	}
	return &alert, nil
}

// Helper function to scan alert rows
func scanAlerts(rows *sql.Rows) ([]models.PriceAlert, error) {
	var alerts []models.PriceAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}
