package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidHolding = errors.New("invalid holding")
	ErrInvalidAlert   = errors.New("invalid alert")
)

// NormalizeCoinID trims and lower-cases a coin identifier (CoinGecko ids such as "bitcoin")
func NormalizeCoinID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ParseCondition parses "above" or "below"
func ParseCondition(s string) (Condition, error) {
	switch Condition(strings.ToLower(strings.TrimSpace(s))) {
	case ConditionAbove:
		return ConditionAbove, nil
	case ConditionBelow:
		return ConditionBelow, nil
	}
	return "", fmt.Errorf("%w: condition must be %q or %q, got %q", ErrInvalidAlert, ConditionAbove, ConditionBelow, s)
}

// Crossed reports whether price satisfies the condition against target
func (c Condition) Crossed(price, target decimal.Decimal) bool {
	switch c {
	case ConditionAbove:
		return price.GreaterThanOrEqual(target)
	case ConditionBelow:
		return price.LessThanOrEqual(target)
	}
	panic(fmt.Sprintf("models: unknown alert condition %q", string(c)))
}

// ValidateHolding checks the holding invariants
func ValidateHolding(h Holding) error {
	if h.UserID == "" || h.CoinID == "" {
		return fmt.Errorf("%w: user_id and coin_id are required", ErrInvalidHolding)
	}
	if h.Quantity.IsNegative() {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidHolding)
	}
	if h.AverageBuyPrice != nil && !h.AverageBuyPrice.IsPositive() {
		return fmt.Errorf("%w: average_buy_price must be positive", ErrInvalidHolding)
	}
	return nil
}

// ValidateAlert checks the alert invariants
func ValidateAlert(a PriceAlert) error {
	if a.UserID == "" || a.CoinID == "" {
		return fmt.Errorf("%w: user_id and coin_id are required", ErrInvalidAlert)
	}
	if a.Condition != ConditionAbove && a.Condition != ConditionBelow {
		return fmt.Errorf("%w: condition must be %q or %q, got %q", ErrInvalidAlert, ConditionAbove, ConditionBelow, a.Condition)
	}
	if !a.TargetPrice.IsPositive() {
		return fmt.Errorf("%w: target_price must be positive", ErrInvalidAlert)
	}
	return nil
}
