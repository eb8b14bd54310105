package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Condition is the direction in which a price alert fires
type Condition string

const (
	ConditionAbove Condition = "above"
	ConditionBelow Condition = "below"
)

// Holding represents a user's recorded ownership of one coin
type Holding struct {
	ID              string           `json:"id" db:"id"`
	UserID          string           `json:"user_id" db:"user_id"`
	CoinID          string           `json:"coin_id" db:"coin_id"`
	Quantity        decimal.Decimal  `json:"quantity" db:"quantity"`
	AverageBuyPrice *decimal.Decimal `json:"average_buy_price,omitempty" db:"average_buy_price"`
	Note            *string          `json:"note,omitempty" db:"note"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// PriceAlert represents a price alert for a cryptocurrency.
// An alert is armed while IsActive is set; firing clears IsActive and stamps
// the trigger metadata.
type PriceAlert struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"user_id" db:"user_id"`
	CoinID         string           `json:"coin_id" db:"coin_id"`
	Condition      Condition        `json:"condition" db:"condition"`
	TargetPrice    decimal.Decimal  `json:"target_price" db:"target_price"`
	IsActive       bool             `json:"is_active" db:"is_active"`
	TriggeredPrice *decimal.Decimal `json:"triggered_price,omitempty" db:"triggered_price"`
	TriggeredAt    *time.Time       `json:"triggered_at,omitempty" db:"triggered_at"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Armed reports whether the alert is eligible to fire
func (a *PriceAlert) Armed() bool {
	return a.IsActive
}

// MarkTriggered applies a transition to the in-memory alert
func (a *PriceAlert) MarkTriggered(t AlertTransition) {
	price := t.TriggeredPrice
	at := t.ObservedAt
	a.IsActive = false
	a.TriggeredPrice = &price
	a.TriggeredAt = &at
}

// Rearm makes the alert eligible again at its current target and clears the
// metadata of the previous trigger.
func (a *PriceAlert) Rearm() {
	a.IsActive = true
	a.TriggeredPrice = nil
	a.TriggeredAt = nil
}

// PriceQuote is a single price observation for a coin
type PriceQuote struct {
	CoinID     string          `json:"coin_id"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// AlertTransition records an armed alert firing
type AlertTransition struct {
	AlertID        string          `json:"alert_id"`
	UserID         string          `json:"user_id"`
	CoinID         string          `json:"coin_id"`
	Condition      Condition       `json:"condition"`
	TargetPrice    decimal.Decimal `json:"target_price"`
	TriggeredPrice decimal.Decimal `json:"triggered_price"`
	ObservedAt     time.Time       `json:"observed_at"`
}

// PortfolioSnapshot is an append-only point-in-time rollup of a user's portfolio
type PortfolioSnapshot struct {
	ID                  int64           `json:"id" db:"id"`
	UserID              string          `json:"user_id" db:"user_id"`
	TotalValue          decimal.Decimal `json:"total_value" db:"total_value"`
	PricedHoldings      int             `json:"priced_holdings" db:"priced_holdings"`
	UnavailableHoldings int             `json:"unavailable_holdings" db:"unavailable_holdings"`
	TakenAt             time.Time       `json:"taken_at" db:"taken_at"`
}

// HoldingValue is the valuation of a single holding
type HoldingValue struct {
	Holding          Holding          `json:"holding"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	CurrentValue     *decimal.Decimal `json:"current_value,omitempty"`
	ProfitLoss       *decimal.Decimal `json:"profit_loss,omitempty"`
	PriceUnavailable bool             `json:"price_unavailable"`
	Stale            bool             `json:"stale"`
}

// PortfolioValue is the valuation of all holdings of one user
type PortfolioValue struct {
	UserID          string           `json:"user_id"`
	Holdings        []HoldingValue   `json:"holdings"`
	TotalValue      decimal.Decimal  `json:"total_value"`
	TotalProfitLoss *decimal.Decimal `json:"total_profit_loss,omitempty"`
	Unavailable     []string         `json:"unavailable,omitempty"`
	Stale           []string         `json:"stale,omitempty"`
	ValuedAt        time.Time        `json:"valued_at"`
}

// Snapshot rolls the valuation up into a persistable snapshot
func (v PortfolioValue) Snapshot() PortfolioSnapshot {
	priced := 0
	for _, h := range v.Holdings {
		if !h.PriceUnavailable {
			priced++
		}
	}
	return PortfolioSnapshot{
		UserID:              v.UserID,
		TotalValue:          v.TotalValue,
		PricedHoldings:      priced,
		UnavailableHoldings: len(v.Holdings) - priced,
		TakenAt:             v.ValuedAt,
	}
}
