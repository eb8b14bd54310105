// Package valuation computes holding values and profit/loss from resolved
// quotes using exact decimal arithmetic.
package valuation

import (
	"fmt"
	"sort"
	"time"

	"cryptowatch/internal/models"

	"github.com/shopspring/decimal"
)

// Engine values holdings against a resolved price map. It is stateless and
// safe for concurrent use.
type Engine struct {
	now func() time.Time
}

// NewEngine creates a valuation engine
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Value values every holding of one user. Holdings whose coin has no quote
// are flagged PriceUnavailable and excluded from the total; the engine never
// fails on a partial price map.
func (e *Engine) Value(userID string, holdings []models.Holding, prices map[string]models.PriceQuote) models.PortfolioValue {
	return e.ValueWithLastKnown(userID, holdings, prices, nil)
}

// ValueWithLastKnown values holdings like Value, but falls back to lastKnown
// quotes for coins missing from prices. Such holdings are flagged Stale and
// counted in the total.
func (e *Engine) ValueWithLastKnown(userID string, holdings []models.Holding, prices, lastKnown map[string]models.PriceQuote) models.PortfolioValue {
	out := models.PortfolioValue{
		UserID:     userID,
		Holdings:   make([]models.HoldingValue, 0, len(holdings)),
		TotalValue: decimal.Zero,
		ValuedAt:   e.now().UTC(),
	}

	var totalPL *decimal.Decimal
	unavailable := make(map[string]struct{})
	stale := make(map[string]struct{})

	for _, h := range holdings {
		q, ok := prices[h.CoinID]
		isStale := false
		if !ok {
			q, ok = lastKnown[h.CoinID]
			isStale = ok
		}
		if !ok {
			out.Holdings = append(out.Holdings, models.HoldingValue{Holding: h, PriceUnavailable: true})
			unavailable[h.CoinID] = struct{}{}
			continue
		}

		hv := valueHolding(h, q.Price)
		hv.Stale = isStale
		if isStale {
			stale[h.CoinID] = struct{}{}
		}
		out.TotalValue = out.TotalValue.Add(*hv.CurrentValue)
		if hv.ProfitLoss != nil {
			sum := hv.ProfitLoss.Copy()
			if totalPL != nil {
				sum = totalPL.Add(sum)
			}
			totalPL = &sum
		}
		out.Holdings = append(out.Holdings, hv)
	}

	out.TotalProfitLoss = totalPL
	out.Unavailable = sortedKeys(unavailable)
	out.Stale = sortedKeys(stale)
	return out
}

// valueHolding computes value and profit/loss for one priced holding.
// Profit/loss is left nil without a cost basis; zero would read as break-even.
func valueHolding(h models.Holding, price decimal.Decimal) models.HoldingValue {
	if h.Quantity.IsNegative() {
		panic(fmt.Sprintf("valuation: holding %s has negative quantity %s", h.ID, h.Quantity))
	}

	current := h.Quantity.Mul(price)
	hv := models.HoldingValue{
		Holding:      h,
		Price:        &price,
		CurrentValue: &current,
	}
	if h.AverageBuyPrice != nil {
		pl := current.Sub(h.Quantity.Mul(*h.AverageBuyPrice))
		hv.ProfitLoss = &pl
	}
	return hv
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
