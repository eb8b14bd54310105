// Package alerting decides which armed price alerts fire against a set of
// resolved quotes.
package alerting

import (
	"fmt"
	"sort"

	"cryptowatch/internal/models"
)

// Evaluator turns armed alerts plus resolved prices into transitions. It keeps
// no memory of its own; the only state is the alert's IsActive flag.
type Evaluator struct{}

// NewEvaluator creates an alert evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns one transition for every armed alert whose condition is
// met by the resolved price of its coin. Inactive alerts and alerts without a
// resolved price are skipped. The result is ordered by alert id.
func (e *Evaluator) Evaluate(alerts []models.PriceAlert, prices map[string]models.PriceQuote) []models.AlertTransition {
	var out []models.AlertTransition
	for _, a := range alerts {
		if !a.Armed() {
			continue
		}
		if !a.TargetPrice.IsPositive() {
			panic(fmt.Sprintf("alerting: alert %s has non-positive target %s", a.ID, a.TargetPrice))
		}
		q, ok := prices[a.CoinID]
		if !ok {
			continue
		}
		if !a.Condition.Crossed(q.Price, a.TargetPrice) {
			continue
		}
		out = append(out, models.AlertTransition{
			AlertID:        a.ID,
			UserID:         a.UserID,
			CoinID:         a.CoinID,
			Condition:      a.Condition,
			TargetPrice:    a.TargetPrice,
			TriggeredPrice: q.Price,
			ObservedAt:     q.ObservedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertID < out[j].AlertID })
	return out
}
