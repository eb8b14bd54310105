package alerting

import (
	"testing"
	"time"

	"cryptowatch/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var observed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quote(id string, price int64) map[string]models.PriceQuote {
	return map[string]models.PriceQuote{
		id: {CoinID: id, Price: decimal.NewFromInt(price), ObservedAt: observed},
	}
}

func alert(id string, cond models.Condition, target int64) models.PriceAlert {
	return models.PriceAlert{
		ID:          id,
		UserID:      "u1",
		CoinID:      "bitcoin",
		Condition:   cond,
		TargetPrice: decimal.NewFromInt(target),
		IsActive:    true,
	}
}

func TestEvaluate_AboveFiresAtTargetThenStaysQuiet(t *testing.T) {
	e := NewEvaluator()
	a := alert("a1", models.ConditionAbove, 50000)

	got := e.Evaluate([]models.PriceAlert{a}, quote("bitcoin", 50000))
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].AlertID)
	assert.True(t, got[0].TriggeredPrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, observed, got[0].ObservedAt)

	a.MarkTriggered(got[0])
	assert.False(t, a.IsActive)

	again := e.Evaluate([]models.PriceAlert{a}, quote("bitcoin", 51000))
	assert.Empty(t, again)
}

func TestEvaluate_BelowNotMet(t *testing.T) {
	e := NewEvaluator()
	a := alert("a1", models.ConditionBelow, 100)

	assert.Empty(t, e.Evaluate([]models.PriceAlert{a}, quote("bitcoin", 150)))
	assert.Len(t, e.Evaluate([]models.PriceAlert{a}, quote("bitcoin", 100)), 1)
	assert.Len(t, e.Evaluate([]models.PriceAlert{a}, quote("bitcoin", 99)), 1)
}

func TestEvaluate_SkipsUnpricedAndInactive(t *testing.T) {
	e := NewEvaluator()
	inactive := alert("a1", models.ConditionAbove, 10)
	inactive.IsActive = false
	unpriced := alert("a2", models.ConditionAbove, 10)
	unpriced.CoinID = "ethereum"

	got := e.Evaluate([]models.PriceAlert{inactive, unpriced}, quote("bitcoin", 100))
	assert.Empty(t, got)
}

func TestEvaluate_RearmFiresAgain(t *testing.T) {
	e := NewEvaluator()
	a := alert("a1", models.ConditionAbove, 100)

	got := e.Evaluate([]models.PriceAlert{a}, quote("bitcoin", 120))
	require.Len(t, got, 1)
	a.MarkTriggered(got[0])
	require.NotNil(t, a.TriggeredAt)

	a.Rearm()
	assert.Nil(t, a.TriggeredAt)
	assert.Nil(t, a.TriggeredPrice)
	assert.Len(t, e.Evaluate([]models.PriceAlert{a}, quote("bitcoin", 120)), 1)
}

func TestEvaluate_DeterministicOrder(t *testing.T) {
	e := NewEvaluator()
	alerts := []models.PriceAlert{
		alert("c", models.ConditionAbove, 1),
		alert("a", models.ConditionAbove, 1),
		alert("b", models.ConditionBelow, 1000),
	}

	got := e.Evaluate(alerts, quote("bitcoin", 500))
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].AlertID)
	assert.Equal(t, "b", got[1].AlertID)
	assert.Equal(t, "c", got[2].AlertID)
}

func TestEvaluate_ContractFaultsPanic(t *testing.T) {
	e := NewEvaluator()

	zero := alert("a1", models.ConditionAbove, 0)
	assert.Panics(t, func() { e.Evaluate([]models.PriceAlert{zero}, quote("bitcoin", 1)) })

	unknown := alert("a2", models.Condition("sideways"), 10)
	assert.Panics(t, func() { e.Evaluate([]models.PriceAlert{unknown}, quote("bitcoin", 1)) })
}
