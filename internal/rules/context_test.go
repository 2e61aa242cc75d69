package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/twkanban/kanban-engine/internal/models"
)

func f(v float64) *float64 { return &v }

func testCard() *models.Card {
	return &models.Card{
		ID:        "card-1",
		UserID:    "user-1",
		StockCode: "2330",
		StockName: "TSMC",
		Status:    models.StatusWatch,
	}
}

func TestBuildContextCardOnly(t *testing.T) {
	vars := BuildContext(testCard(), nil, nil)

	assert.Equal(t, "2330", vars["stockCode"])
	assert.Equal(t, "TSMC", vars["stockName"])
	assert.Equal(t, "WATCH", vars["cardStatus"])

	_, hasPrice := vars["price"]
	assert.False(t, hasPrice, "price must be absent without a snapshot")
	_, hasMA := vars["ma5"]
	assert.False(t, hasMA)
}

func TestBuildContextPriceVariables(t *testing.T) {
	snap := &models.PriceSnapshot{
		StockCode:     "2330",
		CurrentPrice:  605,
		OpenPrice:     600,
		HighPrice:     610,
		LowPrice:      598,
		PreviousClose: 595,
		Volume:        25000,
		ChangePercent: 1.68,
		UpdatedAt:     time.Now(),
	}
	vars := BuildContext(testCard(), snap, nil)

	assert.Equal(t, 605.0, vars["price"])
	assert.Equal(t, 605.0, vars["currentPrice"])
	assert.Equal(t, 595.0, vars["previousClose"])
	assert.InDelta(t, 10.0, vars["change"].(float64), 1e-9)
	assert.Equal(t, float64(25000), vars["volume"])
	assert.Equal(t, float64(25000), vars["avgVolume"])
}

func TestBuildContextIndicatorVariables(t *testing.T) {
	ind := &models.IndicatorSnapshot{
		StockCode:  "2330",
		MA5:        f(600),
		MA20:       f(580),
		RSI14:      f(65),
		MACDLine:   f(2.5),
		MACDSignal: f(0.5),
		KdK:        f(70),
		KdD:        f(56.6),
	}
	vars := BuildContext(testCard(), nil, ind)

	assert.Equal(t, 600.0, vars["ma5"])
	assert.Equal(t, 65.0, vars["rsi"])
	assert.Equal(t, 65.0, vars["rsi14"])
	assert.Equal(t, 2.5, vars["macd"])
	assert.Equal(t, 70.0, vars["kValue"])
	assert.Equal(t, 70.0, vars["kdK"])
	assert.InDelta(t, 20.0, vars["ma5_ma20_diff"].(float64), 1e-9)
	assert.Equal(t, true, vars["macd_positive"])
	assert.Equal(t, true, vars["macd_signal_positive"])

	// ma10 was nil, so it must be unbound
	_, ok := vars["ma10"]
	assert.False(t, ok)
}

func TestBuildContextDerivedRequireBothOperands(t *testing.T) {
	ind := &models.IndicatorSnapshot{
		StockCode: "2330",
		MA5:       f(600),
		MACDLine:  f(1.0),
	}
	vars := BuildContext(testCard(), nil, ind)

	_, hasDiff := vars["ma5_ma20_diff"]
	assert.False(t, hasDiff, "diff needs both ma5 and ma20")

	_, hasMACDPos := vars["macd_positive"]
	assert.False(t, hasMACDPos, "macd flags need both line and signal")
}

func TestContextVariablesCoverBindings(t *testing.T) {
	declared := make(map[string]struct{}, len(contextVariables))
	for _, name := range contextVariables {
		declared[name] = struct{}{}
	}

	snap := &models.PriceSnapshot{CurrentPrice: 100, PreviousClose: 99, Volume: 1}
	ind := &models.IndicatorSnapshot{
		MA5: f(1), MA10: f(1), MA20: f(1), MA60: f(1),
		RSI14: f(1), KdK: f(1), KdD: f(1),
		MACDLine: f(1), MACDSignal: f(1), MACDHistogram: f(1),
		VolumeRatio: f(1),
	}
	for name := range BuildContext(testCard(), snap, ind) {
		_, ok := declared[name]
		assert.True(t, ok, "bound variable %q is not declared", name)
	}
}
