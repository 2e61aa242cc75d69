package rules

import (
	"github.com/twkanban/kanban-engine/internal/models"
)

// contextVariables lists every variable name an expression may reference.
// The evaluator declares all of them; BuildContext only binds the ones
// whose underlying data is present.
var contextVariables = []string{
	"stockCode", "stockName", "cardStatus",
	"price", "currentPrice", "openPrice", "highPrice", "lowPrice",
	"volume", "changePercent", "previousClose", "change", "avgVolume",
	"ma5", "ma10", "ma20", "ma60",
	"rsi", "rsi14",
	"macd", "macdLine", "macdSignal", "macdHistogram",
	"kValue", "kdK", "dValue", "kdD",
	"volumeRatio", "ma5_ma20_diff",
	"macd_positive", "macd_signal_positive",
}

// BuildContext assembles the variable bindings for one evaluation.
// Variables whose source data is absent are omitted entirely so that
// expressions referencing them fail loudly instead of comparing against
// zero values. snap and ind may be nil.
func BuildContext(card *models.Card, snap *models.PriceSnapshot, ind *models.IndicatorSnapshot) map[string]any {
	vars := map[string]any{
		"stockCode":  card.StockCode,
		"stockName":  card.StockName,
		"cardStatus": string(card.Status),
	}

	if snap != nil {
		vars["price"] = snap.CurrentPrice
		vars["currentPrice"] = snap.CurrentPrice
		vars["openPrice"] = snap.OpenPrice
		vars["highPrice"] = snap.HighPrice
		vars["lowPrice"] = snap.LowPrice
		vars["volume"] = float64(snap.Volume)
		vars["changePercent"] = snap.ChangePercent
		vars["previousClose"] = snap.PreviousClose
		vars["change"] = snap.CurrentPrice - snap.PreviousClose
		vars["avgVolume"] = float64(snap.Volume)
	}

	if ind != nil {
		bindFloat(vars, "ma5", ind.MA5)
		bindFloat(vars, "ma10", ind.MA10)
		bindFloat(vars, "ma20", ind.MA20)
		bindFloat(vars, "ma60", ind.MA60)
		bindFloat(vars, "rsi", ind.RSI14)
		bindFloat(vars, "rsi14", ind.RSI14)
		bindFloat(vars, "macd", ind.MACDLine)
		bindFloat(vars, "macdLine", ind.MACDLine)
		bindFloat(vars, "macdSignal", ind.MACDSignal)
		bindFloat(vars, "macdHistogram", ind.MACDHistogram)
		bindFloat(vars, "kValue", ind.KdK)
		bindFloat(vars, "kdK", ind.KdK)
		bindFloat(vars, "dValue", ind.KdD)
		bindFloat(vars, "kdD", ind.KdD)
		bindFloat(vars, "volumeRatio", ind.VolumeRatio)

		if ind.MA5 != nil && ind.MA20 != nil {
			vars["ma5_ma20_diff"] = *ind.MA5 - *ind.MA20
		}
		if ind.MACDLine != nil && ind.MACDSignal != nil {
			vars["macd_positive"] = *ind.MACDLine > 0
			vars["macd_signal_positive"] = *ind.MACDSignal > 0
		}
	}

	return vars
}

func bindFloat(vars map[string]any, name string, value *float64) {
	if value != nil {
		vars[name] = *value
	}
}
