package indicator

import (
	"time"

	"github.com/twkanban/kanban-engine/internal/models"
)

const (
	// MinDataPoints is the minimum history length for a full calculation
	MinDataPoints = 20

	rsiPeriod = 14
	kdPeriod  = 9

	macdFastPeriod = 12
	macdSlowPeriod = 26

	// macdSignalFactor approximates the 9-period EMA of the MACD line
	// from a single-pass calculation over daily closes
	macdSignalFactor = 0.2

	kdSmoothing = 0.33
)

// Calculate computes the full indicator snapshot from daily price points
// ordered most recent first. History shorter than MinDataPoints produces a
// snapshot tagged as insufficient, with no indicator values set.
func Calculate(stockCode string, points []*models.PricePoint) *models.IndicatorSnapshot {
	snapshot := &models.IndicatorSnapshot{
		StockCode:    stockCode,
		CalculatedAt: time.Now().UTC(),
	}

	if len(points) < MinDataPoints {
		snapshot.CalculationSource = models.SourceInsufficientData
		return snapshot
	}

	snapshot.CalculationSource = models.SourceCalculated
	snapshot.DataPoints = len(points)

	snapshot.MA5 = movingAverage(points, 5)
	snapshot.MA10 = movingAverage(points, 10)
	snapshot.MA20 = movingAverage(points, 20)
	snapshot.MA60 = movingAverage(points, 60)

	snapshot.RSI14 = rsi(points)
	snapshot.KdK, snapshot.KdD = stochastic(points)
	snapshot.MACDLine, snapshot.MACDSignal, snapshot.MACDHistogram = macd(points)

	snapshot.VolumeMA5 = volumeAverage(points, 5)
	snapshot.VolumeMA20 = volumeAverage(points, 20)
	if snapshot.VolumeMA20 != nil && *snapshot.VolumeMA20 > 0 {
		ratio := float64(points[0].Volume) / float64(*snapshot.VolumeMA20)
		snapshot.VolumeRatio = &ratio
	}

	return snapshot
}

// movingAverage is the mean close of the n most recent points, nil when
// fewer than n points are available
func movingAverage(points []*models.PricePoint, n int) *float64 {
	if len(points) < n {
		return nil
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += points[i].Close
	}
	avg := sum / float64(n)
	return &avg
}

// rsi is the 14-period relative strength index over daily closes.
// Requires at least 15 points for 14 day-over-day differences.
func rsi(points []*models.PricePoint) *float64 {
	if len(points) < rsiPeriod+1 {
		return nil
	}

	var gains, losses float64
	for i := 1; i <= rsiPeriod; i++ {
		diff := points[i-1].Close - points[i].Close
		if diff > 0 {
			gains += diff
		} else {
			losses += -diff
		}
	}

	avgGain := gains / float64(rsiPeriod)
	avgLoss := losses / float64(rsiPeriod)

	var value float64
	if avgLoss == 0 {
		value = 100
	} else {
		rs := avgGain / avgLoss
		value = 100 - 100/(1+rs)
	}
	return &value
}

// stochastic computes the smoothed 9-day K and D values. A flat range
// pins the raw stochastic at 50.
func stochastic(points []*models.PricePoint) (*float64, *float64) {
	if len(points) < kdPeriod {
		return nil, nil
	}

	lowest := points[0].Low
	highest := points[0].High
	for i := 1; i < kdPeriod; i++ {
		if points[i].Low < lowest {
			lowest = points[i].Low
		}
		if points[i].High > highest {
			highest = points[i].High
		}
	}

	rsv := 50.0
	if highest > lowest {
		rsv = (points[0].Close - lowest) / (highest - lowest) * 100
	}

	k := rsv*kdSmoothing + 50*(1-kdSmoothing)
	d := k*kdSmoothing + 50*(1-kdSmoothing)
	return &k, &d
}

// macd computes the MACD line as EMA12 minus EMA26 over daily closes,
// with a proportional signal line. Needs at least 26 points.
func macd(points []*models.PricePoint) (*float64, *float64, *float64) {
	if len(points) < macdSlowPeriod {
		return nil, nil, nil
	}

	line := ema(points, macdFastPeriod) - ema(points, macdSlowPeriod)
	signal := line * macdSignalFactor
	histogram := line - signal
	return &line, &signal, &histogram
}

// ema seeds at the oldest point of the window and blends toward the most
// recent close
func ema(points []*models.PricePoint, period int) float64 {
	multiplier := 2.0 / float64(period+1)
	value := points[period-1].Close
	for i := period - 2; i >= 0; i-- {
		value = (points[i].Close-value)*multiplier + value
	}
	return value
}

// volumeAverage is the mean volume of the n most recent points
func volumeAverage(points []*models.PricePoint, n int) *int64 {
	if len(points) < n {
		return nil
	}
	var sum int64
	for i := 0; i < n; i++ {
		sum += points[i].Volume
	}
	avg := sum / int64(n)
	return &avg
}
