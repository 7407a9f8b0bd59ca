// Package indicator computes technical indicator series over candle data.
//
// Every function returns a series aligned with its input, with math.NaN()
// where the window is not yet filled. Callers pass closed bars only.
package indicator

import (
	"math"

	"upbit-trading-bot/internal/market"
)

// Closes extracts close prices
func Closes(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Last returns the final value of a series, NaN when empty
func Last(series []float64) float64 {
	return At(series, 1)
}

// At returns the value n positions from the end (1 = last), NaN when out of range
func At(series []float64, n int) float64 {
	if n < 1 || len(series) < n {
		return math.NaN()
	}
	return series[len(series)-n]
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average series
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}

	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		valid := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(values[j]) {
				valid = false
				break
			}
			sum += values[j]
		}
		if valid {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// WMA calculates the linearly Weighted Moving Average series (weights 1..period, newest heaviest)
func WMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}
	denominator := float64(period*(period+1)) / 2

	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		valid := true
		for w := 1; w <= period; w++ {
			v := values[i-period+w]
			if math.IsNaN(v) {
				valid = false
				break
			}
			sum += v * float64(w)
		}
		if valid {
			out[i] = sum / denominator
		}
	}
	return out
}

// rma is Wilder's smoothing seeded with the SMA of the first window
func rma(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}

	start := -1
	for i := range values {
		if !math.IsNaN(values[i]) {
			start = i
			break
		}
	}
	if start < 0 || len(values)-start < period {
		return out
	}

	sum := 0.0
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[start+period-1] = prev

	alpha := 1.0 / float64(period)
	for i := start + period; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// ============================================================================
// OSCILLATORS
// ============================================================================

// CCI calculates the Commodity Channel Index series
func CCI(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) < period {
		return out
	}

	typical := make([]float64, len(candles))
	for i, c := range candles {
		typical[i] = (c.High + c.Low + c.Close) / 3
	}
	mean := SMA(typical, period)

	for i := period - 1; i < len(candles); i++ {
		deviation := 0.0
		for j := i - period + 1; j <= i; j++ {
			deviation += math.Abs(typical[j] - mean[i])
		}
		deviation /= float64(period)
		if deviation == 0 {
			out[i] = 0
			continue
		}
		out[i] = (typical[i] - mean[i]) / (0.015 * deviation)
	}
	return out
}

// RSI calculates the Relative Strength Index series with Wilder smoothing
func RSI(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period+1 {
		return out
	}

	gains := nanSeries(len(values))
	losses := nanSeries(len(values))
	for i := 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gains[i] = math.Max(change, 0)
		losses[i] = math.Max(-change, 0)
	}

	avgGain := rma(gains, period)
	avgLoss := rma(losses, period)
	for i := range values {
		if math.IsNaN(avgGain[i]) || math.IsNaN(avgLoss[i]) {
			continue
		}
		if avgLoss[i] == 0 {
			if avgGain[i] == 0 {
				out[i] = 50
			} else {
				out[i] = 100
			}
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i] = 100 - (100 / (1 + rs))
	}
	return out
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerBands holds the three band series
type BollingerBands struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger calculates Bollinger Bands using the population standard deviation
func Bollinger(values []float64, period int, stdDev float64) BollingerBands {
	bands := BollingerBands{
		Upper:  nanSeries(len(values)),
		Middle: SMA(values, period),
		Lower:  nanSeries(len(values)),
	}

	for i := range values {
		mid := bands.Middle[i]
		if math.IsNaN(mid) {
			continue
		}
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := values[j] - mid
			variance += diff * diff
		}
		sd := math.Sqrt(variance / float64(period))
		bands.Upper[i] = mid + stdDev*sd
		bands.Lower[i] = mid - stdDev*sd
	}
	return bands
}

// ============================================================================
// VOLATILITY / TREND
// ============================================================================

// ATR calculates the Average True Range series with Wilder smoothing
func ATR(candles []market.Candle, period int) []float64 {
	tr := nanSeries(len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		tr[i] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	return rma(tr, period)
}

// SuperTrendResult holds the SuperTrend line and direction (+1 up, -1 down)
type SuperTrendResult struct {
	Line      []float64
	Direction []int
	Long      []float64 // Line while the trend is up, NaN otherwise
}

// SuperTrend calculates the SuperTrend indicator
func SuperTrend(candles []market.Candle, period int, multiplier float64) SuperTrendResult {
	n := len(candles)
	result := SuperTrendResult{
		Line:      nanSeries(n),
		Direction: make([]int, n),
		Long:      nanSeries(n),
	}
	if n == 0 {
		return result
	}

	atr := ATR(candles, period)
	upper := nanSeries(n)
	lower := nanSeries(n)
	for i, c := range candles {
		if math.IsNaN(atr[i]) {
			continue
		}
		hl2 := (c.High + c.Low) / 2
		upper[i] = hl2 + multiplier*atr[i]
		lower[i] = hl2 - multiplier*atr[i]
	}

	direction := 1
	started := false
	for i := range candles {
		if math.IsNaN(upper[i]) {
			continue
		}
		if started {
			switch {
			case candles[i].Close > upper[i-1]:
				direction = 1
			case candles[i].Close < lower[i-1]:
				direction = -1
			default:
				if direction > 0 && lower[i] < lower[i-1] {
					lower[i] = lower[i-1]
				}
				if direction < 0 && upper[i] > upper[i-1] {
					upper[i] = upper[i-1]
				}
			}
		}
		started = true

		result.Direction[i] = direction
		if direction > 0 {
			result.Line[i] = lower[i]
			result.Long[i] = lower[i]
		} else {
			result.Line[i] = upper[i]
		}
	}
	return result
}

// ============================================================================
// VOLUME
// ============================================================================

// VolumeRatio compares the last bar's volume with the mean of the lookback bars
// before it. Returns 1.0 when there is not enough data or no volume.
func VolumeRatio(candles []market.Candle, lookback int) float64 {
	if lookback <= 0 || len(candles) < lookback+1 {
		return 1.0
	}

	last := candles[len(candles)-1].Volume
	sum := 0.0
	for _, c := range candles[len(candles)-1-lookback : len(candles)-1] {
		sum += c.Volume
	}
	avg := sum / float64(lookback)
	if avg <= 0 {
		return 1.0
	}
	return last / avg
}
