package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/market"
)

// IndicatorConfig holds the indicator windows used to build views
type IndicatorConfig struct {
	BBandsLength         int
	BBandsStd            float64
	CCILength            int
	WMALength            int
	RSILength            int
	VolumeLookback       int
	SupertrendPeriod     int
	SupertrendMultiplier float64
}

// DefaultIndicatorConfig returns the production indicator windows
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		BBandsLength:         20,
		BBandsStd:            2.0,
		CCILength:            20,
		WMALength:            9,
		RSILength:            14,
		VolumeLookback:       6,
		SupertrendPeriod:     14,
		SupertrendMultiplier: 1.5,
	}
}

// IndicatorConfigFromConfig maps the strategy section onto IndicatorConfig
func IndicatorConfigFromConfig(cfg config.StrategyConfig) IndicatorConfig {
	return IndicatorConfig{
		BBandsLength:         cfg.BBandsLength,
		BBandsStd:            cfg.BBandsStd,
		CCILength:            cfg.CCILength,
		WMALength:            cfg.WMALength,
		RSILength:            cfg.RSILength,
		VolumeLookback:       cfg.VolumeLookback,
		SupertrendPeriod:     cfg.SupertrendPeriod,
		SupertrendMultiplier: cfg.SupertrendMultiplier,
	}
}

// TimeframeView holds indicator series over the closed bars of one timeframe.
// The last element of every series is the most recently closed bar.
type TimeframeView struct {
	Timeframe      market.Timeframe
	Close          []float64
	CCI            []float64
	CCIWMA         []float64
	BBLower        []float64
	RSI            []float64
	SuperTrendLong []float64
	VolumeRatio    float64
}

// Label is the briefing key of the view
func (v TimeframeView) Label() string {
	return v.Timeframe.Label()
}

// Input is everything Advance reads besides the persisted state
type Input struct {
	Now   time.Time // Scheduled cycle time in the trading timezone
	Price decimal.Decimal
	Slow  TimeframeView
	Mid   TimeframeView
	Fast  TimeframeView
}

// BuildView computes a view from closed candles
func BuildView(tf market.Timeframe, closed []market.Candle, cfg IndicatorConfig) TimeframeView {
	closes := indicator.Closes(closed)
	cci := indicator.CCI(closed, cfg.CCILength)
	return TimeframeView{
		Timeframe:      tf,
		Close:          closes,
		CCI:            cci,
		CCIWMA:         indicator.WMA(cci, cfg.WMALength),
		BBLower:        indicator.Bollinger(closes, cfg.BBandsLength, cfg.BBandsStd).Lower,
		RSI:            indicator.RSI(closes, cfg.RSILength),
		SuperTrendLong: indicator.SuperTrend(closed, cfg.SupertrendPeriod, cfg.SupertrendMultiplier).Long,
		VolumeRatio:    indicator.VolumeRatio(closed, cfg.VolumeLookback),
	}
}

// BuildInput derives the three views from a snapshot using the bars closed by now
func BuildInput(snap *market.Snapshot, now time.Time, cfg IndicatorConfig) Input {
	in := Input{Now: now}
	if snap == nil {
		return in
	}
	in.Price = snap.Price
	in.Slow = BuildView(market.Minute240, snap.Closed(market.Minute240, now), cfg)
	in.Mid = BuildView(market.Minute60, snap.Closed(market.Minute60, now), cfg)
	in.Fast = BuildView(market.Minute15, snap.Closed(market.Minute15, now), cfg)
	return in
}

// nthOf returns the n-th value from the end (1 = last), NaN when unavailable
func nthOf(series []float64, n int) float64 {
	return indicator.At(series, n)
}

func lastOf(series []float64) float64 {
	return indicator.Last(series)
}

func valid(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
