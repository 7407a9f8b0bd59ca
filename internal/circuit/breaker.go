package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/strategy"
)

// DateLayout is the format of AssetState.TodayDate
const DateLayout = "2006-01-02"

// Config holds daily loss limit configuration
type Config struct {
	Enabled   bool            `json:"enabled"`
	LossLimit decimal.Decimal `json:"loss_limit"` // Negative fraction of day-start capital, e.g. -0.05
	Location  *time.Location  `json:"-"`
}

// DefaultConfig returns the production limit in Asia/Seoul
func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return Config{
		Enabled:   true,
		LossLimit: decimal.RequireFromString("-0.05"),
		Location:  loc,
	}
}

// ConfigFromSettings builds the breaker config from the application config
func ConfigFromSettings(cfg *config.Config) Config {
	return Config{
		Enabled:   cfg.RiskConfig.EnableDailyLossLimit,
		LossLimit: cfg.RiskConfig.DailyLossLimitPercentage,
		Location:  cfg.Location(),
	}
}

// TripEvent describes a breaker trip
type TripEvent struct {
	Market   string
	TodayPnL decimal.Decimal
	Limit    decimal.Decimal
	Reason   string
}

// Breaker is the per-asset daily loss circuit breaker. Its state lives on
// strategy.AssetState so it survives restarts; the breaker only holds policy.
type Breaker struct {
	config Config
	mu     sync.RWMutex
	onTrip []func(TripEvent)
}

// NewBreaker creates a breaker
func NewBreaker(config Config) *Breaker {
	if config.Location == nil {
		config.Location = DefaultConfig().Location
	}
	return &Breaker{config: config}
}

// OnTrip registers a callback invoked synchronously when an asset trips
func (b *Breaker) OnTrip(handler func(TripEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = append(b.onTrip, handler)
}

// IsEnabled reports whether the loss limit is enforced
func (b *Breaker) IsEnabled() bool {
	return b.config.Enabled
}

// Today formats now as a trading-timezone calendar date
func (b *Breaker) Today(now time.Time) string {
	return now.In(b.config.Location).Format(DateLayout)
}

// Roll resets daily bookkeeping when the calendar day has advanced. A halted
// asset stays disabled. Reports whether state changed.
func (b *Breaker) Roll(state *strategy.AssetState, now time.Time) bool {
	today := b.Today(now)
	if state.TodayDate == today {
		return false
	}
	state.TodayDate = today
	state.TodayPnL = decimal.Zero
	state.TradingEnabled = !state.Halted
	return true
}

// DayStartCapital is the capital the asset had when the day began.
// Capital only moves through realized pnl, so it is capital - today_pnl.
func DayStartCapital(state strategy.AssetState) decimal.Decimal {
	return state.Capital.Sub(state.TodayPnL)
}

// Limit is the today_pnl value at or below which the asset trips
func (b *Breaker) Limit(state strategy.AssetState) decimal.Decimal {
	return DayStartCapital(state).Mul(b.config.LossLimit)
}

// RecordPnL applies a realized pnl to capital and today_pnl and trips the
// breaker when the daily loss reaches the limit. Returns true on a trip.
func (b *Breaker) RecordPnL(state *strategy.AssetState, pnl decimal.Decimal) bool {
	state.Capital = state.Capital.Add(pnl)
	state.TodayPnL = state.TodayPnL.Add(pnl)

	if !b.config.Enabled || !state.TradingEnabled || !state.TodayPnL.IsNegative() {
		return false
	}

	limit := b.Limit(*state)
	if state.TodayPnL.GreaterThan(limit) {
		return false
	}

	state.TradingEnabled = false
	event := TripEvent{
		Market:   state.Market,
		TodayPnL: state.TodayPnL,
		Limit:    limit,
		Reason: fmt.Sprintf("daily loss %s reached limit %s (%s of day-start capital)",
			state.TodayPnL.StringFixed(0), limit.StringFixed(0), b.config.LossLimit.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%"),
	}

	b.mu.RLock()
	handlers := append([]func(TripEvent){}, b.onTrip...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
	return true
}
