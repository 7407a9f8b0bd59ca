package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/strategy"
)

// StopUpdate represents a trailing stop change
type StopUpdate struct {
	Market  string
	OldStop decimal.Decimal
	NewStop decimal.Decimal
	Moved   bool
}

// RaiseStop ratchets the recorded SuperTrend stop up to candidate. The stop
// never moves down and nothing happens while trailing is inactive.
func RaiseStop(state *strategy.AssetState, candidate decimal.Decimal) StopUpdate {
	update := StopUpdate{Market: state.Market, OldStop: state.SupertrendStopPrice, NewStop: state.SupertrendStopPrice}
	if !state.TrailingStopActive || !candidate.GreaterThan(state.SupertrendStopPrice) {
		return update
	}
	state.SupertrendStopPrice = candidate
	update.NewStop = candidate
	update.Moved = true
	return update
}

// ActivateTrailing switches the position to trailing-stop exits after a
// partial take-profit. line is the SuperTrend long value of the prior closed
// bar; when it is not available the stop stays 0 and is set on a later cycle.
func ActivateTrailing(state *strategy.AssetState, line float64) {
	state.TrailingStopActive = true
	if math.IsNaN(line) || math.IsInf(line, 0) || line <= 0 {
		return
	}
	RaiseStop(state, decimal.NewFromFloat(line))
}
