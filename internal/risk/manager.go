package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/strategy"
)

var (
	ErrInvalidFraction    = errors.New("sizing fraction outside allowed range")
	ErrBelowMinimumOrder  = errors.New("order value below exchange minimum")
	ErrNoPosition         = errors.New("no position to sell")
	ErrNoRemainingCapital = errors.New("no capital left for main force entry")
	ErrInvalidPrice       = errors.New("price must be positive")
)

// Limits are the sizing policy bounds
type Limits struct {
	EntryMin     decimal.Decimal
	EntryMax     decimal.Decimal
	MainForceMin decimal.Decimal
	MainForceMax decimal.Decimal
	MinOrderKRW  decimal.Decimal
}

// Manager turns oracle fractions into validated order sizes
type Manager struct {
	limits Limits
}

// NewManager creates a sizing manager
func NewManager(limits Limits) *Manager {
	return &Manager{limits: limits}
}

// NewManagerFromConfig builds limits from the risk and trading sections
func NewManagerFromConfig(rc config.RiskConfig, tc config.TradingConfig) *Manager {
	return NewManager(Limits{
		EntryMin:     rc.EntryFractionMin,
		EntryMax:     rc.EntryFractionMax,
		MainForceMin: rc.MainForceFractionMin,
		MainForceMax: rc.MainForceFractionMax,
		MinOrderKRW:  tc.MinOrderKRW,
	})
}

// MinOrderKRW is the smallest order value accepted
func (m *Manager) MinOrderKRW() decimal.Decimal {
	return m.limits.MinOrderKRW
}

// BuyOrder is a sized market buy
type BuyOrder struct {
	Type         strategy.OrderType
	Amount       decimal.Decimal // KRW to spend
	Fraction     decimal.Decimal
	TradeCapital decimal.Decimal // trade_capital to record on submission
}

// SellOrder is a sized market sell
type SellOrder struct {
	Type     strategy.OrderType
	Volume   decimal.Decimal
	Fraction decimal.Decimal
}

// Entry sizes the vanguard buy: capital x fraction
func (m *Manager) Entry(state strategy.AssetState, fraction decimal.Decimal) (BuyOrder, error) {
	if !inRange(fraction, m.limits.EntryMin, m.limits.EntryMax) {
		return BuyOrder{}, fmt.Errorf("%w: entry %s not in [%s, %s]", ErrInvalidFraction, fraction, m.limits.EntryMin, m.limits.EntryMax)
	}

	tradeCapital := state.Capital
	amount := tradeCapital.Mul(fraction)
	if amount.LessThan(m.limits.MinOrderKRW) {
		return BuyOrder{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimumOrder, amount.StringFixed(0), m.limits.MinOrderKRW)
	}

	return BuyOrder{
		Type:         strategy.OrderBuyVanguard,
		Amount:       amount,
		Fraction:     fraction,
		TradeCapital: tradeCapital,
	}, nil
}

// MainForce sizes the pyramid buy against the capital not yet deployed
func (m *Manager) MainForce(state strategy.AssetState, fraction decimal.Decimal) (BuyOrder, error) {
	if !inRange(fraction, m.limits.MainForceMin, m.limits.MainForceMax) {
		return BuyOrder{}, fmt.Errorf("%w: main force %s not in [%s, %s]", ErrInvalidFraction, fraction, m.limits.MainForceMin, m.limits.MainForceMax)
	}

	remaining := state.TradeCapital.Sub(state.AvgEntryPrice.Mul(state.TotalPositionSize))
	if !remaining.IsPositive() {
		return BuyOrder{}, fmt.Errorf("%w: remaining %s", ErrNoRemainingCapital, remaining.StringFixed(0))
	}

	amount := remaining.Mul(fraction)
	if amount.LessThan(m.limits.MinOrderKRW) {
		return BuyOrder{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimumOrder, amount.StringFixed(0), m.limits.MinOrderKRW)
	}

	return BuyOrder{
		Type:         strategy.OrderBuyMainForce,
		Amount:       amount,
		Fraction:     fraction,
		TradeCapital: state.TradeCapital,
	}, nil
}

// Exit sizes a take-profit sell. Fractions below 1 are partial unless the
// remainder would be untradeable, in which case the whole position is sold.
func (m *Manager) Exit(state strategy.AssetState, fraction, price, increment decimal.Decimal) (SellOrder, error) {
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return SellOrder{}, fmt.Errorf("%w: sell %s not in (0, 1]", ErrInvalidFraction, fraction)
	}
	if !state.TotalPositionSize.IsPositive() {
		return SellOrder{}, ErrNoPosition
	}
	if !price.IsPositive() {
		return SellOrder{}, ErrInvalidPrice
	}

	full := SellOrder{Type: strategy.OrderSellAllFinal, Volume: state.TotalPositionSize, Fraction: decimal.NewFromInt(1)}
	if fraction.Equal(decimal.NewFromInt(1)) {
		return full, nil
	}

	volume := Quantize(state.TotalPositionSize.Mul(fraction), increment)
	remainder := state.TotalPositionSize.Sub(volume)
	if remainder.LessThan(increment) || remainder.Mul(price).LessThan(m.limits.MinOrderKRW) {
		return full, nil
	}
	if volume.Mul(price).LessThan(m.limits.MinOrderKRW) {
		return SellOrder{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimumOrder, volume.Mul(price).StringFixed(0), m.limits.MinOrderKRW)
	}

	return SellOrder{Type: strategy.OrderSellPartial, Volume: volume, Fraction: fraction}, nil
}

// Liquidate sells the whole position for an unconditional stop
func (m *Manager) Liquidate(state strategy.AssetState, orderType strategy.OrderType) (SellOrder, error) {
	if !state.TotalPositionSize.IsPositive() {
		return SellOrder{}, ErrNoPosition
	}
	return SellOrder{Type: orderType, Volume: state.TotalPositionSize, Fraction: decimal.NewFromInt(1)}, nil
}

// Quantize floors qty to a multiple of increment
func Quantize(qty, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return qty
	}
	return qty.Div(increment).Floor().Mul(increment)
}

func inRange(v, lo, hi decimal.Decimal) bool {
	return !v.LessThan(lo) && !v.GreaterThan(hi)
}
