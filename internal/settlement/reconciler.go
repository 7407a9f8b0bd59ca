package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

// Config controls reconciliation policy
type Config struct {
	FeeRate     decimal.Decimal
	WarnAfter   time.Duration // one warning once an order has been open this long
	CancelAfter time.Duration // cancel open orders after this long, 0 disables
	// Increments maps market to its minimum tradable quantity increment
	Increments map[string]decimal.Decimal
}

// DefaultConfig returns production reconciliation settings
func DefaultConfig() Config {
	return Config{
		FeeRate:     DefaultFeeRate,
		WarnAfter:   5 * time.Minute,
		CancelAfter: 30 * time.Minute,
		Increments:  map[string]decimal.Decimal{},
	}
}

// ConfigFromSettings builds reconciliation settings from the trading section
func ConfigFromSettings(tc config.TradingConfig) Config {
	cfg := Config{
		FeeRate:     tc.FeeRate,
		WarnAfter:   time.Duration(tc.PendingWarnSeconds) * time.Second,
		CancelAfter: time.Duration(tc.PendingCancelSeconds) * time.Second,
		Increments:  make(map[string]decimal.Decimal, len(tc.Markets)),
	}
	for _, m := range tc.Markets {
		cfg.Increments[m.Market] = m.Precision
	}
	return cfg
}

// Reconciler settles ORDER_PENDING assets against the exchange
type Reconciler struct {
	broker  upbit.Brokerage
	breaker *circuit.Breaker
	config  Config
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(broker upbit.Brokerage, breaker *circuit.Breaker, config Config, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		broker:  broker,
		breaker: breaker,
		config:  config,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

// Increment returns the minimum tradable quantity step of a market
func (r *Reconciler) Increment(market string) decimal.Decimal {
	if inc, ok := r.config.Increments[market]; ok && inc.IsPositive() {
		return inc
	}
	return decimal.New(1, -8)
}

// Reconcile resolves the asset's pending order, if any. trailingLine is the
// SuperTrend long value of the prior closed mid-timeframe bar (NaN when
// unknown) and is used when a partial take-profit settles.
//
// Running Reconcile again on an already settled order is a no-op because the
// returned state no longer carries pending fields.
func (r *Reconciler) Reconcile(ctx context.Context, state strategy.AssetState, now time.Time, trailingLine float64) Outcome {
	out := Outcome{Action: ActionNone, State: state.Clone()}
	if state.PositionStatus != strategy.StatusOrderPending || state.Halted {
		return out
	}

	pending := state.Pending
	if pending == nil || pending.UUID == "" || !pending.Type.Valid() {
		return r.resetLost(out, pending, now)
	}
	out.Order = pending.Type

	log := r.logger.With().
		Str("market", state.Market).
		Str("order_uuid", pending.UUID).
		Str("order_type", string(pending.Type)).
		Logger()

	order, err := r.broker.GetOrder(ctx, pending.UUID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query pending order, will retry next cycle")
		out.Action = ActionQueryFailed
		out.Err = err
		return out
	}

	switch order.State {
	case upbit.OrderStateDone:
		return r.settle(out, order, now, trailingLine, log)

	case upbit.OrderStateCancel, upbit.OrderStateReject:
		// A market buy by price ends in cancel with the unspent remainder returned
		if order.ExecutedVolume.IsPositive() {
			return r.settle(out, order, now, trailingLine, log)
		}
		return r.revert(out, now, fmt.Sprintf("order %s ended %s without fills", pending.UUID, order.State), log)

	default:
		return r.stillOpen(ctx, out, now, trailingLine, log)
	}
}

func (r *Reconciler) stillOpen(ctx context.Context, out Outcome, now time.Time, trailingLine float64, log zerolog.Logger) Outcome {
	pending := out.State.Pending
	elapsed := now.Sub(pending.SubmittedAt)

	if r.config.CancelAfter > 0 && elapsed >= r.config.CancelAfter {
		log.Warn().Dur("elapsed", elapsed).Msg("Pending order timed out, canceling")
		canceled, err := r.broker.CancelOrder(ctx, pending.UUID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to cancel timed out order, will retry next cycle")
			out.Action = ActionQueryFailed
			out.Err = err
			return out
		}
		if canceled.ExecutedVolume.IsPositive() {
			return r.settle(out, canceled, now, trailingLine, log)
		}
		return r.revert(out, now, fmt.Sprintf("order %s canceled after %s without fills", pending.UUID, elapsed.Round(time.Second)), log)
	}

	if elapsed >= r.config.WarnAfter && !pending.WarningSent {
		pending.WarningSent = true
		out.Action = ActionWarned
		out.Changed = true
		out.Message = fmt.Sprintf("%s order %s still open after %s", pending.Type, pending.UUID, elapsed.Round(time.Second))
		log.Warn().Dur("elapsed", elapsed).Msg("Pending order still open")
		return out
	}

	out.Action = ActionStillPending
	return out
}

func (r *Reconciler) settle(out Outcome, order *upbit.Order, now time.Time, trailingLine float64, log zerolog.Logger) Outcome {
	fill, ok := FillOf(order.ExecutedVolume, order.AveragePrice())
	if !ok {
		return r.halt(out, order, now, log)
	}
	out.Fill = &fill

	if out.State.Pending.Type.IsBuy() {
		return r.settleBuy(out, fill, now, log)
	}
	return r.settleSell(out, fill, now, trailingLine, log)
}

func (r *Reconciler) settleBuy(out Outcome, fill Fill, now time.Time, log zerolog.Logger) Outcome {
	s := &out.State
	orderType := s.Pending.Type

	s.AvgEntryPrice, s.TotalPositionSize = WeightedAverage(s.AvgEntryPrice, s.TotalPositionSize, fill.Price, fill.Volume)
	s.Task = strategy.TaskNone
	s.MainForceSignalActive = false
	s.LastBriefing = nil

	at := now
	if orderType == strategy.OrderBuyVanguard {
		s.PositionStatus = strategy.StatusVanguardIn
		s.EntryDate = &at
	} else {
		s.PositionStatus = strategy.StatusFullPosition
		s.MainForceEntryDate = &at
	}
	s.Pending = nil
	s.UpdatedAt = now

	out.Action = ActionBuySettled
	out.Changed = true
	out.Message = fmt.Sprintf("%s filled %s @ %s, avg %s size %s",
		orderType, fill.Volume.String(), fill.Price.String(), s.AvgEntryPrice.StringFixed(2), s.TotalPositionSize.String())

	log.Info().
		Str("fill_price", fill.Price.String()).
		Str("fill_volume", fill.Volume.String()).
		Str("avg_entry_price", s.AvgEntryPrice.String()).
		Str("position_size", s.TotalPositionSize.String()).
		Str("status", string(s.PositionStatus)).
		Msg("Buy settled")
	return out
}

func (r *Reconciler) settleSell(out Outcome, fill Fill, now time.Time, trailingLine float64, log zerolog.Logger) Outcome {
	s := &out.State
	pending := *s.Pending
	increment := r.Increment(s.Market)

	volume := fill.Volume
	if volume.GreaterThan(s.TotalPositionSize) {
		volume = s.TotalPositionSize
	}

	pnl := RealizedPnL(s.AvgEntryPrice, fill.Price, volume, r.config.FeeRate)
	out.PnL = &pnl

	entryTime := pending.SubmittedAt
	if s.EntryDate != nil {
		entryTime = *s.EntryDate
	}
	reason := pending.Reason
	if reason == "" {
		reason = string(pending.Type)
	}
	out.Trade = &TradeLogEntry{
		Market:      s.Market,
		OrderUUID:   pending.UUID,
		OrderType:   string(pending.Type),
		EntryTime:   entryTime,
		ExitTime:    now,
		EntryPrice:  s.AvgEntryPrice,
		ExitPrice:   fill.Price,
		Quantity:    volume,
		RealizedPnL: pnl.Realized,
		PnLPercent:  pnl.Percent,
		Fee:         pnl.Fee,
		ExitReason:  reason,
		Rationale:   strings.Join(s.EntryAIReasons, " | "),
		CreatedAt:   now,
	}

	out.Tripped = r.breaker.RecordPnL(s, pnl.Realized)

	remaining := s.TotalPositionSize.Sub(risk.Quantize(volume, increment))
	switch {
	case remaining.LessThan(increment):
		s.ResetPosition()
	case pending.Type == strategy.OrderSellPartial:
		s.TotalPositionSize = remaining
		s.PositionStatus = strategy.StatusPartialExit
		risk.ActivateTrailing(s, trailingLine)
	default:
		s.TotalPositionSize = remaining
		s.PositionStatus = preOrderStatus(*s, pending.Type)
	}
	s.Pending = nil
	s.UpdatedAt = now

	out.Action = ActionSellSettled
	out.Changed = true
	out.Message = fmt.Sprintf("%s filled %s @ %s, pnl %s (%s%%)",
		pending.Type, volume.String(), fill.Price.String(), pnl.Realized.StringFixed(0), pnl.Percent.StringFixed(2))

	log.Info().
		Str("fill_price", fill.Price.String()).
		Str("fill_volume", volume.String()).
		Str("realized_pnl", pnl.Realized.StringFixed(0)).
		Str("fee", pnl.Fee.StringFixed(2)).
		Str("remaining", s.TotalPositionSize.String()).
		Str("status", string(s.PositionStatus)).
		Bool("breaker_tripped", out.Tripped).
		Msg("Sell settled")
	return out
}

// revert restores the status the asset had before the order was submitted.
// Capital is never pre-deducted at submission so there is nothing to refund.
func (r *Reconciler) revert(out Outcome, now time.Time, message string, log zerolog.Logger) Outcome {
	s := &out.State
	orderType := s.Pending.Type

	status := preOrderStatus(*s, orderType)
	if status == strategy.StatusNone {
		s.ResetPosition()
	} else {
		s.PositionStatus = status
		s.Pending = nil
	}
	s.UpdatedAt = now

	out.Action = ActionReverted
	out.Changed = true
	out.Message = message
	log.Warn().Str("reverted_to", string(s.PositionStatus)).Msg(message)
	return out
}

// halt disables the asset when the exchange says the order is finished but
// the fill cannot be determined. Pending fields are kept for the operator.
func (r *Reconciler) halt(out Outcome, order *upbit.Order, now time.Time, log zerolog.Logger) Outcome {
	s := &out.State
	s.TradingEnabled = false
	s.Halted = true
	s.HaltReason = fmt.Sprintf("order %s reported %s with executed volume %s and average price %s",
		order.UUID, order.State, order.ExecutedVolume.String(), order.AveragePrice().String())
	s.UpdatedAt = now

	out.Action = ActionHalted
	out.Changed = true
	out.Err = fmt.Errorf("%w: %s", ErrSettlementUnavailable, s.HaltReason)
	out.Message = "trading halted for " + s.Market + ": " + s.HaltReason
	log.Error().Str("reason", s.HaltReason).Msg("Settlement data unavailable, halting asset")
	return out
}

func (r *Reconciler) resetLost(out Outcome, pending *strategy.PendingOrder, now time.Time) Outcome {
	detail := "no pending order recorded"
	if pending != nil {
		detail = fmt.Sprintf("uuid=%q type=%q", pending.UUID, pending.Type)
	}

	s := &out.State
	s.ResetPosition()
	s.UpdatedAt = now

	out.Action = ActionReset
	out.Changed = true
	out.Err = fmt.Errorf("%w: %s", ErrInconsistentPending, detail)
	out.Message = fmt.Sprintf("lost order on %s (%s), state reset to %s", s.Market, detail, s.PositionStatus)
	r.logger.Error().Str("market", s.Market).Str("detail", detail).Msg("Inconsistent pending order, resetting asset")
	return out
}

// preOrderStatus is the status an asset had before submitting orderType
func preOrderStatus(s strategy.AssetState, orderType strategy.OrderType) strategy.PositionStatus {
	switch orderType {
	case strategy.OrderBuyVanguard:
		if s.TotalPositionSize.IsPositive() {
			return strategy.StatusVanguardIn
		}
		return strategy.StatusNone
	case strategy.OrderBuyMainForce, strategy.OrderSellVanguard:
		return strategy.StatusVanguardIn
	default:
		return s.HoldingStatus()
	}
}

// IsLostOrder reports whether err came from inconsistent pending bookkeeping
func IsLostOrder(err error) bool {
	return errors.Is(err, ErrInconsistentPending)
}
