package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/ai/llm"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/settlement"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

// dispatch applies the intent of one Advance result and returns the state
// as persisted afterwards
func (e *Engine) dispatch(ctx context.Context, state strategy.AssetState, result strategy.Result, in strategy.Input, report *AssetReport) (strategy.AssetState, error) {
	switch result.Intent {
	case strategy.IntentNone:
		return state, nil

	case strategy.IntentEvaluateEntry, strategy.IntentEvaluatePyramid, strategy.IntentEvaluateExit:
		return e.evaluate(ctx, state, result, in, report)

	case strategy.IntentSellStopLoss, strategy.IntentSellTrailingStop, strategy.IntentSellFinalStop:
		order, err := e.deps.Risk.Liquidate(state, result.Context.OrderType)
		if err != nil {
			log := logging.FromContext(ctx)
			log.Error().Err(err).
				Str("intent", string(result.Intent)).
				Msg("Cannot size stop order")
			return state, nil
		}
		return e.submitSell(ctx, state, order, result.Context.Reason, midLine(in), report)

	case strategy.IntentUpdateTrailingStop:
		update := risk.RaiseStop(&state, result.Context.StopPrice)
		if !update.Moved {
			return state, nil
		}
		if err := e.persist(ctx, state); err != nil {
			return state, err
		}
		log := logging.FromContext(ctx)
		log.Info().
			Str("old_stop", update.OldStop.StringFixed(0)).
			Str("new_stop", update.NewStop.StringFixed(0)).
			Msg("Trailing stop raised")
		return state, nil

	default:
		return state, fmt.Errorf("unknown intent %q", result.Intent)
	}
}

// evaluate asks the oracle for a verdict on an evaluate intent and acts on it
func (e *Engine) evaluate(ctx context.Context, state strategy.AssetState, result strategy.Result, in strategy.Input, report *AssetReport) (strategy.AssetState, error) {
	log := logging.FromContext(ctx)
	category, _ := llm.CategoryFor(result.Intent)

	if e.deps.Oracle == nil {
		log.Debug().Str("intent", string(result.Intent)).Msg("Oracle disabled, no decision this cycle")
		return state, nil
	}
	if result.Context.Briefing == nil {
		return state, fmt.Errorf("%s without briefing", result.Intent)
	}

	holds, err := e.deps.HoldReasons.HoldReasons(ctx, state.Market, string(category))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read hold reasons")
	}

	started := e.now()
	verdict, err := e.deps.Oracle.Decide(ctx, llm.Request{
		Category:    category,
		Market:      state.Market,
		Briefing:    *result.Context.Briefing,
		HoldReasons: holds,
	})
	if err != nil {
		e.deps.Metrics.RecordAssetError(state.Market, "oracle")
		log.Warn().Err(err).Str("category", string(category)).Msg("Oracle unavailable, no decision this cycle")
		return state, nil
	}

	report.Decision = verdict.Decision
	e.deps.Metrics.RecordOracle(e.config.OracleProvider, string(category), string(verdict.Decision), e.now().Sub(started))
	e.deps.EventBus.PublishOracleDecision(state.Market, string(category), string(verdict.Decision), verdict.Fraction.String(), verdict.Reason)

	if verdict.IsHold() {
		return e.hold(ctx, state, category, verdict)
	}

	switch category {
	case llm.CategoryEntry:
		order, err := e.deps.Risk.Entry(state, verdict.Fraction)
		if err != nil {
			return e.rejectSizing(ctx, state, category, verdict, err)
		}
		return e.submitBuy(ctx, state, order, verdict.Reason, report)

	case llm.CategoryPyramid:
		order, err := e.deps.Risk.MainForce(state, verdict.Fraction)
		if err != nil {
			return e.rejectSizing(ctx, state, category, verdict, err)
		}
		return e.submitBuy(ctx, state, order, verdict.Reason, report)

	default:
		order, err := e.deps.Risk.Exit(state, verdict.Fraction, in.Price, e.deps.Reconciler.Increment(state.Market))
		if err != nil {
			return e.rejectSizing(ctx, state, category, verdict, err)
		}
		return e.submitSell(ctx, state, order, verdict.Reason, midLine(in), report)
	}
}

// hold records the rationale so the next request for the same decision sees it
func (e *Engine) hold(ctx context.Context, state strategy.AssetState, category llm.Category, verdict llm.Verdict) (strategy.AssetState, error) {
	log := logging.FromContext(ctx)
	if err := e.deps.HoldReasons.AppendHoldReason(ctx, state.Market, string(category), verdict.Reason); err != nil {
		log.Warn().Err(err).Msg("Failed to record hold reason")
	}
	log.Info().
		Str("category", string(category)).
		Str("reason", verdict.Reason).
		Bool("malformed", verdict.Malformed).
		Msg("Oracle says hold")

	if category == llm.CategoryPyramid && state.Task != strategy.TaskPyramidRetry {
		state.Task = strategy.TaskPyramidRetry
		if err := e.persist(ctx, state); err != nil {
			return state, err
		}
	}
	return state, nil
}

// rejectSizing logs a verdict the sizing rules refuse; nothing is ordered.
// An out-of-range main-force fraction is treated as a hold so the cached
// briefing is retried on the next cycle.
func (e *Engine) rejectSizing(ctx context.Context, state strategy.AssetState, category llm.Category, verdict llm.Verdict, err error) (strategy.AssetState, error) {
	invalid := errors.Is(err, risk.ErrInvalidFraction)
	log := logging.FromContext(ctx)
	event := log.Warn()
	if invalid {
		event = log.Error()
	}
	event.Err(err).
		Str("category", string(category)).
		Str("decision", string(verdict.Decision)).
		Str("fraction", verdict.Fraction.String()).
		Msg("Verdict rejected by sizing rules, no order submitted")
	e.deps.Metrics.RecordAssetError(state.Market, "sizing")

	if invalid && category == llm.CategoryPyramid {
		return e.hold(ctx, state, category, verdict)
	}
	return state, nil
}

// submitBuy places a market buy and records it as pending before returning
func (e *Engine) submitBuy(ctx context.Context, state strategy.AssetState, order risk.BuyOrder, reason string, report *AssetReport) (strategy.AssetState, error) {
	placed, err := e.deps.Broker.BuyMarket(ctx, state.Market, order.Amount)
	e.deps.Metrics.RecordBrokerage("orders", err)
	e.deps.Metrics.RecordOrder(state.Market, string(order.Type), err)
	if err != nil {
		e.orderFailed(ctx, state, order.Type, err)
		return state, nil
	}

	previous := state.PositionStatus
	state.TradeCapital = order.TradeCapital
	if reason != "" {
		state.EntryAIReasons = append(state.EntryAIReasons, reason)
	}
	state = e.markPending(state, placed, order.Type, reason, order.Fraction, order.Amount)
	return e.afterSubmit(ctx, state, previous, placed, order.Type, order.Amount, reason, math.NaN(), report)
}

// submitSell places a market sell and records it as pending before returning
func (e *Engine) submitSell(ctx context.Context, state strategy.AssetState, order risk.SellOrder, reason string, line float64, report *AssetReport) (strategy.AssetState, error) {
	placed, err := e.deps.Broker.SellMarket(ctx, state.Market, order.Volume)
	e.deps.Metrics.RecordBrokerage("orders", err)
	e.deps.Metrics.RecordOrder(state.Market, string(order.Type), err)
	if err != nil {
		e.orderFailed(ctx, state, order.Type, err)
		return state, nil
	}

	previous := state.PositionStatus
	state = e.markPending(state, placed, order.Type, reason, order.Fraction, order.Volume)
	return e.afterSubmit(ctx, state, previous, placed, order.Type, order.Volume, reason, line, report)
}

func (e *Engine) markPending(state strategy.AssetState, placed *upbit.Order, orderType strategy.OrderType, reason string, fraction, requested decimal.Decimal) strategy.AssetState {
	state.PositionStatus = strategy.StatusOrderPending
	state.Pending = &strategy.PendingOrder{
		UUID:        placed.UUID,
		Type:        orderType,
		Reason:      reason,
		Fraction:    fraction,
		Requested:   requested,
		SubmittedAt: e.now(),
	}
	return state
}

// afterSubmit persists the pending order, announces it and settles it at
// once when the exchange already reports it finished. A persist failure leaves the order on the exchange unrecorded, so
// it is escalated as critical.
func (e *Engine) afterSubmit(ctx context.Context, state strategy.AssetState, previous strategy.PositionStatus, placed *upbit.Order, orderType strategy.OrderType, requested decimal.Decimal, reason string, line float64, report *AssetReport) (strategy.AssetState, error) {
	log := logging.OrderContext(logging.FromContext(ctx), state.Market, placed.UUID, string(orderType))
	report.OrderUUID = placed.UUID

	if err := e.persist(ctx, state); err != nil {
		msg := fmt.Sprintf("order %s (%s) was submitted but could not be recorded: %v", placed.UUID, orderType, err)
		log.Error().Err(err).Msg("Failed to persist pending order")
		e.deps.Notifier.NotifyCritical(ctx, state.Market, msg)
		return state, err
	}

	log.Info().
		Str("requested", requested.String()).
		Str("reason", reason).
		Msg("Order submitted")
	e.deps.EventBus.PublishOrderPlaced(state.Market, placed.UUID, string(orderType), requested.String(), reason)
	e.deps.EventBus.PublishStateChanged(state.Market, string(previous), string(state.PositionStatus), string(state.Task))
	e.deps.Notifier.NotifyOrderPlaced(ctx, state.Market, string(orderType), placed.UUID, requested, reason)

	if placed.State.IsTerminal() {
		return e.reconcile(ctx, state, line, report)
	}
	return state, nil
}

func (e *Engine) orderFailed(ctx context.Context, state strategy.AssetState, orderType strategy.OrderType, err error) {
	log := logging.FromContext(ctx)
	log.Error().Err(err).
		Str("order_type", string(orderType)).
		Msg("Order submission failed")
	e.deps.EventBus.PublishError("brokerage", state.Market, fmt.Sprintf("%s submission failed", orderType), err)
	e.deps.Notifier.NotifyOrderFailed(ctx, state.Market, string(orderType), err)
}

// announceReconcile turns a reconciliation outcome into notifications and events
func (e *Engine) announceReconcile(ctx context.Context, before strategy.AssetState, out settlement.Outcome) {
	s := out.State
	switch out.Action {
	case settlement.ActionWarned:
		if p := s.Pending; p != nil {
			e.deps.Notifier.NotifyPendingDelay(ctx, s.Market, p.UUID, e.now().Sub(p.SubmittedAt))
		}

	case settlement.ActionBuySettled:
		e.deps.EventBus.PublishSettlement(events.EventOrderSettled, s.Market, string(out.Order), string(out.Action), out.Message)
		e.deps.Notifier.NotifyBuyFilled(ctx, s.Market, string(out.Order), out.Fill.Price, out.Fill.Volume, s.AvgEntryPrice, s.TotalPositionSize)

	case settlement.ActionSellSettled:
		e.deps.EventBus.PublishSettlement(events.EventOrderSettled, s.Market, string(out.Order), string(out.Action), out.Message)
		if t := out.Trade; t != nil {
			e.deps.Metrics.RecordRealized(s.Market, t.RealizedPnL.InexactFloat64())
			e.deps.EventBus.PublishTradeClosed(s.Market, t.EntryPrice.InexactFloat64(), t.ExitPrice.InexactFloat64(),
				t.Quantity.InexactFloat64(), t.RealizedPnL.InexactFloat64(), t.PnLPercent.InexactFloat64())
			e.deps.Notifier.NotifyTradeClose(ctx, s.Market, string(out.Order), t.EntryPrice, t.ExitPrice, t.RealizedPnL, t.PnLPercent, s.TotalPositionSize)
		}

	case settlement.ActionReverted:
		e.deps.EventBus.PublishSettlement(events.EventOrderReverted, s.Market, string(out.Order), string(out.Action), out.Message)
		e.deps.Notifier.NotifyOrderFailed(ctx, s.Market, string(out.Order), errors.New(out.Message))

	case settlement.ActionHalted, settlement.ActionReset:
		e.deps.EventBus.PublishSettlement(events.EventAssetHalted, s.Market, string(out.Order), string(out.Action), out.Message)
		e.deps.Notifier.NotifyCritical(ctx, s.Market, out.Message)
	}

	if before.PositionStatus != s.PositionStatus {
		e.deps.EventBus.PublishStateChanged(s.Market, string(before.PositionStatus), string(s.PositionStatus), string(s.Task))
	}
}

// midLine is the SuperTrend long value of the last closed mid bar
func midLine(in strategy.Input) float64 {
	return indicator.Last(in.Mid.SuperTrendLong)
}
