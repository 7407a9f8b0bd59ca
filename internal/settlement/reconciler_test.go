package settlement

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

const btc = "KRW-BTC"

var now = time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newReconciler(broker upbit.Brokerage) *Reconciler {
	cfg := DefaultConfig()
	cfg.Increments[btc] = d("0.00000001")
	return NewReconciler(broker, circuit.NewBreaker(circuit.DefaultConfig()), cfg, logging.Nop())
}

func paperBroker(price string) *upbit.MockClient {
	mock := upbit.NewMockClient(nil)
	mock.SetPrice(btc, d(price))
	return mock
}

// pendingOn marks s as waiting on order
func pendingOn(s strategy.AssetState, order *upbit.Order, orderType strategy.OrderType, submitted time.Time) strategy.AssetState {
	s.PositionStatus = strategy.StatusOrderPending
	s.Pending = &strategy.PendingOrder{
		UUID:        order.UUID,
		Type:        orderType,
		Reason:      "test",
		Fraction:    d("0.2"),
		Requested:   order.Volume,
		SubmittedAt: submitted,
	}
	return s
}

func flat() strategy.AssetState {
	return strategy.NewAssetState(btc, d("1000000"), "2025-03-10")
}

func holding(status strategy.PositionStatus, avg, size string) strategy.AssetState {
	s := flat()
	s.PositionStatus = status
	s.Task = strategy.TaskNone
	s.AvgEntryPrice = d(avg)
	s.TotalPositionSize = d(size)
	s.TradeCapital = d("1000000")
	return s
}

// ===== TEST CASES: buy settlement =====

func TestVanguardBuySettles(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("100")
	order, err := mock.BuyMarket(ctx, btc, d("2000"))
	require.NoError(t, err)

	s := flat()
	s.TradeCapital = d("1000000")
	s = pendingOn(s, order, strategy.OrderBuyVanguard, now)

	out := newReconciler(mock).Reconcile(ctx, s, now.Add(time.Minute), math.NaN())

	require.Equal(t, ActionBuySettled, out.Action)
	assert.True(t, out.Changed)
	assert.Equal(t, strategy.StatusVanguardIn, out.State.PositionStatus)
	assert.True(t, out.State.AvgEntryPrice.Equal(d("100")), "avg %s", out.State.AvgEntryPrice)
	assert.True(t, out.State.TotalPositionSize.Equal(d("20")), "size %s", out.State.TotalPositionSize)
	assert.True(t, out.State.TradeCapital.Equal(d("1000000")))
	assert.True(t, out.State.Capital.Equal(d("1000000")), "buys never move capital")
	assert.Nil(t, out.State.Pending)
	require.NotNil(t, out.State.EntryDate)
	assert.Nil(t, out.Trade)
}

func TestMainForceBuyUsesWeightedAverage(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("120")
	order, err := mock.BuyMarket(ctx, btc, d("2400"))
	require.NoError(t, err)

	s := holding(strategy.StatusVanguardIn, "100", "20")
	s.MainForceSignalActive = true
	s = pendingOn(s, order, strategy.OrderBuyMainForce, now)

	out := newReconciler(mock).Reconcile(ctx, s, now, math.NaN())

	require.Equal(t, ActionBuySettled, out.Action)
	assert.Equal(t, strategy.StatusFullPosition, out.State.PositionStatus)
	// (100 x 20 + 120 x 20) / 40
	assert.True(t, out.State.AvgEntryPrice.Equal(d("110")), "avg %s", out.State.AvgEntryPrice)
	assert.True(t, out.State.TotalPositionSize.Equal(d("40")))
	assert.False(t, out.State.MainForceSignalActive)
	assert.NotNil(t, out.State.MainForceEntryDate)
}

func TestWeightedAverageOverFillSequence(t *testing.T) {
	fills := []Fill{
		{Price: d("100"), Volume: d("3")},
		{Price: d("130"), Volume: d("1.5")},
		{Price: d("90"), Volume: d("0.25")},
	}

	avg, size := decimal.Zero, decimal.Zero
	cost, qty := decimal.Zero, decimal.Zero
	for _, f := range fills {
		avg, size = WeightedAverage(avg, size, f.Price, f.Volume)
		cost = cost.Add(f.Price.Mul(f.Volume))
		qty = qty.Add(f.Volume)
	}

	assert.True(t, size.Equal(qty))
	assert.True(t, avg.Sub(cost.Div(qty)).Abs().LessThan(d("0.000001")), "avg %s want %s", avg, cost.Div(qty))
}

// ===== TEST CASES: sell settlement =====

func TestPartialSellActivatesTrailing(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("150")
	order, err := mock.SellMarket(ctx, btc, d("20"))
	require.NoError(t, err)

	s := holding(strategy.StatusFullPosition, "100", "40")
	s.IsTakeProfitReady = true
	s.EntryAIReasons = []string{"oversold recovery"}
	s = pendingOn(s, order, strategy.OrderSellPartial, now)

	out := newReconciler(mock).Reconcile(ctx, s, now, 140)

	require.Equal(t, ActionSellSettled, out.Action)
	require.NotNil(t, out.PnL)
	// entry 2000, exit 3000, fee (2000 + 3000) x 0.0005
	assert.True(t, out.PnL.Fee.Equal(d("2.5")), "fee %s", out.PnL.Fee)
	assert.True(t, out.PnL.Realized.Equal(d("997.5")), "pnl %s", out.PnL.Realized)
	assert.True(t, out.PnL.Percent.Equal(d("50")), "pct %s", out.PnL.Percent)

	st := out.State
	assert.Equal(t, strategy.StatusPartialExit, st.PositionStatus)
	assert.True(t, st.TotalPositionSize.Equal(d("20")))
	assert.True(t, st.TrailingStopActive)
	assert.True(t, st.SupertrendStopPrice.Equal(d("140")))
	assert.True(t, st.Capital.Equal(d("1000997.5")))
	assert.True(t, st.TodayPnL.Equal(d("997.5")))
	assert.Nil(t, st.Pending)

	require.NotNil(t, out.Trade)
	assert.Equal(t, "test", out.Trade.ExitReason)
	assert.Equal(t, "oversold recovery", out.Trade.Rationale)
	assert.True(t, out.Trade.Quantity.Equal(d("20")))
}

func TestPartialSellWithoutTrailingLineDefersStop(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("150")
	order, err := mock.SellMarket(ctx, btc, d("20"))
	require.NoError(t, err)

	s := pendingOn(holding(strategy.StatusFullPosition, "100", "40"), order, strategy.OrderSellPartial, now)
	out := newReconciler(mock).Reconcile(ctx, s, now, math.NaN())

	assert.True(t, out.State.TrailingStopActive)
	assert.True(t, out.State.SupertrendStopPrice.IsZero())
}

func TestFullSellResetsPosition(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("90")
	order, err := mock.SellMarket(ctx, btc, d("20"))
	require.NoError(t, err)

	s := holding(strategy.StatusPartialExit, "100", "20")
	s.TrailingStopActive = true
	s.SupertrendStopPrice = d("95")
	s = pendingOn(s, order, strategy.OrderSellRemainder, now)

	out := newReconciler(mock).Reconcile(ctx, s, now, math.NaN())

	require.Equal(t, ActionSellSettled, out.Action)
	st := out.State
	assert.Equal(t, strategy.StatusNone, st.PositionStatus)
	assert.Equal(t, strategy.TaskWaitingForSlowSignal, st.Task)
	assert.True(t, st.TotalPositionSize.IsZero())
	assert.True(t, st.AvgEntryPrice.IsZero())
	assert.False(t, st.TrailingStopActive)
	assert.True(t, st.SupertrendStopPrice.IsZero())
	// -200 loss minus (2000 + 1800) x 0.0005 fee
	assert.True(t, st.Capital.Equal(d("999798.1")), "capital %s", st.Capital)
	assert.True(t, out.Trade.RealizedPnL.IsNegative())
}

func TestLossTripsBreaker(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("40")
	order, err := mock.SellMarket(ctx, btc, d("1000"))
	require.NoError(t, err)

	s := pendingOn(holding(strategy.StatusVanguardIn, "100", "1000"), order, strategy.OrderSellVanguard, now)
	out := newReconciler(mock).Reconcile(ctx, s, now, math.NaN())

	require.Equal(t, ActionSellSettled, out.Action)
	assert.True(t, out.Tripped)
	assert.False(t, out.State.TradingEnabled)
	assert.False(t, out.State.Halted, "breaker trips are daily, not a halt")
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("150")
	order, err := mock.SellMarket(ctx, btc, d("20"))
	require.NoError(t, err)

	r := newReconciler(mock)
	s := pendingOn(holding(strategy.StatusFullPosition, "100", "40"), order, strategy.OrderSellPartial, now)

	first := r.Reconcile(ctx, s, now, 140)
	require.Equal(t, ActionSellSettled, first.Action)

	second := r.Reconcile(ctx, first.State, now.Add(15*time.Minute), 145)
	assert.Equal(t, ActionNone, second.Action)
	assert.False(t, second.Changed)
	assert.Equal(t, first.State, second.State)
	assert.Nil(t, second.Trade)
}

// ===== TEST CASES: unfilled and open orders =====

func TestCanceledOrderReverts(t *testing.T) {
	tests := []struct {
		name      string
		start     strategy.AssetState
		orderType strategy.OrderType
		want      strategy.PositionStatus
	}{
		{"vanguard buy to NONE", flat(), strategy.OrderBuyVanguard, strategy.StatusNone},
		{"main force buy to VANGUARD_IN", holding(strategy.StatusVanguardIn, "100", "20"), strategy.OrderBuyMainForce, strategy.StatusVanguardIn},
		{"vanguard stop to VANGUARD_IN", holding(strategy.StatusVanguardIn, "100", "20"), strategy.OrderSellVanguard, strategy.StatusVanguardIn},
		{"final stop to FULL_POSITION", holding(strategy.StatusFullPosition, "100", "40"), strategy.OrderSellAllFinal, strategy.StatusFullPosition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mock := paperBroker("100")
			mock.HoldFills(true)
			order, err := mock.BuyMarket(ctx, btc, d("5000"))
			require.NoError(t, err)
			order.State = upbit.OrderStateCancel
			mock.SetOrder(order)

			s := pendingOn(tt.start, order, tt.orderType, now)
			out := newReconciler(mock).Reconcile(ctx, s, now, math.NaN())

			require.Equal(t, ActionReverted, out.Action)
			assert.Equal(t, tt.want, out.State.PositionStatus)
			assert.Nil(t, out.State.Pending)
			assert.True(t, out.State.Capital.Equal(d("1000000")))
			assert.True(t, out.State.TotalPositionSize.Equal(tt.start.TotalPositionSize))
		})
	}
}

func TestCanceledBuyWithFillsSettles(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("100")
	order, err := mock.BuyMarket(ctx, btc, d("2000"))
	require.NoError(t, err)
	order.State = upbit.OrderStateCancel
	mock.SetOrder(order)

	s := pendingOn(flat(), order, strategy.OrderBuyVanguard, now)
	out := newReconciler(mock).Reconcile(ctx, s, now, math.NaN())

	assert.Equal(t, ActionBuySettled, out.Action)
	assert.True(t, out.State.TotalPositionSize.Equal(d("20")))
}

func TestOpenOrderWarnsOnce(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("100")
	mock.HoldFills(true)
	order, err := mock.BuyMarket(ctx, btc, d("5000"))
	require.NoError(t, err)

	r := newReconciler(mock)
	s := pendingOn(flat(), order, strategy.OrderBuyVanguard, now)

	early := r.Reconcile(ctx, s, now.Add(2*time.Minute), math.NaN())
	assert.Equal(t, ActionStillPending, early.Action)
	assert.False(t, early.Changed)

	warned := r.Reconcile(ctx, s, now.Add(6*time.Minute), math.NaN())
	require.Equal(t, ActionWarned, warned.Action)
	assert.True(t, warned.Changed)
	assert.True(t, warned.State.Pending.WarningSent)
	assert.False(t, s.Pending.WarningSent, "input state must not be mutated")

	again := r.Reconcile(ctx, warned.State, now.Add(10*time.Minute), math.NaN())
	assert.Equal(t, ActionStillPending, again.Action)
	assert.Equal(t, strategy.StatusOrderPending, again.State.PositionStatus)
}

func TestOpenOrderCanceledAfterTimeout(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("100")
	mock.HoldFills(true)
	order, err := mock.BuyMarket(ctx, btc, d("5000"))
	require.NoError(t, err)

	s := pendingOn(flat(), order, strategy.OrderBuyVanguard, now)
	out := newReconciler(mock).Reconcile(ctx, s, now.Add(31*time.Minute), math.NaN())

	require.Equal(t, ActionReverted, out.Action)
	assert.Equal(t, strategy.StatusNone, out.State.PositionStatus)

	stored, err := mock.GetOrder(ctx, order.UUID)
	require.NoError(t, err)
	assert.Equal(t, upbit.OrderStateCancel, stored.State)
}

// ===== TEST CASES: failures =====

func TestQueryErrorKeepsPending(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("100")
	order, err := mock.BuyMarket(ctx, btc, d("2000"))
	require.NoError(t, err)
	mock.FailGetOrder(errors.New("connection reset by peer"))

	s := pendingOn(flat(), order, strategy.OrderBuyVanguard, now)
	out := newReconciler(mock).Reconcile(ctx, s, now.Add(time.Hour), math.NaN())

	assert.Equal(t, ActionQueryFailed, out.Action)
	assert.Error(t, out.Err)
	assert.False(t, out.Changed)
	assert.Equal(t, strategy.StatusOrderPending, out.State.PositionStatus)
	require.NotNil(t, out.State.Pending)
	assert.Equal(t, order.UUID, out.State.Pending.UUID)
}

func TestDoneWithoutFillDataHalts(t *testing.T) {
	ctx := context.Background()
	mock := paperBroker("100")
	mock.SetOrder(&upbit.Order{UUID: "lost-fill", Market: btc, State: upbit.OrderStateDone})

	s := pendingOn(flat(), &upbit.Order{UUID: "lost-fill"}, strategy.OrderBuyVanguard, now)
	out := newReconciler(mock).Reconcile(ctx, s, now, math.NaN())

	require.Equal(t, ActionHalted, out.Action)
	assert.True(t, out.Action.IsCritical())
	assert.ErrorIs(t, out.Err, ErrSettlementUnavailable)
	assert.True(t, out.State.Halted)
	assert.False(t, out.State.TradingEnabled)
	require.NotNil(t, out.State.Pending, "pending fields stay for manual review")

	// halted assets are left alone until resumed
	again := newReconciler(mock).Reconcile(ctx, out.State, now.Add(time.Hour), math.NaN())
	assert.Equal(t, ActionNone, again.Action)
}

func TestInconsistentPendingResets(t *testing.T) {
	s := holding(strategy.StatusFullPosition, "100", "40")
	s.PositionStatus = strategy.StatusOrderPending
	s.Pending = &strategy.PendingOrder{Type: strategy.OrderSellAllFinal}

	out := newReconciler(paperBroker("100")).Reconcile(context.Background(), s, now, math.NaN())

	require.Equal(t, ActionReset, out.Action)
	assert.True(t, IsLostOrder(out.Err))
	assert.Equal(t, strategy.StatusNone, out.State.PositionStatus)
	assert.Nil(t, out.State.Pending)
	assert.True(t, out.State.TradingEnabled)
	assert.True(t, out.State.Capital.Equal(d("1000000")))
}
