package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/ai/llm"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/settlement"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

const (
	btc = "KRW-BTC"
	eth = "KRW-ETH"
)

var kst = time.FixedZone("KST", 9*60*60)

func at(hour, minute int) time.Time {
	return time.Date(2025, 3, 10, hour, minute, 0, 0, kst)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeFetcher struct {
	snapshots map[string]*market.Snapshot
	failures  map[string]error
	calls     int
	fetched   []string
	priced    []string
}

func (f *fakeFetcher) FetchAll(ctx context.Context, markets []string) (map[string]*market.Snapshot, map[string]error) {
	f.calls++
	f.fetched = append(f.fetched, markets...)
	return f.pick(markets)
}

func (f *fakeFetcher) FetchPrices(ctx context.Context, markets []string) (map[string]*market.Snapshot, map[string]error) {
	f.priced = append(f.priced, markets...)
	snaps, failures := f.pick(markets)
	for m, s := range snaps {
		snaps[m] = &market.Snapshot{Market: m, Price: s.Price}
	}
	return snaps, failures
}

func (f *fakeFetcher) pick(markets []string) (map[string]*market.Snapshot, map[string]error) {
	snaps := make(map[string]*market.Snapshot)
	failures := make(map[string]error)
	for _, m := range markets {
		if s, ok := f.snapshots[m]; ok {
			snaps[m] = s
		}
		if err, ok := f.failures[m]; ok {
			failures[m] = err
		}
	}
	return snaps, failures
}

type testRig struct {
	engine  *Engine
	broker  *upbit.MockClient
	store   *database.MemoryStore
	holds   *database.RedisHoldReasonStore
	oracle  *llm.ScriptedOracle
	fetcher *fakeFetcher
}

func newRig(t *testing.T, minOrder string) *testRig {
	t.Helper()

	broker := upbit.NewMockClient(nil)
	broker.SetPrice(btc, d("100"))
	broker.SetPrice(eth, d("100"))

	store := database.NewMemoryStore()
	holds := database.NewRedisHoldReasonStore(nil, 0, logging.Nop())
	oracle := llm.NewScriptedOracle()
	fetcher := &fakeFetcher{snapshots: map[string]*market.Snapshot{}, failures: map[string]error{}}

	breaker := circuit.NewBreaker(circuit.Config{Enabled: true, LossLimit: d("-0.05"), Location: kst})
	recCfg := settlement.DefaultConfig()
	recCfg.FeeRate = d("0.0005")
	recCfg.Increments[btc] = d("0.00000001")
	recCfg.Increments[eth] = d("0.000001")

	sizing := risk.NewManager(risk.Limits{
		EntryMin:     d("0.1"),
		EntryMax:     d("0.5"),
		MainForceMin: d("0.5"),
		MainForceMax: d("1"),
		MinOrderKRW:  d(minOrder),
	})

	cfg := Config{
		Markets: []config.MarketConfig{
			{Market: btc, Allocation: d("0.6"), Precision: d("0.00000001")},
			{Market: eth, Allocation: d("0.4"), Precision: d("0.000001")},
		},
		Params:         strategy.DefaultParams(),
		Indicators:     strategy.DefaultIndicatorConfig(),
		Location:       kst,
		CycleInterval:  15 * time.Minute,
		OracleProvider: "scripted",
	}

	e := New(cfg, Dependencies{
		Fetcher:     fetcher,
		Broker:      broker,
		Store:       store,
		HoldReasons: holds,
		Oracle:      oracle,
		Risk:        sizing,
		Breaker:     breaker,
		Reconciler:  settlement.NewReconciler(broker, breaker, recCfg, logging.Nop()),
	}, logging.Nop())
	e.now = func() time.Time { return at(13, 5) }

	return &testRig{engine: e, broker: broker, store: store, holds: holds, oracle: oracle, fetcher: fetcher}
}

func (r *testRig) save(t *testing.T, s strategy.AssetState) {
	t.Helper()
	require.NoError(t, r.store.SaveState(context.Background(), s))
}

func (r *testRig) load(t *testing.T, m string) strategy.AssetState {
	t.Helper()
	s, err := r.store.LoadState(context.Background(), m)
	require.NoError(t, err)
	return s
}

func flatState(m, capital string) strategy.AssetState {
	return strategy.NewAssetState(m, d(capital), "2025-03-10")
}

func holdingState(m string, status strategy.PositionStatus, avg, size string) strategy.AssetState {
	s := flatState(m, "1000000")
	s.PositionStatus = status
	s.Task = strategy.TaskNone
	s.AvgEntryPrice = d(avg)
	s.TotalPositionSize = d(size)
	s.TradeCapital = d("1000000")
	return s
}

// entryInput passes the slow oversold and mid crossover checks at a 4h boundary
func entryInput() strategy.Input {
	return strategy.Input{
		Now:   at(13, 0),
		Price: d("100"),
		Slow:  strategy.TimeframeView{Timeframe: market.Minute240, CCI: []float64{-130, -120}, VolumeRatio: 1},
		Mid: strategy.TimeframeView{
			Timeframe:   market.Minute60,
			CCI:         []float64{-150, -120},
			CCIWMA:      []float64{-140, -135},
			VolumeRatio: 1,
		},
		Fast: strategy.TimeframeView{Timeframe: market.Minute15, VolumeRatio: 1},
	}
}

func buy(fraction string) llm.Verdict {
	return llm.Verdict{Decision: llm.DecisionBuy, Reason: "oversold bounce", Fraction: d(fraction)}
}

// ===== end to end entry =====

func TestVanguardEntryEndToEnd(t *testing.T) {
	rig := newRig(t, "1000")
	ctx := context.Background()
	start := flatState(btc, "10000")
	rig.save(t, start)

	result := strategy.Advance(start, entryInput(), strategy.DefaultParams())
	require.Equal(t, strategy.IntentEvaluateEntry, result.Intent)
	require.NoError(t, rig.store.SaveState(ctx, result.Next))

	rig.oracle.Push(buy("0.2"))

	var report AssetReport
	got, err := rig.engine.dispatch(ctx, result.Next, result, entryInput(), &report)
	require.NoError(t, err)

	assert.Equal(t, llm.DecisionBuy, report.Decision)
	assert.NotEmpty(t, report.OrderUUID)
	assert.Equal(t, settlement.ActionBuySettled, report.Reconciled)

	stored := rig.load(t, btc)
	for _, s := range []strategy.AssetState{got, stored} {
		assert.Equal(t, strategy.StatusVanguardIn, s.PositionStatus)
		assert.True(t, s.AvgEntryPrice.Equal(d("100")), "avg %s", s.AvgEntryPrice)
		assert.True(t, s.TotalPositionSize.Equal(d("20")), "size %s", s.TotalPositionSize)
		assert.True(t, s.TradeCapital.Equal(d("10000")), "trade capital %s", s.TradeCapital)
		assert.True(t, s.Capital.Equal(d("10000")), "capital is only moved by realized pnl")
		assert.Nil(t, s.Pending)
		assert.Equal(t, []string{"oversold bounce"}, s.EntryAIReasons)
	}

	reqs := rig.oracle.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, llm.CategoryEntry, reqs[0].Category)
	assert.Equal(t, strategy.AnalysisFullVerification, reqs[0].Briefing.AnalysisType)
}

func TestEntrySizing(t *testing.T) {
	tests := []struct {
		name      string
		fraction  string
		wantOrder bool
		wantKRW   string
	}{
		{"fraction 0.3 buys 300,000", "0.3", true, "300000"},
		{"fraction 0.05 is rejected", "0.05", false, ""},
		{"fraction 0.6 is rejected", "0.6", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newRig(t, "5000")
			rig.broker.HoldFills(true)
			ctx := context.Background()

			start := flatState(btc, "1000000")
			result := strategy.Advance(start, entryInput(), strategy.DefaultParams())
			require.Equal(t, strategy.IntentEvaluateEntry, result.Intent)
			rig.save(t, result.Next)
			rig.oracle.Push(buy(tt.fraction))

			var report AssetReport
			got, err := rig.engine.dispatch(ctx, result.Next, result, entryInput(), &report)
			require.NoError(t, err)

			if !tt.wantOrder {
				assert.Empty(t, report.OrderUUID)
				assert.Equal(t, strategy.StatusNone, got.PositionStatus)
				assert.Equal(t, strategy.StatusNone, rig.load(t, btc).PositionStatus)
				return
			}

			order, err := rig.broker.GetOrder(ctx, report.OrderUUID)
			require.NoError(t, err)
			assert.True(t, order.Price.Equal(d(tt.wantKRW)), "funds %s", order.Price)

			stored := rig.load(t, btc)
			assert.Equal(t, strategy.StatusOrderPending, stored.PositionStatus)
			require.NotNil(t, stored.Pending)
			assert.Equal(t, report.OrderUUID, stored.Pending.UUID)
			assert.Equal(t, strategy.OrderBuyVanguard, stored.Pending.Type)
			assert.True(t, stored.Pending.Requested.Equal(d(tt.wantKRW)))
			assert.True(t, stored.TradeCapital.Equal(d("1000000")))
		})
	}
}

// ===== oracle handling =====

func TestOracleErrorIsNoDecision(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()
	start := flatState(btc, "1000000")
	result := strategy.Advance(start, entryInput(), strategy.DefaultParams())
	rig.save(t, result.Next)
	rig.oracle.PushError(errors.New("timeout"))

	var report AssetReport
	got, err := rig.engine.dispatch(ctx, result.Next, result, entryInput(), &report)
	require.NoError(t, err)

	assert.Empty(t, report.Decision)
	assert.Empty(t, report.OrderUUID)
	assert.Equal(t, strategy.TaskAIConfirmMode, got.Task)

	reasons, err := rig.holds.HoldReasons(ctx, btc, database.CategoryEntry)
	require.NoError(t, err)
	assert.Empty(t, reasons, "an oracle failure must not be recorded as a hold")
}

func TestEntryHoldFeedsHistoryBack(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()
	start := flatState(btc, "1000000")
	result := strategy.Advance(start, entryInput(), strategy.DefaultParams())
	rig.save(t, result.Next)

	rig.oracle.Push(llm.Verdict{Decision: llm.DecisionHold, Reason: "volume too thin"})
	rig.oracle.Push(llm.Verdict{Decision: llm.DecisionHold, Reason: "RSI flat"})

	var report AssetReport
	_, err := rig.engine.dispatch(ctx, result.Next, result, entryInput(), &report)
	require.NoError(t, err)
	_, err = rig.engine.dispatch(ctx, result.Next, result, entryInput(), &report)
	require.NoError(t, err)

	reqs := rig.oracle.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].HoldReasons)
	assert.Equal(t, []string{"volume too thin"}, reqs[1].HoldReasons)

	reasons, err := rig.holds.HoldReasons(ctx, btc, database.CategoryEntry)
	require.NoError(t, err)
	assert.Equal(t, []string{"volume too thin", "RSI flat"}, reasons)
}

func TestPyramidHoldSchedulesRetry(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()

	s := holdingState(btc, strategy.StatusVanguardIn, "100", "2000")
	s.MainForceSignalActive = true
	rig.save(t, s)

	in := entryInput()
	in.Now = at(14, 0)
	result := strategy.Advance(s, in, strategy.DefaultParams())
	require.Equal(t, strategy.IntentEvaluatePyramid, result.Intent)
	require.NotNil(t, result.Next.LastBriefing)

	rig.oracle.Push(llm.Verdict{Decision: llm.DecisionHold, Reason: "wait for volume"})
	var report AssetReport
	got, err := rig.engine.dispatch(ctx, result.Next, result, in, &report)
	require.NoError(t, err)

	assert.Equal(t, strategy.TaskPyramidRetry, got.Task)
	assert.Equal(t, strategy.TaskPyramidRetry, rig.load(t, btc).Task)

	// off the hour the cached briefing is re-evaluated
	in.Now = at(14, 15)
	retry := strategy.Advance(got, in, strategy.DefaultParams())
	assert.Equal(t, strategy.IntentEvaluatePyramid, retry.Intent)
}

func TestInvalidMainForceFractionRetriesLikeHold(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()

	s := holdingState(btc, strategy.StatusVanguardIn, "100", "2000")
	s.MainForceSignalActive = true
	rig.save(t, s)

	in := entryInput()
	in.Now = at(14, 0)
	result := strategy.Advance(s, in, strategy.DefaultParams())
	require.Equal(t, strategy.IntentEvaluatePyramid, result.Intent)

	rig.oracle.Push(llm.Verdict{Decision: llm.DecisionMainForce, Reason: "half-hearted breakout", Fraction: d("0.3")})
	var report AssetReport
	got, err := rig.engine.dispatch(ctx, result.Next, result, in, &report)
	require.NoError(t, err)

	assert.Empty(t, report.OrderUUID)
	assert.Equal(t, strategy.StatusVanguardIn, got.PositionStatus)
	assert.Equal(t, strategy.TaskPyramidRetry, rig.load(t, btc).Task)

	reasons, err := rig.holds.HoldReasons(ctx, btc, database.CategoryPyramid)
	require.NoError(t, err)
	assert.Equal(t, []string{"half-hearted breakout"}, reasons)

	in.Now = at(14, 15)
	retry := strategy.Advance(got, in, strategy.DefaultParams())
	assert.Equal(t, strategy.IntentEvaluatePyramid, retry.Intent)
}

func TestMainForceSizedAgainstRemainingCapital(t *testing.T) {
	rig := newRig(t, "5000")
	rig.broker.HoldFills(true)
	ctx := context.Background()

	s := holdingState(btc, strategy.StatusVanguardIn, "100", "2000")
	s.MainForceSignalActive = true
	rig.save(t, s)

	in := entryInput()
	in.Now = at(14, 0)
	result := strategy.Advance(s, in, strategy.DefaultParams())
	require.Equal(t, strategy.IntentEvaluatePyramid, result.Intent)

	rig.oracle.Push(llm.Verdict{Decision: llm.DecisionMainForce, Reason: "trend confirmed", Fraction: d("0.5")})
	var report AssetReport
	_, err := rig.engine.dispatch(ctx, result.Next, result, in, &report)
	require.NoError(t, err)

	order, err := rig.broker.GetOrder(ctx, report.OrderUUID)
	require.NoError(t, err)
	// (1,000,000 - 100 x 2000) x 0.5
	assert.True(t, order.Price.Equal(d("400000")), "funds %s", order.Price)

	stored := rig.load(t, btc)
	require.NotNil(t, stored.Pending)
	assert.Equal(t, strategy.OrderBuyMainForce, stored.Pending.Type)
}

// ===== direct sells and trailing stop =====

func TestStopLossSellsAndSettles(t *testing.T) {
	rig := newRig(t, "5000")
	rig.broker.SetPrice(btc, d("90"))
	ctx := context.Background()

	s := holdingState(btc, strategy.StatusVanguardIn, "100", "20")
	rig.save(t, s)

	result := strategy.Result{
		Intent:  strategy.IntentSellStopLoss,
		Context: strategy.Context{Reason: "1h close below Bollinger lower", OrderType: strategy.OrderSellVanguard},
		Next:    s,
	}
	var report AssetReport
	got, err := rig.engine.dispatch(ctx, s, result, entryInput(), &report)
	require.NoError(t, err)

	assert.Equal(t, settlement.ActionSellSettled, report.Reconciled)
	assert.Equal(t, strategy.StatusNone, got.PositionStatus)
	assert.True(t, got.TotalPositionSize.IsZero())
	assert.True(t, got.Capital.LessThan(d("1000000")))
	assert.True(t, got.TodayPnL.IsNegative())

	trades, err := rig.store.ListTrades(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, string(strategy.OrderSellVanguard), trades[0].OrderType)
	assert.Equal(t, "1h close below Bollinger lower", trades[0].ExitReason)
}

func TestOrderFailureLeavesStateUntouched(t *testing.T) {
	rig := newRig(t, "5000")
	rig.broker.FailOrders(errors.New("insufficient funds"))
	ctx := context.Background()

	s := holdingState(btc, strategy.StatusFullPosition, "100", "20")
	rig.save(t, s)

	result := strategy.Result{
		Intent:  strategy.IntentSellFinalStop,
		Context: strategy.Context{Reason: "4h close below band", OrderType: strategy.OrderSellAllFinal},
		Next:    s,
	}
	var report AssetReport
	got, err := rig.engine.dispatch(ctx, s, result, entryInput(), &report)
	require.NoError(t, err)

	assert.Empty(t, report.OrderUUID)
	assert.Equal(t, strategy.StatusFullPosition, got.PositionStatus)
	assert.Equal(t, strategy.StatusFullPosition, rig.load(t, btc).PositionStatus)
}

func TestTrailingStopRatchet(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()

	s := holdingState(btc, strategy.StatusPartialExit, "100", "10")
	s.TrailingStopActive = true
	s.SupertrendStopPrice = d("90")
	rig.save(t, s)

	raise := strategy.Result{Intent: strategy.IntentUpdateTrailingStop, Context: strategy.Context{StopPrice: d("95")}, Next: s}
	var report AssetReport
	got, err := rig.engine.dispatch(ctx, s, raise, entryInput(), &report)
	require.NoError(t, err)
	assert.True(t, got.SupertrendStopPrice.Equal(d("95")))
	assert.True(t, rig.load(t, btc).SupertrendStopPrice.Equal(d("95")))

	lower := strategy.Result{Intent: strategy.IntentUpdateTrailingStop, Context: strategy.Context{StopPrice: d("93")}, Next: got}
	got, err = rig.engine.dispatch(ctx, got, lower, entryInput(), &report)
	require.NoError(t, err)
	assert.True(t, got.SupertrendStopPrice.Equal(d("95")), "stop never moves down")
}

// ===== cycle =====

func TestRunCycle(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()

	// BTC has a filled buy waiting for reconciliation but no market data this cycle
	pending := flatState(btc, "600000")
	pending.PositionStatus = strategy.StatusOrderPending
	pending.TradeCapital = d("600000")
	pending.Pending = &strategy.PendingOrder{
		UUID:        "order-1",
		Type:        strategy.OrderBuyVanguard,
		Fraction:    d("0.2"),
		Requested:   d("120000"),
		SubmittedAt: at(13, 0),
	}
	rig.save(t, pending)
	rig.broker.SetOrder(&upbit.Order{
		UUID:           "order-1",
		Side:           upbit.SideBid,
		Market:         btc,
		State:          upbit.OrderStateDone,
		ExecutedVolume: d("1200"),
		Trades:         []upbit.Trade{{Price: d("100"), Volume: d("1200")}},
	})
	rig.fetcher.failures[btc] = errors.New("timeout")

	// ETH is disabled by the breaker
	disabled := flatState(eth, "400000")
	disabled.TradingEnabled = false
	rig.save(t, disabled)
	rig.fetcher.snapshots[eth] = &market.Snapshot{Market: eth, Price: d("100")}

	report, err := rig.engine.RunCycle(ctx, at(13, 0))
	require.NoError(t, err)
	require.Len(t, report.Assets, 2)
	assert.Equal(t, 1, rig.fetcher.calls, "market data is fetched once per cycle")
	assert.Equal(t, []string{btc}, rig.fetcher.fetched, "disabled flat assets are not fetched")
	assert.Empty(t, rig.fetcher.priced)

	assert.Equal(t, btc, report.Assets[0].Market)
	assert.Equal(t, settlement.ActionBuySettled, report.Assets[0].Reconciled)
	assert.Equal(t, "market data missing", report.Assets[0].Skipped)
	assert.Equal(t, strategy.StatusVanguardIn, report.Assets[0].Status)

	assert.Equal(t, eth, report.Assets[1].Market)
	assert.Equal(t, "trading disabled", report.Assets[1].Skipped)
	assert.Empty(t, rig.oracle.Requests())

	assert.True(t, report.TotalEquity.Equal(d("1000000")), "equity %s", report.TotalEquity)
	assert.Equal(t, 1, report.OpenPositions)

	snaps, err := rig.store.ListCapital(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].TotalEquity.Equal(d("1000000")))

	assert.Equal(t, report.CycleTime, rig.engine.LastCycle().CycleTime)
}

func TestDisabledHolderIsOnlyPriced(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()

	rig.save(t, flatState(btc, "600000"))
	rig.fetcher.snapshots[btc] = &market.Snapshot{Market: btc, Price: d("100")}

	// breaker tripped while ETH still holds 1000 @ 100
	held := holdingState(eth, strategy.StatusVanguardIn, "100", "1000")
	held.Capital = d("400000")
	held.TradingEnabled = false
	rig.save(t, held)
	rig.fetcher.snapshots[eth] = &market.Snapshot{Market: eth, Price: d("110")}

	report, err := rig.engine.RunCycle(ctx, at(13, 15))
	require.NoError(t, err)

	assert.Equal(t, []string{btc}, rig.fetcher.fetched)
	assert.Equal(t, []string{eth}, rig.fetcher.priced)
	assert.Equal(t, "trading disabled", report.Assets[1].Skipped)

	// 600,000 + 400,000 + (110 - 100) x 1000
	assert.True(t, report.TotalEquity.Equal(d("1010000")), "equity %s", report.TotalEquity)
	assert.Equal(t, 1, report.OpenPositions)
}

func TestRunCycleRollsDay(t *testing.T) {
	rig := newRig(t, "5000")
	s := flatState(btc, "1000000")
	s.TodayDate = "2025-03-09"
	s.TodayPnL = d("-60000")
	s.TradingEnabled = false
	rig.save(t, s)
	rig.save(t, flatState(eth, "1000000"))

	_, err := rig.engine.RunCycle(context.Background(), at(13, 0))
	require.NoError(t, err)

	got := rig.load(t, btc)
	assert.Equal(t, "2025-03-10", got.TodayDate)
	assert.True(t, got.TodayPnL.IsZero())
	assert.True(t, got.TradingEnabled)
}

type panickingBroker struct {
	*upbit.MockClient
}

func (p panickingBroker) GetOrder(ctx context.Context, orderUUID string) (*upbit.Order, error) {
	panic("exchange client bug")
}

func TestAssetFaultIsIsolated(t *testing.T) {
	rig := newRig(t, "5000")
	breaker := circuit.NewBreaker(circuit.Config{Enabled: true, LossLimit: d("-0.05"), Location: kst})
	rig.engine.deps.Reconciler = settlement.NewReconciler(panickingBroker{rig.broker}, breaker, settlement.DefaultConfig(), logging.Nop())

	pending := flatState(btc, "600000")
	pending.PositionStatus = strategy.StatusOrderPending
	pending.Pending = &strategy.PendingOrder{UUID: "order-1", Type: strategy.OrderBuyVanguard, SubmittedAt: at(13, 0)}
	rig.save(t, pending)
	rig.save(t, flatState(eth, "400000"))
	rig.fetcher.snapshots[eth] = &market.Snapshot{Market: eth, Price: d("100")}

	report, err := rig.engine.RunCycle(context.Background(), at(13, 15))
	require.NoError(t, err)
	require.Len(t, report.Assets, 2)

	assert.Contains(t, report.Assets[0].Error, "panic")
	assert.Empty(t, report.Assets[1].Error)
	assert.Equal(t, strategy.StatusNone, report.Assets[1].Status)
}

func TestRunCycleAbortsBetweenAssets(t *testing.T) {
	rig := newRig(t, "5000")
	rig.save(t, flatState(btc, "600000"))
	rig.save(t, flatState(eth, "400000"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := rig.engine.RunCycle(ctx, at(13, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleAborted)
	assert.True(t, report.Aborted)
	assert.Empty(t, report.Assets)
}

// ===== bootstrap, equity, hold histories, resume =====

func TestBootstrapAllocatesCapital(t *testing.T) {
	rig := newRig(t, "5000")
	rig.broker.SetBalance("KRW", d("1000000"))

	existing := flatState(eth, "123456")
	rig.save(t, existing)

	require.NoError(t, rig.engine.Bootstrap(context.Background()))

	assert.True(t, rig.load(t, btc).Capital.Equal(d("600000")))
	assert.True(t, rig.load(t, eth).Capital.Equal(d("123456")), "existing state is kept")
	assert.Equal(t, "2025-03-10", rig.load(t, btc).TodayDate)
}

func TestEquity(t *testing.T) {
	a := holdingState(btc, strategy.StatusFullPosition, "100", "10")
	a.Capital = d("600000")
	b := flatState(eth, "400000")
	c := holdingState("KRW-XRP", strategy.StatusVanguardIn, "50", "100")
	c.Capital = d("100000")

	got := Equity([]strategy.AssetState{a, b, c}, map[string]*market.Snapshot{
		btc: {Market: btc, Price: d("110")},
	})

	assert.True(t, got.RealizedCapital.Equal(d("1100000")))
	assert.True(t, got.UnrealizedPnL.Equal(d("100")), "only priced positions are marked")
	assert.True(t, got.TotalEquity.Equal(d("1100100")))
	assert.Equal(t, 2, got.OpenPositions)
}

func TestStaleHoldReasonsCleared(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()
	for _, c := range []string{database.CategoryEntry, database.CategoryPyramid, database.CategoryExit} {
		require.NoError(t, rig.holds.AppendHoldReason(ctx, btc, c, "reason "+c))
	}

	rig.engine.clearStaleHoldReasons(ctx, holdingState(btc, strategy.StatusVanguardIn, "100", "20"))

	for c, want := range map[string]int{database.CategoryEntry: 0, database.CategoryPyramid: 1, database.CategoryExit: 0} {
		reasons, err := rig.holds.HoldReasons(ctx, btc, c)
		require.NoError(t, err)
		assert.Len(t, reasons, want, c)
	}
}

func TestResume(t *testing.T) {
	rig := newRig(t, "5000")
	ctx := context.Background()

	s := holdingState(btc, strategy.StatusOrderPending, "100", "20")
	s.Pending = &strategy.PendingOrder{UUID: "order-9", Type: strategy.OrderSellAllFinal}
	s.Halted = true
	s.TradingEnabled = false
	s.HaltReason = "order order-9 reported done with executed volume 0"
	rig.save(t, s)

	got, err := rig.engine.Resume(ctx, btc, false)
	require.NoError(t, err)
	assert.False(t, got.Halted)
	assert.True(t, got.TradingEnabled)
	assert.Empty(t, got.HaltReason)
	assert.Equal(t, strategy.StatusOrderPending, got.PositionStatus, "the order is reconciled again")

	got, err = rig.engine.Resume(ctx, btc, true)
	require.NoError(t, err)
	assert.Equal(t, strategy.StatusNone, got.PositionStatus)
	assert.Nil(t, got.Pending)
	assert.True(t, got.Capital.Equal(d("1000000")))
}
