// Package engine runs the trading cycle: it rolls daily risk state, fetches
// one market snapshot per asset, reconciles pending orders, advances each
// asset's state machine, executes the resulting intents and records equity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/ai/llm"
	"upbit-trading-bot/internal/analytics"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/metrics"
	"upbit-trading-bot/internal/notification"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/settlement"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

// ErrCycleAborted is returned when the context ends before every asset ran
var ErrCycleAborted = errors.New("cycle aborted")

// SnapshotFetcher fetches market data once per cycle. FetchPrices returns
// price-only snapshots for assets that are marked to market but not traded.
type SnapshotFetcher interface {
	FetchAll(ctx context.Context, markets []string) (map[string]*market.Snapshot, map[string]error)
	FetchPrices(ctx context.Context, markets []string) (map[string]*market.Snapshot, map[string]error)
}

var _ SnapshotFetcher = (*market.Fetcher)(nil)

// Config is the engine policy
type Config struct {
	Markets        []config.MarketConfig
	Params         strategy.Params
	Indicators     strategy.IndicatorConfig
	Location       *time.Location
	CycleInterval  time.Duration
	OracleProvider string
	DryRun         bool
}

// ConfigFromSettings builds the engine policy from the application config
func ConfigFromSettings(cfg *config.Config) Config {
	return Config{
		Markets:        cfg.TradingConfig.Markets,
		Params:         strategy.ParamsFromConfig(cfg.StrategyConfig),
		Indicators:     strategy.IndicatorConfigFromConfig(cfg.StrategyConfig),
		Location:       cfg.Location(),
		CycleInterval:  time.Duration(cfg.TradingConfig.CycleIntervalMinutes) * time.Minute,
		OracleProvider: cfg.AIConfig.LLMProvider,
		DryRun:         cfg.TradingConfig.DryRun,
	}
}

// Dependencies are the collaborators of the engine. Oracle, HoldReasons,
// Notifier, EventBus, Metrics and Mirror may be nil.
type Dependencies struct {
	Fetcher     SnapshotFetcher
	Broker      upbit.Brokerage
	Store       database.Store
	HoldReasons database.HoldReasonStore
	Oracle      llm.Oracle
	Risk        *risk.Manager
	Breaker     *circuit.Breaker
	Reconciler  *settlement.Reconciler
	Notifier    *notification.Manager
	EventBus    *events.EventBus
	Metrics     *metrics.Metrics
	Mirror      analytics.Mirror
}

// Engine is the cycle orchestrator. Assets are processed one at a time and
// no two flows ever touch the same asset concurrently.
type Engine struct {
	config Config
	deps   Dependencies
	logger zerolog.Logger
	now    func() time.Time

	// cycleMu serializes cycles between the scheduler and manual runs
	cycleMu sync.Mutex

	mu        sync.RWMutex
	lastCycle *CycleReport
}

// New creates an engine
func New(cfg Config, deps Dependencies, logger zerolog.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = circuit.DefaultConfig().Location
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 15 * time.Minute
	}
	if deps.HoldReasons == nil {
		deps.HoldReasons = database.NewRedisHoldReasonStore(nil, 0, logger)
	}
	if deps.Mirror == nil {
		deps.Mirror = analytics.NopMirror{}
	}

	e := &Engine{
		config: cfg,
		deps:   deps,
		logger: logger.With().Str("component", "engine").Logger(),
		now:    time.Now,
	}

	if deps.Breaker != nil {
		deps.Breaker.OnTrip(e.handleTrip)
	}
	return e
}

// AssetReport is what happened to one asset in a cycle
type AssetReport struct {
	Market     string                  `json:"market"`
	Status     strategy.PositionStatus `json:"status"`
	Reconciled settlement.Action       `json:"reconciled,omitempty"`
	Intent     strategy.Intent         `json:"intent,omitempty"`
	Decision   llm.Decision            `json:"decision,omitempty"`
	OrderUUID  string                  `json:"order_uuid,omitempty"`
	Skipped    string                  `json:"skipped,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// CycleReport summarizes one cycle
type CycleReport struct {
	CycleTime     time.Time       `json:"cycle_time"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Assets        []AssetReport   `json:"assets"`
	TotalEquity   decimal.Decimal `json:"total_equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions int             `json:"open_positions"`
	Aborted       bool            `json:"aborted"`
}

// LastCycle returns the report of the most recent cycle, nil before the first
func (e *Engine) LastCycle() *CycleReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastCycle == nil {
		return nil
	}
	r := *e.lastCycle
	r.Assets = append([]AssetReport(nil), e.lastCycle.Assets...)
	return &r
}

// Markets returns the configured markets in processing order
func (e *Engine) Markets() []string {
	names := make([]string, 0, len(e.config.Markets))
	for _, m := range e.config.Markets {
		names = append(names, m.Market)
	}
	return names
}

// Bootstrap makes sure every configured market has a persisted state. Missing
// states get capital = KRW balance x allocation, read from the exchange once.
func (e *Engine) Bootstrap(ctx context.Context) error {
	now := e.now()
	var balance *decimal.Decimal

	for _, m := range e.config.Markets {
		_, err := e.deps.Store.LoadState(ctx, m.Market)
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrStateNotFound) {
			return fmt.Errorf("failed to load state for %s: %w", m.Market, err)
		}

		if balance == nil {
			krw, err := e.deps.Broker.GetBalance(ctx, "KRW")
			e.deps.Metrics.RecordBrokerage("accounts", err)
			if err != nil {
				return fmt.Errorf("failed to read KRW balance: %w", err)
			}
			balance = &krw
		}

		capital := balance.Mul(m.Allocation).Floor()
		state := strategy.NewAssetState(m.Market, capital, e.deps.Breaker.Today(now))
		state.UpdatedAt = now
		if err := e.deps.Store.SaveState(ctx, state); err != nil {
			return fmt.Errorf("failed to save initial state for %s: %w", m.Market, err)
		}

		e.logger.Info().
			Str("market", m.Market).
			Str("allocation", m.Allocation.String()).
			Str("capital", capital.String()).
			Msg("Allocated capital to new market")
	}
	return nil
}

// RunCycle runs one full cycle for the scheduled tick cycleTime
func (e *Engine) RunCycle(ctx context.Context, cycleTime time.Time) (*CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	started := e.now()
	cycleTime = cycleTime.In(e.config.Location)
	ctx, log := logging.CycleContext(ctx, e.logger, cycleTime)
	report := &CycleReport{CycleTime: cycleTime, StartedAt: started}

	log.Info().Int("markets", len(e.config.Markets)).Msg("Cycle started")
	e.deps.EventBus.PublishCycle(events.EventCycleStarted, cycleTime, nil)

	states := e.rollDaily(ctx, log)

	markets := e.Markets()
	trade, mark := partitionMarkets(markets, states)
	snapshots, failures := e.deps.Fetcher.FetchAll(ctx, trade)
	if len(mark) > 0 {
		prices, priceFailures := e.deps.Fetcher.FetchPrices(ctx, mark)
		snapshots, failures = mergeFetch(snapshots, failures, prices, priceFailures)
	}
	for m, err := range failures {
		e.deps.Metrics.RecordSnapshotFailure(m)
		log.Warn().Err(err).Str("market", m).Msg("Market data missing for this cycle")
	}

	var cycleErr error
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			cycleErr = fmt.Errorf("%w: %v", ErrCycleAborted, err)
			log.Warn().Err(err).Str("next_market", m).Msg("Cycle aborted between assets")
			break
		}
		report.Assets = append(report.Assets, e.safeProcessAsset(ctx, m, snapshots[m], cycleTime))
	}

	e.recordEquity(ctx, snapshots, report, log)

	report.FinishedAt = e.now()
	e.mu.Lock()
	e.lastCycle = report
	e.mu.Unlock()

	e.deps.Metrics.RecordCycle(started, cycleErr)
	e.deps.EventBus.PublishCycle(events.EventCycleCompleted, cycleTime, map[string]interface{}{
		"total_equity":   report.TotalEquity.InexactFloat64(),
		"open_positions": report.OpenPositions,
		"aborted":        report.Aborted,
	})
	log.Info().
		Dur("duration", report.FinishedAt.Sub(started)).
		Str("total_equity", report.TotalEquity.StringFixed(0)).
		Int("open_positions", report.OpenPositions).
		Msg("Cycle completed")
	return report, cycleErr
}

// rollDaily resets daily bookkeeping for every asset whose day has advanced
// and returns the states it loaded
func (e *Engine) rollDaily(ctx context.Context, log zerolog.Logger) map[string]strategy.AssetState {
	now := e.now()
	states := make(map[string]strategy.AssetState, len(e.config.Markets))
	for _, m := range e.Markets() {
		state, err := e.deps.Store.LoadState(ctx, m)
		if err != nil {
			log.Error().Err(err).Str("market", m).Msg("Failed to load state for daily roll")
			continue
		}
		states[m] = state
		if !e.deps.Breaker.Roll(&state, now) {
			continue
		}
		states[m] = state
		state.UpdatedAt = now
		if err := e.deps.Store.SaveState(ctx, state); err != nil {
			log.Error().Err(err).Str("market", m).Msg("Failed to persist daily roll")
			continue
		}
		log.Info().
			Str("market", m).
			Str("today", state.TodayDate).
			Bool("trading_enabled", state.TradingEnabled).
			Msg("New trading day")
	}
	return states
}

// partitionMarkets splits markets into those that need a full snapshot and
// disabled or halted ones that only need a price to mark an open position.
// Pending assets always get a full snapshot for settlement. A market whose
// state could not be loaded is fetched in full.
func partitionMarkets(markets []string, states map[string]strategy.AssetState) (trade, mark []string) {
	for _, m := range markets {
		state, ok := states[m]
		switch {
		case !ok, state.IsActive(), state.PositionStatus == strategy.StatusOrderPending:
			trade = append(trade, m)
		case state.TotalPositionSize.IsPositive():
			mark = append(mark, m)
		}
	}
	return trade, mark
}

func mergeFetch(snaps map[string]*market.Snapshot, failures map[string]error, moreSnaps map[string]*market.Snapshot, moreFailures map[string]error) (map[string]*market.Snapshot, map[string]error) {
	outSnaps := make(map[string]*market.Snapshot, len(snaps)+len(moreSnaps))
	outFailures := make(map[string]error, len(failures)+len(moreFailures))
	for _, src := range []map[string]*market.Snapshot{snaps, moreSnaps} {
		for m, snap := range src {
			outSnaps[m] = snap
		}
	}
	for _, src := range []map[string]error{failures, moreFailures} {
		for m, err := range src {
			outFailures[m] = err
		}
	}
	return outSnaps, outFailures
}

// safeProcessAsset isolates one asset so a fault never stops the others
func (e *Engine) safeProcessAsset(ctx context.Context, m string, snap *market.Snapshot, cycleTime time.Time) (report AssetReport) {
	report.Market = m
	defer func() {
		if r := recover(); r != nil {
			report.Error = fmt.Sprintf("panic: %v", r)
			e.deps.Metrics.RecordAssetError(m, "panic")
			e.logger.Error().Str("market", m).Interface("panic", r).Msg("Recovered from panic while processing asset")
			e.deps.EventBus.PublishError("engine", m, "panic while processing asset", fmt.Errorf("%v", r))
		}
	}()

	if err := e.processAsset(ctx, m, snap, cycleTime, &report); err != nil {
		report.Error = err.Error()
		e.logger.Error().Err(err).Str("market", m).Msg("Asset processing failed")
		e.deps.EventBus.PublishError("engine", m, "asset processing failed", err)
	}
	return report
}

func (e *Engine) processAsset(ctx context.Context, m string, snap *market.Snapshot, cycleTime time.Time, report *AssetReport) error {
	state, err := e.deps.Store.LoadState(ctx, m)
	if err != nil {
		e.deps.Metrics.RecordAssetError(m, "load")
		return fmt.Errorf("failed to load state: %w", err)
	}
	log := logging.AssetContext(logging.FromContext(ctx), m, string(state.PositionStatus))
	ctx = logging.NewContext(ctx, log)

	line := math.NaN()
	if state.PositionStatus == strategy.StatusOrderPending {
		line = e.trailingLine(snap, cycleTime)
	}
	state, err = e.reconcile(ctx, state, line, report)
	if err != nil {
		return err
	}
	defer func() {
		report.Status = state.PositionStatus
		e.publishGauges(state)
	}()

	switch {
	case state.Halted:
		report.Skipped = "halted"
		return nil
	case !state.TradingEnabled:
		report.Skipped = "trading disabled"
		return nil
	case state.PositionStatus == strategy.StatusOrderPending:
		report.Skipped = "order pending"
		return nil
	case snap == nil || !snap.HasPrice():
		report.Skipped = "market data missing"
		return nil
	}

	e.deps.EventBus.PublishPriceUpdate(m, snap.Price.InexactFloat64())
	in := strategy.BuildInput(snap, cycleTime, e.config.Indicators)
	result := strategy.Advance(state, in, e.config.Params)
	report.Intent = result.Intent
	if result.Changed {
		if err := e.persist(ctx, result.Next); err != nil {
			return err
		}
		if result.Next.Task != state.Task {
			log.Info().
				Str("from_task", string(state.Task)).
				Str("to_task", string(result.Next.Task)).
				Msg("Task changed")
		}
	}
	state = result.Next

	state, err = e.dispatch(ctx, state, result, in, report)
	if err != nil {
		return err
	}

	e.clearStaleHoldReasons(ctx, state)
	return nil
}

// reconcile settles the asset's pending order and persists any change
func (e *Engine) reconcile(ctx context.Context, state strategy.AssetState, line float64, report *AssetReport) (strategy.AssetState, error) {
	out := e.deps.Reconciler.Reconcile(ctx, state, e.now(), line)
	if out.Action == settlement.ActionNone {
		return state, nil
	}
	report.Reconciled = out.Action
	e.deps.Metrics.RecordReconcile(state.Market, string(out.Action))
	if out.Action == settlement.ActionQueryFailed {
		e.deps.Metrics.RecordAssetError(state.Market, "reconcile")
	}

	if out.Changed {
		var err error
		if out.Action.IsSettled() {
			err = e.deps.Store.SaveSettlement(ctx, out.State, out.Trade)
		} else {
			err = e.deps.Store.SaveState(ctx, out.State)
		}
		if err != nil {
			e.deps.Metrics.RecordAssetError(state.Market, "persist")
			return state, fmt.Errorf("failed to persist reconciliation (%s): %w", out.Action, err)
		}
	}

	e.announceReconcile(ctx, state, out)
	if out.Trade != nil {
		if err := e.deps.Mirror.MirrorTrades(ctx, []settlement.TradeLogEntry{*out.Trade}); err != nil {
			log := logging.FromContext(ctx)
			log.Warn().Err(err).Msg("Failed to mirror trade")
		}
	}
	return out.State, nil
}

// persist writes the full asset state back to the store
func (e *Engine) persist(ctx context.Context, state strategy.AssetState) error {
	state.UpdatedAt = e.now()
	if err := e.deps.Store.SaveState(ctx, state); err != nil {
		e.deps.Metrics.RecordAssetError(state.Market, "persist")
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

// holdCategories lists the hold-reason history an asset may keep in its
// current status and task; every other history is stale
func holdCategories(state strategy.AssetState) map[llm.Category]bool {
	keep := map[llm.Category]bool{}
	switch state.PositionStatus {
	case strategy.StatusNone:
		if state.Task == strategy.TaskAIConfirmMode {
			keep[llm.CategoryEntry] = true
		}
	case strategy.StatusVanguardIn:
		keep[llm.CategoryPyramid] = true
	case strategy.StatusFullPosition, strategy.StatusPartialExit:
		keep[llm.CategoryExit] = true
	case strategy.StatusOrderPending:
		return nil
	}
	return keep
}

func (e *Engine) clearStaleHoldReasons(ctx context.Context, state strategy.AssetState) {
	keep := holdCategories(state)
	if keep == nil {
		return
	}
	for _, c := range []llm.Category{llm.CategoryEntry, llm.CategoryPyramid, llm.CategoryExit} {
		if keep[c] {
			continue
		}
		if err := e.deps.HoldReasons.ClearHoldReasons(ctx, state.Market, string(c)); err != nil {
			log := logging.FromContext(ctx)
			log.Warn().Err(err).Str("category", string(c)).Msg("Failed to clear hold reasons")
		}
	}
}

// recordEquity appends the cycle's capital snapshot
func (e *Engine) recordEquity(ctx context.Context, snapshots map[string]*market.Snapshot, report *CycleReport, log zerolog.Logger) {
	states, err := e.deps.Store.ListStates(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list states for equity")
		return
	}

	snapshot := Equity(states, snapshots)
	snapshot.Timestamp = report.CycleTime
	report.TotalEquity = snapshot.TotalEquity
	report.UnrealizedPnL = snapshot.UnrealizedPnL
	report.OpenPositions = snapshot.OpenPositions

	if err := e.deps.Store.AppendCapital(ctx, &snapshot); err != nil {
		log.Error().Err(err).Msg("Failed to append capital snapshot")
		return
	}
	if err := e.deps.Mirror.MirrorCapital(ctx, snapshot); err != nil {
		log.Warn().Err(err).Msg("Failed to mirror capital snapshot")
	}

	e.deps.Metrics.SetEquity(snapshot.TotalEquity.InexactFloat64())
	e.deps.EventBus.PublishEquity(snapshot.TotalEquity.InexactFloat64(), snapshot.UnrealizedPnL.InexactFloat64(), snapshot.OpenPositions)
}

// Equity sums realized capital across assets and marks open positions to the
// snapshot price. Positions without a price this cycle contribute no
// unrealized pnl.
func Equity(states []strategy.AssetState, snapshots map[string]*market.Snapshot) database.CapitalSnapshot {
	out := database.CapitalSnapshot{
		RealizedCapital: decimal.Zero,
		UnrealizedPnL:   decimal.Zero,
	}
	for _, s := range states {
		out.RealizedCapital = out.RealizedCapital.Add(s.Capital)
		if !s.TotalPositionSize.IsPositive() {
			continue
		}
		out.OpenPositions++
		if snap := snapshots[s.Market]; snap.HasPrice() {
			out.UnrealizedPnL = out.UnrealizedPnL.Add(s.UnrealizedPnL(snap.Price))
		}
	}
	out.TotalEquity = out.RealizedCapital.Add(out.UnrealizedPnL)
	return out
}

func (e *Engine) publishGauges(state strategy.AssetState) {
	e.deps.Metrics.SetAsset(metrics.AssetGauges{
		Market:         state.Market,
		Capital:        state.Capital.InexactFloat64(),
		TodayPnL:       state.TodayPnL.InexactFloat64(),
		TradingEnabled: state.IsActive(),
		Pending:        state.PositionStatus == strategy.StatusOrderPending,
		Status:         string(state.PositionStatus),
	})
}

// trailingLine is the SuperTrend long value of the last closed 60m bar
func (e *Engine) trailingLine(snap *market.Snapshot, cycleTime time.Time) float64 {
	if snap == nil {
		return math.NaN()
	}
	view := strategy.BuildView(market.Minute60, snap.Closed(market.Minute60, cycleTime), e.config.Indicators)
	return indicator.Last(view.SuperTrendLong)
}

func (e *Engine) handleTrip(ev circuit.TripEvent) {
	e.deps.Metrics.RecordTrip(ev.Market)
	e.deps.EventBus.PublishCircuitBreaker(ev.Market, ev.TodayPnL.InexactFloat64())
	e.deps.Notifier.NotifyCircuitTrip(context.Background(), ev.Market, ev.TodayPnL, ev.Limit)
	e.logger.Warn().
		Str("market", ev.Market).
		Str("today_pnl", ev.TodayPnL.StringFixed(0)).
		Str("limit", ev.Limit.StringFixed(0)).
		Msg(ev.Reason)
}

// Resume clears a manual-intervention halt. With flat set the position is
// also reset, for when the operator settled the order on the exchange by hand.
func (e *Engine) Resume(ctx context.Context, m string, flat bool) (strategy.AssetState, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	state, err := e.deps.Store.LoadState(ctx, m)
	if err != nil {
		return state, fmt.Errorf("failed to load state for %s: %w", m, err)
	}

	state.Halted = false
	state.HaltReason = ""
	state.TradingEnabled = true
	if flat {
		state.ResetPosition()
	}
	if err := e.persist(ctx, state); err != nil {
		return state, err
	}

	e.logger.Info().
		Str("market", m).
		Bool("flat", flat).
		Str("status", string(state.PositionStatus)).
		Msg("Asset resumed")
	e.deps.Notifier.NotifyInfo(ctx, "▶️ Trading resumed: "+m, fmt.Sprintf("Status: %s", state.PositionStatus))
	return state, nil
}
