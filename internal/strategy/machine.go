package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Intent is what the engine should do for an asset this cycle
type Intent string

const (
	IntentNone               Intent = "NONE"
	IntentEvaluateEntry      Intent = "EVALUATE_ENTRY"
	IntentEvaluatePyramid    Intent = "EVALUATE_PYRAMID"
	IntentEvaluateExit       Intent = "EVALUATE_EXIT"
	IntentSellStopLoss       Intent = "SELL_STOP_LOSS"
	IntentSellTrailingStop   Intent = "SELL_TRAILING_STOP"
	IntentSellFinalStop      Intent = "SELL_FINAL_STOP"
	IntentUpdateTrailingStop Intent = "UPDATE_TRAILING_STOP"
)

// IsEvaluate reports whether the intent needs an oracle verdict
func (i Intent) IsEvaluate() bool {
	return i == IntentEvaluateEntry || i == IntentEvaluatePyramid || i == IntentEvaluateExit
}

// IsSell reports whether the intent is an unconditional sell
func (i Intent) IsSell() bool {
	return i == IntentSellStopLoss || i == IntentSellTrailingStop || i == IntentSellFinalStop
}

// Context carries what the engine forwards to the oracle or order layer
type Context struct {
	Reason    string
	Briefing  *Briefing
	OrderType OrderType       // Set for sell intents
	StopPrice decimal.Decimal // Set for UPDATE_TRAILING_STOP
}

// Result of one Advance call. Next is the state with bookkeeping changes
// applied (task, latches, cached briefing); Changed reports whether Next
// differs from the input and must be persisted.
type Result struct {
	Intent  Intent
	Context Context
	Next    AssetState
	Changed bool
}

// Advance evaluates one asset for one cycle. It does not modify state.
func Advance(state AssetState, in Input, p Params) Result {
	r := Result{Intent: IntentNone, Next: state.Clone()}

	if !state.IsActive() || state.PositionStatus == StatusOrderPending {
		return r
	}

	m := &machine{r: &r, in: in, p: p}
	switch state.PositionStatus {
	case StatusNone:
		m.checkEntry()
	case StatusVanguardIn:
		m.checkPyramid()
	case StatusFullPosition, StatusPartialExit:
		m.checkExit()
	}
	return r
}

type machine struct {
	r  *Result
	in Input
	p  Params
}

func (m *machine) state() *AssetState {
	return &m.r.Next
}

func (m *machine) setTask(t Task) {
	if m.r.Next.Task != t {
		m.r.Next.Task = t
		m.r.Changed = true
	}
}

func (m *machine) emit(intent Intent, ctx Context) {
	m.r.Intent = intent
	m.r.Context = ctx
}

// ============================================================================
// ENTRY (status NONE)
// ============================================================================

func (m *machine) checkEntry() {
	now := m.in.Now
	slowTick := m.p.IsSlowBoundary(now)
	midTick := m.p.IsMidBoundary(now)

	switch m.state().Task {
	case TaskWaitingForMidSignal:
		if !midTick {
			return
		}
		slow, ok := m.slowOversold()
		if !ok {
			return
		}
		if !slow.Passed {
			m.setTask(TaskWaitingForSlowSignal)
			return
		}
		m.tryMidSignal(slow)

	case TaskAIConfirmMode:
		slow, slowOK := m.slowOversold()
		mid, midOK := m.midRecoveryHolds()
		if !slowOK || !midOK {
			return
		}
		if !slow.Passed || !mid.Passed {
			m.setTask(TaskWaitingForSlowSignal)
			return
		}
		kind := AnalysisQuickRecheck
		if midTick {
			kind = AnalysisFullVerification
		}
		m.emitEntry(kind, slow, mid)

	default:
		if m.state().Task != TaskWaitingForSlowSignal {
			m.setTask(TaskWaitingForSlowSignal)
		}
		if !slowTick {
			return
		}
		slow, ok := m.slowOversold()
		if !ok || !slow.Passed {
			return
		}
		m.setTask(TaskWaitingForMidSignal)
		m.tryMidSignal(slow)
	}
}

func (m *machine) tryMidSignal(slow ConditionStatus) {
	mid, ok := m.midCrossover()
	if !ok || !mid.Passed {
		return
	}
	m.setTask(TaskAIConfirmMode)
	m.emitEntry(AnalysisFullVerification, slow, mid)
}

func (m *machine) emitEntry(kind AnalysisType, slow, mid ConditionStatus) {
	b := newBriefing(kind, m.state().Market, m.in)
	if kind == AnalysisFullVerification {
		b.SlowCondition = &slow
		b.MidCondition = &mid
	}
	m.emit(IntentEvaluateEntry, Context{
		Reason:   fmt.Sprintf("4h CCI %.2f oversold, 1h CCI %.2f recovering above WMA %.2f", slow.CCI, mid.CCI, mid.WMA),
		Briefing: &b,
	})
}

// slowOversold: the last two closed slow CCI values are both below oversold.
// ok is false when there is not enough data to judge.
func (m *machine) slowOversold() (ConditionStatus, bool) {
	v := m.in.Slow
	prev, last := nthOf(v.CCI, 2), lastOf(v.CCI)
	if !valid(prev, last) {
		return ConditionStatus{}, false
	}
	wma := lastOf(v.CCIWMA)
	if !valid(wma) {
		wma = last
	}
	return ConditionStatus{
		Passed: prev < m.p.CCIOversold && last < m.p.CCIOversold,
		CCI:    last,
		WMA:    wma,
	}, true
}

// midCrossover: mid CCI crosses above its WMA from below oversold
func (m *machine) midCrossover() (ConditionStatus, bool) {
	v := m.in.Mid
	prevCCI, lastCCI := nthOf(v.CCI, 2), lastOf(v.CCI)
	prevWMA, lastWMA := nthOf(v.CCIWMA, 2), lastOf(v.CCIWMA)
	if !valid(prevCCI, lastCCI, prevWMA, lastWMA) {
		return ConditionStatus{}, false
	}
	os := m.p.CCIOversold
	return ConditionStatus{
		Passed:           prevCCI < os && prevWMA < os && prevCCI <= prevWMA && lastCCI > lastWMA,
		CCI:              lastCCI,
		WMA:              lastWMA,
		RecoveryStrength: lastCCI - lastWMA,
	}, true
}

// midRecoveryHolds: CCI still above its WMA and still below oversold
func (m *machine) midRecoveryHolds() (ConditionStatus, bool) {
	v := m.in.Mid
	lastCCI, lastWMA := lastOf(v.CCI), lastOf(v.CCIWMA)
	if !valid(lastCCI, lastWMA) {
		return ConditionStatus{}, false
	}
	return ConditionStatus{
		Passed:           lastCCI > lastWMA && lastCCI < m.p.CCIOversold,
		CCI:              lastCCI,
		WMA:              lastWMA,
		RecoveryStrength: lastCCI - lastWMA,
	}, true
}

// ============================================================================
// PYRAMID (status VANGUARD_IN)
// ============================================================================

func (m *machine) checkPyramid() {
	now := m.in.Now
	midTick := m.p.IsMidBoundary(now)
	s := m.state()

	if midTick {
		lastClose, lower := lastOf(m.in.Mid.Close), lastOf(m.in.Mid.BBLower)
		if valid(lastClose, lower) && lastClose < lower {
			m.emit(IntentSellStopLoss, Context{
				Reason:    fmt.Sprintf("1h close %.0f below Bollinger lower %.0f", lastClose, lower),
				OrderType: OrderSellVanguard,
			})
			return
		}
	}

	trigger := ""
	if m.p.IsSlowBoundary(now) {
		prev, last := nthOf(m.in.Slow.CCI, 2), lastOf(m.in.Slow.CCI)
		if valid(prev, last) {
			switch {
			case last > m.p.CCIOverbought:
				if s.MainForceSignalActive {
					s.MainForceSignalActive = false
					m.r.Changed = true
				}
			case prev < m.p.CCIOversold && last > m.p.CCIOversold:
				if !s.MainForceSignalActive {
					s.MainForceSignalActive = true
					m.r.Changed = true
				}
				trigger = fmt.Sprintf("4h CCI crossed above %.0f (%.2f -> %.2f)", m.p.CCIOversold, prev, last)
			}
		}
	}

	if !s.MainForceSignalActive {
		if s.Task == TaskPyramidRetry {
			m.setTask(TaskNone)
		}
		return
	}

	if midTick {
		if trigger == "" {
			trigger = "main force permission active since 4h CCI recovered above oversold"
		}
		b := newBriefing(AnalysisMainForceTiming, s.Market, m.in)
		b.TriggerReason = trigger
		s.LastBriefing = &b
		m.r.Changed = true

		cached := b.Clone()
		m.emit(IntentEvaluatePyramid, Context{Reason: trigger, Briefing: &cached})
		return
	}

	if s.Task == TaskPyramidRetry && s.LastBriefing != nil {
		cached := s.LastBriefing.Clone()
		m.emit(IntentEvaluatePyramid, Context{Reason: "re-evaluating after hold", Briefing: &cached})
	}
}

// ============================================================================
// EXIT (status FULL_POSITION / PARTIAL_EXIT)
// ============================================================================

func (m *machine) checkExit() {
	now := m.in.Now
	s := m.state()

	if m.p.IsSlowBoundary(now) {
		lastClose, lower := lastOf(m.in.Slow.Close), lastOf(m.in.Slow.BBLower)
		if valid(lastClose, lower) && lastClose < lower {
			m.emit(IntentSellFinalStop, Context{
				Reason:    fmt.Sprintf("4h close %.0f below Bollinger lower %.0f", lastClose, lower),
				OrderType: OrderSellAllFinal,
			})
			return
		}
	}

	if s.TrailingStopActive {
		m.checkTrailingStop()
		return
	}

	if !m.p.IsMidBoundary(now) {
		return
	}

	if !s.IsTakeProfitReady {
		if cci := lastOf(m.in.Slow.CCI); valid(cci) && cci > m.p.CCIOverbought {
			s.IsTakeProfitReady = true
			m.r.Changed = true
		}
	}
	if !s.IsTakeProfitReady {
		return
	}

	v := m.in.Mid
	prevCCI, lastCCI := nthOf(v.CCI, 2), lastOf(v.CCI)
	prevWMA, lastWMA := nthOf(v.CCIWMA, 2), lastOf(v.CCIWMA)
	if !valid(prevCCI, lastCCI, prevWMA, lastWMA) {
		return
	}
	if prevCCI >= prevWMA && lastCCI < lastWMA {
		trigger := fmt.Sprintf("4h CCI overbought confirmed, 1h CCI %.2f crossed below WMA %.2f", lastCCI, lastWMA)
		b := newBriefing(AnalysisTakeProfitTiming, s.Market, m.in)
		b.TriggerReason = trigger
		b.CurrentPnLPercentage = pnlPercent(s.AvgEntryPrice, m.in.Price)
		m.emit(IntentEvaluateExit, Context{Reason: trigger, Briefing: &b})
	}
}

func (m *machine) checkTrailingStop() {
	s := m.state()
	stop := s.SupertrendStopPrice

	if stop.IsPositive() && m.in.Price.IsPositive() && m.in.Price.LessThan(stop) {
		m.emit(IntentSellTrailingStop, Context{
			Reason:    fmt.Sprintf("SuperTrend stop hit (%s < %s)", m.in.Price.StringFixed(0), stop.StringFixed(0)),
			OrderType: OrderSellRemainder,
		})
		return
	}

	line := lastOf(m.in.Mid.SuperTrendLong)
	if !valid(line) {
		return
	}
	candidate := decimal.NewFromFloat(line)
	if candidate.GreaterThan(stop) {
		m.emit(IntentUpdateTrailingStop, Context{
			Reason:    fmt.Sprintf("SuperTrend stop raised %s -> %s", stop.StringFixed(0), candidate.StringFixed(0)),
			StopPrice: candidate,
		})
	}
}

func pnlPercent(avg, price decimal.Decimal) float64 {
	if !avg.IsPositive() || !price.IsPositive() {
		return 0
	}
	f, _ := price.Div(avg).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Float64()
	return f
}
