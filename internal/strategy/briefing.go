package strategy

import (
	"math"
	"time"
)

// AnalysisType tells the oracle what kind of decision a briefing is for
type AnalysisType string

const (
	AnalysisFullVerification AnalysisType = "full_verification"
	AnalysisQuickRecheck     AnalysisType = "quick_recheck"
	AnalysisMainForceTiming  AnalysisType = "main_force_timing_check"
	AnalysisTakeProfitTiming AnalysisType = "take_profit_timing_check"
)

// ConditionStatus is the outcome of one entry condition with the values it was judged on
type ConditionStatus struct {
	Passed bool    `json:"passed"`
	CCI    float64 `json:"cci"`
	WMA    float64 `json:"wma_cci"`
	// RecoveryStrength is CCI minus its WMA; only set for the mid condition
	RecoveryStrength float64 `json:"recovery_strength,omitempty"`
}

// TimeframeSnapshot is the momentum summary of one timeframe
type TimeframeSnapshot struct {
	RSI         float64 `json:"rsi"`
	VolumeRatio float64 `json:"volume_ratio"`
}

// Briefing is the structured snapshot handed to the decision oracle
type Briefing struct {
	AnalysisType         AnalysisType                 `json:"analysis_type"`
	Market               string                       `json:"market"`
	TriggerReason        string                       `json:"trigger_reason,omitempty"`
	CurrentPnLPercentage float64                      `json:"current_pnl_percentage,omitempty"`
	SlowCondition        *ConditionStatus             `json:"condition1_status,omitempty"`
	MidCondition         *ConditionStatus             `json:"condition2_status,omitempty"`
	Timeframes           map[string]TimeframeSnapshot `json:"timeframes"`
	CreatedAt            time.Time                    `json:"created_at"`
}

// Clone returns a deep copy
func (b Briefing) Clone() Briefing {
	c := b
	if b.SlowCondition != nil {
		s := *b.SlowCondition
		c.SlowCondition = &s
	}
	if b.MidCondition != nil {
		m := *b.MidCondition
		c.MidCondition = &m
	}
	if b.Timeframes != nil {
		c.Timeframes = make(map[string]TimeframeSnapshot, len(b.Timeframes))
		for k, v := range b.Timeframes {
			c.Timeframes[k] = v
		}
	}
	return c
}

// Timeframe returns the snapshot for a label (4h, 1h, 15m) with neutral defaults
func (b Briefing) Timeframe(label string) TimeframeSnapshot {
	if tf, ok := b.Timeframes[label]; ok {
		return tf
	}
	return TimeframeSnapshot{RSI: 50, VolumeRatio: 1}
}

func newBriefing(kind AnalysisType, mkt string, in Input) Briefing {
	b := Briefing{
		AnalysisType: kind,
		Market:       mkt,
		Timeframes:   make(map[string]TimeframeSnapshot, 3),
		CreatedAt:    in.Now,
	}
	for _, v := range []TimeframeView{in.Slow, in.Mid, in.Fast} {
		b.Timeframes[v.Label()] = v.Momentum()
	}
	return b
}

// Momentum summarises the last closed bar, neutral when not computable
func (v TimeframeView) Momentum() TimeframeSnapshot {
	snap := TimeframeSnapshot{RSI: 50, VolumeRatio: 1}
	if rsi := lastOf(v.RSI); !math.IsNaN(rsi) {
		snap.RSI = rsi
	}
	if v.VolumeRatio > 0 && !math.IsNaN(v.VolumeRatio) {
		snap.VolumeRatio = v.VolumeRatio
	}
	return snap
}
