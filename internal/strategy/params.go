package strategy

import (
	"time"

	"upbit-trading-bot/config"
)

// DefaultSlowBoundaryHours are the Asia/Seoul hours at which a 240m candle closes
var DefaultSlowBoundaryHours = []int{1, 5, 9, 13, 17, 21}

// Params are the policy thresholds of the state machine
type Params struct {
	CCIOversold       float64
	CCIOverbought     float64
	SlowBoundaryHours []int
}

// DefaultParams returns the production thresholds
func DefaultParams() Params {
	return Params{
		CCIOversold:       -100,
		CCIOverbought:     100,
		SlowBoundaryHours: DefaultSlowBoundaryHours,
	}
}

// ParamsFromConfig builds Params from the strategy section
func ParamsFromConfig(cfg config.StrategyConfig) Params {
	p := DefaultParams()
	if cfg.CCIOversold != 0 {
		p.CCIOversold = cfg.CCIOversold
	}
	if cfg.CCIOverbought != 0 {
		p.CCIOverbought = cfg.CCIOverbought
	}
	return p
}

// IsSlowBoundary reports whether t is the first tick after a 240m close
func (p Params) IsSlowBoundary(t time.Time) bool {
	if t.Minute() != 0 {
		return false
	}
	for _, h := range p.SlowBoundaryHours {
		if t.Hour() == h {
			return true
		}
	}
	return false
}

// IsMidBoundary reports whether t is the first tick after a 60m close
func (p Params) IsMidBoundary(t time.Time) bool {
	return t.Minute() == 0
}
