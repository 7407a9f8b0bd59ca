// Package strategy implements the per-asset trading state machine.
//
// Advance is a pure function of the persisted AssetState and the indicator
// view of one cycle's market snapshot. It never performs I/O; the engine
// applies the returned intent and persists Result.Next.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus governs which check routine runs for an asset
type PositionStatus string

const (
	StatusNone         PositionStatus = "NONE"
	StatusVanguardIn   PositionStatus = "VANGUARD_IN"
	StatusFullPosition PositionStatus = "FULL_POSITION"
	StatusPartialExit  PositionStatus = "PARTIAL_EXIT"
	StatusOrderPending PositionStatus = "ORDER_PENDING"
)

// IsHolding reports whether the status carries an open position
func (s PositionStatus) IsHolding() bool {
	return s == StatusVanguardIn || s == StatusFullPosition || s == StatusPartialExit
}

// Task is the entry sub-state while flat, or the pyramid retry marker while VANGUARD_IN
type Task string

const (
	TaskNone                 Task = ""
	TaskWaitingForSlowSignal Task = "WAITING_FOR_SLOW_SIGNAL"
	TaskWaitingForMidSignal  Task = "WAITING_FOR_MID_SIGNAL"
	TaskAIConfirmMode        Task = "AI_CONFIRM_MODE"
	TaskPyramidRetry         Task = "PYRAMID_RETRY"
)

// OrderType identifies what a pending order was submitted for
type OrderType string

const (
	OrderBuyVanguard   OrderType = "BUY_VANGUARD"
	OrderBuyMainForce  OrderType = "BUY_MAIN_FORCE"
	OrderSellVanguard  OrderType = "SELL_VANGUARD"
	OrderSellPartial   OrderType = "SELL_PARTIAL"
	OrderSellRemainder OrderType = "SELL_REMAINDER"
	OrderSellAllFinal  OrderType = "SELL_ALL_FINAL"
)

// Valid reports whether t is a known order type
func (t OrderType) Valid() bool {
	switch t {
	case OrderBuyVanguard, OrderBuyMainForce, OrderSellVanguard, OrderSellPartial, OrderSellRemainder, OrderSellAllFinal:
		return true
	}
	return false
}

// IsBuy reports whether the order adds to the position
func (t OrderType) IsBuy() bool {
	return t == OrderBuyVanguard || t == OrderBuyMainForce
}

// PendingOrder is an order awaiting settlement. Its presence on AssetState
// is the single source of truth for "there is an in-flight order".
type PendingOrder struct {
	UUID        string          `json:"uuid"`
	Type        OrderType       `json:"type"`
	Reason      string          `json:"reason,omitempty"`
	Fraction    decimal.Decimal `json:"fraction"`
	Requested   decimal.Decimal `json:"requested"` // KRW for buys, volume for sells
	SubmittedAt time.Time       `json:"submitted_at"`
	WarningSent bool            `json:"warning_sent"`
}

// AssetState is the persisted record of one traded market
type AssetState struct {
	Market         string          `json:"market"`
	Capital        decimal.Decimal `json:"capital"`
	PositionStatus PositionStatus  `json:"position_status"`
	Task           Task            `json:"task"`

	AvgEntryPrice     decimal.Decimal `json:"avg_entry_price"`
	TotalPositionSize decimal.Decimal `json:"total_position_size"`
	TradeCapital      decimal.Decimal `json:"trade_capital"`

	MainForceSignalActive bool            `json:"main_force_signal_active"`
	TrailingStopActive    bool            `json:"trailing_stop_active"`
	SupertrendStopPrice   decimal.Decimal `json:"supertrend_stop_price"`
	IsTakeProfitReady     bool            `json:"is_take_profit_ready"`

	Pending *PendingOrder `json:"pending_order,omitempty"`

	TodayDate      string          `json:"today_date"`
	TodayPnL       decimal.Decimal `json:"today_pnl"`
	TradingEnabled bool            `json:"trading_enabled"`
	Halted         bool            `json:"halted"`
	HaltReason     string          `json:"halt_reason,omitempty"`

	EntryDate          *time.Time `json:"entry_date,omitempty"`
	MainForceEntryDate *time.Time `json:"main_force_entry_date,omitempty"`
	EntryAIReasons     []string   `json:"entry_ai_reasons,omitempty"`
	LastBriefing       *Briefing  `json:"last_briefing,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewAssetState returns a flat record with the given starting capital
func NewAssetState(market string, capital decimal.Decimal, today string) AssetState {
	s := AssetState{
		Market:         market,
		Capital:        capital,
		TodayDate:      today,
		TodayPnL:       decimal.Zero,
		TradingEnabled: true,
	}
	s.ResetPosition()
	return s
}

// ResetPosition returns the record to the flat baseline. Capital, daily
// bookkeeping and the halt latch are kept.
func (s *AssetState) ResetPosition() {
	s.PositionStatus = StatusNone
	s.Task = TaskWaitingForSlowSignal
	s.AvgEntryPrice = decimal.Zero
	s.TotalPositionSize = decimal.Zero
	s.TradeCapital = decimal.Zero
	s.MainForceSignalActive = false
	s.TrailingStopActive = false
	s.SupertrendStopPrice = decimal.Zero
	s.IsTakeProfitReady = false
	s.Pending = nil
	s.EntryDate = nil
	s.MainForceEntryDate = nil
	s.EntryAIReasons = nil
	s.LastBriefing = nil
}

// HoldingStatus is the status a holding position returns to after a failed sell
func (s AssetState) HoldingStatus() PositionStatus {
	if s.TrailingStopActive {
		return StatusPartialExit
	}
	return StatusFullPosition
}

// IsActive reports whether the asset may be evaluated this cycle
func (s AssetState) IsActive() bool {
	return s.TradingEnabled && !s.Halted
}

// UnrealizedPnL marks the open position to price
func (s AssetState) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if !s.TotalPositionSize.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(s.AvgEntryPrice).Mul(s.TotalPositionSize)
}

// Clone returns a deep copy
func (s AssetState) Clone() AssetState {
	c := s
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	if s.EntryDate != nil {
		t := *s.EntryDate
		c.EntryDate = &t
	}
	if s.MainForceEntryDate != nil {
		t := *s.MainForceEntryDate
		c.MainForceEntryDate = &t
	}
	if s.EntryAIReasons != nil {
		c.EntryAIReasons = append([]string(nil), s.EntryAIReasons...)
	}
	if s.LastBriefing != nil {
		b := s.LastBriefing.Clone()
		c.LastBriefing = &b
	}
	return c
}
