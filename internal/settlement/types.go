// Package settlement reconciles in-flight orders against the exchange and
// turns fills into position, capital and trade-log updates.
package settlement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/strategy"
)

var (
	// ErrInconsistentPending means the asset is marked pending but its order
	// bookkeeping cannot identify an order. The order is considered lost.
	ErrInconsistentPending = errors.New("pending order bookkeeping is inconsistent")
	// ErrSettlementUnavailable means the exchange reported a fill without usable fill data
	ErrSettlementUnavailable = errors.New("order settled without usable fill data")
)

// Action is what reconciliation did with the pending order
type Action string

const (
	ActionNone         Action = "none"          // asset was not pending
	ActionStillPending Action = "still_pending" // order is open, nothing to do
	ActionWarned       Action = "warned"        // open past the warning threshold, first time
	ActionQueryFailed  Action = "query_failed"  // transient exchange error, retried next cycle
	ActionBuySettled   Action = "buy_settled"
	ActionSellSettled  Action = "sell_settled"
	ActionReverted     Action = "reverted" // canceled or rejected without fills
	ActionHalted       Action = "halted"   // settlement inconsistency, manual intervention needed
	ActionReset        Action = "reset"    // lost order, state reset to flat
)

// IsSettled reports whether a fill was applied to the position
func (a Action) IsSettled() bool {
	return a == ActionBuySettled || a == ActionSellSettled
}

// IsCritical reports whether the outcome needs an operator's attention
func (a Action) IsCritical() bool {
	return a == ActionHalted || a == ActionReset
}

// Fill is the aggregated execution of one order
type Fill struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Outcome is the result of one reconciliation pass. State is the full
// record to persist when Changed is set; pending fields are already cleared
// on settlement so the write is the commit point.
type Outcome struct {
	Action  Action
	State   strategy.AssetState
	Changed bool

	Order   strategy.OrderType
	Fill    *Fill
	PnL     *PnL
	Trade   *TradeLogEntry
	Tripped bool

	Message string
	Err     error
}

// TradeLogEntry is an append-only record of a full or partial exit
type TradeLogEntry struct {
	ID          int64           `json:"id"`
	Market      string          `json:"market"`
	OrderUUID   string          `json:"order_uuid"`
	OrderType   string          `json:"order_type"`
	EntryTime   time.Time       `json:"entry_time"`
	ExitTime    time.Time       `json:"exit_time"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	PnLPercent  decimal.Decimal `json:"pnl_percent"`
	Fee         decimal.Decimal `json:"fee"`
	ExitReason  string          `json:"exit_reason"`
	Rationale   string          `json:"rationale"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IsWin reports whether the trade realized a gain
func (e TradeLogEntry) IsWin() bool {
	return e.RealizedPnL.IsPositive()
}
