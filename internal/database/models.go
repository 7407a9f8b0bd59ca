package database

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/settlement"
	"upbit-trading-bot/internal/strategy"
)

var (
	ErrStateNotFound   = errors.New("asset state not found")
	ErrDuplicateTrade  = errors.New("trade already logged for order")
	ErrStoreNotEnabled = errors.New("store not configured")
)

// Hold-reason categories, one history per market and category
const (
	CategoryEntry   = "entry"
	CategoryPyramid = "pyramid"
	CategoryExit    = "exit"
)

// CapitalSnapshot is one equity reading, appended once per cycle
type CapitalSnapshot struct {
	ID              int64           `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	TotalEquity     decimal.Decimal `json:"total_equity"`
	RealizedCapital decimal.Decimal `json:"realized_capital"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions   int             `json:"open_positions"`
}

// StateStore persists one AssetState per market
type StateStore interface {
	LoadState(ctx context.Context, market string) (strategy.AssetState, error)
	SaveState(ctx context.Context, state strategy.AssetState) error
	ListStates(ctx context.Context) ([]strategy.AssetState, error)
	// SaveSettlement writes the settled state and its trade-log entry in one
	// transaction. trade may be nil for buys.
	SaveSettlement(ctx context.Context, state strategy.AssetState, trade *settlement.TradeLogEntry) error
}

// TradeLog is the append-only exit history
type TradeLog interface {
	AppendTrade(ctx context.Context, trade *settlement.TradeLogEntry) error
	ListTrades(ctx context.Context, since time.Time, limit int) ([]settlement.TradeLogEntry, error)
}

// CapitalLog is the append-only equity curve
type CapitalLog interface {
	AppendCapital(ctx context.Context, snapshot *CapitalSnapshot) error
	ListCapital(ctx context.Context, since time.Time, limit int) ([]CapitalSnapshot, error)
}

// Store is everything the engine persists
type Store interface {
	StateStore
	TradeLog
	CapitalLog
}

// HoldReasonStore keeps the rationale of recent Hold verdicts so the oracle
// sees its own history for the same decision
type HoldReasonStore interface {
	AppendHoldReason(ctx context.Context, market, category, reason string) error
	HoldReasons(ctx context.Context, market, category string) ([]string, error)
	ClearHoldReasons(ctx context.Context, market, category string) error
}
