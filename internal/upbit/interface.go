package upbit

import (
	"context"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/market"
)

// Brokerage is the order side of the exchange
type Brokerage interface {
	BuyMarket(ctx context.Context, mkt string, krw decimal.Decimal) (*Order, error)
	SellMarket(ctx context.Context, mkt string, volume decimal.Decimal) (*Order, error)
	GetOrder(ctx context.Context, orderUUID string) (*Order, error)
	CancelOrder(ctx context.Context, orderUUID string) (*Order, error)
	GetBalance(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Exchange combines quotation and brokerage operations
type Exchange interface {
	market.Source
	Brokerage
}

// Ensure both Client and MockClient implement Exchange
var _ Exchange = (*Client)(nil)
var _ Exchange = (*MockClient)(nil)
