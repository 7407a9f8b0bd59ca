package upbit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state Upbit reports for an order
type OrderState string

const (
	OrderStateWait   OrderState = "wait"
	OrderStateWatch  OrderState = "watch"
	OrderStateDone   OrderState = "done"
	OrderStateCancel OrderState = "cancel"
	// OrderStateReject is never sent by Upbit itself; the client maps a
	// rejected submission onto it so callers handle both the same way.
	OrderStateReject OrderState = "reject"
)

// IsTerminal reports whether the order can no longer change
func (s OrderState) IsTerminal() bool {
	return s == OrderStateDone || s == OrderStateCancel || s == OrderStateReject
}

// Side of an order
const (
	SideBid = "bid"
	SideAsk = "ask"
)

// Trade is a single fill of an order
type Trade struct {
	UUID      string          `json:"uuid"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Funds     decimal.Decimal `json:"funds"`
	CreatedAt time.Time       `json:"created_at"`
}

// Order is the exchange view of an order
type Order struct {
	UUID            string          `json:"uuid"`
	Side            string          `json:"side"`
	OrdType         string          `json:"ord_type"`
	Price           decimal.Decimal `json:"price"`
	State           OrderState      `json:"state"`
	Market          string          `json:"market"`
	CreatedAt       time.Time       `json:"created_at"`
	Volume          decimal.Decimal `json:"volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
	PaidFee         decimal.Decimal `json:"paid_fee"`
	TradesCount     int             `json:"trades_count"`
	Trades          []Trade         `json:"trades"`
}

// AveragePrice is the volume-weighted fill price, zero when nothing was filled
func (o *Order) AveragePrice() decimal.Decimal {
	if o == nil || !o.ExecutedVolume.IsPositive() {
		return decimal.Zero
	}
	cost := decimal.Zero
	for _, t := range o.Trades {
		cost = cost.Add(t.Price.Mul(t.Volume))
	}
	if cost.IsZero() {
		return decimal.Zero
	}
	return cost.Div(o.ExecutedVolume)
}

// Account is one currency balance
type Account struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Locked       decimal.Decimal `json:"locked"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	UnitCurrency string          `json:"unit_currency"`
}

type candleResponse struct {
	Market               string  `json:"market"`
	CandleDateTimeUTC    string  `json:"candle_date_time_utc"`
	OpeningPrice         float64 `json:"opening_price"`
	HighPrice            float64 `json:"high_price"`
	LowPrice             float64 `json:"low_price"`
	TradePrice           float64 `json:"trade_price"`
	CandleAccTradeVolume float64 `json:"candle_acc_trade_volume"`
	Unit                 int     `json:"unit"`
}

type tickerResponse struct {
	Market     string          `json:"market"`
	TradePrice decimal.Decimal `json:"trade_price"`
}

// APIError is an error body returned by Upbit
type APIError struct {
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upbit API error (%d) %s: %s", e.StatusCode, e.Name, e.Message)
}
