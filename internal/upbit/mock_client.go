package upbit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/market"
)

// MockClient is a paper broker. Market orders fill in full at the last known
// price. Quotes come from an optional upstream source (the live REST client in
// dry-run mode) or from prices and candles set directly by tests.
type MockClient struct {
	quotes market.Source

	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	candles  map[string]map[market.Timeframe][]market.Candle
	orders   map[string]*Order
	balances map[string]decimal.Decimal

	// Test hooks
	holdFills   bool
	orderErr    error
	getOrderErr error
	now         func() time.Time
}

// NewMockClient creates a paper broker. quotes may be nil.
func NewMockClient(quotes market.Source) *MockClient {
	return &MockClient{
		quotes:   quotes,
		prices:   make(map[string]decimal.Decimal),
		candles:  make(map[string]map[market.Timeframe][]market.Candle),
		orders:   make(map[string]*Order),
		balances: make(map[string]decimal.Decimal),
		now:      time.Now,
	}
}

// SetPrice sets the price used for quotes and fills
func (mc *MockClient) SetPrice(mkt string, price decimal.Decimal) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.prices[mkt] = price
}

// SetCandles sets the candle series served for a market and unit
func (mc *MockClient) SetCandles(mkt string, unit market.Timeframe, candles []market.Candle) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.candles[mkt] == nil {
		mc.candles[mkt] = make(map[market.Timeframe][]market.Candle)
	}
	mc.candles[mkt][unit] = candles
}

// SetBalance sets a currency balance
func (mc *MockClient) SetBalance(currency string, amount decimal.Decimal) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.balances[currency] = amount
}

// HoldFills leaves new orders in the wait state until SetOrder is called
func (mc *MockClient) HoldFills(hold bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.holdFills = hold
}

// FailOrders makes order placement return err (nil clears it)
func (mc *MockClient) FailOrders(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.orderErr = err
}

// FailGetOrder makes order queries return err (nil clears it)
func (mc *MockClient) FailGetOrder(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.getOrderErr = err
}

// SetOrder stores an order as the exchange view, replacing any existing one
func (mc *MockClient) SetOrder(order *Order) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.orders[order.UUID] = order
}

// GetCandles serves stored candles, falling back to the upstream source
func (mc *MockClient) GetCandles(ctx context.Context, mkt string, unit market.Timeframe, count int) ([]market.Candle, error) {
	mc.mu.RLock()
	series, ok := mc.candles[mkt][unit]
	mc.mu.RUnlock()
	if ok {
		if count > 0 && len(series) > count {
			series = series[len(series)-count:]
		}
		out := make([]market.Candle, len(series))
		copy(out, series)
		return out, nil
	}
	if mc.quotes != nil {
		return mc.quotes.GetCandles(ctx, mkt, unit, count)
	}
	return nil, fmt.Errorf("no candles for %s %s", mkt, unit)
}

// GetPrice serves the stored price, falling back to the upstream source
func (mc *MockClient) GetPrice(ctx context.Context, mkt string) (decimal.Decimal, error) {
	mc.mu.RLock()
	price, ok := mc.prices[mkt]
	mc.mu.RUnlock()
	if ok {
		return price, nil
	}
	if mc.quotes != nil {
		price, err := mc.quotes.GetPrice(ctx, mkt)
		if err != nil {
			return decimal.Zero, err
		}
		mc.SetPrice(mkt, price)
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("no price for %s", mkt)
}

// GetBalance returns the paper balance of a currency
func (mc *MockClient) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.balances[currency], nil
}

// BuyMarket spends krw at the current price
func (mc *MockClient) BuyMarket(ctx context.Context, mkt string, krw decimal.Decimal) (*Order, error) {
	price, err := mc.fillPrice(ctx, mkt)
	if err != nil {
		return nil, err
	}
	spend := krw.Floor()
	return mc.submit(mkt, SideBid, "price", spend, spend.Div(price), price)
}

// SellMarket sells volume at the current price
func (mc *MockClient) SellMarket(ctx context.Context, mkt string, volume decimal.Decimal) (*Order, error) {
	price, err := mc.fillPrice(ctx, mkt)
	if err != nil {
		return nil, err
	}
	return mc.submit(mkt, SideAsk, "market", decimal.Zero, volume, price)
}

// GetOrder returns the stored order
func (mc *MockClient) GetOrder(ctx context.Context, orderUUID string) (*Order, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if mc.getOrderErr != nil {
		return nil, mc.getOrderErr
	}
	order, ok := mc.orders[orderUUID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	cp.Trades = append([]Trade(nil), order.Trades...)
	return &cp, nil
}

// CancelOrder cancels a waiting order. Fills recorded so far are kept.
func (mc *MockClient) CancelOrder(ctx context.Context, orderUUID string) (*Order, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	order, ok := mc.orders[orderUUID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.State.IsTerminal() {
		return nil, &APIError{StatusCode: 400, Name: "order_not_waiting", Message: "order is not in a cancelable state"}
	}
	order.State = OrderStateCancel
	cp := *order
	cp.Trades = append([]Trade(nil), order.Trades...)
	return &cp, nil
}

func (mc *MockClient) fillPrice(ctx context.Context, mkt string) (decimal.Decimal, error) {
	mc.mu.RLock()
	err := mc.orderErr
	mc.mu.RUnlock()
	if err != nil {
		return decimal.Zero, err
	}

	price, err := mc.GetPrice(ctx, mkt)
	if err != nil {
		return decimal.Zero, fmt.Errorf("error pricing paper order: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid paper price %s for %s", price, mkt)
	}
	return price, nil
}

func (mc *MockClient) submit(mkt, side, ordType string, funds, volume, price decimal.Decimal) (*Order, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	order := &Order{
		UUID:      uuid.New().String(),
		Side:      side,
		OrdType:   ordType,
		Price:     funds,
		Market:    mkt,
		CreatedAt: now,
		Volume:    volume,
		State:     OrderStateWait,
	}

	if !mc.holdFills {
		order.State = OrderStateDone
		order.ExecutedVolume = volume
		order.TradesCount = 1
		order.Trades = []Trade{{
			UUID:      uuid.New().String(),
			Price:     price,
			Volume:    volume,
			Funds:     price.Mul(volume),
			CreatedAt: now,
		}}
	} else {
		order.RemainingVolume = volume
	}

	mc.orders[order.UUID] = order
	cp := *order
	cp.Trades = append([]Trade(nil), order.Trades...)
	return &cp, nil
}
