package upbit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"upbit-trading-bot/internal/market"
)

// ErrOrderNotFound is returned when the exchange does not know the order uuid
var ErrOrderNotFound = errors.New("order not found")

// Client is the Upbit REST API client for quotation and exchange endpoints
type Client struct {
	accessKey  string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	// Upbit throttles quotation and exchange endpoints separately
	quotationLimiter *rate.Limiter
	exchangeLimiter  *rate.Limiter
}

// NewClient creates a new Upbit client
func NewClient(accessKey, secretKey, baseURL string, requestsPerSecond float64) *Client {
	if baseURL == "" {
		baseURL = "https://api.upbit.com"
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 8
	}
	return &Client{
		accessKey:        accessKey,
		secretKey:        secretKey,
		baseURL:          baseURL,
		httpClient:       &http.Client{Timeout: 10 * time.Second},
		quotationLimiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		exchangeLimiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// GetCandles fetches minute candles, returned oldest first with the in-progress bar last
func (c *Client) GetCandles(ctx context.Context, mkt string, unit market.Timeframe, count int) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("market", mkt)
	params.Set("count", strconv.Itoa(count))

	var raw []candleResponse
	path := fmt.Sprintf("/v1/candles/minutes/%d", int(unit))
	if err := c.do(ctx, http.MethodGet, path, params, false, c.quotationLimiter, &raw); err != nil {
		return nil, fmt.Errorf("error fetching candles: %w", err)
	}

	candles := make([]market.Candle, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		r := raw[i]
		openTime, err := time.Parse("2006-01-02T15:04:05", r.CandleDateTimeUTC)
		if err != nil {
			return nil, fmt.Errorf("error parsing candle time %q: %w", r.CandleDateTimeUTC, err)
		}
		candles = append(candles, market.Candle{
			OpenTime: openTime.UTC(),
			Open:     r.OpeningPrice,
			High:     r.HighPrice,
			Low:      r.LowPrice,
			Close:    r.TradePrice,
			Volume:   r.CandleAccTradeVolume,
		})
	}

	return candles, nil
}

// GetPrice fetches the last trade price of a market
func (c *Client) GetPrice(ctx context.Context, mkt string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("markets", mkt)

	var tickers []tickerResponse
	if err := c.do(ctx, http.MethodGet, "/v1/ticker", params, false, c.quotationLimiter, &tickers); err != nil {
		return decimal.Zero, fmt.Errorf("error fetching ticker: %w", err)
	}
	if len(tickers) == 0 {
		return decimal.Zero, fmt.Errorf("no ticker returned for %s", mkt)
	}

	return tickers[0].TradePrice, nil
}

// GetBalance returns the free balance of a currency (KRW, BTC, ...)
func (c *Client) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	var accounts []Account
	if err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, true, c.exchangeLimiter, &accounts); err != nil {
		return decimal.Zero, fmt.Errorf("error fetching accounts: %w", err)
	}

	for _, a := range accounts {
		if a.Currency == currency {
			return a.Balance, nil
		}
	}
	return decimal.Zero, nil
}

// BuyMarket places a market buy spending krw
func (c *Client) BuyMarket(ctx context.Context, mkt string, krw decimal.Decimal) (*Order, error) {
	params := url.Values{}
	params.Set("market", mkt)
	params.Set("side", SideBid)
	params.Set("ord_type", "price")
	params.Set("price", krw.Floor().String())
	params.Set("identifier", uuid.New().String())

	return c.placeOrder(ctx, params)
}

// SellMarket places a market sell of volume units
func (c *Client) SellMarket(ctx context.Context, mkt string, volume decimal.Decimal) (*Order, error) {
	params := url.Values{}
	params.Set("market", mkt)
	params.Set("side", SideAsk)
	params.Set("ord_type", "market")
	params.Set("volume", volume.String())
	params.Set("identifier", uuid.New().String())

	return c.placeOrder(ctx, params)
}

func (c *Client) placeOrder(ctx context.Context, params url.Values) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "/v1/orders", params, true, c.exchangeLimiter, &order); err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	if order.UUID == "" {
		return nil, errors.New("order response has no uuid")
	}
	return &order, nil
}

// GetOrder fetches an order with its trades
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*Order, error) {
	params := url.Values{}
	params.Set("uuid", orderUUID)

	var order Order
	if err := c.do(ctx, http.MethodGet, "/v1/order", params, true, c.exchangeLimiter, &order); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Name == "order_not_found" {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("error fetching order: %w", err)
	}
	return &order, nil
}

// CancelOrder cancels an open order
func (c *Client) CancelOrder(ctx context.Context, orderUUID string) (*Order, error) {
	params := url.Values{}
	params.Set("uuid", orderUUID)

	var order Order
	if err := c.do(ctx, http.MethodDelete, "/v1/order", params, true, c.exchangeLimiter, &order); err != nil {
		return nil, fmt.Errorf("error canceling order: %w", err)
	}
	return &order, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, limiter *rate.Limiter, out interface{}) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodPost {
		payload := make(map[string]string, len(params))
		for k := range params {
			payload[k] = params.Get(k)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if signed {
		token, err := c.authorizationToken(params)
		if err != nil {
			return fmt.Errorf("error signing request: %w", err)
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var wrapped struct {
			Error APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error.Name != "" {
			apiErr.Name = wrapped.Error.Name
			apiErr.Message = wrapped.Error.Message
		} else {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	return nil
}
