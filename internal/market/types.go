// Package market holds the candle and snapshot types shared by the exchange
// client, the indicator functions and the trading state machine.
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar. Series are ordered oldest first and the last
// element is the bar still in progress.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Timeframe is a candle unit in minutes
type Timeframe int

const (
	Minute15  Timeframe = 15
	Minute60  Timeframe = 60
	Minute240 Timeframe = 240
)

func (t Timeframe) String() string {
	return fmt.Sprintf("%dm", int(t))
}

// Label is the short name used in oracle briefings (4h, 1h, 15m)
func (t Timeframe) Label() string {
	if t >= 60 && t%60 == 0 {
		return fmt.Sprintf("%dh", int(t)/60)
	}
	return t.String()
}

// Snapshot is everything fetched for one market in one cycle. All decisions
// in the cycle read from the same snapshot.
type Snapshot struct {
	Market    string                 `json:"market"`
	Candles   map[Timeframe][]Candle `json:"candles"`
	Price     decimal.Decimal        `json:"price"`
	FetchedAt time.Time              `json:"fetched_at"`
}

// Duration is the length of one bar
func (t Timeframe) Duration() time.Duration {
	return time.Duration(t) * time.Minute
}

// Closed returns the bars of a timeframe that had closed by asOf. Upbit only
// opens a bar once it trades, so the newest bar may already be closed at a
// boundary tick. A zero asOf drops the newest bar unconditionally.
func (s *Snapshot) Closed(tf Timeframe, asOf time.Time) []Candle {
	if s == nil {
		return nil
	}
	candles := s.Candles[tf]
	if len(candles) == 0 {
		return nil
	}
	if asOf.IsZero() {
		return candles[:len(candles)-1]
	}

	end := len(candles)
	for end > 0 && candles[end-1].OpenTime.Add(tf.Duration()).After(asOf) {
		end--
	}
	if end == 0 {
		return nil
	}
	return candles[:end]
}

// HasPrice reports whether a usable current price was fetched
func (s *Snapshot) HasPrice() bool {
	return s != nil && s.Price.IsPositive()
}
