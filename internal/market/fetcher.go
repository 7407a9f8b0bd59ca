package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Source is the quotation side of the exchange
type Source interface {
	GetCandles(ctx context.Context, market string, unit Timeframe, count int) ([]Candle, error)
	GetPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// PriceCache serves recent prices pushed by a stream
type PriceCache interface {
	LatestPrice(market string, maxAge time.Duration) (decimal.Decimal, bool)
}

// FetcherConfig controls what a cycle snapshot contains
type FetcherConfig struct {
	Timeframes  []Timeframe
	CandleCount int
	Pause       time.Duration // Pause between markets
	MaxPriceAge time.Duration // Oldest streamed price accepted before falling back to REST
}

// Fetcher builds one Snapshot per market per cycle
type Fetcher struct {
	source Source
	prices PriceCache
	config FetcherConfig
	logger zerolog.Logger
}

// NewFetcher creates a fetcher. prices may be nil.
func NewFetcher(source Source, prices PriceCache, config FetcherConfig, logger zerolog.Logger) *Fetcher {
	if config.CandleCount <= 0 {
		config.CandleCount = 50
	}
	if config.MaxPriceAge <= 0 {
		config.MaxPriceAge = 30 * time.Second
	}
	return &Fetcher{
		source: source,
		prices: prices,
		config: config,
		logger: logger.With().Str("component", "market-fetcher").Logger(),
	}
}

// FetchAll fetches every market once. Markets that failed are reported in the
// error map and are absent from the snapshot map.
func (f *Fetcher) FetchAll(ctx context.Context, markets []string) (map[string]*Snapshot, map[string]error) {
	snapshots := make(map[string]*Snapshot, len(markets))
	failures := make(map[string]error)

	for i, m := range markets {
		if err := ctx.Err(); err != nil {
			failures[m] = err
			continue
		}

		snap, err := f.Fetch(ctx, m)
		if err != nil {
			f.logger.Warn().Err(err).Str("market", m).Msg("Market data fetch failed")
			failures[m] = err
		} else {
			snapshots[m] = snap
		}

		if f.config.Pause > 0 && i < len(markets)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(f.config.Pause):
			}
		}
	}

	return snapshots, failures
}

// FetchPrices fetches the current price of each market without candles
func (f *Fetcher) FetchPrices(ctx context.Context, markets []string) (map[string]*Snapshot, map[string]error) {
	snapshots := make(map[string]*Snapshot, len(markets))
	failures := make(map[string]error)

	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			failures[m] = err
			continue
		}
		price, err := f.price(ctx, m)
		if err != nil {
			f.logger.Warn().Err(err).Str("market", m).Msg("Price fetch failed")
			failures[m] = err
			continue
		}
		snapshots[m] = &Snapshot{Market: m, Price: price, FetchedAt: time.Now()}
	}

	return snapshots, failures
}

// Fetch builds the snapshot for a single market
func (f *Fetcher) Fetch(ctx context.Context, market string) (*Snapshot, error) {
	snap := &Snapshot{
		Market:    market,
		Candles:   make(map[Timeframe][]Candle, len(f.config.Timeframes)),
		FetchedAt: time.Now(),
	}

	for _, tf := range f.config.Timeframes {
		candles, err := f.source.GetCandles(ctx, market, tf, f.config.CandleCount)
		if err != nil {
			return nil, fmt.Errorf("error fetching %s candles: %w", tf, err)
		}
		snap.Candles[tf] = candles
	}

	price, err := f.price(ctx, market)
	if err != nil {
		return nil, err
	}
	snap.Price = price
	return snap, nil
}

// price prefers a fresh streamed price and falls back to the REST ticker
func (f *Fetcher) price(ctx context.Context, market string) (decimal.Decimal, error) {
	if f.prices != nil {
		if price, ok := f.prices.LatestPrice(market, f.config.MaxPriceAge); ok {
			return price, nil
		}
	}

	price, err := f.source.GetPrice(ctx, market)
	if err != nil {
		return decimal.Zero, fmt.Errorf("error fetching price: %w", err)
	}
	return price, nil
}
