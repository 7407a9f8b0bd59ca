package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	candleCalls map[string]int
	priceCalls  int
	failMarket  string
}

func (s *stubSource) GetCandles(ctx context.Context, market string, unit Timeframe, count int) ([]Candle, error) {
	if market == s.failMarket {
		return nil, errors.New("HTTP 429")
	}
	s.candleCalls[market]++
	out := make([]Candle, count)
	for i := range out {
		out[i] = Candle{Close: float64(int(unit) + i)}
	}
	return out, nil
}

func (s *stubSource) GetPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	s.priceCalls++
	return decimal.NewFromInt(100), nil
}

type stubCache struct {
	price decimal.Decimal
	ok    bool
}

func (c stubCache) LatestPrice(market string, maxAge time.Duration) (decimal.Decimal, bool) {
	return c.price, c.ok
}

func newStubSource() *stubSource {
	return &stubSource{candleCalls: map[string]int{}}
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	src := newStubSource()
	src.failMarket = "KRW-ETH"
	f := NewFetcher(src, nil, FetcherConfig{
		Timeframes:  []Timeframe{Minute240, Minute60, Minute15},
		CandleCount: 10,
	}, zerolog.Nop())

	snaps, failures := f.FetchAll(context.Background(), []string{"KRW-BTC", "KRW-ETH"})

	require.Contains(t, snaps, "KRW-BTC")
	assert.NotContains(t, snaps, "KRW-ETH")
	require.Contains(t, failures, "KRW-ETH")
	assert.Equal(t, 3, src.candleCalls["KRW-BTC"], "one request per timeframe")

	btc := snaps["KRW-BTC"]
	assert.Len(t, btc.Candles[Minute60], 10)
	assert.True(t, btc.HasPrice())
}

func TestFetchPrefersFreshStreamPrice(t *testing.T) {
	src := newStubSource()
	f := NewFetcher(src, stubCache{price: decimal.NewFromInt(123), ok: true}, FetcherConfig{
		Timeframes: []Timeframe{Minute60},
	}, zerolog.Nop())

	snap, err := f.Fetch(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(123)))
	assert.Zero(t, src.priceCalls)
	assert.Len(t, snap.Candles[Minute60], 50, "default candle count")

	f = NewFetcher(src, stubCache{}, FetcherConfig{Timeframes: []Timeframe{Minute60}}, zerolog.Nop())
	snap, err = f.Fetch(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, src.priceCalls)
}

func TestFetchPricesSkipsCandles(t *testing.T) {
	src := newStubSource()
	f := NewFetcher(src, nil, FetcherConfig{Timeframes: []Timeframe{Minute240, Minute60}}, zerolog.Nop())

	snaps, failures := f.FetchPrices(context.Background(), []string{"KRW-ETH"})
	assert.Empty(t, failures)
	require.Contains(t, snaps, "KRW-ETH")
	assert.True(t, snaps["KRW-ETH"].Price.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, snaps["KRW-ETH"].Candles)
	assert.Zero(t, src.candleCalls["KRW-ETH"])
	assert.Equal(t, 1, src.priceCalls)
}

func TestFetchAllStopsOnCancel(t *testing.T) {
	src := newStubSource()
	f := NewFetcher(src, nil, FetcherConfig{Timeframes: []Timeframe{Minute15}}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snaps, failures := f.FetchAll(ctx, []string{"KRW-BTC", "KRW-ETH"})
	assert.Empty(t, snaps)
	assert.Len(t, failures, 2)
	assert.Zero(t, src.candleCalls["KRW-BTC"])
}

func TestSnapshotClosed(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	tick := time.Date(2025, 3, 10, 13, 0, 0, 0, kst)
	bar := func(h int, c float64) Candle {
		return Candle{OpenTime: time.Date(2025, 3, 10, h, 0, 0, 0, kst), Close: c}
	}

	// 13:00 bar has traded and is in progress
	snap := &Snapshot{Candles: map[Timeframe][]Candle{
		Minute60: {bar(11, 11), bar(12, 12), bar(13, 13)},
	}}
	closed := snap.Closed(Minute60, tick)
	require.Len(t, closed, 2)
	assert.Equal(t, 12.0, closed[1].Close)

	// no trade since 13:00 yet: the 12:00 bar is the newest and already closed
	snap.Candles[Minute60] = []Candle{bar(10, 10), bar(11, 11), bar(12, 12)}
	closed = snap.Closed(Minute60, tick)
	require.Len(t, closed, 3)
	assert.Equal(t, 12.0, closed[2].Close)

	// zero cycle time falls back to dropping the newest bar
	assert.Len(t, snap.Closed(Minute60, time.Time{}), 2)

	// a 4h bar opened at 12:00 closes at 16:00
	assert.Nil(t, (&Snapshot{Candles: map[Timeframe][]Candle{Minute240: {bar(12, 1)}}}).Closed(Minute240, tick))
	assert.Nil(t, snap.Closed(Minute240, tick))

	var missing *Snapshot
	assert.Nil(t, missing.Closed(Minute60, tick))
	assert.False(t, missing.HasPrice())
}

func TestTimeframeLabel(t *testing.T) {
	assert.Equal(t, "4h", Minute240.Label())
	assert.Equal(t, "1h", Minute60.Label())
	assert.Equal(t, "15m", Minute15.Label())
	assert.Equal(t, "240m", Minute240.String())
}
