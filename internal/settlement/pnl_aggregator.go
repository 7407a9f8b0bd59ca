package settlement

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MarketAll is the aggregate key covering every market
const MarketAll = "ALL"

// MarketPnL is the realized performance of one market over a set of trades
type MarketPnL struct {
	Market       string          `json:"market"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	TradeCount   int             `json:"trade_count"`
	WinCount     int             `json:"win_count"`
	LossCount    int             `json:"loss_count"`
	WinRate      float64         `json:"win_rate"` // percentage 0-100
	LargestWin   decimal.Decimal `json:"largest_win"`
	LargestLoss  decimal.Decimal `json:"largest_loss"` // negative
	TotalVolume  decimal.Decimal `json:"total_volume"` // KRW exit value
	TotalFees    decimal.Decimal `json:"total_fees"`
	AvgTradeSize decimal.Decimal `json:"avg_trade_size"`
	AvgPnLPct    decimal.Decimal `json:"avg_pnl_pct"`
}

// Summary is an aggregation over a time window
type Summary struct {
	From        time.Time             `json:"from"`
	To          time.Time             `json:"to"`
	Markets     map[string]*MarketPnL `json:"markets"` // includes MarketAll
	TotalPnL    decimal.Decimal       `json:"total_pnl"`
	TotalTrades int                   `json:"total_trades"`
}

// Summarize aggregates the trades whose exit falls in [from, to). A zero
// bound is open.
func Summarize(trades []TradeLogEntry, from, to time.Time) Summary {
	var window []TradeLogEntry
	for _, t := range trades {
		if !from.IsZero() && t.ExitTime.Before(from) {
			continue
		}
		if !to.IsZero() && !t.ExitTime.Before(to) {
			continue
		}
		window = append(window, t)
	}

	markets := AggregateTrades(window)
	all := markets[MarketAll]
	return Summary{
		From:        from,
		To:          to,
		Markets:     markets,
		TotalPnL:    all.RealizedPnL,
		TotalTrades: all.TradeCount,
	}
}

// AggregateTrades groups trades per market and adds a MarketAll total
func AggregateTrades(trades []TradeLogEntry) map[string]*MarketPnL {
	byMarket := make(map[string]*MarketPnL)
	pctSums := make(map[string]decimal.Decimal)

	for _, trade := range trades {
		m, exists := byMarket[trade.Market]
		if !exists {
			m = newMarketPnL(trade.Market)
			byMarket[trade.Market] = m
		}
		addTrade(m, trade)
		pctSums[trade.Market] = pctSums[trade.Market].Add(trade.PnLPercent)
	}

	allPct := decimal.Zero
	for market, m := range byMarket {
		calculateDerivedMetrics(m, pctSums[market])
		allPct = allPct.Add(pctSums[market])
	}

	all := createAllSummary(byMarket)
	calculateDerivedMetrics(all, allPct)
	byMarket[MarketAll] = all

	return byMarket
}

// Ranked returns per-market results ordered by realized pnl, best first,
// without the MarketAll entry
func Ranked(markets map[string]*MarketPnL) []*MarketPnL {
	out := make([]*MarketPnL, 0, len(markets))
	for key, m := range markets {
		if key != MarketAll {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RealizedPnL.Equal(out[j].RealizedPnL) {
			return out[i].Market < out[j].Market
		}
		return out[i].RealizedPnL.GreaterThan(out[j].RealizedPnL)
	})
	return out
}

func newMarketPnL(market string) *MarketPnL {
	return &MarketPnL{
		Market:       market,
		RealizedPnL:  decimal.Zero,
		LargestWin:   decimal.Zero,
		LargestLoss:  decimal.Zero,
		TotalVolume:  decimal.Zero,
		TotalFees:    decimal.Zero,
		AvgTradeSize: decimal.Zero,
		AvgPnLPct:    decimal.Zero,
	}
}

func addTrade(m *MarketPnL, trade TradeLogEntry) {
	m.TradeCount++
	m.RealizedPnL = m.RealizedPnL.Add(trade.RealizedPnL)
	m.TotalVolume = m.TotalVolume.Add(trade.ExitPrice.Mul(trade.Quantity))
	m.TotalFees = m.TotalFees.Add(trade.Fee)

	if trade.RealizedPnL.IsPositive() {
		m.WinCount++
		if trade.RealizedPnL.GreaterThan(m.LargestWin) {
			m.LargestWin = trade.RealizedPnL
		}
	} else if trade.RealizedPnL.IsNegative() {
		m.LossCount++
		if trade.RealizedPnL.LessThan(m.LargestLoss) {
			m.LargestLoss = trade.RealizedPnL
		}
	}
}

// calculateDerivedMetrics fills win rate and averages
func calculateDerivedMetrics(m *MarketPnL, pctSum decimal.Decimal) {
	if m.TradeCount == 0 {
		return
	}
	n := decimal.NewFromInt(int64(m.TradeCount))
	m.WinRate = float64(m.WinCount) / float64(m.TradeCount) * 100
	m.AvgTradeSize = m.TotalVolume.Div(n)
	m.AvgPnLPct = pctSum.Div(n)
}

func createAllSummary(byMarket map[string]*MarketPnL) *MarketPnL {
	all := newMarketPnL(MarketAll)
	for _, m := range byMarket {
		all.TradeCount += m.TradeCount
		all.RealizedPnL = all.RealizedPnL.Add(m.RealizedPnL)
		all.WinCount += m.WinCount
		all.LossCount += m.LossCount
		all.TotalVolume = all.TotalVolume.Add(m.TotalVolume)
		all.TotalFees = all.TotalFees.Add(m.TotalFees)

		if m.LargestWin.GreaterThan(all.LargestWin) {
			all.LargestWin = m.LargestWin
		}
		if m.LargestLoss.LessThan(all.LargestLoss) {
			all.LargestLoss = m.LargestLoss
		}
	}
	return all
}
