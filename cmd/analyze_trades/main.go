package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/settlement"
)

func main() {
	configPath := flag.String("config", "config.json", "configuration file")
	days := flag.Int("days", 30, "look back this many days (0 = all history)")
	flag.Parse()

	// Try the working directory first, then next to the executable
	exe, _ := os.Executable()
	godotenv.Load()
	godotenv.Load(filepath.Join(filepath.Dir(exe), ".env"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.DatabaseConfig.Enabled {
		fmt.Println("❌ Trade history lives in PostgreSQL; enable database in the configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.NewDB(ctx, database.ConfigFromSettings(cfg.DatabaseConfig), logging.Nop())
	if err != nil {
		fmt.Printf("❌ Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	var since time.Time
	if *days > 0 {
		since = time.Now().AddDate(0, 0, -*days)
	}

	trades, err := repo.ListTrades(ctx, since, 0)
	if err != nil {
		fmt.Printf("❌ Failed to list trades: %v\n", err)
		os.Exit(1)
	}

	rule := strings.Repeat("=", 80)
	fmt.Println(rule)
	fmt.Println("📊 UPBIT TRADE HISTORY ANALYSIS")
	fmt.Println(rule)
	if since.IsZero() {
		fmt.Println("   Window: all history")
	} else {
		fmt.Printf("   Window: since %s\n", since.In(cfg.Location()).Format("2006-01-02"))
	}

	if len(trades) == 0 {
		fmt.Println("\n❌ No trade history found")
		return
	}

	if snaps, err := repo.ListCapital(ctx, since, 0); err == nil && len(snaps) > 0 {
		first, last := snaps[0], snaps[len(snaps)-1]
		fmt.Printf("\n💰 Equity: %s KRW → %s KRW\n", first.TotalEquity.StringFixed(0), last.TotalEquity.StringFixed(0))
	}

	ranked := settlement.Ranked(settlement.AggregateTrades(trades))

	fmt.Println("\n" + rule)
	fmt.Println("📈 TRADE PERFORMANCE BY MARKET")
	fmt.Println(rule)

	fmt.Println("┌──────────────┬────────┬─────────┬─────────┬──────────────┬──────────────┬──────────┐")
	fmt.Println("│ Market       │ Trades │ Winners │ Losers  │ Total PnL    │ Avg PnL %    │ Win Rate │")
	fmt.Println("├──────────────┼────────┼─────────┼─────────┼──────────────┼──────────────┼──────────┤")

	grandTotal := decimal.Zero
	grandFees := decimal.Zero
	var grandTrades, grandWins, grandLosses int

	for _, m := range ranked {
		emoji := "🟢"
		if m.RealizedPnL.IsNegative() {
			emoji = "🔴"
		}
		fmt.Printf("│ %s %-10s │ %6d │ %7d │ %7d │ %12s │ %12s │ %7.1f%% │\n",
			emoji, truncate(m.Market, 10),
			m.TradeCount, m.WinCount, m.LossCount,
			m.RealizedPnL.StringFixed(0), m.AvgPnLPct.StringFixed(2), m.WinRate)

		grandTotal = grandTotal.Add(m.RealizedPnL)
		grandFees = grandFees.Add(m.TotalFees)
		grandTrades += m.TradeCount
		grandWins += m.WinCount
		grandLosses += m.LossCount
	}

	fmt.Println("├──────────────┼────────┼─────────┼─────────┼──────────────┼──────────────┼──────────┤")
	grandWinRate := 0.0
	if grandTrades > 0 {
		grandWinRate = float64(grandWins) / float64(grandTrades) * 100
	}
	fmt.Printf("│ 📊 TOTAL     │ %6d │ %7d │ %7d │ %12s │ %12s │ %7.1f%% │\n",
		grandTrades, grandWins, grandLosses, grandTotal.StringFixed(0), "", grandWinRate)
	fmt.Println("└──────────────┴────────┴─────────┴─────────┴──────────────┴──────────────┴──────────┘")

	fmt.Printf("\n💸 Total fees paid: %s KRW\n", grandFees.StringFixed(0))

	fmt.Println("\n" + rule)
	fmt.Println("🔍 BY EXIT TYPE")
	fmt.Println(rule)
	for _, line := range byOrderType(trades) {
		fmt.Println("   " + line)
	}

	if len(ranked) > 0 {
		best, worst := ranked[0], ranked[len(ranked)-1]
		fmt.Printf("\n   🟢 Best:  %s %s KRW (largest win %s)\n", best.Market, best.RealizedPnL.StringFixed(0), best.LargestWin.StringFixed(0))
		fmt.Printf("   🔴 Worst: %s %s KRW (largest loss %s)\n", worst.Market, worst.RealizedPnL.StringFixed(0), worst.LargestLoss.StringFixed(0))
	}

	if grandWinRate < 50 {
		fmt.Printf("\n   ⚠️  Overall win rate is %.1f%%, below 50%%\n", grandWinRate)
	}
}

// byOrderType totals realized PnL per exit order type, e.g. SELL_STOP_LOSS
func byOrderType(trades []settlement.TradeLogEntry) []string {
	totals := make(map[string]decimal.Decimal)
	counts := make(map[string]int)
	var order []string
	for _, t := range trades {
		key := string(t.OrderType)
		if _, ok := totals[key]; !ok {
			order = append(order, key)
		}
		totals[key] = totals[key].Add(t.RealizedPnL)
		counts[key]++
	}

	lines := make([]string, 0, len(order))
	for _, key := range order {
		lines = append(lines, fmt.Sprintf("%-22s %4d trades  %12s KRW", key, counts[key], totals[key].StringFixed(0)))
	}
	return lines
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
