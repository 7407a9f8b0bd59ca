package settlement

import (
	"github.com/shopspring/decimal"
)

// DefaultFeeRate is Upbit's KRW market taker fee
var DefaultFeeRate = decimal.RequireFromString("0.0005")

var hundred = decimal.NewFromInt(100)

// PnL is the realized result of selling volume at price
type PnL struct {
	EntryCost decimal.Decimal `json:"entry_cost"`
	ExitValue decimal.Decimal `json:"exit_value"`
	Fee       decimal.Decimal `json:"fee"`
	Realized  decimal.Decimal `json:"realized"`
	Percent   decimal.Decimal `json:"percent"`
}

// RealizedPnL charges the fee rate on both legs of the round trip
func RealizedPnL(avgEntry, exitPrice, volume, feeRate decimal.Decimal) PnL {
	entryCost := avgEntry.Mul(volume)
	exitValue := exitPrice.Mul(volume)
	fee := entryCost.Add(exitValue).Mul(feeRate)

	percent := decimal.Zero
	if avgEntry.IsPositive() {
		percent = exitPrice.Div(avgEntry).Sub(decimal.NewFromInt(1)).Mul(hundred)
	}

	return PnL{
		EntryCost: entryCost,
		ExitValue: exitValue,
		Fee:       fee,
		Realized:  exitValue.Sub(entryCost).Sub(fee),
		Percent:   percent,
	}
}

// WeightedAverage folds a new fill into an existing average entry price
func WeightedAverage(avg, size, price, volume decimal.Decimal) (newAvg, newSize decimal.Decimal) {
	newSize = size.Add(volume)
	if !newSize.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	newAvg = avg.Mul(size).Add(price.Mul(volume)).Div(newSize)
	return newAvg, newSize
}

// FillOf aggregates an order's trades. ok is false when the order reports no
// executed volume or the trades carry no price.
func FillOf(executedVolume decimal.Decimal, avgPrice decimal.Decimal) (Fill, bool) {
	if !executedVolume.IsPositive() || !avgPrice.IsPositive() {
		return Fill{}, false
	}
	return Fill{Price: avgPrice, Volume: executedVolume}, true
}
