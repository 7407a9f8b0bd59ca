package indicator

import (
	"math"
	"testing"
	"time"

	"upbit-trading-bot/internal/market"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func candlesFromCloses(closes []float64) []market.Candle {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
		}
	}
	return out
}

// ===== TEST CASES: moving averages =====

func TestSMA(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	if !math.IsNaN(got[0]) || !math.IsNaN(got[1]) {
		t.Errorf("Expected warm-up NaN, got %v", got[:2])
	}
	want := []float64{2, 3, 4}
	for i, w := range want {
		if !almostEqual(got[i+2], w) {
			t.Errorf("SMA[%d]: expected %v, got %v", i+2, w, got[i+2])
		}
	}
}

func TestWMAWeightsNewestHeaviest(t *testing.T) {
	// (1*1 + 2*2 + 3*3) / 6
	got := WMA([]float64{1, 2, 3}, 3)
	if !almostEqual(Last(got), 14.0/6.0) {
		t.Errorf("Expected %v, got %v", 14.0/6.0, Last(got))
	}
}

func TestWMAPropagatesNaN(t *testing.T) {
	got := WMA([]float64{math.NaN(), 1, 2, 3}, 3)
	if !math.IsNaN(got[2]) {
		t.Errorf("window containing NaN should be NaN, got %v", got[2])
	}
	if math.IsNaN(got[3]) {
		t.Error("full window should produce a value")
	}
}

// ===== TEST CASES: oscillators =====

func TestCCISign(t *testing.T) {
	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	cci := CCI(candlesFromCloses(rising), 20)
	if Last(cci) <= 100 {
		t.Errorf("steady rise should push CCI above +100, got %v", Last(cci))
	}

	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = 200 - float64(i)
	}
	cci = CCI(candlesFromCloses(falling), 20)
	if Last(cci) >= -100 {
		t.Errorf("steady fall should push CCI below -100, got %v", Last(cci))
	}
}

func TestCCIFlatIsZero(t *testing.T) {
	flat := make([]float64, 25)
	for i := range flat {
		flat[i] = 50
	}
	if got := Last(CCI(candlesFromCloses(flat), 20)); got != 0 {
		t.Errorf("flat series should have CCI 0, got %v", got)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = float64(i)
	}
	if got := Last(RSI(up, 14)); got != 100 {
		t.Errorf("Expected RSI 100 for a monotonic rise, got %v", got)
	}

	down := make([]float64, 20)
	for i := range down {
		down[i] = float64(100 - i)
	}
	if got := Last(RSI(down, 14)); !almostEqual(got, 0) {
		t.Errorf("Expected RSI 0 for a monotonic fall, got %v", got)
	}

	if got := Last(RSI(up[:10], 14)); !math.IsNaN(got) {
		t.Errorf("short series should be NaN, got %v", got)
	}
}

// ===== TEST CASES: bands and trend =====

func TestBollingerFlatSeries(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = 10
	}
	bands := Bollinger(values, 20, 2.0)
	if Last(bands.Lower) != 10 || Last(bands.Upper) != 10 {
		t.Errorf("flat series bands should collapse, got lower=%v upper=%v", Last(bands.Lower), Last(bands.Upper))
	}
}

func TestBollingerPopulationStd(t *testing.T) {
	// mean 2.5, population variance 1.25
	bands := Bollinger([]float64{1, 2, 3, 4}, 4, 2.0)
	want := 2.5 - 2*math.Sqrt(1.25)
	if !almostEqual(Last(bands.Lower), want) {
		t.Errorf("Expected lower %v, got %v", want, Last(bands.Lower))
	}
}

func TestSuperTrendUptrendLongLine(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)*2
	}
	candles := candlesFromCloses(closes)
	st := SuperTrend(candles, 14, 1.5)

	last := len(candles) - 1
	if st.Direction[last] != 1 {
		t.Fatalf("Expected uptrend, got direction %d", st.Direction[last])
	}
	if math.IsNaN(st.Long[last]) || st.Long[last] >= closes[last] {
		t.Errorf("long line should sit below price, got %v vs %v", st.Long[last], closes[last])
	}
	if st.Long[last] < st.Long[last-1] {
		t.Errorf("long line should not fall in an uptrend: %v -> %v", st.Long[last-1], st.Long[last])
	}
	if !math.IsNaN(st.Line[5]) {
		t.Errorf("warm-up bars should be NaN, got %v", st.Line[5])
	}
}

func TestSuperTrendFlipsDown(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		if i < 25 {
			closes[i] = 100 + float64(i)
		} else {
			closes[i] = 125 - float64(i-25)*8
		}
	}
	st := SuperTrend(candlesFromCloses(closes), 14, 1.5)
	last := len(closes) - 1
	if st.Direction[last] != -1 {
		t.Fatalf("Expected downtrend after crash, got %d", st.Direction[last])
	}
	if !math.IsNaN(st.Long[last]) {
		t.Errorf("long line should be NaN in a downtrend, got %v", st.Long[last])
	}
}

// ===== TEST CASES: volume =====

func TestVolumeRatio(t *testing.T) {
	candles := candlesFromCloses([]float64{1, 1, 1, 1, 1, 1, 1})
	candles[6].Volume = 30
	if got := VolumeRatio(candles, 6); !almostEqual(got, 3) {
		t.Errorf("Expected ratio 3, got %v", got)
	}
	if got := VolumeRatio(candles[:3], 6); got != 1.0 {
		t.Errorf("Expected default 1.0 with too few bars, got %v", got)
	}
}

func TestAt(t *testing.T) {
	s := []float64{1, 2, 3}
	if At(s, 2) != 2 {
		t.Errorf("Expected 2, got %v", At(s, 2))
	}
	if !math.IsNaN(At(s, 4)) {
		t.Error("out of range should be NaN")
	}
}
