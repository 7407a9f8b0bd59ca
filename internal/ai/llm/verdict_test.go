package llm

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"upbit-trading-bot/internal/strategy"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		category  Category
		response  string
		decision  Decision
		fraction  string
		malformed bool
	}{
		{
			name:     "fenced buy",
			category: CategoryEntry,
			response: "Here is my answer:\n```json\n{\"decision\": \"Buy\", \"reason\": \"RSI rising\", \"percentage\": 0.3}\n```",
			decision: DecisionBuy,
			fraction: "0.3",
		},
		{
			name:     "plain json with string percentage",
			category: CategoryEntry,
			response: `{"decision": "buy", "reason": "ok", "percentage": "0.2"}`,
			decision: DecisionBuy,
			fraction: "0.2",
		},
		{
			name:     "percent sign",
			category: CategoryExit,
			response: `{"decision": "Sell", "reason": "weak", "percentage": "50%"}`,
			decision: DecisionSell,
			fraction: "0.5",
		},
		{
			name:     "main force",
			category: CategoryPyramid,
			response: "```json\n{\"decision\": \"BUY_MAIN_FORCE\", \"reason\": \"trend\", \"percentage\": 0.75}\n```",
			decision: DecisionMainForce,
			fraction: "0.75",
		},
		{
			name:     "hold forces zero fraction",
			category: CategoryExit,
			response: `{"decision": "Hold", "reason": "more upside", "percentage": 0.4}`,
			decision: DecisionHold,
			fraction: "0",
		},
		{
			name:     "out of range is passed through for sizing to reject",
			category: CategoryEntry,
			response: `{"decision": "Buy", "reason": "tiny", "percentage": 0.05}`,
			decision: DecisionBuy,
			fraction: "0.05",
		},
		{
			name:      "no json",
			category:  CategoryEntry,
			response:  "I would buy here.",
			decision:  DecisionHold,
			fraction:  "0",
			malformed: true,
		},
		{
			name:      "broken json",
			category:  CategoryEntry,
			response:  "```json\n{\"decision\": \"Buy\", \"percentage\": }\n```",
			decision:  DecisionHold,
			fraction:  "0",
			malformed: true,
		},
		{
			name:      "decision from another category",
			category:  CategoryEntry,
			response:  `{"decision": "Sell", "reason": "x", "percentage": 1}`,
			decision:  DecisionHold,
			fraction:  "0",
			malformed: true,
		},
		{
			name:      "unparseable percentage",
			category:  CategoryExit,
			response:  `{"decision": "Sell", "reason": "x", "percentage": "most of it"}`,
			decision:  DecisionHold,
			fraction:  "0",
			malformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseVerdict(tt.category, tt.response)
			assert.Equal(t, tt.decision, v.Decision)
			assert.True(t, v.Fraction.Equal(decimal.RequireFromString(tt.fraction)), "fraction %s", v.Fraction)
			assert.Equal(t, tt.malformed, v.Malformed)
			if tt.malformed {
				assert.Equal(t, MalformedReason, v.Reason)
			}
		})
	}
}

func TestCategoryFor(t *testing.T) {
	c, ok := CategoryFor(strategy.IntentEvaluatePyramid)
	assert.True(t, ok)
	assert.Equal(t, CategoryPyramid, c)

	_, ok = CategoryFor(strategy.IntentSellStopLoss)
	assert.False(t, ok)
}

func TestBuildPromptIncludesHoldHistory(t *testing.T) {
	b := strategy.Briefing{
		AnalysisType:         strategy.AnalysisTakeProfitTiming,
		Market:               "KRW-BTC",
		TriggerReason:        "1h CCI crossed below WMA",
		CurrentPnLPercentage: 12.5,
		Timeframes: map[string]strategy.TimeframeSnapshot{
			"1h": {RSI: 71.2, VolumeRatio: 1.4},
		},
	}
	prompt, err := BuildPrompt(Request{
		Category:    CategoryExit,
		Market:      "KRW-BTC",
		Briefing:    b,
		HoldReasons: []string{"momentum intact", "volume rising"},
	})
	assert.NoError(t, err)
	assert.Contains(t, prompt, "1. momentum intact\n2. volume rising")
	assert.Contains(t, prompt, "+12.50%")
	assert.Contains(t, prompt, "71.20")

	_, err = BuildPrompt(Request{Category: "unknown"})
	assert.Error(t, err)
}
