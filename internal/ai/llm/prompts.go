package llm

import (
	"fmt"
	"strings"

	"upbit-trading-bot/internal/strategy"
)

// SystemPromptTrading frames every decision request
const SystemPromptTrading = `You are an AI assistant for cryptocurrency trading strategies on the Upbit KRW market.
A rule-based strategy has already found a signal. Your job is the final discretionary confirmation.
Be conservative: confirm only when the short-term data supports the signal.
Summarize your reasoning in English in no more than three sentences.
Respond ONLY with a JSON object inside a json code block.`

// formatHoldHistory numbers previous Hold reasons, "None" when empty
func formatHoldHistory(reasons []string) string {
	if len(reasons) == 0 {
		return "None"
	}
	var sb strings.Builder
	for i, r := range reasons {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, r)
	}
	return sb.String()
}

// BuildEntryPrompt asks for a vanguard entry verdict
func BuildEntryPrompt(market string, b strategy.Briefing, holds []string) string {
	fast := b.Timeframe("15m")
	mid := b.Timeframe("1h")

	conditions := "- A 4-hour oversold condition and a 1-hour trend reversal signal have been confirmed."
	if b.SlowCondition != nil && b.MidCondition != nil {
		conditions = fmt.Sprintf(`- 4-hour CCI: %.2f (WMA %.2f), held below the oversold line for two closed bars.
- 1-hour CCI: %.2f crossed above its WMA %.2f (recovery strength %.2f).`,
			b.SlowCondition.CCI, b.SlowCondition.WMA,
			b.MidCondition.CCI, b.MidCondition.WMA, b.MidCondition.RecoveryStrength)
	}

	return fmt.Sprintf(`A long-term (4h) and mid-term (1h) buying opportunity has been identified.
Make the final decision based on the real-time short-term data below.

Decide between 'Buy' or 'Hold'.
- A 'Buy' decision must have a percentage between 0.1 (10%%) and 0.5 (50%%) of the allocated capital.

[Analysis Target]
- Coin: %s
- Analysis type: %s

[Primary Signals]
%s

[Real-time Information]
- 15-minute RSI: %.2f
- 15-minute Volume Ratio: %.2fx
- 1-hour RSI: %.2f
- 1-hour Volume Ratio: %.2fx

[Previous 'Hold' Decision Records]
%s

[Instructions]
If the short-term data confirms healthy momentum for an entry, recommend 'Buy'. If not, recommend 'Hold'.
`+"```json"+`
{
    "decision": "Buy or Hold",
    "reason": "Your reason for the decision.",
    "percentage": 0.3
}
`+"```", market, b.AnalysisType, conditions, fast.RSI, fast.VolumeRatio, mid.RSI, mid.VolumeRatio, formatHoldHistory(holds))
}

// BuildPyramidPrompt asks whether to deploy the main force
func BuildPyramidPrompt(market string, b strategy.Briefing, holds []string) string {
	slow := b.Timeframe("4h")
	mid := b.Timeframe("1h")

	return fmt.Sprintf(`After an initial 'vanguard' entry based on a 1-hour signal, a stronger confirmation signal has appeared on the 4-hour chart.
Decide whether to deploy the 'main force' now or to 'Hold'.

Decide between 'BUY_MAIN_FORCE' or 'Hold'.
- For 'BUY_MAIN_FORCE', recommend a percentage of the remaining capital from 0.5 (50%%) to 1.0 (100%%).

[Analysis Target]
- Coin: %s

[Confirmation Signal]
- %s
- 4-hour RSI: %.2f

[Real-time Information (1-hour timeframe)]
- 1-hour RSI: %.2f
- 1-hour Volume Ratio: %.2fx

[Previous 'Hold' Decision Records]
%s

[Instructions]
If the 1-hour data confirms a healthy, non-overheated trend, recommend 'BUY_MAIN_FORCE'.
If it looks risky or lacks strength, recommend 'Hold'.
`+"```json"+`
{
    "decision": "BUY_MAIN_FORCE or Hold",
    "reason": "Your reason for the decision.",
    "percentage": 0.75
}
`+"```", market, b.TriggerReason, slow.RSI, mid.RSI, mid.VolumeRatio, formatHoldHistory(holds))
}

// BuildExitPrompt asks whether to take profit
func BuildExitPrompt(market string, b strategy.Briefing, holds []string) string {
	mid := b.Timeframe("1h")

	return fmt.Sprintf(`A position is in profit and a take-profit signal has been detected.
Decide whether to 'Sell' or 'Hold' based on the real-time momentum of the 1-hour chart.

- 'Sell': recommend a sell percentage between 0.1 (10%%) and 1.0 (100%%) of the position.
- 'Hold': keep the full position (percentage 0).

[Analysis Target]
- Coin: %s
- Current Unrealized PnL: %+.2f%%

[Primary Sell Signal]
- Trigger Reason: %s

[Real-time Momentum Data (1-hour timeframe)]
- 1-hour RSI: %.2f
- 1-hour Volume Ratio: %.2fx

[Previous 'Hold' Decision Records]
%s

[Instructions]
If the 1-hour data confirms a genuine trend reversal or weakness, recommend 'Sell' with an appropriate percentage.
If this looks like a temporary dip with more upside, recommend 'Hold'.
`+"```json"+`
{
    "decision": "Sell or Hold",
    "reason": "Your reason for the decision.",
    "percentage": 0.5
}
`+"```", market, b.CurrentPnLPercentage, b.TriggerReason, mid.RSI, mid.VolumeRatio, formatHoldHistory(holds))
}

// BuildPrompt dispatches on the decision category
func BuildPrompt(req Request) (string, error) {
	switch req.Category {
	case CategoryEntry:
		return BuildEntryPrompt(req.Market, req.Briefing, req.HoldReasons), nil
	case CategoryPyramid:
		return BuildPyramidPrompt(req.Market, req.Briefing, req.HoldReasons), nil
	case CategoryExit:
		return BuildExitPrompt(req.Market, req.Briefing, req.HoldReasons), nil
	default:
		return "", fmt.Errorf("unknown decision category %q", req.Category)
	}
}
