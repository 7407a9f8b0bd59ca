package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/strategy"
)

// Category selects the decision being asked for. Values double as the
// hold-reason history keys.
type Category string

const (
	CategoryEntry   Category = "entry"
	CategoryPyramid Category = "pyramid"
	CategoryExit    Category = "exit"
)

// CategoryFor maps an evaluate intent to its category
func CategoryFor(intent strategy.Intent) (Category, bool) {
	switch intent {
	case strategy.IntentEvaluateEntry:
		return CategoryEntry, true
	case strategy.IntentEvaluatePyramid:
		return CategoryPyramid, true
	case strategy.IntentEvaluateExit:
		return CategoryExit, true
	}
	return "", false
}

// Decision is the discrete verdict
type Decision string

const (
	DecisionBuy       Decision = "Buy"
	DecisionMainForce Decision = "BUY_MAIN_FORCE"
	DecisionSell      Decision = "Sell"
	DecisionHold      Decision = "Hold"
)

// MalformedReason is the rationale recorded when the oracle output cannot be used
const MalformedReason = "Oracle response could not be interpreted; holding."

// Request is one decision request
type Request struct {
	Category    Category
	Market      string
	Briefing    strategy.Briefing
	HoldReasons []string
}

// Verdict is the oracle's answer. Fraction is not range-checked here; the
// sizing layer rejects out-of-range values before any order is built.
type Verdict struct {
	Decision  Decision        `json:"decision"`
	Reason    string          `json:"reason"`
	Fraction  decimal.Decimal `json:"percentage"`
	Malformed bool            `json:"-"`
}

// IsHold reports whether nothing should be ordered
func (v Verdict) IsHold() bool {
	return v.Decision == DecisionHold
}

// HoldVerdict is the safe default for unusable output
func HoldVerdict(reason string) Verdict {
	return Verdict{Decision: DecisionHold, Reason: reason, Fraction: decimal.Zero, Malformed: true}
}

var jsonFence = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")

// extractJSON returns the first fenced JSON object, else the outermost braces
func extractJSON(response string) (string, bool) {
	response = strings.TrimSpace(response)
	if m := jsonFence.FindStringSubmatch(response); len(m) > 1 {
		return m[1], true
	}
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return response[start : end+1], true
}

type rawVerdict struct {
	Decision   string          `json:"decision"`
	Reason     string          `json:"reason"`
	Percentage json.RawMessage `json:"percentage"`
}

// parsePercentage accepts 0.3, "0.3" and "30%"
func parsePercentage(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero, nil
	}

	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, err
		}
		text = strings.TrimSpace(s)
	}
	if text == "" {
		return decimal.Zero, nil
	}

	percent := strings.HasSuffix(text, "%")
	text = strings.TrimSpace(strings.TrimSuffix(text, "%"))
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid percentage %q", text)
	}
	if percent {
		d = d.Div(decimal.NewFromInt(100))
	}
	return d, nil
}

// allowed lists the decisions each category may return
var allowed = map[Category][]Decision{
	CategoryEntry:   {DecisionBuy, DecisionHold},
	CategoryPyramid: {DecisionMainForce, DecisionHold},
	CategoryExit:    {DecisionSell, DecisionHold},
}

func normalizeDecision(s string) Decision {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")) {
	case "BUY":
		return DecisionBuy
	case "BUY_MAIN_FORCE", "MAIN_FORCE", "MAINFORCE":
		return DecisionMainForce
	case "SELL":
		return DecisionSell
	case "HOLD":
		return DecisionHold
	}
	return ""
}

// ParseVerdict interprets raw oracle output for a category. Anything it
// cannot use becomes a Hold with fraction 0 and a placeholder reason.
func ParseVerdict(category Category, response string) Verdict {
	body, ok := extractJSON(response)
	if !ok {
		return HoldVerdict(MalformedReason)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return HoldVerdict(MalformedReason)
	}

	decision := normalizeDecision(raw.Decision)
	valid := false
	for _, d := range allowed[category] {
		if d == decision {
			valid = true
		}
	}
	if !valid {
		return HoldVerdict(MalformedReason)
	}

	reason := strings.TrimSpace(raw.Reason)
	if decision == DecisionHold {
		if reason == "" {
			reason = "Hold without stated reason."
		}
		return Verdict{Decision: DecisionHold, Reason: reason, Fraction: decimal.Zero}
	}

	fraction, err := parsePercentage(raw.Percentage)
	if err != nil {
		return HoldVerdict(MalformedReason)
	}
	return Verdict{Decision: decision, Reason: reason, Fraction: fraction}
}
