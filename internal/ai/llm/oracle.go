package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Oracle returns a discretionary verdict for a briefing. An error means no
// decision this cycle; it is never an implicit Hold.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Verdict, error)
}

// LLMOracle asks a language model through a Completer
type LLMOracle struct {
	completer Completer
	provider  Provider
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewLLMOracle creates an oracle. requestsPerMinute <= 0 disables pacing.
func NewLLMOracle(completer Completer, provider Provider, requestsPerMinute int, logger zerolog.Logger) *LLMOracle {
	o := &LLMOracle{
		completer: completer,
		provider:  provider,
		logger:    logger.With().Str("component", "oracle").Str("provider", string(provider)).Logger(),
	}
	if requestsPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}
	return o
}

var _ Oracle = (*LLMOracle)(nil)

// Provider names the backing model provider
func (o *LLMOracle) Provider() Provider {
	return o.provider
}

func (o *LLMOracle) Decide(ctx context.Context, req Request) (Verdict, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return Verdict{}, err
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return Verdict{}, fmt.Errorf("oracle rate limit wait: %w", err)
		}
	}

	started := time.Now()
	response, err := o.completer.Complete(ctx, SystemPromptTrading, prompt)
	if err != nil {
		return Verdict{}, fmt.Errorf("LLM request failed: %w", err)
	}

	verdict := ParseVerdict(req.Category, response)
	event := o.logger.Info()
	if verdict.Malformed {
		event = o.logger.Warn().Str("raw_response", truncate(response, 500))
	}
	event.
		Str("market", req.Market).
		Str("category", string(req.Category)).
		Str("decision", string(verdict.Decision)).
		Str("fraction", verdict.Fraction.String()).
		Str("reason", verdict.Reason).
		Dur("elapsed", time.Since(started)).
		Msg("Oracle verdict")
	return verdict, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ScriptedOracle replays queued verdicts. It backs tests and dry runs
// without model access; with an empty queue it answers Hold.
type ScriptedOracle struct {
	mu       sync.Mutex
	queue    []scripted
	requests []Request
}

type scripted struct {
	verdict Verdict
	err     error
}

// NewScriptedOracle creates an oracle answering verdicts in order
func NewScriptedOracle(verdicts ...Verdict) *ScriptedOracle {
	o := &ScriptedOracle{}
	for _, v := range verdicts {
		o.queue = append(o.queue, scripted{verdict: v})
	}
	return o
}

var _ Oracle = (*ScriptedOracle)(nil)

// Push queues another verdict
func (o *ScriptedOracle) Push(v Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, scripted{verdict: v})
}

// PushError queues a transport failure
func (o *ScriptedOracle) PushError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, scripted{err: err})
}

// Requests returns every request received so far
func (o *ScriptedOracle) Requests() []Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Request(nil), o.requests...)
}

func (o *ScriptedOracle) Decide(ctx context.Context, req Request) (Verdict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req.HoldReasons = append([]string(nil), req.HoldReasons...)
	o.requests = append(o.requests, req)

	if len(o.queue) == 0 {
		return Verdict{Decision: DecisionHold, Reason: "no scripted verdict"}, nil
	}
	next := o.queue[0]
	o.queue = o.queue[1:]
	return next.verdict, next.err
}
