package agents

// analysts.go implements Stage A: the four parallel analysts. Each one
// scores the instrument from its own angle, asking the LLM router for a
// structured view and falling back to its deterministic indicator scoring
// when no router is configured. An analyst makes at most two LLM calls
// per cycle: the second is a single repair attempt when the first reply
// is not valid JSON.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"agenttrader/internal/llm"
	"agenttrader/pkg/types"
)

// ErrLLMUnavailable is what an LLM-backed agent reports when every
// provider is exhausted; the graph folds it into {error: "llm_unavailable"}.
var ErrLLMUnavailable = errors.New("llm_unavailable")

// LLMCaller is the slice of the router the agents use.
type LLMCaller interface {
	Call(ctx context.Context, prompt string, estTokens int) (llm.Result, error)
}

// Analyst is one Stage A agent. With a nil caller it runs purely on its
// deterministic scoring (offline and replay modes).
type Analyst struct {
	name     string
	caller   LLMCaller
	logger   *slog.Logger
	prompt   func(*CycleState) string
	fallback func(*CycleState) AnalystOutput
}

// Name returns the agent's name.
func (a *Analyst) Name() string { return a.name }

// llmReply is the JSON shape the analysts ask the model for.
type llmReply struct {
	Signal  string  `json:"signal"`
	Score   float64 `json:"score"`
	Summary string  `json:"summary"`
}

// Run produces the analyst's view of the snapshot.
func (a *Analyst) Run(ctx context.Context, s *CycleState) (AnalystOutput, error) {
	base := a.fallback(s)
	if a.caller == nil {
		return base, nil
	}

	prompt := a.prompt(s)
	reply, err := a.complete(ctx, prompt)
	if err != nil {
		if errors.Is(err, llm.ErrNoProviderAvailable) {
			return AnalystOutput{}, ErrLLMUnavailable
		}
		return AnalystOutput{}, err
	}

	out := AnalystOutput{
		Signal:     parseAction(reply.Signal),
		Score:      clamp01(reply.Score),
		Summary:    reply.Summary,
		Indicators: base.Indicators,
		LLMBacked:  true,
	}
	return out, nil
}

// complete calls the router, with one repair retry on malformed JSON.
func (a *Analyst) complete(ctx context.Context, prompt string) (llmReply, error) {
	est := len(prompt)/4 + 200 // rough prompt + completion tokens

	res, err := a.caller.Call(ctx, prompt, est)
	if err != nil {
		return llmReply{}, err
	}
	var reply llmReply
	if jsonErr := json.Unmarshal([]byte(llm.StripCodeBlock(res.Text)), &reply); jsonErr == nil {
		return reply, nil
	}

	a.logger.Debug("analyst reply not json, retrying once", "agent", a.name)
	res, err = a.caller.Call(ctx, prompt+"\n\nRespond ONLY with the JSON object, no prose.", est)
	if err != nil {
		return llmReply{}, err
	}
	if jsonErr := json.Unmarshal([]byte(llm.StripCodeBlock(res.Text)), &reply); jsonErr != nil {
		return llmReply{}, fmt.Errorf("unparseable model reply: %w", jsonErr)
	}
	return reply, nil
}

func parseAction(s string) types.SignalAction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return types.ActionBuy
	case "SELL":
		return types.ActionSell
	default:
		return types.ActionHold
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func marketContext(s *CycleState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s\nLast price: %.2f\nDay open/high/low: %.2f/%.2f/%.2f\nVWAP: %.2f\n",
		s.Instrument, s.LastPrice, s.DayOpen, s.DayHigh, s.DayLow, s.VWAP)
	if cls := s.Closes1m(); len(cls) >= 21 {
		fmt.Fprintf(&b, "EMA9: %.2f  EMA21: %.2f  RSI14: %.1f\n",
			EMA(cls, 9), EMA(cls, 21), RSI(cls, 14))
	}
	if imb := s.DepthImbalance(); imb != 0 {
		fmt.Fprintf(&b, "Depth imbalance: %.2f\n", imb)
	}
	if pcr := PCR(s.Chain); pcr > 0 {
		fmt.Fprintf(&b, "Options PCR: %.2f\n", pcr)
	}
	return b.String()
}

const replyFormat = `Reply as JSON: {"signal": "BUY|SELL|HOLD", "score": 0.0-1.0, "summary": "one sentence"}`

// NewTechnical builds the technical analyst: EMA cross plus RSI.
func NewTechnical(caller LLMCaller, logger *slog.Logger) *Analyst {
	return &Analyst{
		name:   NameTechnical,
		caller: caller,
		logger: logger.With("agent", NameTechnical),
		prompt: func(s *CycleState) string {
			return "You are a technical analyst for intraday trading.\n" +
				marketContext(s) +
				"Assess momentum and trend from the indicators above.\n" + replyFormat
		},
		fallback: func(s *CycleState) AnalystOutput {
			cls := s.Closes1m()
			out := AnalystOutput{Signal: types.ActionHold, Score: 0.5, Summary: "insufficient bar history"}
			if len(cls) < 21 {
				return out
			}
			ema9, ema21, rsi := EMA(cls, 9), EMA(cls, 21), RSI(cls, 14)
			out.Indicators = map[string]float64{"ema9": ema9, "ema21": ema21, "rsi14": rsi}
			switch {
			case ema9 > ema21 && rsi < 70:
				out.Signal = types.ActionBuy
				out.Score = clamp01(0.5 + (ema9-ema21)/ema21*50)
				out.Summary = "fast EMA above slow with RSI headroom"
			case ema9 < ema21 && rsi > 30:
				out.Signal = types.ActionSell
				out.Score = clamp01(0.5 + (ema21-ema9)/ema21*50)
				out.Summary = "fast EMA below slow with RSI headroom"
			default:
				out.Summary = "trend and momentum disagree"
			}
			return out
		},
	}
}

// NewFundamental builds the fundamental analyst: price versus the day's
// anchor levels.
func NewFundamental(caller LLMCaller, logger *slog.Logger) *Analyst {
	return &Analyst{
		name:   NameFundamental,
		caller: caller,
		logger: logger.With("agent", NameFundamental),
		prompt: func(s *CycleState) string {
			return "You are a fundamental analyst assessing fair value for an index instrument.\n" +
				marketContext(s) +
				"Assess whether price is stretched relative to VWAP and the day's range.\n" + replyFormat
		},
		fallback: func(s *CycleState) AnalystOutput {
			out := AnalystOutput{Signal: types.ActionHold, Score: 0.5, Summary: "no anchor data"}
			if s.VWAP <= 0 || s.LastPrice <= 0 {
				return out
			}
			dev := (s.LastPrice - s.VWAP) / s.VWAP
			out.Indicators = map[string]float64{"vwap_dev": dev}
			switch {
			case dev < -0.003:
				out.Signal = types.ActionBuy
				out.Score = clamp01(0.5 + math.Abs(dev)*60)
				out.Summary = "trading at a discount to VWAP"
			case dev > 0.003:
				out.Signal = types.ActionSell
				out.Score = clamp01(0.5 + dev*60)
				out.Summary = "trading at a premium to VWAP"
			default:
				out.Summary = "price near fair value"
			}
			return out
		},
	}
}

// NewSentiment builds the sentiment analyst: options positioning and
// order book pressure.
func NewSentiment(caller LLMCaller, logger *slog.Logger) *Analyst {
	return &Analyst{
		name:   NameSentiment,
		caller: caller,
		logger: logger.With("agent", NameSentiment),
		prompt: func(s *CycleState) string {
			return "You are a sentiment analyst reading options positioning and order flow.\n" +
				marketContext(s) +
				"Assess crowd positioning (PCR is contrarian) and book pressure.\n" + replyFormat
		},
		fallback: func(s *CycleState) AnalystOutput {
			pcr := PCR(s.Chain)
			imb := s.DepthImbalance()
			out := AnalystOutput{
				Signal:     types.ActionHold,
				Score:      0.5,
				Summary:    "neutral positioning",
				Indicators: map[string]float64{"pcr": pcr, "depth_imbalance": imb},
			}
			score := imb * 0.5
			if pcr > 1.2 {
				score += 0.3 // heavy put writing, contrarian bullish
			} else if pcr > 0 && pcr < 0.7 {
				score -= 0.3
			}
			switch {
			case score > 0.2:
				out.Signal = types.ActionBuy
				out.Score = clamp01(0.5 + score)
				out.Summary = "put-heavy positioning with bid support"
			case score < -0.2:
				out.Signal = types.ActionSell
				out.Score = clamp01(0.5 - score)
				out.Summary = "call-heavy positioning with offer pressure"
			}
			return out
		},
	}
}

// NewMacro builds the macro analyst: volatility regime.
func NewMacro(caller LLMCaller, logger *slog.Logger) *Analyst {
	return &Analyst{
		name:   NameMacro,
		caller: caller,
		logger: logger.With("agent", NameMacro),
		prompt: func(s *CycleState) string {
			return "You are a macro analyst judging the risk regime for intraday index trading.\n" +
				marketContext(s) +
				"Assess whether the volatility regime favors taking directional risk.\n" + replyFormat
		},
		fallback: func(s *CycleState) AnalystOutput {
			vol := Volatility(s.Closes1m())
			out := AnalystOutput{
				Signal:     types.ActionHold,
				Score:      0.5,
				Summary:    "volatility regime unreadable",
				Indicators: map[string]float64{"volatility": vol},
			}
			switch {
			case vol == 0:
			case vol < 12:
				out.Signal = types.ActionBuy
				out.Score = 0.55
				out.Summary = "calm regime, risk-taking viable"
			case vol > 25:
				out.Signal = types.ActionSell
				out.Score = 0.6
				out.Summary = "elevated volatility, de-risk"
			default:
				out.Summary = "normal volatility regime"
			}
			return out
		},
	}
}
