package agents

// researchers.go implements Stage B (bull and bear researchers) and
// Stage C (the portfolio manager). Both stages are deterministic
// aggregations of the stage before them; the analysts carry the
// LLM-informed views.

import (
	"fmt"
	"strings"

	"agenttrader/pkg/types"
)

// analystView extracts the usable Stage A payloads.
func analystViews(stageA map[string]AgentOutput) []AnalystOutput {
	var out []AnalystOutput
	for _, name := range []string{NameTechnical, NameFundamental, NameSentiment, NameMacro} {
		env, ok := stageA[name]
		if !ok || env.Status != StatusOK {
			continue
		}
		if view, ok := env.Payload.(AnalystOutput); ok {
			out = append(out, view)
		}
	}
	return out
}

// Research builds one side's thesis from the analyst views. stance is
// "bull" or "bear".
func Research(stance string, stageA map[string]AgentOutput) ResearchOutput {
	views := analystViews(stageA)
	want := types.ActionBuy
	if stance == "bear" {
		want = types.ActionSell
	}

	var support, total float64
	var points []string
	for _, v := range views {
		total++
		if v.Signal == want {
			support += v.Score
			points = append(points, v.Summary)
		}
	}

	out := ResearchOutput{Stance: stance}
	if total == 0 {
		out.Thesis = "no analyst views available"
		return out
	}
	out.Confidence = clamp01(support / total)
	if len(points) == 0 {
		out.Thesis = fmt.Sprintf("no analyst supports the %s case", stance)
	} else {
		out.Thesis = strings.Join(points, "; ")
	}
	return out
}

// pmMinMargin is the confidence margin below which the PM refuses to
// pick a side.
const pmMinMargin = 0.1

// PortfolioManager aggregates Stage A and B into the tentative decision.
// The PM's signal overrides the analyst majority, but a margin under
// pmMinMargin forces HOLD.
func PortfolioManager(s *CycleState, stageA map[string]AgentOutput, bull, bear ResearchOutput) PMOutput {
	views := analystViews(stageA)

	var bullish, bearish float64
	var n float64
	for _, v := range views {
		n++
		switch v.Signal {
		case types.ActionBuy:
			bullish += v.Score
		case types.ActionSell:
			bearish += v.Score
		}
	}
	if n > 0 {
		bullish /= n
		bearish /= n
	}
	// Researchers refine the analyst aggregate rather than replace it.
	bullish = clamp01(0.7*bullish + 0.3*bull.Confidence)
	bearish = clamp01(0.7*bearish + 0.3*bear.Confidence)

	out := PMOutput{
		Signal:       types.ActionHold,
		BullishScore: bullish,
		BearishScore: bearish,
	}

	margin := bullish - bearish
	switch {
	case margin >= pmMinMargin:
		out.Signal = types.ActionBuy
	case -margin >= pmMinMargin:
		out.Signal = types.ActionSell
	}

	out.ExecutiveSummary = fmt.Sprintf(
		"%s %s: bullish %.2f vs bearish %.2f on %d analyst views; bull case: %s; bear case: %s",
		s.Instrument, out.Signal, bullish, bearish, len(views), bull.Thesis, bear.Thesis)

	if out.Signal != types.ActionHold {
		dir := 1.0
		if out.Signal == types.ActionSell {
			dir = -1
		}
		out.ScenarioPaths = []string{
			fmt.Sprintf("base: drift to %.2f", s.LastPrice*(1+dir*0.004)),
			fmt.Sprintf("adverse: reversal to %.2f", s.LastPrice*(1-dir*0.003)),
		}
	}
	return out
}
