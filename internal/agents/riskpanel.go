package agents

// riskpanel.go implements Stage D (the three risk agents) and Stage E
// (the execution agent).
//
// Resolution rules: risk agents may DOWNGRADE the PM's decision (smaller
// quantity, tighter stop) but never upgrade it or flip direction; when
// the three stances disagree, Conservative wins. The execution agent may
// only REJECT (convert to HOLD) based on circuit-breaker flags.

import (
	"fmt"

	"agenttrader/internal/config"
	"agenttrader/pkg/types"
)

// RiskAgent produces one stance's sizing annotation of the PM output.
func RiskAgent(stance string, s *CycleState, pm PMOutput, cfg config.RiskConfig) RiskOutput {
	out := RiskOutput{Stance: stance}
	confidence := pm.BullishScore
	if pm.Signal == types.ActionSell {
		confidence = pm.BearishScore
	}

	switch stance {
	case "aggressive":
		out.QuantityScale = 1.0
		out.StopLossPct = cfg.DefaultStopLossPct * 1.25
		out.TakeProfitPct = cfg.DefaultTakeProfitPct * 1.5
		out.Note = "full size, room to run"
	case "conservative":
		out.QuantityScale = 0.5
		out.StopLossPct = cfg.DefaultStopLossPct * 0.75
		out.TakeProfitPct = cfg.DefaultTakeProfitPct
		if confidence < 0.55 {
			out.Downgrade = true
			out.Note = "conviction too thin for new risk"
		} else {
			out.Note = "half size, tight stop"
		}
	default: // neutral
		out.QuantityScale = 0.75
		out.StopLossPct = cfg.DefaultStopLossPct
		out.TakeProfitPct = cfg.DefaultTakeProfitPct
		out.Note = "default sizing"
	}
	return out
}

// ResolveRisk folds the three stances per the downgrade-only rule:
// the smallest quantity scale and the tightest protective prices win,
// and any stance demanding HOLD downgrades the decision.
func ResolveRisk(outputs []RiskOutput) RiskOutput {
	resolved := RiskOutput{Stance: "resolved", QuantityScale: 1e9, StopLossPct: 1e9, TakeProfitPct: 1e9}
	for _, o := range outputs {
		if o.Downgrade {
			resolved.Downgrade = true
			resolved.Note = o.Note
		}
		if o.QuantityScale < resolved.QuantityScale {
			resolved.QuantityScale = o.QuantityScale
		}
		if o.StopLossPct < resolved.StopLossPct {
			resolved.StopLossPct = o.StopLossPct
		}
		if o.TakeProfitPct < resolved.TakeProfitPct {
			resolved.TakeProfitPct = o.TakeProfitPct
		}
	}
	if len(outputs) == 0 {
		return RiskOutput{Stance: "resolved", QuantityScale: 0, Downgrade: true, Note: "no risk views"}
	}
	return resolved
}

// ExecutionPolicy carries the execution agent's sizing inputs.
type ExecutionPolicy struct {
	Capital            float64
	MaxPositionSizePct float64
}

// Execute builds the final order parameters from the PM decision and the
// resolved risk annotation. It rejects (HOLD) only on circuit-breaker
// flags; otherwise it follows the PM+risk consensus.
func Execute(s *CycleState, pm PMOutput, riskRes RiskOutput, policy ExecutionPolicy) ExecutionOutput {
	out := ExecutionOutput{Signal: types.ActionHold}

	if pm.Signal == types.ActionHold {
		out.Reasoning = "portfolio manager holds"
		return out
	}
	if s.Breaker.ShouldHalt {
		out.Rejected = true
		out.Reasoning = fmt.Sprintf("circuit breaker: %v", s.Breaker.Reasons)
		return out
	}
	if riskRes.Downgrade || riskRes.QuantityScale <= 0 {
		out.Reasoning = "risk panel downgraded to HOLD: " + riskRes.Note
		return out
	}
	if s.LastPrice <= 0 {
		out.Reasoning = "no usable price"
		return out
	}

	confidence := pm.BullishScore
	dir := 1.0
	if pm.Signal == types.ActionSell {
		confidence = pm.BearishScore
		dir = -1
	}

	maxNotional := policy.Capital * policy.MaxPositionSizePct / 100
	qty := maxNotional / s.LastPrice * riskRes.QuantityScale
	if qty <= 0 {
		out.Reasoning = "sized to zero"
		return out
	}

	out.Signal = pm.Signal
	out.Quantity = float64(int(qty)) // whole units
	out.Entry = s.LastPrice
	out.StopLoss = s.LastPrice * (1 - dir*riskRes.StopLossPct/100)
	out.TakeProfit = s.LastPrice * (1 + dir*riskRes.TakeProfitPct/100)
	out.Confidence = confidence
	out.Reasoning = pm.ExecutiveSummary
	if out.Quantity == 0 {
		out.Signal = types.ActionHold
		out.Reasoning = "position size below one unit"
	}
	return out
}
