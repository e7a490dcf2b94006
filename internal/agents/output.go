package agents

// output.go defines the fixed, serializable output shape per agent and
// the common envelope the graph folds them into.

import "agenttrader/pkg/types"

// Agent names as they appear in cycle results and persistence.
const (
	NameTechnical    = "technical"
	NameFundamental  = "fundamental"
	NameSentiment    = "sentiment"
	NameMacro        = "macro"
	NameBull         = "bull_researcher"
	NameBear         = "bear_researcher"
	NamePortfolioMgr = "portfolio_manager"
	NameAggressive   = "risk_aggressive"
	NameConservative = "risk_conservative"
	NameNeutral      = "risk_neutral"
	NameExecution    = "execution"
	NameLearning     = "learning"
)

// AgentStatus is the outcome of one agent run.
type AgentStatus string

const (
	StatusOK       AgentStatus = "ok"
	StatusTimedOut AgentStatus = "timed_out"
	StatusError    AgentStatus = "error"
)

// AgentOutput is the envelope the graph records per agent. Payload is the
// agent's typed output struct on success, nil otherwise.
type AgentOutput struct {
	AgentName string      `json:"agent_name"`
	Status    AgentStatus `json:"status"`
	Payload   any         `json:"payload,omitempty"`
	Err       string      `json:"error,omitempty"`
}

// Decision converts the envelope to the persisted agent_decisions value:
// the payload on success, a marker object otherwise.
func (o AgentOutput) Decision() any {
	switch o.Status {
	case StatusTimedOut:
		return map[string]any{"timed_out": true}
	case StatusError:
		return map[string]any{"error": o.Err}
	default:
		return o.Payload
	}
}

// AnalystOutput is the Stage A shape shared by the four analysts.
type AnalystOutput struct {
	Signal     types.SignalAction `json:"signal"`
	Score      float64            `json:"score"` // [0,1], strength of the view
	Summary    string             `json:"summary"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	LLMBacked  bool               `json:"llm_backed"`
}

// ResearchOutput is the Stage B shape.
type ResearchOutput struct {
	Stance     string  `json:"stance"` // "bull" or "bear"
	Thesis     string  `json:"thesis"`
	Confidence float64 `json:"confidence"` // [0,1]
}

// PMOutput is the Stage C shape.
type PMOutput struct {
	Signal           types.SignalAction `json:"signal"`
	BullishScore     float64            `json:"bullish_score"`
	BearishScore     float64            `json:"bearish_score"`
	ExecutiveSummary string             `json:"executive_summary"`
	ScenarioPaths    []string           `json:"scenario_paths,omitempty"`
}

// RiskOutput is the Stage D shape: sizing and protective-price deltas
// applied to the PM's tentative signal.
type RiskOutput struct {
	Stance        string  `json:"stance"` // aggressive, conservative, neutral
	QuantityScale float64 `json:"quantity_scale"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	Downgrade     bool    `json:"downgrade"` // true when the stance wants HOLD
	Note          string  `json:"note,omitempty"`
}

// ExecutionOutput is the Stage E shape: the final order parameters.
type ExecutionOutput struct {
	Signal     types.SignalAction `json:"signal"`
	Quantity   float64            `json:"quantity"`
	Entry      float64            `json:"entry"`
	StopLoss   float64            `json:"stop_loss"`
	TakeProfit float64            `json:"take_profit"`
	Confidence float64            `json:"confidence"`
	Reasoning  string             `json:"reasoning"`
	Rejected   bool               `json:"rejected"`
}

// LearningOutput is the Stage F shape.
type LearningOutput struct {
	TradesAnalyzed int     `json:"trades_analyzed"`
	WinRate        float64 `json:"win_rate"`
	AvgPnL         float64 `json:"avg_pnl"`
	Observation    string  `json:"observation,omitempty"`
}
