package agents

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenttrader/internal/config"
	"agenttrader/internal/llm"
	"agenttrader/internal/risk"
	"agenttrader/pkg/types"
)

func testLLMCfg() config.LLMConfig {
	return config.LLMConfig{AgentTimeout: 30 * time.Second, GraphTimeout: 180 * time.Second}
}

func testRiskCfg() config.RiskConfig {
	return config.RiskConfig{DefaultStopLossPct: 0.5, DefaultTakeProfitPct: 1.0}
}

func testPolicy() ExecutionPolicy {
	return ExecutionPolicy{Capital: 1_000_000, MaxPositionSizePct: 10}
}

// trendingState builds a snapshot every offline analyst reads as bullish:
// a zigzag uptrend (RSI stays off the extreme), price at a discount to
// VWAP, a bid-heavy book and put-heavy options positioning.
func trendingState(kind types.CycleKind) *CycleState {
	bars := make([]types.OHLCBar, 0, 60)
	start := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	price := 22000.0
	for i := 0; i < 60; i++ {
		open := price
		if i%2 == 0 {
			price += 12
		} else {
			price -= 8
		}
		hi, lo := price, open
		if open > price {
			hi, lo = open, price
		}
		bars = append(bars, types.OHLCBar{
			Instrument: "NIFTY", Timeframe: types.TF1m,
			StartAt: start.Add(time.Duration(i) * time.Minute),
			Open:    open, High: hi + 2, Low: lo - 2, Close: price,
			Volume: 1000,
		})
	}
	return &CycleState{
		CycleID:    "cycle-1",
		Instrument: "NIFTY",
		Kind:       kind,
		At:         start.Add(time.Hour),
		LastPrice:  price,
		DayOpen:    22000, DayHigh: price + 2, DayLow: 21990,
		VWAP: price * 1.005, DayVolume: 60000,
		Bars: map[types.Timeframe][]types.OHLCBar{types.TF1m: bars},
		BidDepth: []types.DepthLevel{{Price: price - 1, Quantity: 900}},
		AskDepth: []types.DepthLevel{{Price: price + 1, Quantity: 100}},
		Chain: &types.OptionsChainSnapshot{
			Instrument:   "NIFTY",
			At:           start.Add(time.Hour),
			FuturesPrice: price,
			Strikes: map[int]types.StrikeData{
				22100: {CEOI: 1000, PEOI: 1500},
				22200: {CEOI: 800, PEOI: 1200},
			},
		},
	}
}

// promptCaller scripts the router by matching on prompt content.
type promptCaller struct {
	replies map[string]string // substring of prompt -> reply text
	block   string            // substring whose call blocks until ctx cancel
	err     error
}

func (c *promptCaller) Call(ctx context.Context, prompt string, estTokens int) (llm.Result, error) {
	if c.err != nil {
		return llm.Result{}, c.err
	}
	if c.block != "" && strings.Contains(prompt, c.block) {
		<-ctx.Done()
		return llm.Result{}, ctx.Err()
	}
	for sub, text := range c.replies {
		if strings.Contains(prompt, sub) {
			return llm.Result{Text: text, ProviderUsed: "scripted", TokensUsed: 40}, nil
		}
	}
	return llm.Result{Text: `{"signal": "HOLD", "score": 0.5, "summary": "no view"}`, ProviderUsed: "scripted"}, nil
}

func TestStrategicCycleOffline(t *testing.T) {
	t.Parallel()

	g := NewGraph(nil, testLLMCfg(), testRiskCfg(), nil, slog.Default())
	res := g.Run(context.Background(), trendingState(types.CycleStrategic), testPolicy())

	assert.Equal(t, "cycle-1", res.Cycle.CycleID)
	assert.Empty(t, res.Cycle.IncompleteAgents)
	assert.Empty(t, res.Cycle.Errors)

	// Every strategic agent except learning must have a decision entry.
	for _, name := range []string{
		NameTechnical, NameFundamental, NameSentiment, NameMacro,
		NameBull, NameBear, NamePortfolioMgr,
		NameAggressive, NameConservative, NameNeutral, NameExecution,
	} {
		assert.Contains(t, res.Cycle.AgentDecisions, name)
	}

	// A clean uptrend should resolve to BUY with usable order parameters.
	require.Equal(t, types.ActionBuy, res.Cycle.FinalSignal)
	assert.Greater(t, res.Execution.Quantity, 0.0)
	assert.Less(t, res.Execution.StopLoss, res.Execution.Entry)
	assert.Greater(t, res.Execution.TakeProfit, res.Execution.Entry)
	assert.Greater(t, res.Cycle.BullishScore, res.Cycle.BearishScore)
}

func TestTacticalCycleRunsSubset(t *testing.T) {
	t.Parallel()

	g := NewGraph(nil, testLLMCfg(), testRiskCfg(), nil, slog.Default())
	res := g.Run(context.Background(), trendingState(types.CycleTactical), testPolicy())

	assert.Contains(t, res.Cycle.AgentDecisions, NameTechnical)
	assert.Contains(t, res.Cycle.AgentDecisions, NamePortfolioMgr)
	assert.Contains(t, res.Cycle.AgentDecisions, NameExecution)
	assert.NotContains(t, res.Cycle.AgentDecisions, NameSentiment)
	assert.NotContains(t, res.Cycle.AgentDecisions, NameBull)
	assert.NotContains(t, res.Cycle.AgentDecisions, NameAggressive)
}

func TestSlowAgentTimesOutCycleCompletes(t *testing.T) {
	t.Parallel()

	caller := &promptCaller{
		block: "sentiment analyst",
		replies: map[string]string{
			"technical analyst":   `{"signal": "BUY", "score": 0.9, "summary": "trend up"}`,
			"fundamental analyst": `{"signal": "BUY", "score": 0.9, "summary": "below fair value"}`,
			"macro analyst":       `{"signal": "BUY", "score": 0.6, "summary": "calm regime"}`,
		},
	}
	cfg := testLLMCfg()
	cfg.AgentTimeout = 50 * time.Millisecond

	g := NewGraph(caller, cfg, testRiskCfg(), nil, slog.Default())
	start := time.Now()
	res := g.Run(context.Background(), trendingState(types.CycleStrategic), testPolicy())

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, res.Cycle.IncompleteAgents, NameSentiment)
	assert.Equal(t, map[string]any{"timed_out": true}, res.Cycle.AgentDecisions[NameSentiment])

	// The cycle still produced a final signal from the surviving views.
	require.Equal(t, types.ActionBuy, res.Cycle.FinalSignal)
	assert.Greater(t, res.Execution.Quantity, 0.0)
}

func TestLLMExhaustedFoldsToError(t *testing.T) {
	t.Parallel()

	caller := &promptCaller{err: llm.ErrNoProviderAvailable}
	g := NewGraph(caller, testLLMCfg(), testRiskCfg(), nil, slog.Default())
	res := g.Run(context.Background(), trendingState(types.CycleStrategic), testPolicy())

	for _, name := range []string{NameTechnical, NameFundamental, NameSentiment, NameMacro} {
		assert.Equal(t, map[string]any{"error": "llm_unavailable"}, res.Cycle.AgentDecisions[name])
	}
	// No analyst views survive, so the PM cannot pick a side.
	assert.Equal(t, types.ActionHold, res.Cycle.FinalSignal)
	assert.Len(t, res.Cycle.Errors, 4)
}

func TestBreakerHaltRejectsExecution(t *testing.T) {
	t.Parallel()

	s := trendingState(types.CycleStrategic)
	s.Breaker = risk.Snapshot{ShouldHalt: true, Reasons: []string{"daily_loss"}}

	g := NewGraph(nil, testLLMCfg(), testRiskCfg(), nil, slog.Default())
	res := g.Run(context.Background(), s, testPolicy())

	assert.Equal(t, types.ActionHold, res.Cycle.FinalSignal)
	assert.True(t, res.Execution.Rejected)
	assert.Contains(t, res.Execution.Reasoning, "circuit breaker")
}

func TestPortfolioManagerMarginRule(t *testing.T) {
	t.Parallel()

	s := &CycleState{Instrument: "NIFTY", LastPrice: 22500}
	mkStageA := func(buyScore, sellScore float64) map[string]AgentOutput {
		return map[string]AgentOutput{
			NameTechnical: {AgentName: NameTechnical, Status: StatusOK,
				Payload: AnalystOutput{Signal: types.ActionBuy, Score: buyScore}},
			NameFundamental: {AgentName: NameFundamental, Status: StatusOK,
				Payload: AnalystOutput{Signal: types.ActionSell, Score: sellScore}},
		}
	}

	// Near-tied scores leave the margin under 0.1: HOLD.
	pm := PortfolioManager(s, mkStageA(0.60, 0.55), ResearchOutput{}, ResearchOutput{})
	assert.Equal(t, types.ActionHold, pm.Signal)

	// A decisive bull edge crosses the margin.
	pm = PortfolioManager(s, mkStageA(0.9, 0.2), ResearchOutput{Confidence: 0.8}, ResearchOutput{})
	assert.Equal(t, types.ActionBuy, pm.Signal)
	assert.NotEmpty(t, pm.ScenarioPaths)
}

func TestResolveRiskDowngradeOnly(t *testing.T) {
	t.Parallel()

	resolved := ResolveRisk([]RiskOutput{
		{Stance: "aggressive", QuantityScale: 1.0, StopLossPct: 0.625, TakeProfitPct: 1.5},
		{Stance: "conservative", QuantityScale: 0.5, StopLossPct: 0.375, TakeProfitPct: 1.0},
		{Stance: "neutral", QuantityScale: 0.75, StopLossPct: 0.5, TakeProfitPct: 1.0},
	})
	assert.Equal(t, 0.5, resolved.QuantityScale)
	assert.Equal(t, 0.375, resolved.StopLossPct)
	assert.Equal(t, 1.0, resolved.TakeProfitPct)
	assert.False(t, resolved.Downgrade)

	// Any stance demanding HOLD wins.
	resolved = ResolveRisk([]RiskOutput{
		{Stance: "aggressive", QuantityScale: 1.0, StopLossPct: 0.625, TakeProfitPct: 1.5},
		{Stance: "conservative", QuantityScale: 0.5, StopLossPct: 0.375, TakeProfitPct: 1.0, Downgrade: true},
	})
	assert.True(t, resolved.Downgrade)

	// No views at all means no new risk.
	resolved = ResolveRisk(nil)
	assert.True(t, resolved.Downgrade)
}

func TestExecuteSizing(t *testing.T) {
	t.Parallel()

	s := &CycleState{Instrument: "NIFTY", LastPrice: 22500}
	pm := PMOutput{Signal: types.ActionSell, BullishScore: 0.2, BearishScore: 0.8, ExecutiveSummary: "short the rally"}
	riskRes := RiskOutput{QuantityScale: 0.5, StopLossPct: 0.5, TakeProfitPct: 1.0}

	out := Execute(s, pm, riskRes, ExecutionPolicy{Capital: 1_000_000, MaxPositionSizePct: 90})
	require.Equal(t, types.ActionSell, out.Signal)
	// 900k notional / 22500 * 0.5 = 20 units.
	assert.Equal(t, 20.0, out.Quantity)
	// Short protective prices sit on the opposite sides.
	assert.InDelta(t, 22612.5, out.StopLoss, 1e-9)
	assert.InDelta(t, 22275.0, out.TakeProfit, 1e-9)
	assert.Equal(t, 0.8, out.Confidence)

	// Too little capital for one unit downgrades to HOLD.
	out = Execute(s, pm, riskRes, ExecutionPolicy{Capital: 10_000, MaxPositionSizePct: 10})
	assert.Equal(t, types.ActionHold, out.Signal)
}

func TestResearchConfidence(t *testing.T) {
	t.Parallel()

	stageA := map[string]AgentOutput{
		NameTechnical: {AgentName: NameTechnical, Status: StatusOK,
			Payload: AnalystOutput{Signal: types.ActionBuy, Score: 0.8, Summary: "trend up"}},
		NameFundamental: {AgentName: NameFundamental, Status: StatusOK,
			Payload: AnalystOutput{Signal: types.ActionBuy, Score: 0.6, Summary: "cheap to vwap"}},
		NameSentiment: {AgentName: NameSentiment, Status: StatusOK,
			Payload: AnalystOutput{Signal: types.ActionSell, Score: 0.7, Summary: "call heavy"}},
		NameMacro: {AgentName: NameMacro, Status: StatusTimedOut},
	}

	bull := Research("bull", stageA)
	// Timed-out macro drops out: (0.8 + 0.6) / 3 usable views.
	assert.InDelta(t, 1.4/3, bull.Confidence, 1e-9)
	assert.Contains(t, bull.Thesis, "trend up")

	bear := Research("bear", stageA)
	assert.InDelta(t, 0.7/3, bear.Confidence, 1e-9)
}
