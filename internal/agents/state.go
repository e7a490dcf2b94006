// Package agents implements the decision graph: parallel analysts,
// researchers, the portfolio manager, the risk panel, the execution agent
// and the best-effort learning agent, pipelined over a shared read-only
// CycleState.
package agents

import (
	"time"

	"agenttrader/internal/risk"
	"agenttrader/pkg/types"
)

// CycleState is the immutable snapshot every agent in a cycle receives.
// It is assembled once by the scheduler before Stage A; agents never see
// data newer than the snapshot.
type CycleState struct {
	CycleID    string
	Instrument string
	Kind       types.CycleKind
	At         time.Time

	LastPrice float64
	DataAge   time.Duration

	DayOpen   float64
	DayHigh   float64
	DayLow    float64
	VWAP      float64
	DayVolume float64

	Bars map[types.Timeframe][]types.OHLCBar

	BidDepth []types.DepthLevel
	AskDepth []types.DepthLevel

	Chain *types.OptionsChainSnapshot

	OpenPositions []types.Position
	RecentTrades  []types.Position

	Breaker risk.Snapshot
}

// Closes1m returns the 1-minute close series, oldest-first.
func (s *CycleState) Closes1m() []float64 {
	return closes(s.Bars[types.TF1m])
}

// DepthImbalance is (bidQty − askQty) / (bidQty + askQty) over the
// visible levels, in [−1, 1]. 0 when depth is empty.
func (s *CycleState) DepthImbalance() float64 {
	var bid, ask float64
	for _, l := range s.BidDepth {
		bid += l.Quantity
	}
	for _, l := range s.AskDepth {
		ask += l.Quantity
	}
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}
