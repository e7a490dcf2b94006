package agents

// learning.go implements Stage F: the best-effort learning agent. It
// summarizes recent closed trades and posts the analytics to the event
// journal. It never affects the cycle result and its failures are only
// logged.

import (
	"context"
	"log/slog"
	"time"

	"agenttrader/internal/persist"
)

// Learning analyzes the recent ledger and journals the findings.
func Learning(ctx context.Context, s *CycleState, docs persist.DocStore, logger *slog.Logger) LearningOutput {
	out := LearningOutput{TradesAnalyzed: len(s.RecentTrades)}
	if out.TradesAnalyzed == 0 {
		out.Observation = "no closed trades yet"
		return out
	}

	wins := 0
	var total float64
	for _, tr := range s.RecentTrades {
		total += tr.PnL
		if tr.PnL > 0 {
			wins++
		}
	}
	out.WinRate = float64(wins) / float64(out.TradesAnalyzed)
	out.AvgPnL = total / float64(out.TradesAnalyzed)

	switch {
	case out.WinRate < 0.35:
		out.Observation = "win rate deteriorating, favor tighter entries"
	case out.AvgPnL < 0:
		out.Observation = "winners smaller than losers, widen targets or cut stops"
	default:
		out.Observation = "recent performance within expectations"
	}

	if docs != nil {
		doc := map[string]any{
			"event_type":      "learning_summary",
			"event_timestamp": time.Now().UTC(),
			"source":          NameLearning,
			"instrument":      s.Instrument,
			"cycle_id":        s.CycleID,
			"trades_analyzed": out.TradesAnalyzed,
			"win_rate":        out.WinRate,
			"avg_pnl":         out.AvgPnL,
			"observation":     out.Observation,
		}
		if err := docs.Insert(ctx, persist.CollMarketEvents, doc); err != nil {
			logger.Warn("learning journal write failed", "error", err)
		}
	}
	return out
}
