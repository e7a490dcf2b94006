package broker

// stats.go computes the aggregate trading and risk metrics served by the
// JSON metric endpoints. Everything derives from the closed-trade ledger;
// no extra state is kept.

import (
	"math"
	"sort"
)

// TradingStats is the /metrics/trading payload.
type TradingStats struct {
	TotalTrades   int     `json:"total_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	OpenPositions int     `json:"open_positions"`
}

// RiskStats is the /metrics/risk payload.
type RiskStats struct {
	SharpeRatio   float64 `json:"sharpe_ratio"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	VaR95         float64 `json:"var_95"`
	TotalExposure float64 `json:"total_exposure"`
}

// TradingStats aggregates the ledger.
func (p *Paper) TradingStats() TradingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := TradingStats{
		TotalTrades:   len(p.closed),
		OpenPositions: len(p.open),
	}
	wins := 0
	for _, pos := range p.closed {
		stats.TotalPnL += pos.PnL
		if pos.PnL > 0 {
			wins++
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(wins) / float64(stats.TotalTrades)
	}
	return stats
}

// RiskStats computes sharpe, max drawdown, and VaR95 over the per-trade
// P&L series, plus the current open exposure.
func (p *Paper) RiskStats() RiskStats {
	p.mu.RLock()
	pnls := make([]float64, len(p.closed))
	for i, pos := range p.closed {
		pnls[i] = pos.PnL
	}
	capital, _ := p.capital.Float64()
	exposure := 0.0
	for _, pos := range p.open {
		exposure += pos.EntryPrice * pos.Quantity
	}
	p.mu.RUnlock()

	return RiskStats{
		SharpeRatio:   sharpe(pnls),
		MaxDrawdown:   maxDrawdown(pnls, capital),
		VaR95:         var95(pnls),
		TotalExposure: exposure,
	}
}

// sharpe is mean/stddev of the per-trade P&L series (0 when degenerate).
func sharpe(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range pnls {
		mean += v
	}
	mean /= float64(len(pnls))

	variance := 0.0
	for _, v := range pnls {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(pnls) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// maxDrawdown is the worst peak-to-trough drop of the cumulative P&L
// curve, as a fraction of the reference capital.
func maxDrawdown(pnls []float64, capital float64) float64 {
	if capital <= 0 {
		return 0
	}
	equity, peak, worst := 0.0, 0.0, 0.0
	for _, v := range pnls {
		equity += v
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > worst {
			worst = dd
		}
	}
	return worst / capital
}

// var95 is the 95th-percentile loss: the P&L below which the worst 5% of
// trades fall. Returned as a positive loss amount, 0 when no losses.
func var95(pnls []float64) float64 {
	if len(pnls) == 0 {
		return 0
	}
	sorted := make([]float64, len(pnls))
	copy(sorted, pnls)
	sort.Float64s(sorted)

	idx := int(math.Floor(0.05 * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if v := sorted[idx]; v < 0 {
		return -v
	}
	return 0
}
