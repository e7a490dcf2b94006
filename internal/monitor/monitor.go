// Package monitor implements the continuous stop-loss / take-profit
// watcher over open positions.
//
// The monitor consumes the market store's tick callbacks and additionally
// wakes every 100ms in case no tick arrives. All closes for a broker go
// through this single loop, so position transitions are serialized; the
// broker's idempotent close makes re-evaluating a just-closed position a
// no-op.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"agenttrader/internal/broker"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/risk"
	"agenttrader/pkg/types"
)

const fallbackInterval = 100 * time.Millisecond

// Monitor watches open positions for exit conditions.
type Monitor struct {
	brk     broker.Broker
	store   *marketstore.Store
	breaker *risk.Breaker
	logger  *slog.Logger

	tickCh chan types.Tick
}

// New creates a monitor. Call Register before ingestion starts so the
// monitor sees every tick.
func New(brk broker.Broker, store *marketstore.Store, breaker *risk.Breaker, logger *slog.Logger) *Monitor {
	return &Monitor{
		brk:     brk,
		store:   store,
		breaker: breaker,
		logger:  logger.With("component", "monitor"),
		tickCh:  make(chan types.Tick, 256),
	}
}

// Register hooks the monitor into the store's tick callbacks.
func (m *Monitor) Register() {
	m.store.RegisterTickCallback(func(tick types.Tick) {
		select {
		case m.tickCh <- tick:
		default:
			// The fallback ticker will catch up.
		}
	})
}

// Run blocks until ctx is cancelled, evaluating exits on every tick and
// at least every 100ms.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-m.tickCh:
			m.Evaluate(ctx, tick.Instrument, tick.LastPrice)
		case <-ticker.C:
			m.evaluateAll(ctx)
		}
	}
}

func (m *Monitor) evaluateAll(ctx context.Context) {
	seen := map[string]bool{}
	for _, pos := range m.brk.OpenPositions() {
		if seen[pos.Instrument] {
			continue
		}
		seen[pos.Instrument] = true
		if price, ok := m.store.LatestPrice(pos.Instrument); ok {
			m.Evaluate(ctx, pos.Instrument, price)
		}
	}
}

// Evaluate checks every open position on the instrument against the
// current price and the breaker's force-flat flag.
func (m *Monitor) Evaluate(ctx context.Context, instrument string, lastPrice float64) {
	forceFlat := false
	if m.breaker != nil {
		forceFlat = m.breaker.Current().ForceFlat
	}

	for _, pos := range m.brk.OpenPositions() {
		if pos.Instrument != instrument {
			continue
		}
		if forceFlat {
			m.close(ctx, pos, lastPrice, types.ExitRiskHalt)
			continue
		}
		if exitPrice, reason, hit := exitCondition(pos, lastPrice); hit {
			m.close(ctx, pos, exitPrice, reason)
		}
	}
}

// exitCondition applies the protective-price policy: fills happen at the
// SL/TP level, not at the crossing price, to model conservative fills.
func exitCondition(pos types.Position, lastPrice float64) (float64, types.ExitReason, bool) {
	if pos.Side == types.Long {
		if pos.StopLoss > 0 && lastPrice <= pos.StopLoss {
			return pos.StopLoss, types.ExitStopLoss, true
		}
		if pos.TakeProfit > 0 && lastPrice >= pos.TakeProfit {
			return pos.TakeProfit, types.ExitTakeProfit, true
		}
		return 0, "", false
	}
	// SHORT: symmetric.
	if pos.StopLoss > 0 && lastPrice >= pos.StopLoss {
		return pos.StopLoss, types.ExitStopLoss, true
	}
	if pos.TakeProfit > 0 && lastPrice <= pos.TakeProfit {
		return pos.TakeProfit, types.ExitTakeProfit, true
	}
	return 0, "", false
}

func (m *Monitor) close(ctx context.Context, pos types.Position, exitPrice float64, reason types.ExitReason) {
	res, err := m.brk.ClosePosition(ctx, pos.TradeID, exitPrice, reason)
	if err != nil {
		m.logger.Error("close failed",
			"trade_id", pos.TradeID, "reason", reason, "error", err)
		return
	}
	m.logger.Info("exit executed",
		"trade_id", pos.TradeID,
		"instrument", pos.Instrument,
		"reason", reason,
		"exit", exitPrice,
		"pnl", res.PnL,
	)
}
