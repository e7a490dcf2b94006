package broker

// paper.go implements the simulated broker.
//
// Ledger invariant, maintained at all times:
//
//	capital = initial_capital + Σ(closed_pnl) − Σ(commission)
//
// Margin is reserved from available cash on entry and released on close.
// All ledger arithmetic runs on shopspring decimals; Position and result
// values are converted to float64 at the edges.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agenttrader/internal/config"
	"agenttrader/internal/metrics"
	"agenttrader/internal/persist"
	"agenttrader/pkg/types"
)

// Paper is the simulated broker. Single writer: every mutation holds the
// mutex for its full duration.
type Paper struct {
	cfg     config.TradingConfig
	allowed map[string]bool // allowed symbols; empty = all
	haltFn  func() bool     // circuit breaker gate, may be nil
	router  OrderRouter     // live venue routing, nil in paper mode
	nowFn   func() time.Time
	docs    persist.DocStore // trade journal, may be nil
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu            sync.RWMutex
	capital       decimal.Decimal
	availableCash decimal.Decimal
	marginHeld    map[string]decimal.Decimal // tradeID → reserved margin
	open          map[string]*types.Position
	closed        []types.Position
	closedResults map[string]CloseResult // idempotent close replay
	consecLosses  int
	dayPnL        decimal.Decimal
	dayPnLDate    string
}

// NewPaper creates a paper broker with the configured initial capital.
func NewPaper(cfg config.TradingConfig, allowedSymbols []string, haltFn func() bool,
	docs persist.DocStore, m *metrics.Metrics, logger *slog.Logger) *Paper {
	allowed := make(map[string]bool, len(allowedSymbols))
	for _, s := range allowedSymbols {
		allowed[types.CanonicalSymbol(s)] = true
	}
	initial := decimal.NewFromFloat(cfg.InitialCapital)
	return &Paper{
		cfg:           cfg,
		allowed:       allowed,
		haltFn:        haltFn,
		nowFn:         time.Now,
		docs:          docs,
		metrics:       m,
		logger:        logger.With("component", "paper_broker"),
		capital:       initial,
		availableCash: initial,
		marginHeld:    make(map[string]decimal.Decimal),
		open:          make(map[string]*types.Position),
		closedResults: make(map[string]CloseResult),
	}
}

// SetClock overrides the broker's clock. The position monitor sets this to
// the replay feed's virtual clock during backtests.
func (p *Paper) SetClock(nowFn func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nowFn = nowFn
}

// SetOrderRouter enables live routing: every fill and close is forwarded
// to the router while this ledger stays the book of record. Must be set
// before the first order.
func (p *Paper) SetOrderRouter(router OrderRouter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.router = router
}

// PlaceOrder validates and fills a signal. The fill price applies slippage
// against the taker: lastPrice * (1 + sign * slippage_bps/10000).
func (p *Paper) PlaceOrder(ctx context.Context, signal types.Signal, lastPrice float64) (OrderResult, error) {
	// The halt gate runs before the ledger lock: the breaker's inputs
	// read this ledger, so calling it under p.mu would self-deadlock.
	if p.haltFn != nil && p.haltFn() {
		return p.reject(RejectHalted)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if reason := p.validate(signal); reason != "" {
		return p.reject(reason)
	}

	sign := 1.0
	if signal.Action == types.ActionSell {
		sign = -1
	}
	slip := decimal.NewFromFloat(p.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	fill := decimal.NewFromFloat(lastPrice).
		Mul(decimal.NewFromInt(1).Add(slip.Mul(decimal.NewFromFloat(sign))))

	qty := decimal.NewFromFloat(signal.Quantity)
	margin := fill.Mul(qty).Mul(decimal.NewFromFloat(p.cfg.MarginFraction))
	commission := decimal.NewFromFloat(p.cfg.CommissionPerTrade)

	if margin.Add(commission).GreaterThan(p.availableCash) {
		return p.reject(RejectInsufficientMargin)
	}

	// Live routing happens only once the fill is certain locally, so a
	// rejection here never leaves a dangling venue order.
	if p.router != nil {
		orderID, err := p.router(ctx, signal.Instrument, signal.Action, signal.Quantity, lastPrice)
		if err != nil {
			p.logger.Error("live order routing failed", "instrument", signal.Instrument, "error", err)
			return p.reject(RejectRouteFailed)
		}
		p.logger.Info("live order routed", "instrument", signal.Instrument, "order_id", orderID)
	}

	tradeID := uuid.NewString()
	now := p.nowFn()
	side := types.Long
	if signal.Action == types.ActionSell {
		side = types.Short
	}

	fillPrice, _ := fill.Float64()
	pos := &types.Position{
		TradeID:    tradeID,
		Instrument: signal.Instrument,
		Side:       side,
		Quantity:   signal.Quantity,
		EntryPrice: fillPrice,
		StopLoss:   signal.StopLoss,
		TakeProfit: signal.TakeProfit,
		Status:     types.PositionOpen,
		EntryAt:    now,
		Paper:      p.router == nil,
	}

	p.availableCash = p.availableCash.Sub(margin).Sub(commission)
	p.capital = p.capital.Sub(commission)
	p.marginHeld[tradeID] = margin
	p.open[tradeID] = pos

	p.metrics.OrdersPlaced.WithLabelValues("executed").Inc()
	p.metrics.OpenPositions.Set(float64(len(p.open)))
	p.logger.Info("order filled",
		"trade_id", tradeID,
		"instrument", pos.Instrument,
		"side", pos.Side,
		"qty", pos.Quantity,
		"fill", fillPrice,
	)
	p.journal(ctx, *pos, false)

	return OrderResult{Status: types.SignalExecuted, TradeID: tradeID, FillPrice: fillPrice}, nil
}

func (p *Paper) validate(signal types.Signal) string {
	if signal.Quantity <= 0 {
		return RejectZeroQuantity
	}
	if len(p.allowed) > 0 && !p.allowed[signal.Instrument] {
		return RejectSymbolNotAllowed
	}
	if len(p.open) >= p.cfg.MaxConcurrentPositions {
		return RejectMaxPositions
	}
	return ""
}

func (p *Paper) reject(reason string) (OrderResult, error) {
	p.metrics.OrdersPlaced.WithLabelValues("rejected").Inc()
	return OrderResult{Status: types.SignalRejected, RejectionReason: reason},
		fmt.Errorf("%w: %s", ErrRejected, reason)
}

// ClosePosition closes an open position at exitPrice. Closing an
// already-closed position returns the recorded result without recomputing.
func (p *Paper) ClosePosition(ctx context.Context, tradeID string, exitPrice float64, reason types.ExitReason) (CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res, done := p.closedResults[tradeID]; done {
		return res, nil
	}
	pos, ok := p.open[tradeID]
	if !ok {
		return CloseResult{}, fmt.Errorf("position %s not found", tradeID)
	}

	// Exits route the opposite side. A routing failure still closes the
	// ledger position: stop-loss enforcement must not wedge on the venue.
	if p.router != nil {
		action := types.ActionSell
		if pos.Side == types.Short {
			action = types.ActionBuy
		}
		if orderID, err := p.router(ctx, pos.Instrument, action, pos.Quantity, exitPrice); err != nil {
			p.logger.Error("live exit routing failed", "trade_id", tradeID, "error", err)
		} else {
			p.logger.Info("live exit routed", "trade_id", tradeID, "order_id", orderID)
		}
	}

	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(pos.Quantity)
	direction := decimal.NewFromFloat(pos.Direction())
	commission := decimal.NewFromFloat(p.cfg.CommissionPerTrade)

	pnl := exit.Sub(entry).Mul(qty).Mul(direction)
	margin := p.marginHeld[tradeID]

	p.availableCash = p.availableCash.Add(margin).Add(pnl).Sub(commission)
	p.capital = p.capital.Add(pnl).Sub(commission)
	delete(p.marginHeld, tradeID)
	delete(p.open, tradeID)

	now := p.nowFn()
	pnlF, _ := pnl.Float64()
	pos.Status = types.PositionClosed
	pos.ExitAt = &now
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.PnL = pnlF
	if notional := pos.EntryPrice * pos.Quantity; notional != 0 {
		pos.PnLPct = pnlF / notional * 100
	}
	p.closed = append(p.closed, *pos)

	res := CloseResult{Status: types.PositionClosed, PnL: pnlF}
	p.closedResults[tradeID] = res

	if pnlF < 0 {
		p.consecLosses++
	} else {
		p.consecLosses = 0
	}
	p.addDayPnL(now, pnl)

	p.metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()
	p.metrics.OpenPositions.Set(float64(len(p.open)))
	p.logger.Info("position closed",
		"trade_id", tradeID,
		"reason", reason,
		"exit", exitPrice,
		"pnl", pnlF,
	)
	p.journal(ctx, *pos, true)

	return res, nil
}

// journal writes the trade to the document store, best-effort.
func (p *Paper) journal(ctx context.Context, pos types.Position, update bool) {
	if p.docs == nil {
		return
	}
	var err error
	if update {
		err = p.docs.UpdateOne(ctx, persist.CollTrades,
			persist.Query{"trade_id": pos.TradeID},
			map[string]any{
				"status":      pos.Status,
				"exit_at":     pos.ExitAt,
				"exit_price":  pos.ExitPrice,
				"exit_reason": pos.ExitReason,
				"pnl":         pos.PnL,
				"pnl_pct":     pos.PnLPct,
			})
	} else {
		err = p.docs.Insert(ctx, persist.CollTrades, pos)
	}
	if err != nil {
		p.logger.Warn("trade journal write failed", "trade_id", pos.TradeID, "error", err)
	}
}

func (p *Paper) addDayPnL(now time.Time, pnl decimal.Decimal) {
	day := now.UTC().Format("2006-01-02")
	if p.dayPnLDate != day {
		p.dayPnLDate = day
		p.dayPnL = decimal.Zero
	}
	p.dayPnL = p.dayPnL.Add(pnl)
}

// OpenPositions returns a snapshot of open positions.
func (p *Paper) OpenPositions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, 0, len(p.open))
	for _, pos := range p.open {
		out = append(out, *pos)
	}
	return out
}

// ClosedPositions returns the closed-trade ledger, oldest first.
func (p *Paper) ClosedPositions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, len(p.closed))
	copy(out, p.closed)
	return out
}

// Position looks up a position, open or closed.
func (p *Paper) Position(tradeID string) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pos, ok := p.open[tradeID]; ok {
		return *pos, true
	}
	for i := range p.closed {
		if p.closed[i].TradeID == tradeID {
			return p.closed[i], true
		}
	}
	return types.Position{}, false
}

// Capital returns the current ledger capital.
func (p *Paper) Capital() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, _ := p.capital.Float64()
	return f
}

// AvailableCash returns cash not reserved as margin.
func (p *Paper) AvailableCash() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, _ := p.availableCash.Float64()
	return f
}

// RealizedPnLToday returns today's realized P&L (UTC day).
func (p *Paper) RealizedPnLToday() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dayPnLDate != time.Now().UTC().Format("2006-01-02") {
		return 0
	}
	f, _ := p.dayPnL.Float64()
	return f
}

// ConsecutiveLosses returns the current losing streak.
func (p *Paper) ConsecutiveLosses() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consecLosses
}

// OpenNotional returns Σ entry_price × quantity over open positions.
func (p *Paper) OpenNotional() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0.0
	for _, pos := range p.open {
		total += pos.EntryPrice * pos.Quantity
	}
	return total
}
