package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenttrader/internal/broker"
	"agenttrader/internal/config"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/metrics"
	"agenttrader/internal/risk"
	"agenttrader/pkg/types"
)

// Futures-style margin so a 25-lot at 45 250 fits in 1 000 000 capital.
func newScenario(t *testing.T, haltFn func() bool) (*broker.Paper, *marketstore.Store, *Monitor) {
	t.Helper()
	cfg := config.TradingConfig{
		InitialCapital:         1_000_000,
		MaxConcurrentPositions: 5,
		MarginFraction:         0.2,
	}
	p := broker.NewPaper(cfg, nil, haltFn, nil, metrics.New(), slog.Default())
	store := marketstore.New(nil)
	m := New(p, store, nil, slog.Default())
	return p, store, m
}

func place(t *testing.T, p *broker.Paper) string {
	t.Helper()
	res, err := p.PlaceOrder(context.Background(), types.Signal{
		Instrument: "NIFTY",
		Action:     types.ActionBuy,
		Quantity:   25,
		StopLoss:   45100,
		TakeProfit: 45500,
	}, 45250)
	require.NoError(t, err)
	return res.TradeID
}

func TestStopLossHitOnLong(t *testing.T) {
	t.Parallel()
	p, _, m := newScenario(t, nil)
	tradeID := place(t, p)

	m.Evaluate(context.Background(), "NIFTY", 45050)

	pos, ok := p.Position(tradeID)
	require.True(t, ok)
	assert.Equal(t, types.PositionClosed, pos.Status)
	assert.Equal(t, types.ExitStopLoss, pos.ExitReason)
	assert.Equal(t, 45100.0, pos.ExitPrice, "fill at the protective price, not the crossing tick")
	assert.Equal(t, (45100.0-45250.0)*25, pos.PnL) // −3 750
}

func TestTakeProfitHitOnLong(t *testing.T) {
	t.Parallel()
	p, _, m := newScenario(t, nil)
	tradeID := place(t, p)

	m.Evaluate(context.Background(), "NIFTY", 45600)

	pos, _ := p.Position(tradeID)
	assert.Equal(t, types.ExitTakeProfit, pos.ExitReason)
	assert.Equal(t, 45500.0, pos.ExitPrice)
	assert.Equal(t, (45500.0-45250.0)*25, pos.PnL) // +6 250
}

func TestShortExitsSymmetric(t *testing.T) {
	t.Parallel()
	p, _, m := newScenario(t, nil)
	ctx := context.Background()

	res, err := p.PlaceOrder(ctx, types.Signal{
		Instrument: "NIFTY",
		Action:     types.ActionSell,
		Quantity:   10,
		StopLoss:   45400,
		TakeProfit: 45000,
	}, 45250)
	require.NoError(t, err)

	m.Evaluate(ctx, "NIFTY", 45450) // above SL on a short
	pos, _ := p.Position(res.TradeID)
	assert.Equal(t, types.ExitStopLoss, pos.ExitReason)
	assert.Equal(t, 45400.0, pos.ExitPrice)
	assert.Equal(t, (45400.0-45250.0)*10*-1, pos.PnL)
}

func TestStopLossEqualToPriceTriggers(t *testing.T) {
	t.Parallel()
	p, _, m := newScenario(t, nil)
	tradeID := place(t, p)

	m.Evaluate(context.Background(), "NIFTY", 45100) // exactly at SL

	pos, _ := p.Position(tradeID)
	assert.Equal(t, types.PositionClosed, pos.Status)
	assert.Equal(t, types.ExitStopLoss, pos.ExitReason)
}

func TestReevaluatingClosedPositionIsNoop(t *testing.T) {
	t.Parallel()
	p, _, m := newScenario(t, nil)
	tradeID := place(t, p)
	ctx := context.Background()

	m.Evaluate(ctx, "NIFTY", 45050)
	pos1, _ := p.Position(tradeID)
	capital1 := p.Capital()

	m.Evaluate(ctx, "NIFTY", 44000) // deeper crossing after close
	pos2, _ := p.Position(tradeID)

	assert.Equal(t, pos1.PnL, pos2.PnL)
	assert.Equal(t, capital1, p.Capital())
}

func TestForceFlatOnBreaker(t *testing.T) {
	t.Parallel()
	cfg := config.TradingConfig{
		InitialCapital:         1_000_000,
		MaxConcurrentPositions: 5,
		MarginFraction:         0.2,
		MaxLeverage:            3,
	}
	p := broker.NewPaper(cfg, nil, nil, nil, metrics.New(), slog.Default())
	store := marketstore.New(nil)

	breaker := risk.New(config.RiskConfig{DailyLossLimitPct: 2}, cfg, time.Minute, risk.Inputs{}, metrics.New(), slog.Default())
	breaker.SetMarketHalted(true)
	breaker.Evaluate()

	m := New(p, store, breaker, slog.Default())

	res, err := p.PlaceOrder(context.Background(), types.Signal{
		Instrument: "NIFTY", Action: types.ActionBuy, Quantity: 25,
		StopLoss: 45100, TakeProfit: 45500,
	}, 45250)
	require.NoError(t, err)

	m.Evaluate(context.Background(), "NIFTY", 45300) // no SL/TP hit, but halted

	pos, _ := p.Position(res.TradeID)
	assert.Equal(t, types.PositionClosed, pos.Status)
	assert.Equal(t, types.ExitRiskHalt, pos.ExitReason)
	assert.Equal(t, 45300.0, pos.ExitPrice, "risk halt closes at market")
}

func TestRunClosesViaTickCallback(t *testing.T) {
	t.Parallel()
	p, store, m := newScenario(t, nil)
	tradeID := place(t, p)
	m.Register()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	store.PutTick(types.Tick{Instrument: "NIFTY", Timestamp: time.Now(), LastPrice: 45050})

	deadline := time.After(2 * time.Second)
	for {
		if pos, _ := p.Position(tradeID); pos.Status == types.PositionClosed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("position not closed from tick stream")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
