package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenttrader/internal/broker"
	"agenttrader/internal/config"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/metrics"
	"agenttrader/internal/snapshot"
	"agenttrader/pkg/types"
)

type fakeCycles struct {
	sig   *types.Signal
	cycle *types.CycleResult
}

func (f fakeCycles) LatestSignal() (types.Signal, bool) {
	if f.sig == nil {
		return types.Signal{}, false
	}
	return *f.sig, true
}

func (f fakeCycles) LatestCycle() (types.CycleResult, bool) {
	if f.cycle == nil {
		return types.CycleResult{}, false
	}
	return *f.cycle, true
}

func newPaper(t *testing.T) *broker.Paper {
	t.Helper()
	return broker.NewPaper(config.TradingConfig{
		InitialCapital:         1_000_000,
		MaxConcurrentPositions: 5,
		MarginFraction:         0.2,
		CommissionPerTrade:     20,
	}, nil, nil, nil, metrics.New(), slog.Default())
}

func newServer(t *testing.T, store *marketstore.Store, paper *broker.Paper,
	cycles CycleSource, snaps *snapshot.Builder) *Server {
	t.Helper()
	return New(0, "NIFTY", store, paper, cycles, snaps, nil, metrics.New(), slog.Default())
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthFreshnessLaw(t *testing.T) {
	t.Parallel()

	store := marketstore.New(nil)
	s := newServer(t, store, newPaper(t), nil, nil)

	// No data at all: unhealthy.
	rec, body := get(t, s, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, false, body["ltp_fresh"])

	// Fresh tick but stale depth: degraded.
	store.PutTick(types.Tick{Instrument: "NIFTY", Timestamp: time.Now(), LastPrice: 22500})
	store.PutDepth("NIFTY",
		[]types.DepthLevel{{Price: 22499, Quantity: 10}},
		[]types.DepthLevel{{Price: 22501, Quantity: 10}},
		time.Now().Add(-10*time.Minute))
	_, body = get(t, s, "/api/health")
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["ltp_fresh"])
	assert.Equal(t, false, body["depth_recent"])

	// Both fresh: ok.
	store.PutDepth("NIFTY",
		[]types.DepthLevel{{Price: 22499, Quantity: 10}},
		[]types.DepthLevel{{Price: 22501, Quantity: 10}},
		time.Now())
	rec, body = get(t, s, "/api/health")
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
}

func TestAliasLaw(t *testing.T) {
	t.Parallel()

	out, err := aliased(map[string]any{
		"entry_price": 45250.0,
		"nested": map[string]any{
			"stop_loss": 45100.0,
		},
		"list": []map[string]any{
			{"take_profit": 45500.0},
		},
	})
	require.NoError(t, err)

	top := out.(map[string]any)
	assert.Equal(t, 45250.0, top["entry_price"])
	assert.Equal(t, 45250.0, top["entryPrice"])
	assert.Equal(t, 45250.0, top["entryprice"])

	nested := top["nested"].(map[string]any)
	assert.Equal(t, 45100.0, nested["stop_loss"])
	assert.Equal(t, 45100.0, nested["stopLoss"])
	assert.Equal(t, 45100.0, nested["stoploss"])

	item := top["list"].([]any)[0].(map[string]any)
	assert.Equal(t, 45500.0, item["take_profit"])
	assert.Equal(t, 45500.0, item["takeProfit"])
	assert.Equal(t, 45500.0, item["takeprofit"])
}

func TestLatestSignalAliases(t *testing.T) {
	t.Parallel()

	cycles := fakeCycles{sig: &types.Signal{
		Action: types.ActionBuy, Entry: 45250, StopLoss: 45100,
		TakeProfit: 45500, Confidence: 0.8, Reasoning: "trend continuation",
	}}
	s := newServer(t, marketstore.New(nil), newPaper(t), cycles, nil)

	rec, body := get(t, s, "/api/latest-signal")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BUY", body["signal"])
	assert.Equal(t, 45250.0, body["entry_price"])
	assert.Equal(t, 45250.0, body["entryPrice"])
	assert.Equal(t, 45250.0, body["entryprice"])

	// No signal yet is a valid response, not an error.
	s2 := newServer(t, marketstore.New(nil), newPaper(t), fakeCycles{}, nil)
	rec, body = get(t, s2, "/api/latest-signal")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NONE", body["signal"])
}

func TestLatestAnalysis(t *testing.T) {
	t.Parallel()

	cycles := fakeCycles{cycle: &types.CycleResult{
		CycleID:          "NIFTY-3",
		At:               time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		FinalSignal:      types.ActionBuy,
		BullishScore:     0.7,
		BearishScore:     0.2,
		ExecutiveSummary: "bullish consensus",
		AgentDecisions: map[string]any{
			"technical": map[string]any{"signal": "BUY"},
			"sentiment": map[string]any{"timed_out": true},
		},
	}}
	s := newServer(t, marketstore.New(nil), newPaper(t), cycles, nil)

	_, body := get(t, s, "/api/latest-analysis")
	assert.Equal(t, "BUY", body["final_signal"])
	assert.Equal(t, "BUY", body["finalSignal"])
	agents := body["agents"].(map[string]any)
	sentiment := agents["sentiment"].(map[string]any)
	assert.Equal(t, true, sentiment["timed_out"])
	assert.Equal(t, true, sentiment["timedOut"])
}

func TestDecisionSnapshotLifecycle(t *testing.T) {
	t.Parallel()

	store := marketstore.New(nil)
	paper := newPaper(t)
	snaps := snapshot.New("NIFTY", store, paper, nil, nil, nil, metrics.New(), slog.Default())
	s := newServer(t, store, paper, nil, snaps)

	rec, _ := get(t, s, "/api/decision-snapshot")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	store.PutTick(types.Tick{Instrument: "NIFTY", Timestamp: time.Now(), LastPrice: 22480})
	snaps.Build()

	rec, body := get(t, s, "/api/decision-snapshot")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 22480.0, body["ltp"])
	assert.Equal(t, "NIFTY", body["instrument"])
	assert.Equal(t, 0.0, body["open_positions_count"])
	assert.Equal(t, 0.0, body["openPositionsCount"])
}

func TestRecentTradesAndPortfolio(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := marketstore.New(nil)
	paper := newPaper(t)
	store.PutTick(types.Tick{Instrument: "NIFTY", Timestamp: time.Now(), LastPrice: 45300})

	res, err := paper.PlaceOrder(ctx, types.Signal{
		Instrument: "NIFTY", Action: types.ActionBuy, Quantity: 2,
		StopLoss: 45100, TakeProfit: 45500,
	}, 45250)
	require.NoError(t, err)
	_, err = paper.ClosePosition(ctx, res.TradeID, 45350, types.ExitTakeProfit)
	require.NoError(t, err)

	_, err = paper.PlaceOrder(ctx, types.Signal{
		Instrument: "NIFTY", Action: types.ActionBuy, Quantity: 3,
	}, 45300)
	require.NoError(t, err)

	s := newServer(t, store, paper, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/recent-trades?limit=5", nil))
	var trades []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, 200.0, trades[0]["pnl"]) // (45350-45250)*2
	assert.Equal(t, trades[0]["trade_id"], trades[0]["tradeId"])

	_, body := get(t, s, "/api/portfolio")
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	pos := positions[0].(map[string]any)
	assert.Equal(t, 3.0, pos["size"])
	assert.Equal(t, 45300.0, pos["current"])

	_, body = get(t, s, "/metrics/trading")
	assert.Equal(t, 1.0, body["total_trades"])
	assert.Equal(t, 1.0, body["win_rate"])
	assert.Equal(t, 1.0, body["winRate"])
}
