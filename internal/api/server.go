// Package api serves the read-only HTTP surface: health and freshness,
// market data, signals, analysis, trades, portfolio, decision snapshot,
// and the JSON metric endpoints, plus the Prometheus registry.
//
// The API never blocks on trading internals and degrades instead of
// erroring: missing data yields empty-but-valid payloads. The only 503 is
// the decision snapshot before its first build.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"agenttrader/internal/broker"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/metrics"
	"agenttrader/internal/snapshot"
	"agenttrader/pkg/types"
)

// Freshness thresholds for /api/health.
const (
	ltpFreshMax    = 120 * time.Second
	depthRecentMax = 180 * time.Second
)

// CycleSource supplies the latest signal and cycle result.
type CycleSource interface {
	LatestSignal() (types.Signal, bool)
	LatestCycle() (types.CycleResult, bool)
}

// Server is the HTTP API server.
type Server struct {
	instrument string
	store      *marketstore.Store
	paper      *broker.Paper
	cycles     CycleSource
	snaps      *snapshot.Builder
	sessionFn  func() bool // market-open probe, may be nil
	metrics    *metrics.Metrics
	logger     *slog.Logger

	srv *http.Server
}

// New creates the server. cycles, snaps and sessionFn may be nil; the
// corresponding endpoints then serve their empty shapes.
func New(port int, instrument string, store *marketstore.Store, paper *broker.Paper,
	cycles CycleSource, snaps *snapshot.Builder, sessionFn func() bool,
	m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		instrument: types.CanonicalSymbol(instrument),
		store:      store,
		paper:      paper,
		cycles:     cycles,
		snaps:      snaps,
		sessionFn:  sessionFn,
		metrics:    m,
		logger:     logger.With("component", "api"),
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/market-data", s.handleMarketData).Methods(http.MethodGet)
	r.HandleFunc("/api/latest-signal", s.handleLatestSignal).Methods(http.MethodGet)
	r.HandleFunc("/api/latest-analysis", s.handleLatestAnalysis).Methods(http.MethodGet)
	r.HandleFunc("/api/recent-trades", s.handleRecentTrades).Methods(http.MethodGet)
	r.HandleFunc("/api/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	r.HandleFunc("/api/decision-snapshot", s.handleDecisionSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/metrics/trading", s.handleTradingMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/risk", s.handleRiskMetrics).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then shuts down with a 5s grace.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	out, err := aliased(v)
	if err != nil {
		s.logger.Error("response encode failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

// handleHealth reports ok only when the last tick is under 120s old and
// depth under 180s; one stale reading degrades, both mark unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ltpAge := s.store.Age(s.instrument)
	depthAge := s.store.DepthAge(s.instrument)
	ltpFresh := ltpAge < ltpFreshMax
	depthRecent := depthAge < depthRecentMax

	status := "unhealthy"
	switch {
	case ltpFresh && depthRecent:
		status = "ok"
	case ltpFresh || depthRecent:
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"ltp_fresh":         ltpFresh,
		"ltp_age_seconds":   clampAge(ltpAge),
		"depth_recent":      depthRecent,
		"depth_age_seconds": clampAge(depthAge),
	})
}

// clampAge keeps the never-seen sentinel from serializing as a 146-year
// duration.
func clampAge(age time.Duration) float64 {
	const never = 1e9
	sec := age.Seconds()
	if sec > never {
		return never
	}
	return sec
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	price, _ := s.store.LatestPrice(s.instrument)
	open, high, low, vwap, _ := s.store.DayStats(s.instrument)

	change := 0.0
	if open > 0 {
		change = (price - open) / open * 100
	}
	marketOpen := true
	if s.sessionFn != nil {
		marketOpen = s.sessionFn()
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"current_price": price,
		"market_open":   marketOpen,
		"high_24h":      high,
		"low_24h":       low,
		"vwap":          vwap,
		"change_24h":    change,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLatestSignal(w http.ResponseWriter, r *http.Request) {
	if s.cycles != nil {
		if sig, ok := s.cycles.LatestSignal(); ok {
			s.writeJSON(w, http.StatusOK, map[string]any{
				"signal":      sig.Action,
				"entry_price": sig.Entry,
				"stop_loss":   sig.StopLoss,
				"take_profit": sig.TakeProfit,
				"confidence":  sig.Confidence,
				"reasoning":   sig.Reasoning,
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"signal": "NONE"})
}

func (s *Server) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.cycles != nil {
		if cycle, ok := s.cycles.LatestCycle(); ok {
			s.writeJSON(w, http.StatusOK, map[string]any{
				"agents":            cycle.AgentDecisions,
				"timestamp":         cycle.At.Format(time.RFC3339),
				"final_signal":      cycle.FinalSignal,
				"bullish_score":     cycle.BullishScore,
				"bearish_score":     cycle.BearishScore,
				"executive_summary": cycle.ExecutiveSummary,
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": map[string]any{}})
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	closed := s.paper.ClosedPositions()
	// Newest first.
	trades := make([]types.Position, 0, limit)
	for i := len(closed) - 1; i >= 0 && len(trades) < limit; i-- {
		trades = append(trades, closed[i])
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	open := s.paper.OpenPositions()
	positions := make([]map[string]any, 0, len(open))
	unrealized := 0.0
	for _, pos := range open {
		current := pos.EntryPrice
		if price, ok := s.store.LatestPrice(pos.Instrument); ok {
			current = price
		}
		pnl := (current - pos.EntryPrice) * pos.Quantity * pos.Direction()
		unrealized += pnl
		positions = append(positions, map[string]any{
			"symbol":  pos.Instrument,
			"size":    pos.Quantity,
			"entry":   pos.EntryPrice,
			"current": current,
			"pnl":     pnl,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_value": s.paper.Capital() + unrealized,
		"positions":   positions,
	})
}

func (s *Server) handleDecisionSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snaps != nil {
		if snap, ok := s.snaps.Current(); ok {
			s.writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error": "snapshot not yet built",
	})
}

func (s *Server) handleTradingMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.paper.TradingStats())
}

func (s *Server) handleRiskMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.paper.RiskStats())
}
