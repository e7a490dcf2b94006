// Package engine is the central orchestrator of the trading core.
//
// It wires together all subsystems:
//
//  1. Provider adapter feeds the ingestion pipeline (live WS, replay file,
//     or mock data when neither is configured).
//  2. Ingestion writes ticks and finalized OHLC bars into the market store.
//  3. The scheduler runs strategic and tactical decision cycles through the
//     agent graph and hands actionable signals to the paper broker.
//  4. The position monitor watches open positions for SL/TP and force-flat.
//  5. The circuit breaker gates all of it; the snapshot builder and HTTP
//     API expose state to the outside.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agenttrader/internal/agents"
	"agenttrader/internal/api"
	"agenttrader/internal/broker"
	"agenttrader/internal/config"
	"agenttrader/internal/ingest"
	"agenttrader/internal/llm"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/metrics"
	"agenttrader/internal/monitor"
	"agenttrader/internal/persist"
	"agenttrader/internal/provider"
	"agenttrader/internal/risk"
	"agenttrader/internal/scheduler"
	"agenttrader/internal/snapshot"
	"agenttrader/pkg/types"
)

const shutdownGrace = 5 * time.Second

// Engine owns every component and the lifecycle of their goroutines.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	docs    persist.DocStore
	cache   *marketstore.Cache
	store   *marketstore.Store
	prov    provider.Provider
	pipe    *ingest.Pipeline
	router  *llm.Router
	breaker *risk.Breaker
	paper   *broker.Paper
	mon     *monitor.Monitor
	sched   *scheduler.Scheduler
	snaps   *snapshot.Builder
	apiSrv  *api.Server
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	symbol := types.CanonicalSymbol(cfg.Instrument.Symbol)
	m := metrics.New()

	docs, err := persist.NewSQLiteStore(cfg.Persistence.Path,
		cfg.Persistence.OHLCTTLDays, cfg.Persistence.EventsTTLDays, logger)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	// The Redis tier is optional; a connection failure downgrades to
	// in-memory only.
	var cache *marketstore.Cache
	if cfg.Cache.Addr != "" {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		cache, err = marketstore.NewCache(pingCtx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, logger)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, running without hot cache", "error", err)
			cache = nil
		}
	}

	store := marketstore.New(cache)

	prov, err := provider.NewFromConfig(cfg.Provider, logger)
	if err != nil {
		docs.Close()
		return nil, fmt.Errorf("build provider: %w", err)
	}

	pipe := ingest.New(symbol, prov, store, docs, m, cfg.Provider.PollInterval, cfg.Options, logger)

	router := llm.NewRouter(cfg.LLM, func(pc config.LLMProviderConfig) llm.Client {
		return llm.NewHTTPClient(pc)
	}, m, logger)

	// Offline mode: with no API keys configured, the agents run on their
	// deterministic scoring instead of burning failed router calls.
	var caller agents.LLMCaller
	if llmConfigured(cfg.LLM) {
		caller = router
	} else {
		logger.Warn("no llm api keys configured, agents run deterministic fallbacks")
	}

	// The breaker and broker reference each other: the breaker reads the
	// ledger, the broker's halt gate reads the breaker. The closure breaks
	// the cycle; breaker is assigned before any order can flow.
	var breaker *risk.Breaker
	haltFn := func() bool {
		if breaker == nil {
			return false
		}
		return breaker.ShouldHalt()
	}

	paper := broker.NewPaper(cfg.Trading, []string{symbol}, haltFn, docs, m, logger)

	// Live mode keeps the same ledger as the book of record but forwards
	// every fill and exit to the provider's order endpoint.
	if !cfg.Trading.PaperMode {
		placer, ok := prov.(provider.OrderPlacer)
		if !ok {
			docs.Close()
			return nil, fmt.Errorf("live trading requires an order-capable provider (%s cannot place orders)", prov.Profile().Name)
		}
		paper.SetOrderRouter(func(ctx context.Context, instrument string, action types.SignalAction, qty, price float64) (string, error) {
			return placer.PlaceOrder(ctx, provider.Order{Symbol: instrument, Action: action, Quantity: qty})
		})
	}

	breaker = risk.New(cfg.Risk, cfg.Trading,
		time.Duration(cfg.Scheduler.DataMaxAgeSeconds)*time.Second,
		risk.Inputs{
			RealizedPnLToday:   paper.RealizedPnLToday,
			Capital:            paper.Capital,
			ConsecutiveLosses:  paper.ConsecutiveLosses,
			DataAge:            func() time.Duration { return store.Age(symbol) },
			LLMCallsLastMinute: router.CallsLastMinute,
			Volatility: func() float64 {
				bars := store.RecentBars(symbol, types.TF1m, 60)
				closes := make([]float64, len(bars))
				for i, b := range bars {
					closes[i] = b.Close
				}
				return agents.Volatility(closes)
			},
			OpenNotional: paper.OpenNotional,
		}, m, logger)

	// During replay the broker stamps fills with the feed's virtual clock
	// so backtests are reproducible.
	if rp, ok := prov.(*provider.Replay); ok {
		paper.SetClock(rp.Now)
	}

	mon := monitor.New(paper, store, breaker, logger)
	mon.Register()

	graph := agents.NewGraph(caller, cfg.LLM, cfg.Risk, docs, logger)
	sched := scheduler.New(cfg.Scheduler, cfg.Market, cfg.Trading, symbol,
		store, graph, paper, breaker, paper.Capital, docs, m, logger)

	snaps := snapshot.New(symbol, store, paper, sched, paper.RealizedPnLToday, cache, m, logger)

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg.API.Port, symbol, store, paper, sched, snaps, sched.MarketOpen, m, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		docs:    docs,
		cache:   cache,
		store:   store,
		prov:    prov,
		pipe:    pipe,
		router:  router,
		breaker: breaker,
		paper:   paper,
		mon:     mon,
		sched:   sched,
		snaps:   snaps,
		apiSrv:  apiSrv,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func llmConfigured(cfg config.LLMConfig) bool {
	for _, p := range cfg.Providers {
		if p.APIKey != "" {
			return true
		}
	}
	return false
}

// Start launches all background goroutines.
func (e *Engine) Start() error {
	e.run("ingest", e.pipe.Run)
	e.run("monitor", e.mon.Run)
	e.run("scheduler", e.sched.Run)
	e.run("snapshot", e.snaps.Run)
	e.run("llm-health", e.router.RunHealthChecks)
	if e.apiSrv != nil {
		e.run("api", e.apiSrv.Run)
	}

	e.logger.Info("engine started",
		"instrument", e.cfg.Instrument.Symbol,
		"paper_mode", e.cfg.Trading.PaperMode,
		"api_enabled", e.cfg.API.Enabled,
	)
	return nil
}

func (e *Engine) run(name string, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("component stopped", "name", name, "error", err)
		}
	}()
}

// Stop cancels all goroutines, waits up to the shutdown grace for them to
// acknowledge, and closes resources. Goroutines that overrun the grace are
// abandoned.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		e.logger.Warn("shutdown grace expired, abandoning stragglers")
	}

	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			e.logger.Warn("cache close failed", "error", err)
		}
	}
	if err := e.docs.Close(); err != nil {
		e.logger.Warn("document store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}
