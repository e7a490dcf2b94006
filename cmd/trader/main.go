// Agent Trader — a multi-agent intraday trading engine.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires provider → ingestion → scheduler → broker
//	provider/             — market data adapters: live WS/REST, deterministic replay, mock
//	ingest/               — tick validation and OHLC aggregation into the market store
//	marketstore/          — in-memory hot store (+ optional Redis mirror) of live state
//	agents/               — the decision graph: analysts, researchers, PM, risk panel, execution
//	llm/                  — router over remote LLM providers with failover, quotas, cooldowns
//	scheduler/            — strategic/tactical cycle cadence, freshness gate, order handoff
//	broker/               — paper broker with a decimal capital ledger
//	monitor/              — SL/TP watcher and force-flat on circuit breaker
//	risk/                 — circuit breaker over ledger, feed, and volatility checks
//	snapshot/             — periodic decision snapshot for dashboards
//	api/                  — read-only HTTP API + Prometheus metrics
//	persist/              — SQLite document store (trades, decisions, OHLC history, events)
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"agenttrader/internal/config"
	"agenttrader/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Trading.PaperMode {
		logger.Warn("PAPER MODE — no real orders will be placed")
	}
	logger.Info("agent trader started",
		"instrument", cfg.Instrument.Symbol,
		"strategic_cycle_min", cfg.Scheduler.StrategicCycleMinutes,
		"tactical_cycle_min", cfg.Scheduler.TacticalCycleMinutes,
		"initial_capital", cfg.Trading.InitialCapital,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
