// Package metrics holds the Prometheus instrumentation shared across the
// trading core. One Metrics value is built at startup and handed to each
// component; nothing registers against the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine exports.
type Metrics struct {
	registry *prometheus.Registry

	TicksIngested   *prometheus.CounterVec // instrument
	BarsFinalized   *prometheus.CounterVec // instrument, timeframe
	IngestFailures  *prometheus.CounterVec // instrument
	CyclesRun       *prometheus.CounterVec // instrument, kind
	CyclesAborted   *prometheus.CounterVec // instrument, reason
	LLMCalls        *prometheus.CounterVec // provider, outcome
	LLMTokens       *prometheus.CounterVec // provider
	OrdersPlaced    *prometheus.CounterVec // status
	PositionsClosed *prometheus.CounterVec // reason
	OpenPositions   prometheus.Gauge
	BreakerHalted   prometheus.Gauge
	DataAgeSeconds  *prometheus.GaugeVec // instrument
	SnapshotBuilds  prometheus.Counter
}

// New builds a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TicksIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_ticks_ingested_total",
			Help: "Ticks accepted into the market store.",
		}, []string{"instrument"}),
		BarsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_bars_finalized_total",
			Help: "OHLC bars finalized by the aggregator.",
		}, []string{"instrument", "timeframe"}),
		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_ingest_failures_total",
			Help: "Provider fetch failures during ingestion.",
		}, []string{"instrument"}),
		CyclesRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_cycles_run_total",
			Help: "Completed decision cycles.",
		}, []string{"instrument", "kind"}),
		CyclesAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_cycles_aborted_total",
			Help: "Decision cycles aborted before completion.",
		}, []string{"instrument", "reason"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_llm_calls_total",
			Help: "LLM provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_llm_tokens_total",
			Help: "Tokens consumed per LLM provider.",
		}, []string{"provider"}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_placed_total",
			Help: "Orders submitted to the broker by result status.",
		}, []string{"status"}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_positions_closed_total",
			Help: "Positions closed by exit reason.",
		}, []string{"reason"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Currently open positions.",
		}),
		BreakerHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_breaker_halted",
			Help: "1 when the circuit breaker is halting execution.",
		}),
		DataAgeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_data_age_seconds",
			Help: "Seconds since the last tick per instrument.",
		}, []string{"instrument"}),
		SnapshotBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_snapshot_builds_total",
			Help: "Decision snapshots built.",
		}),
	}
	reg.MustRegister(
		m.TicksIngested, m.BarsFinalized, m.IngestFailures,
		m.CyclesRun, m.CyclesAborted,
		m.LLMCalls, m.LLMTokens,
		m.OrdersPlaced, m.PositionsClosed, m.OpenPositions,
		m.BreakerHalted, m.DataAgeSeconds, m.SnapshotBuilds,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
