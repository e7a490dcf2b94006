// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — instruments,
// ticks, OHLC bars, depth levels, options chains, signals, positions, and
// cycle results. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// SignalAction is the direction of a trade signal.
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
	ActionHold SignalAction = "HOLD"
)

// SignalStatus tracks a signal through its lifecycle.
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalExecuted SignalStatus = "executed"
	SignalRejected SignalStatus = "rejected"
	SignalExpired  SignalStatus = "expired"
)

// Side is the direction of an open position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// PositionStatus tracks a position through its lifecycle.
// Transitions form a DAG: OPEN → CLOSED, OPEN → CANCELLED.
type PositionStatus string

const (
	PositionOpen      PositionStatus = "OPEN"
	PositionClosed    PositionStatus = "CLOSED"
	PositionCancelled PositionStatus = "CANCELLED"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitManual     ExitReason = "MANUAL"
	ExitRiskHalt   ExitReason = "RISK_HALT"
)

// InstrumentKind classifies what is being traded.
type InstrumentKind string

const (
	KindIndex  InstrumentKind = "index"
	KindFuture InstrumentKind = "future"
	KindOption InstrumentKind = "option"
	KindSpot   InstrumentKind = "spot"
)

// Timeframe is a supported OHLC aggregation window.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
)

// Timeframes lists all supported aggregation windows, shortest first.
var Timeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h}

// Duration returns the wall-clock length of one bar of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	default:
		return time.Minute
	}
}

// ————————————————————————————————————————————————————————————————————————
// Instruments
// ————————————————————————————————————————————————————————————————————————

// Instrument identifies one tradeable thing. Immutable once created.
type Instrument struct {
	Symbol   string         `json:"symbol"`   // canonical: uppercase, separators removed
	Exchange string         `json:"exchange"` // exchange code, e.g. "NSE", "BINANCE"
	Kind     InstrumentKind `json:"kind"`
}

// CanonicalSymbol normalizes a raw symbol to the canonical store key:
// uppercase with separators removed ("btc-usdt" → "BTCUSDT").
func CanonicalSymbol(raw string) string {
	r := strings.NewReplacer("-", "", "_", "", "/", "", ":", "", " ", "")
	return strings.ToUpper(r.Replace(raw))
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// DepthLevel is a single bid or ask level.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Orders   int     `json:"orders,omitempty"`
}

// Tick is a single market data update for one instrument at one instant.
// BidDepth/AskDepth carry at most the top 5 levels.
type Tick struct {
	Instrument  string       `json:"instrument"` // canonical symbol
	Timestamp   time.Time    `json:"timestamp"`
	LastPrice   float64      `json:"last_price"`
	Volume      float64      `json:"volume,omitempty"`
	BidDepth    []DepthLevel `json:"bid_depth,omitempty"`
	AskDepth    []DepthLevel `json:"ask_depth,omitempty"`
	BidQtyTotal float64      `json:"bid_qty_total,omitempty"`
	AskQtyTotal float64      `json:"ask_qty_total,omitempty"`
	Virtual     bool         `json:"virtual,omitempty"` // produced by historical replay
}

// OHLCBar is one candle.
//
// Invariants: Low ≤ Open,Close ≤ High; StartAt is aligned to the timeframe
// boundary (floor(ts/tf)*tf); at most one open bar per (instrument,
// timeframe) at any instant. A tick whose timestamp lands exactly on a
// boundary belongs to the NEW bar.
type OHLCBar struct {
	Instrument string    `json:"instrument"`
	Timeframe  Timeframe `json:"timeframe"`
	StartAt    time.Time `json:"start_at"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TickCount  int       `json:"tick_count,omitempty"`
}

// StrikeData holds per-strike option quotes and open interest.
type StrikeData struct {
	CELTP    float64 `json:"ce_ltp"`
	CEOI     float64 `json:"ce_oi"`
	CEVolume float64 `json:"ce_volume"`
	PELTP    float64 `json:"pe_ltp"`
	PEOI     float64 `json:"pe_oi"`
	PEVolume float64 `json:"pe_volume"`
}

// OptionsChainSnapshot is an at-most-one-current, TTL-bounded (≤60s) view
// of the options chain around the money for one instrument.
type OptionsChainSnapshot struct {
	Instrument   string             `json:"instrument"`
	At           time.Time          `json:"at"`
	FuturesPrice float64            `json:"futures_price"`
	Strikes      map[int]StrikeData `json:"strikes"`
	Expiry       time.Time          `json:"expiry"`
}

// Quote is a point-in-time price summary returned by a provider.
type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Volume    float64   `json:"volume"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Open      float64   `json:"open"`
	Close     float64   `json:"close"` // previous session close
	Timestamp time.Time `json:"timestamp"`
}

// Candle is a historical OHLCV row returned by a provider.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals and positions
// ————————————————————————————————————————————————————————————————————————

// Signal is the actionable output of a decision cycle.
type Signal struct {
	ID         string       `json:"id"`
	Instrument string       `json:"instrument"`
	Action     SignalAction `json:"action"`
	Confidence float64      `json:"confidence"` // [0, 1]
	Entry      float64      `json:"entry"`
	StopLoss   float64      `json:"stop_loss"`
	TakeProfit float64      `json:"take_profit"`
	Quantity   float64      `json:"quantity"`
	Status     SignalStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	Reasoning  string       `json:"reasoning,omitempty"`
	Conditions []string     `json:"conditions,omitempty"`
}

// Actionable reports whether the signal calls for an order.
func (s Signal) Actionable() bool {
	return (s.Action == ActionBuy || s.Action == ActionSell) && s.Quantity > 0
}

// Position is an open or closed trade. While OPEN all Exit* fields are
// zero-valued; after close they are all set exactly once.
type Position struct {
	TradeID    string         `json:"trade_id"`
	Instrument string         `json:"instrument"`
	Side       Side           `json:"side"`
	Quantity   float64        `json:"quantity"` // > 0
	EntryPrice float64        `json:"entry_price"`
	StopLoss   float64        `json:"stop_loss"`
	TakeProfit float64        `json:"take_profit"`
	Status     PositionStatus `json:"status"`
	EntryAt    time.Time      `json:"entry_at"`
	ExitAt     *time.Time     `json:"exit_at,omitempty"`
	ExitPrice  float64        `json:"exit_price,omitempty"`
	ExitReason ExitReason     `json:"exit_reason,omitempty"`
	Paper      bool           `json:"paper"`
	PnL        float64        `json:"pnl"`
	PnLPct     float64        `json:"pnl_pct"`
}

// Direction returns +1 for LONG, −1 for SHORT.
func (p Position) Direction() float64 {
	if p.Side == Short {
		return -1
	}
	return 1
}

// ————————————————————————————————————————————————————————————————————————
// Cycle results
// ————————————————————————————————————————————————————————————————————————

// CycleKind distinguishes the slow full-panel run from the fast adjuster.
type CycleKind string

const (
	CycleStrategic CycleKind = "strategic"
	CycleTactical  CycleKind = "tactical"
)

// CycleResult is the append-only record of one Agent Graph run.
// AgentDecisions maps agent name to its structured (JSON-serializable)
// output, including `{timed_out: true}` / `{error: reason}` placeholders.
type CycleResult struct {
	CycleID          string         `json:"cycle_id"`
	Instrument       string         `json:"instrument"`
	Kind             CycleKind      `json:"kind"`
	At               time.Time      `json:"at"`
	FinalSignal      SignalAction   `json:"final_signal"`
	BullishScore     float64        `json:"bullish_score"` // [0, 1]
	BearishScore     float64        `json:"bearish_score"` // [0, 1]
	ExecutiveSummary string         `json:"executive_summary"`
	AgentDecisions   map[string]any `json:"agent_decisions"`
	IncompleteAgents []string       `json:"incomplete_agents,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
}
