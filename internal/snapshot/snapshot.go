// Package snapshot builds the periodic decision snapshot: a compact,
// serializable view of everything a dashboard (or an operator) needs to
// judge the engine's state at a glance. Snapshots are rebuilt at most
// every 30 seconds and cached; readers always get the last built one.
package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agenttrader/internal/broker"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/metrics"
	"agenttrader/pkg/types"
)

const buildInterval = 30 * time.Second

// Depth summarizes the top of book.
type Depth struct {
	BestBid     float64 `json:"best_bid"`
	BestAsk     float64 `json:"best_ask"`
	Spread      float64 `json:"spread"`
	Imbalance   float64 `json:"imbalance"` // (bid−ask)/(bid+ask) over visible qty
	LargeOrders int     `json:"large_orders"`
}

// Options summarizes the chain positioning.
type Options struct {
	FuturesPrice float64 `json:"futures_price"`
	ATMStrike    int     `json:"atm_strike"`
	PCR          float64 `json:"pcr"`
	TotalCEOI    float64 `json:"total_ce_oi"`
	TotalPEOI    float64 `json:"total_pe_oi"`
}

// Snapshot is the built view.
type Snapshot struct {
	Instrument         string        `json:"instrument"`
	At                 time.Time     `json:"at"`
	LTP                float64       `json:"ltp"`
	Depth              *Depth        `json:"depth,omitempty"`
	Options            *Options      `json:"options,omitempty"`
	LatestSignal       *types.Signal `json:"latest_signal,omitempty"`
	OpenPositionsCount int           `json:"open_positions_count"`
	RecentPnL          float64       `json:"recent_pnl"`
}

// SignalSource supplies the most recent actionable signal.
type SignalSource interface {
	LatestSignal() (types.Signal, bool)
}

// Builder rebuilds the snapshot on a fixed cadence.
type Builder struct {
	instrument string
	store      *marketstore.Store
	brk        broker.Broker
	signals    SignalSource
	pnlFn      func() float64     // today's realized P&L
	cache      *marketstore.Cache // optional Redis mirror, may be nil
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.RWMutex
	current *Snapshot
}

// New creates a builder. signals and cache may be nil.
func New(instrument string, store *marketstore.Store, brk broker.Broker,
	signals SignalSource, pnlFn func() float64, cache *marketstore.Cache,
	m *metrics.Metrics, logger *slog.Logger) *Builder {
	return &Builder{
		instrument: types.CanonicalSymbol(instrument),
		store:      store,
		brk:        brk,
		signals:    signals,
		pnlFn:      pnlFn,
		cache:      cache,
		metrics:    m,
		logger:     logger.With("component", "snapshot"),
	}
}

// Run blocks until ctx is cancelled, rebuilding every 30 seconds. The
// first build happens immediately.
func (b *Builder) Run(ctx context.Context) error {
	b.Build()
	ticker := time.NewTicker(buildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Build()
		}
	}
}

// Build assembles a fresh snapshot from the hot store and ledger and
// makes it current.
func (b *Builder) Build() Snapshot {
	snap := Snapshot{
		Instrument:         b.instrument,
		At:                 time.Now().UTC(),
		OpenPositionsCount: len(b.brk.OpenPositions()),
	}
	if price, ok := b.store.LatestPrice(b.instrument); ok {
		snap.LTP = price
	}
	if b.pnlFn != nil {
		snap.RecentPnL = b.pnlFn()
	}
	if b.signals != nil {
		if sig, ok := b.signals.LatestSignal(); ok {
			snap.LatestSignal = &sig
		}
	}

	if bids, asks, _ := b.store.Depth(b.instrument); len(bids) > 0 || len(asks) > 0 {
		snap.Depth = buildDepth(bids, asks)
	}
	if chain, ok := b.store.OptionsChain(b.instrument); ok {
		snap.Options = buildOptions(chain)
	}

	b.mu.Lock()
	b.current = &snap
	b.mu.Unlock()

	b.metrics.SnapshotBuilds.Inc()
	if b.cache != nil {
		b.cache.WriteSnapshot(b.instrument, snap)
	}
	return snap
}

// Current returns the last built snapshot; ok is false before the first
// build completes.
func (b *Builder) Current() (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return Snapshot{}, false
	}
	return *b.current, true
}

func buildDepth(bids, asks []types.DepthLevel) *Depth {
	d := &Depth{}
	var bidQty, askQty, avgQty float64
	var levels int
	for _, l := range bids {
		bidQty += l.Quantity
		avgQty += l.Quantity
		levels++
	}
	for _, l := range asks {
		askQty += l.Quantity
		avgQty += l.Quantity
		levels++
	}
	if len(bids) > 0 {
		d.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		d.BestAsk = asks[0].Price
	}
	if d.BestBid > 0 && d.BestAsk > 0 {
		d.Spread = d.BestAsk - d.BestBid
	}
	if bidQty+askQty > 0 {
		d.Imbalance = (bidQty - askQty) / (bidQty + askQty)
	}
	if levels > 0 {
		avgQty /= float64(levels)
		// A large order is one holding at least 3x the average level size.
		for _, l := range bids {
			if l.Quantity >= 3*avgQty {
				d.LargeOrders++
			}
		}
		for _, l := range asks {
			if l.Quantity >= 3*avgQty {
				d.LargeOrders++
			}
		}
	}
	return d
}

func buildOptions(chain types.OptionsChainSnapshot) *Options {
	o := &Options{FuturesPrice: chain.FuturesPrice}
	bestDist := 0.0
	for strike, data := range chain.Strikes {
		o.TotalCEOI += data.CEOI
		o.TotalPEOI += data.PEOI
		dist := chain.FuturesPrice - float64(strike)
		if dist < 0 {
			dist = -dist
		}
		if o.ATMStrike == 0 || dist < bestDist {
			o.ATMStrike = strike
			bestDist = dist
		}
	}
	if o.TotalCEOI > 0 {
		o.PCR = o.TotalPEOI / o.TotalCEOI
	}
	return o
}
