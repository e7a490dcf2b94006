// Package marketstore provides the in-memory hot store of per-instrument
// live state: latest tick, bounded tick ring, OHLC bars per timeframe,
// depth, and the options chain snapshot.
//
// The Store is updated by exactly one ingestion producer per instrument and
// read by many consumers (scheduler, position monitor, snapshot builder,
// API). All state is RWMutex protected; the (latest_price, latest_ts) pair
// is written under the same lock so a reader never observes a price newer
// than its timestamp.
package marketstore

import (
	"sync"
	"time"

	"agenttrader/pkg/types"
)

const (
	tickRingSize = 1000
	maxBars      = 500
)

// TickCallback is invoked synchronously after each accepted tick, while no
// lock is held. The OHLC aggregator and the position monitor register here.
type TickCallback func(types.Tick)

// instrumentState is the hot state for one instrument.
type instrumentState struct {
	latestTick  *types.Tick
	latestPrice float64
	latestTS    time.Time
	virtual     bool // latest tick came from a replay feed

	ticks     []types.Tick // ring, oldest at head
	bars      map[types.Timeframe][]types.OHLCBar
	bidDepth  []types.DepthLevel
	askDepth  []types.DepthLevel
	depthAt   time.Time
	chain     *types.OptionsChainSnapshot
	chainTTL  time.Duration
	dayHigh   float64
	dayLow    float64
	dayOpen   float64
	volumeSum float64
	vwapNum   float64 // Σ price*volume
}

// Store is the hot store for all instruments.
type Store struct {
	mu        sync.RWMutex
	state     map[string]*instrumentState
	callbacks []TickCallback
	cache     *Cache // optional write-through Redis tier, may be nil
}

// New creates an empty Store. cache may be nil.
func New(cache *Cache) *Store {
	return &Store{
		state: make(map[string]*instrumentState),
		cache: cache,
	}
}

// RegisterTickCallback adds a callback invoked after every accepted tick.
// Must be called before ingestion starts; registration is not synchronized
// with concurrent PutTick.
func (s *Store) RegisterTickCallback(cb TickCallback) {
	s.callbacks = append(s.callbacks, cb)
}

func (s *Store) get(instrument string) *instrumentState {
	st, ok := s.state[instrument]
	if !ok {
		st = &instrumentState{
			bars:     make(map[types.Timeframe][]types.OHLCBar),
			chainTTL: 60 * time.Second,
			dayLow:   0,
		}
		s.state[instrument] = st
	}
	return st
}

// PutTick records a tick: updates latest price/timestamp atomically, appends
// to the tick ring, and refreshes the intraday aggregates. Duplicate ticks
// (same timestamp and price as the current latest) are accepted idempotently.
// Callbacks run after the lock is released.
func (s *Store) PutTick(tick types.Tick) {
	s.mu.Lock()
	st := s.get(tick.Instrument)

	st.latestTick = &tick
	st.latestPrice = tick.LastPrice
	st.latestTS = tick.Timestamp
	st.virtual = tick.Virtual

	st.ticks = append(st.ticks, tick)
	if len(st.ticks) > tickRingSize {
		st.ticks = st.ticks[len(st.ticks)-tickRingSize:]
	}

	if st.dayOpen == 0 {
		st.dayOpen = tick.LastPrice
	}
	if tick.LastPrice > st.dayHigh {
		st.dayHigh = tick.LastPrice
	}
	if st.dayLow == 0 || tick.LastPrice < st.dayLow {
		st.dayLow = tick.LastPrice
	}
	if tick.Volume > 0 {
		st.volumeSum += tick.Volume
		st.vwapNum += tick.LastPrice * tick.Volume
	}

	if len(tick.BidDepth) > 0 || len(tick.AskDepth) > 0 {
		st.bidDepth = tick.BidDepth
		st.askDepth = tick.AskDepth
		st.depthAt = tick.Timestamp
	}
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.WriteTick(tick)
	}
	for _, cb := range s.callbacks {
		cb(tick)
	}
}

// PutBar stores a finalized OHLC bar, keeping the newest maxBars per
// (instrument, timeframe) in oldest-first order.
func (s *Store) PutBar(bar types.OHLCBar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(bar.Instrument)
	bars := append(st.bars[bar.Timeframe], bar)
	if len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	st.bars[bar.Timeframe] = bars
}

// PutDepth replaces the depth levels for an instrument.
func (s *Store) PutDepth(instrument string, bids, asks []types.DepthLevel, at time.Time) {
	s.mu.Lock()
	st := s.get(instrument)
	st.bidDepth = bids
	st.askDepth = asks
	st.depthAt = at
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.WriteDepth(instrument, bids, asks)
	}
}

// PutOptionsChain replaces the current options chain snapshot.
func (s *Store) PutOptionsChain(chain types.OptionsChainSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(chain.Instrument)
	st.chain = &chain
}

// LatestPrice returns the last traded price, or false if no tick yet.
func (s *Store) LatestPrice(instrument string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok || st.latestTick == nil {
		return 0, false
	}
	return st.latestPrice, true
}

// LatestTick returns a copy of the latest tick, or false if none.
func (s *Store) LatestTick(instrument string) (types.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok || st.latestTick == nil {
		return types.Tick{}, false
	}
	return *st.latestTick, true
}

// RecentBars returns up to limit finalized bars, oldest-first. Oldest-first
// ordering is what the indicator calculations expect.
func (s *Store) RecentBars(instrument string, tf types.Timeframe, limit int) []types.OHLCBar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok {
		return nil
	}
	bars := st.bars[tf]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]types.OHLCBar, len(bars))
	copy(out, bars)
	return out
}

// RecentTicks returns up to limit ticks from the ring, oldest-first.
func (s *Store) RecentTicks(instrument string, limit int) []types.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok {
		return nil
	}
	ticks := st.ticks
	if limit > 0 && len(ticks) > limit {
		ticks = ticks[len(ticks)-limit:]
	}
	out := make([]types.Tick, len(ticks))
	copy(out, ticks)
	return out
}

// Depth returns the current depth levels and when they were recorded.
func (s *Store) Depth(instrument string) (bids, asks []types.DepthLevel, at time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok {
		return nil, nil, time.Time{}
	}
	return st.bidDepth, st.askDepth, st.depthAt
}

// OptionsChain returns the current chain snapshot if it exists and is
// within its TTL, measured against the instrument's clock (virtual during
// replay).
func (s *Store) OptionsChain(instrument string) (types.OptionsChainSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok || st.chain == nil {
		return types.OptionsChainSnapshot{}, false
	}
	now := time.Now()
	if st.virtual {
		now = st.latestTS
	}
	if now.Sub(st.chain.At) > st.chainTTL {
		return types.OptionsChainSnapshot{}, false
	}
	return *st.chain, true
}

// Age returns the duration since the latest tick. Returns a very large
// value when no tick has ever been recorded. During replay the age is
// measured against the virtual clock carried by the ticks themselves,
// so freshness checks behave identically in backtests.
func (s *Store) Age(instrument string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok || st.latestTS.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	if st.virtual {
		// Virtual feeds are fresh as long as ticks keep arriving.
		return 0
	}
	return time.Since(st.latestTS)
}

// DepthAge returns the duration since the last depth update.
func (s *Store) DepthAge(instrument string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok || st.depthAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	if st.virtual {
		return 0
	}
	return time.Since(st.depthAt)
}

// IsVirtual reports whether the latest tick came from a replay feed.
func (s *Store) IsVirtual(instrument string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	return ok && st.virtual
}

// DayStats returns intraday aggregates: open, high, low, VWAP and total
// volume since the store was created.
func (s *Store) DayStats(instrument string) (open, high, low, vwap, volume float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[instrument]
	if !ok {
		return 0, 0, 0, 0, 0
	}
	vwap = 0
	if st.volumeSum > 0 {
		vwap = st.vwapNum / st.volumeSum
	}
	return st.dayOpen, st.dayHigh, st.dayLow, vwap, st.volumeSum
}
