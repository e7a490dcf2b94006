// Package ingest drives market data from a provider into the market store:
// tick validation, OHLC aggregation across all timeframes, freshness
// tracking, and durable history writes.
package ingest

import (
	"sync"
	"time"

	"agenttrader/pkg/types"
)

// Aggregator folds a tick stream into OHLC bars for every supported
// timeframe. It is a pure function of the tick stream: replaying the same
// ticks produces identical bars.
//
// One open bar exists per (instrument, timeframe). A tick whose timestamp
// lands exactly on a timeframe boundary opens the new bar.
type Aggregator struct {
	mu     sync.Mutex
	active map[string]map[types.Timeframe]*types.OHLCBar
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		active: make(map[string]map[types.Timeframe]*types.OHLCBar),
	}
}

// alignTimestamp floors ts to the timeframe boundary.
func alignTimestamp(ts time.Time, tf types.Timeframe) time.Time {
	sec := int64(tf.Duration() / time.Second)
	return time.Unix(ts.Unix()/sec*sec, 0).UTC()
}

// OnTick folds one tick into every timeframe and returns the bars that
// this tick finalized (zero or more, shortest timeframe first).
func (a *Aggregator) OnTick(tick types.Tick) []types.OHLCBar {
	a.mu.Lock()
	defer a.mu.Unlock()

	byTF, ok := a.active[tick.Instrument]
	if !ok {
		byTF = make(map[types.Timeframe]*types.OHLCBar)
		a.active[tick.Instrument] = byTF
	}

	var finalized []types.OHLCBar
	for _, tf := range types.Timeframes {
		start := alignTimestamp(tick.Timestamp, tf)
		bar := byTF[tf]

		if bar != nil && !bar.StartAt.Equal(start) {
			finalized = append(finalized, *bar)
			bar = nil
		}
		if bar == nil {
			byTF[tf] = &types.OHLCBar{
				Instrument: tick.Instrument,
				Timeframe:  tf,
				StartAt:    start,
				Open:       tick.LastPrice,
				High:       tick.LastPrice,
				Low:        tick.LastPrice,
				Close:      tick.LastPrice,
				Volume:     tick.Volume,
				TickCount:  1,
			}
			continue
		}

		if tick.LastPrice > bar.High {
			bar.High = tick.LastPrice
		}
		if tick.LastPrice < bar.Low {
			bar.Low = tick.LastPrice
		}
		bar.Close = tick.LastPrice
		bar.Volume += tick.Volume
		bar.TickCount++
	}
	return finalized
}

// OpenBar returns a copy of the current open bar, if any.
func (a *Aggregator) OpenBar(instrument string, tf types.Timeframe) (types.OHLCBar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bar, ok := a.active[instrument][tf]
	if !ok {
		return types.OHLCBar{}, false
	}
	return *bar, true
}

// Flush finalizes and returns every open bar. Used at shutdown and at
// session close so partial bars are not lost.
func (a *Aggregator) Flush() []types.OHLCBar {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []types.OHLCBar
	for _, byTF := range a.active {
		for _, bar := range byTF {
			out = append(out, *bar)
		}
	}
	a.active = make(map[string]map[types.Timeframe]*types.OHLCBar)
	return out
}
