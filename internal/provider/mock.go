package provider

// mock.go implements a random-walk feed for development without broker
// credentials. The walk is seeded deterministically so two runs with the
// same subscriptions produce the same series.

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"agenttrader/pkg/types"
)

const mockBasePrice = 22500.0

// Mock is the development provider.
type Mock struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	symbols []string
	prices  map[string]float64
	rng     *rand.Rand

	tickCh chan types.Tick
}

// NewMock creates a mock provider emitting one tick per interval.
func NewMock(interval time.Duration, logger *slog.Logger) *Mock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Mock{
		interval: interval,
		logger:   logger.With("component", "provider_mock"),
		prices:   make(map[string]float64),
		rng:      rand.New(rand.NewSource(1)),
		tickCh:   make(chan types.Tick, tickBufferSize),
	}
}

// Profile describes the provider.
func (m *Mock) Profile() Info {
	return Info{Name: "mock", Live: false}
}

// Subscribe registers symbols for the walk.
func (m *Mock) Subscribe(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		sym := types.CanonicalSymbol(s)
		m.symbols = append(m.symbols, sym)
		m.prices[sym] = mockBasePrice
	}
}

// Ticks returns the read-only tick channel fed by Stream.
func (m *Mock) Ticks() <-chan types.Tick { return m.tickCh }

// Stream emits one tick per symbol per interval until cancelled.
func (m *Mock) Stream(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, tick := range m.step(now) {
				select {
				case m.tickCh <- tick:
				default:
				}
			}
		}
	}
}

// step advances the walk one interval for every symbol.
func (m *Mock) step(now time.Time) []types.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Tick, 0, len(m.symbols))
	for _, sym := range m.symbols {
		price := m.prices[sym]
		price *= 1 + (m.rng.Float64()-0.5)*0.001 // ±0.05% per step
		m.prices[sym] = price

		spread := price * 0.0002
		out = append(out, types.Tick{
			Instrument: sym,
			Timestamp:  now,
			LastPrice:  price,
			Volume:     float64(m.rng.Intn(500) + 50),
			BidDepth:   []types.DepthLevel{{Price: price - spread, Quantity: float64(m.rng.Intn(900) + 100)}},
			AskDepth:   []types.DepthLevel{{Price: price + spread, Quantity: float64(m.rng.Intn(900) + 100)}},
		})
	}
	return out
}

// OptionsChain synthesizes a chain around the current walk price. Open
// interest is skewed toward puts below the money and calls above, so the
// derived put/call ratio moves with the walk.
func (m *Mock) OptionsChain(_ context.Context, symbol string, strikeStep, strikeWindow int) (types.OptionsChainSnapshot, error) {
	if strikeStep <= 0 {
		strikeStep = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sym := types.CanonicalSymbol(symbol)
	price, ok := m.prices[sym]
	if !ok {
		price = mockBasePrice
	}

	atm := int(price/float64(strikeStep)+0.5) * strikeStep
	strikes := make(map[int]types.StrikeData, 2*strikeWindow+1)
	for i := -strikeWindow; i <= strikeWindow; i++ {
		strike := atm + i*strikeStep
		dist := float64(strike) - price
		base := float64(m.rng.Intn(2000) + 1000)
		strikes[strike] = types.StrikeData{
			CELTP:    max(price-float64(strike), 0) + 20,
			CEOI:     base * (1 + max(dist, 0)/price*50),
			CEVolume: float64(m.rng.Intn(500)),
			PELTP:    max(float64(strike)-price, 0) + 20,
			PEOI:     base * (1 + max(-dist, 0)/price*50),
			PEVolume: float64(m.rng.Intn(500)),
		}
	}

	now := time.Now()
	return types.OptionsChainSnapshot{
		Instrument:   sym,
		At:           now,
		FuturesPrice: price * 1.0005,
		Strikes:      strikes,
		Expiry:       now.AddDate(0, 0, 7),
	}, nil
}

// Quote returns the current walk price per symbol.
func (m *Mock) Quote(_ context.Context, symbols []string) (map[string]types.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]types.Quote, len(symbols))
	now := time.Now()
	for _, s := range symbols {
		sym := types.CanonicalSymbol(s)
		price, ok := m.prices[sym]
		if !ok {
			price = mockBasePrice
		}
		out[sym] = types.Quote{Symbol: sym, LastPrice: price, Timestamp: now}
	}
	return out, nil
}

// Historical synthesizes a flat candle series at the current price.
func (m *Mock) Historical(_ context.Context, symbol string, from, to time.Time, interval types.Timeframe) ([]types.Candle, error) {
	m.mu.RLock()
	price, ok := m.prices[types.CanonicalSymbol(symbol)]
	m.mu.RUnlock()
	if !ok {
		price = mockBasePrice
	}

	var out []types.Candle
	for ts := from; ts.Before(to); ts = ts.Add(interval.Duration()) {
		out = append(out, types.Candle{
			Timestamp: ts,
			Open:      price, High: price, Low: price, Close: price,
			Volume: 100,
		})
	}
	return out, nil
}
