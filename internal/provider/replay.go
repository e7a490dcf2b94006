package provider

// replay.go implements the deterministic historical replay feed.
//
// The feed reads an ordered series of candles from a JSON file and emits
// one tick per candle, stamped with the candle's own timestamp and the
// Virtual flag so downstream consumers can distinguish replay from live.
// With speed > 0 the gap between emissions is the historical gap divided
// by speed; with speed = 0 ticks are emitted as fast as possible.
// Replaying the same file twice produces an identical tick stream.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"agenttrader/pkg/types"
)

// replayRow is one line of the replay file.
type replayRow struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Replay is the historical replay provider.
type Replay struct {
	rows   []replayRow
	speed  float64
	logger *slog.Logger

	mu      sync.RWMutex
	pos     int       // index of the next row to emit
	virtual time.Time // virtual clock = timestamp of the last emitted tick

	tickCh chan types.Tick
}

// NewReplay loads the replay file and validates ordering.
func NewReplay(path string, speed float64, logger *slog.Logger) (*Replay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	var rows []replayRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse replay file: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("replay file %q is empty", path)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

	return &Replay{
		rows:   rows,
		speed:  speed,
		logger: logger.With("component", "provider_replay"),
		tickCh: make(chan types.Tick, tickBufferSize),
	}, nil
}

// Profile describes the provider.
func (r *Replay) Profile() Info {
	return Info{Name: "replay", Live: false}
}

// Ticks returns the read-only tick channel fed by Stream.
func (r *Replay) Ticks() <-chan types.Tick { return r.tickCh }

// Stream emits the loaded series in order, then blocks until cancelled
// (the engine keeps running so results can be inspected).
func (r *Replay) Stream(ctx context.Context) error {
	for i, row := range r.rows {
		if i > 0 && r.speed > 0 {
			gap := row.Timestamp.Sub(r.rows[i-1].Timestamp)
			wait := time.Duration(float64(gap) / r.speed)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		tick := types.Tick{
			Instrument: types.CanonicalSymbol(row.Symbol),
			Timestamp:  row.Timestamp,
			LastPrice:  row.Close,
			Volume:     row.Volume,
			Virtual:    true,
		}

		r.mu.Lock()
		r.pos = i + 1
		r.virtual = row.Timestamp
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.tickCh <- tick:
		}
	}

	r.logger.Info("replay complete", "rows", len(r.rows))
	<-ctx.Done()
	return ctx.Err()
}

// Now returns the virtual clock: the timestamp of the last emitted tick.
func (r *Replay) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.virtual
}

// Quote returns the quote at the current replay position.
func (r *Replay) Quote(_ context.Context, symbols []string) (map[string]types.Quote, error) {
	r.mu.RLock()
	pos := r.pos
	r.mu.RUnlock()
	if pos == 0 {
		pos = 1
	}
	row := r.rows[pos-1]

	out := make(map[string]types.Quote, len(symbols))
	for _, s := range symbols {
		sym := types.CanonicalSymbol(s)
		if sym != types.CanonicalSymbol(row.Symbol) {
			continue
		}
		out[sym] = types.Quote{
			Symbol:    sym,
			LastPrice: row.Close,
			High:      row.High,
			Low:       row.Low,
			Open:      row.Open,
			Volume:    row.Volume,
			Timestamp: row.Timestamp,
		}
	}
	return out, nil
}

// Historical returns the loaded candles within [from, to).
func (r *Replay) Historical(_ context.Context, symbol string, from, to time.Time, _ types.Timeframe) ([]types.Candle, error) {
	sym := types.CanonicalSymbol(symbol)
	var out []types.Candle
	for _, row := range r.rows {
		if types.CanonicalSymbol(row.Symbol) != sym {
			continue
		}
		if row.Timestamp.Before(from) || !row.Timestamp.Before(to) {
			continue
		}
		out = append(out, types.Candle{
			Timestamp: row.Timestamp,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
		})
	}
	return out, nil
}
