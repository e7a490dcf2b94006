package provider

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agenttrader/internal/config"
	"agenttrader/pkg/types"
)

const replayJSON = `[
 {"symbol":"NIFTY","timestamp":"2026-02-02T09:15:00Z","open":100,"high":102,"low":99,"close":101,"volume":10},
 {"symbol":"NIFTY","timestamp":"2026-02-02T09:16:00Z","open":101,"high":103,"low":100,"close":102,"volume":20},
 {"symbol":"NIFTY","timestamp":"2026-02-02T09:17:00Z","open":102,"high":104,"low":101,"close":103,"volume":30}
]`

func writeReplayFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.json")
	if err := os.WriteFile(path, []byte(replayJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func collectTicks(t *testing.T, r *Replay, n int) []types.Tick {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go r.Stream(ctx)

	var ticks []types.Tick
	for len(ticks) < n {
		select {
		case tk := <-r.Ticks():
			ticks = append(ticks, tk)
		case <-ctx.Done():
			t.Fatalf("timed out after %d ticks", len(ticks))
		}
	}
	return ticks
}

func TestReplayEmitsOrderedVirtualTicks(t *testing.T) {
	t.Parallel()
	r, err := NewReplay(writeReplayFile(t), 0, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	ticks := collectTicks(t, r, 3)
	for i, tk := range ticks {
		if !tk.Virtual {
			t.Errorf("tick %d not marked virtual", i)
		}
		if tk.Instrument != "NIFTY" {
			t.Errorf("tick %d instrument = %q", i, tk.Instrument)
		}
	}
	if ticks[0].LastPrice != 101 || ticks[2].LastPrice != 103 {
		t.Errorf("prices = %v, %v; want 101, 103", ticks[0].LastPrice, ticks[2].LastPrice)
	}
	if !ticks[0].Timestamp.Before(ticks[1].Timestamp) {
		t.Error("ticks out of order")
	}
}

func TestReplayDeterministic(t *testing.T) {
	t.Parallel()
	path := writeReplayFile(t)

	runOnce := func() []types.Tick {
		r, err := NewReplay(path, 0, slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		return collectTicks(t, r, 3)
	}

	a, b := runOnce(), runOnce()
	for i := range a {
		if a[i].LastPrice != b[i].LastPrice || !a[i].Timestamp.Equal(b[i].Timestamp) ||
			a[i].Volume != b[i].Volume || a[i].Instrument != b[i].Instrument {
			t.Fatalf("replay diverged at tick %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestReplayHistoricalRange(t *testing.T) {
	t.Parallel()
	r, err := NewReplay(writeReplayFile(t), 0, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	from := time.Date(2026, 2, 2, 9, 15, 0, 0, time.UTC)
	to := time.Date(2026, 2, 2, 9, 17, 0, 0, time.UTC)
	candles, err := r.Historical(context.Background(), "nifty", from, to, types.TF1m)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 {
		t.Fatalf("got %d candles; want 2 (to is exclusive)", len(candles))
	}
}

func TestFactorySelection(t *testing.T) {
	t.Parallel()

	if p := NewLiveFromConfig(config.ProviderConfig{}, slog.Default()); p != nil {
		t.Error("live provider without credentials should be nil")
	}

	p, err := NewFromConfig(config.ProviderConfig{ReplayFile: writeReplayFile(t)}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if p.Profile().Name != "replay" {
		t.Errorf("factory chose %q; want replay", p.Profile().Name)
	}

	p, err = NewFromConfig(config.ProviderConfig{PollInterval: time.Second}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if p.Profile().Name != "mock" || p.Profile().Live {
		t.Errorf("factory chose %+v; want non-live mock", p.Profile())
	}

	p, err = NewFromConfig(config.ProviderConfig{
		Name: "broker", BaseURL: "https://api.example.com", APIKey: "k",
	}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !p.Profile().Live {
		t.Errorf("factory chose %+v; want live", p.Profile())
	}
}
