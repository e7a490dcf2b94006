package marketstore

import (
	"testing"
	"time"

	"agenttrader/pkg/types"
)

func tick(sym string, ts time.Time, price float64) types.Tick {
	return types.Tick{Instrument: sym, Timestamp: ts, LastPrice: price}
}

func TestPutTickUpdatesLatest(t *testing.T) {
	t.Parallel()
	s := New(nil)

	now := time.Now()
	s.PutTick(tick("NIFTY", now, 22500))

	price, ok := s.LatestPrice("NIFTY")
	if !ok || price != 22500 {
		t.Fatalf("LatestPrice = %v, %v; want 22500, true", price, ok)
	}
	lt, ok := s.LatestTick("NIFTY")
	if !ok || !lt.Timestamp.Equal(now) {
		t.Fatalf("LatestTick ts = %v; want %v", lt.Timestamp, now)
	}
}

func TestTickRingBounded(t *testing.T) {
	t.Parallel()
	s := New(nil)

	base := time.Now()
	for i := 0; i < 1500; i++ {
		s.PutTick(tick("BTCUSDT", base.Add(time.Duration(i)*time.Millisecond), float64(100+i)))
	}

	ticks := s.RecentTicks("BTCUSDT", 0)
	if len(ticks) != 1000 {
		t.Fatalf("ring holds %d ticks; want 1000", len(ticks))
	}
	// Oldest surviving tick is number 500.
	if ticks[0].LastPrice != 600 {
		t.Errorf("oldest tick price = %v; want 600", ticks[0].LastPrice)
	}
	if ticks[len(ticks)-1].LastPrice != 1599 {
		t.Errorf("newest tick price = %v; want 1599", ticks[len(ticks)-1].LastPrice)
	}
}

func TestRecentBarsOldestFirst(t *testing.T) {
	t.Parallel()
	s := New(nil)

	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		s.PutBar(types.OHLCBar{
			Instrument: "NIFTY",
			Timeframe:  types.TF1m,
			StartAt:    base.Add(time.Duration(i) * time.Minute),
			Open:       float64(100 + i),
			High:       float64(101 + i),
			Low:        float64(99 + i),
			Close:      float64(100 + i),
		})
	}

	bars := s.RecentBars("NIFTY", types.TF1m, 3)
	if len(bars) != 3 {
		t.Fatalf("got %d bars; want 3", len(bars))
	}
	if !bars[0].StartAt.Before(bars[2].StartAt) {
		t.Errorf("bars not oldest-first: %v, %v", bars[0].StartAt, bars[2].StartAt)
	}
	if bars[2].Open != 109 {
		t.Errorf("newest bar open = %v; want 109", bars[2].Open)
	}
}

func TestBarsBounded(t *testing.T) {
	t.Parallel()
	s := New(nil)

	base := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 600; i++ {
		s.PutBar(types.OHLCBar{
			Instrument: "NIFTY",
			Timeframe:  types.TF1m,
			StartAt:    base.Add(time.Duration(i) * time.Minute),
		})
	}
	if n := len(s.RecentBars("NIFTY", types.TF1m, 0)); n != 500 {
		t.Fatalf("kept %d bars; want 500", n)
	}
}

func TestAgeUnknownInstrument(t *testing.T) {
	t.Parallel()
	s := New(nil)
	if age := s.Age("NOPE"); age < 24*time.Hour {
		t.Fatalf("age for unknown instrument = %v; want very large", age)
	}
}

func TestAgeVirtualFeed(t *testing.T) {
	t.Parallel()
	s := New(nil)

	old := time.Now().Add(-time.Hour)
	s.PutTick(types.Tick{Instrument: "NIFTY", Timestamp: old, LastPrice: 100, Virtual: true})
	if age := s.Age("NIFTY"); age != 0 {
		t.Fatalf("virtual feed age = %v; want 0", age)
	}
}

func TestOptionsChainTTL(t *testing.T) {
	t.Parallel()
	s := New(nil)

	s.PutOptionsChain(types.OptionsChainSnapshot{
		Instrument:   "NIFTY",
		At:           time.Now().Add(-2 * time.Minute),
		FuturesPrice: 22500,
	})
	if _, ok := s.OptionsChain("NIFTY"); ok {
		t.Fatal("expired chain snapshot should not be returned")
	}

	s.PutOptionsChain(types.OptionsChainSnapshot{
		Instrument:   "NIFTY",
		At:           time.Now(),
		FuturesPrice: 22510,
	})
	chain, ok := s.OptionsChain("NIFTY")
	if !ok || chain.FuturesPrice != 22510 {
		t.Fatalf("fresh chain = %+v, %v; want FuturesPrice 22510", chain, ok)
	}
}

func TestTickCallbacksFire(t *testing.T) {
	t.Parallel()
	s := New(nil)

	var got []float64
	s.RegisterTickCallback(func(tk types.Tick) { got = append(got, tk.LastPrice) })

	s.PutTick(tick("NIFTY", time.Now(), 100))
	s.PutTick(tick("NIFTY", time.Now(), 101))

	if len(got) != 2 || got[0] != 100 || got[1] != 101 {
		t.Fatalf("callback prices = %v; want [100 101]", got)
	}
}

func TestDayStats(t *testing.T) {
	t.Parallel()
	s := New(nil)

	now := time.Now()
	s.PutTick(types.Tick{Instrument: "NIFTY", Timestamp: now, LastPrice: 100, Volume: 10})
	s.PutTick(types.Tick{Instrument: "NIFTY", Timestamp: now.Add(time.Second), LastPrice: 110, Volume: 30})
	s.PutTick(types.Tick{Instrument: "NIFTY", Timestamp: now.Add(2 * time.Second), LastPrice: 90, Volume: 0})

	open, high, low, vwap, volume := s.DayStats("NIFTY")
	if open != 100 || high != 110 || low != 90 {
		t.Errorf("open/high/low = %v/%v/%v; want 100/110/90", open, high, low)
	}
	if volume != 40 {
		t.Errorf("volume = %v; want 40", volume)
	}
	want := (100*10 + 110*30) / 40.0
	if vwap != want {
		t.Errorf("vwap = %v; want %v", vwap, want)
	}
}
