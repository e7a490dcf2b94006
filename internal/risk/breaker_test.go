package risk

import (
	"log/slog"
	"testing"
	"time"

	"agenttrader/internal/config"
	"agenttrader/internal/metrics"
)

func newTestBreaker(inputs Inputs) *Breaker {
	cfg := config.RiskConfig{
		DailyLossLimitPct:    2,
		MaxConsecutiveLosses: 5,
		VolatilityThreshold:  30,
		LLMCallRateLimit:     60,
	}
	trading := config.TradingConfig{MaxLeverage: 3}
	return New(cfg, trading, 120*time.Second, inputs, metrics.New(), slog.Default())
}

func TestAllChecksClear(t *testing.T) {
	t.Parallel()
	b := newTestBreaker(Inputs{
		RealizedPnLToday:   func() float64 { return 500 },
		Capital:            func() float64 { return 1_000_000 },
		ConsecutiveLosses:  func() int { return 2 },
		DataAge:            func() time.Duration { return 5 * time.Second },
		LLMCallsLastMinute: func() int { return 10 },
		Volatility:         func() float64 { return 15 },
		OpenNotional:       func() float64 { return 2_000_000 },
	})

	snap := b.Evaluate()
	if snap.ShouldHalt {
		t.Fatalf("breaker halted with clear inputs: %v", snap.Reasons)
	}
	if snap.ForceFlat {
		t.Error("force_flat without any trip")
	}
}

func TestDailyLossTrips(t *testing.T) {
	t.Parallel()
	b := newTestBreaker(Inputs{
		RealizedPnLToday: func() float64 { return -25_000 }, // limit is 20 000
		Capital:          func() float64 { return 1_000_000 },
	})

	snap := b.Evaluate()
	if !snap.Checks[CheckDailyLoss] || !snap.ShouldHalt {
		t.Fatalf("daily_loss not tripped: %+v", snap)
	}
	if !snap.ForceFlat {
		t.Error("daily_loss should force flat")
	}
}

func TestConsecutiveLossesTrip(t *testing.T) {
	t.Parallel()
	b := newTestBreaker(Inputs{ConsecutiveLosses: func() int { return 5 }})

	snap := b.Evaluate()
	if !snap.Checks[CheckConsecLosses] {
		t.Fatal("consecutive_losses not tripped at 5")
	}
	if snap.ForceFlat {
		t.Error("consecutive_losses should not force flat")
	}
}

func TestStaleFeedTripsWithoutForceFlat(t *testing.T) {
	t.Parallel()
	b := newTestBreaker(Inputs{DataAge: func() time.Duration { return 200 * time.Second }})

	snap := b.Evaluate()
	if !snap.Checks[CheckDataFeedDown] || !snap.ShouldHalt {
		t.Fatal("data_feed_down not tripped at 200s")
	}
	if snap.ForceFlat {
		t.Error("stale feed should block entries, not dump positions")
	}
}

func TestOverLeveragedGrace(t *testing.T) {
	t.Parallel()
	capital := 1_000_000.0
	notional := 3.05 * capital // within the 10% grace over 3x
	b := newTestBreaker(Inputs{
		Capital:      func() float64 { return capital },
		OpenNotional: func() float64 { return notional },
	})
	if snap := b.Evaluate(); snap.Checks[CheckOverLeveraged] {
		t.Error("leverage within grace should not trip")
	}

	notional = 3.4 * capital
	if snap := b.Evaluate(); !snap.Checks[CheckOverLeveraged] {
		t.Error("leverage past grace should trip")
	}
}

func TestMarketHaltedSignal(t *testing.T) {
	t.Parallel()
	b := newTestBreaker(Inputs{})

	b.SetMarketHalted(true)
	snap := b.Evaluate()
	if !snap.Checks[CheckMarketHalted] || !snap.ForceFlat {
		t.Fatalf("market_halted not honored: %+v", snap)
	}

	b.SetMarketHalted(false)
	if snap := b.Evaluate(); snap.ShouldHalt {
		t.Errorf("breaker still halted after clear: %v", snap.Reasons)
	}
}

func TestNilInputsNeverTrip(t *testing.T) {
	t.Parallel()
	b := newTestBreaker(Inputs{})
	if snap := b.Evaluate(); snap.ShouldHalt {
		t.Fatalf("nil inputs tripped: %v", snap.Reasons)
	}
}
