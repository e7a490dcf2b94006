// Package risk implements the circuit breaker that gates trade execution.
//
// The breaker evaluates a fixed set of safety checks every decision cycle
// and on demand. When any check trips, should_halt goes true: the scheduler
// forces HOLD, the broker rejects new orders, and the position monitor may
// force-flat open positions depending on which check tripped.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"agenttrader/internal/config"
	"agenttrader/internal/metrics"
)

// Check names, as they appear in snapshots and API responses.
const (
	CheckDailyLoss     = "daily_loss"
	CheckConsecLosses  = "consecutive_losses"
	CheckDataFeedDown  = "data_feed_down"
	CheckAPIRateLimit  = "api_rate_limit"
	CheckHighVol       = "high_volatility"
	CheckOverLeveraged = "over_leveraged"
	CheckMarketHalted  = "market_halted"
)

// Inputs supplies the live readings the checks run against. The breaker
// pulls through these functions instead of holding component references,
// keeping the dependency graph one-way.
type Inputs struct {
	// RealizedPnLToday and Capital feed the daily_loss check.
	RealizedPnLToday func() float64
	Capital          func() float64
	// ConsecutiveLosses is the current losing streak.
	ConsecutiveLosses func() int
	// DataAge is the primary instrument's tick age.
	DataAge func() time.Duration
	// LLMCallsLastMinute feeds the api_rate_limit check.
	LLMCallsLastMinute func() int
	// Volatility is the instrument's VIX-equivalent reading.
	Volatility func() float64
	// OpenNotional feeds the over_leveraged check.
	OpenNotional func() float64
}

// Snapshot is the externally visible breaker state.
type Snapshot struct {
	Checks     map[string]bool `json:"checks"`
	ShouldHalt bool            `json:"should_halt"`
	ForceFlat  bool            `json:"force_flat"`
	Reasons    []string        `json:"reasons,omitempty"`
	At         time.Time       `json:"at"`
}

// Breaker evaluates the halt conditions.
type Breaker struct {
	cfg       config.RiskConfig
	trading   config.TradingConfig
	staleMax  time.Duration
	inputs    Inputs
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu           sync.RWMutex
	marketHalted bool // external signal
	last         Snapshot
}

// New creates a breaker. inputs functions may be nil; nil checks never trip.
func New(cfg config.RiskConfig, trading config.TradingConfig, staleMax time.Duration,
	inputs Inputs, m *metrics.Metrics, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:      cfg,
		trading:  trading,
		staleMax: staleMax,
		inputs:   inputs,
		metrics:  m,
		logger:   logger.With("component", "breaker"),
		last:     Snapshot{Checks: map[string]bool{}},
	}
}

// SetMarketHalted records the external market-halt signal.
func (b *Breaker) SetMarketHalted(halted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketHalted = halted
}

// Evaluate runs every check and returns the fresh snapshot.
func (b *Breaker) Evaluate() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	checks := map[string]bool{
		CheckDailyLoss:     b.dailyLoss(),
		CheckConsecLosses:  b.consecLosses(),
		CheckDataFeedDown:  b.dataFeedDown(),
		CheckAPIRateLimit:  b.apiRateLimit(),
		CheckHighVol:       b.highVolatility(),
		CheckOverLeveraged: b.overLeveraged(),
		CheckMarketHalted:  b.marketHalted,
	}

	snap := Snapshot{Checks: checks, At: time.Now()}
	for name, tripped := range checks {
		if tripped {
			snap.ShouldHalt = true
			snap.Reasons = append(snap.Reasons, name)
		}
	}
	// Force-flat only on the checks where holding through the halt is
	// itself the risk. A stale feed or a hot LLM quota should block new
	// entries but not dump positions.
	snap.ForceFlat = checks[CheckDailyLoss] || checks[CheckOverLeveraged] || checks[CheckMarketHalted]

	if snap.ShouldHalt && !b.last.ShouldHalt {
		b.logger.Warn("circuit breaker tripped", "reasons", snap.Reasons)
	}
	if !snap.ShouldHalt && b.last.ShouldHalt {
		b.logger.Info("circuit breaker cleared")
	}

	halted := 0.0
	if snap.ShouldHalt {
		halted = 1
	}
	b.metrics.BreakerHalted.Set(halted)

	b.last = snap
	return snap
}

// Current returns the last evaluated snapshot without re-running checks.
func (b *Breaker) Current() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// ShouldHalt re-evaluates and reports the combined flag.
func (b *Breaker) ShouldHalt() bool {
	return b.Evaluate().ShouldHalt
}

func (b *Breaker) dailyLoss() bool {
	if b.inputs.RealizedPnLToday == nil || b.inputs.Capital == nil {
		return false
	}
	limit := b.cfg.DailyLossLimitPct / 100 * b.inputs.Capital()
	return b.inputs.RealizedPnLToday() < -limit
}

func (b *Breaker) consecLosses() bool {
	if b.inputs.ConsecutiveLosses == nil {
		return false
	}
	return b.inputs.ConsecutiveLosses() >= b.cfg.MaxConsecutiveLosses
}

func (b *Breaker) dataFeedDown() bool {
	if b.inputs.DataAge == nil {
		return false
	}
	return b.inputs.DataAge() > b.staleMax
}

func (b *Breaker) apiRateLimit() bool {
	if b.inputs.LLMCallsLastMinute == nil || b.cfg.LLMCallRateLimit <= 0 {
		return false
	}
	return float64(b.inputs.LLMCallsLastMinute()) > b.cfg.LLMCallRateLimit
}

func (b *Breaker) highVolatility() bool {
	if b.inputs.Volatility == nil || b.cfg.VolatilityThreshold <= 0 {
		return false
	}
	return b.inputs.Volatility() > b.cfg.VolatilityThreshold
}

func (b *Breaker) overLeveraged() bool {
	if b.inputs.OpenNotional == nil || b.inputs.Capital == nil {
		return false
	}
	capital := b.inputs.Capital()
	if capital <= 0 {
		return false
	}
	// 10% grace over the configured cap before the breaker trips.
	return b.inputs.OpenNotional()/capital > b.trading.MaxLeverage*1.1
}
