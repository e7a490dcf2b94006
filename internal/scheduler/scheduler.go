// Package scheduler drives the decision cycles: the slow strategic cycle
// that runs the full agent graph and the fast tactical cycle that runs
// the reduced subset. Cycles on the same instrument never overlap; a
// cycle that fires while the previous one is still running is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenttrader/internal/agents"
	"agenttrader/internal/broker"
	"agenttrader/internal/config"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/metrics"
	"agenttrader/internal/persist"
	"agenttrader/internal/risk"
	"agenttrader/pkg/types"
)

// ErrStaleData aborts a cycle whose market data is older than the
// freshness gate allows. Trading on stale prices is worse than not
// trading.
var ErrStaleData = errors.New("scheduler: market data too stale")

// ErrMarketClosed skips a cycle outside the trading session.
var ErrMarketClosed = errors.New("scheduler: market closed")

// ErrCycleOverlap skips a cycle because the previous one on the same
// instrument is still running.
var ErrCycleOverlap = errors.New("scheduler: previous cycle still running")

// Abort reasons as recorded in metrics and cycle errors.
const (
	abortStaleData    = "stale_data"
	abortMarketClosed = "market_closed"
	abortOverlap      = "overlap"
)

// Scheduler owns the cycle cadence for one instrument.
type Scheduler struct {
	cfg        config.SchedulerConfig
	market     config.MarketConfig
	trading    config.TradingConfig
	instrument string

	store     *marketstore.Store
	graph     *agents.Graph
	brk       broker.Broker
	breaker   *risk.Breaker
	capitalFn func() float64
	docs      persist.DocStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
	nowFn     func() time.Time

	cycleMu  sync.Mutex // per-instrument: one cycle at a time
	seqMu    sync.Mutex
	cycleSeq uint64

	signalMu   sync.RWMutex
	lastSignal *types.Signal
	lastCycle  *types.CycleResult
}

// New creates a scheduler for one instrument. capitalFn supplies the
// current ledger capital for position sizing.
func New(cfg config.SchedulerConfig, market config.MarketConfig, trading config.TradingConfig,
	instrument string, store *marketstore.Store, graph *agents.Graph, brk broker.Broker,
	breaker *risk.Breaker, capitalFn func() float64, docs persist.DocStore,
	m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		market:     market,
		trading:    trading,
		instrument: types.CanonicalSymbol(instrument),
		store:      store,
		graph:      graph,
		brk:        brk,
		breaker:    breaker,
		capitalFn:  capitalFn,
		docs:       docs,
		metrics:    m,
		logger:     logger.With("component", "scheduler", "instrument", instrument),
		nowFn:      time.Now,
	}
}

// Run blocks until ctx is cancelled, firing strategic and tactical
// cycles on their configured cadence. One strategic cycle runs shortly
// after start so the engine does not sit idle for a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	strategic := time.NewTicker(time.Duration(s.cfg.StrategicCycleMinutes) * time.Minute)
	tactical := time.NewTicker(time.Duration(s.cfg.TacticalCycleMinutes) * time.Minute)
	defer strategic.Stop()
	defer tactical.Stop()

	warmup := time.NewTimer(5 * time.Second)
	defer warmup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-warmup.C:
			s.fire(ctx, types.CycleStrategic)
		case <-strategic.C:
			s.fire(ctx, types.CycleStrategic)
		case <-tactical.C:
			s.fire(ctx, types.CycleTactical)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, kind types.CycleKind) {
	if _, err := s.RunCycle(ctx, kind); err != nil {
		switch {
		case errors.Is(err, ErrCycleOverlap), errors.Is(err, ErrMarketClosed):
			s.logger.Debug("cycle skipped", "kind", kind, "reason", err)
		case errors.Is(err, ErrStaleData):
			s.logger.Warn("cycle aborted", "kind", kind, "reason", err)
		case ctx.Err() == nil:
			s.logger.Error("cycle failed", "kind", kind, "error", err)
		}
	}
}

// RunCycle executes one decision cycle end to end: gate checks, state
// snapshot, agent graph, persistence, order handoff. The returned
// CycleResult is valid whenever err is nil or ErrStaleData.
func (s *Scheduler) RunCycle(ctx context.Context, kind types.CycleKind) (types.CycleResult, error) {
	if !s.cycleMu.TryLock() {
		s.metrics.CyclesAborted.WithLabelValues(s.instrument, abortOverlap).Inc()
		return types.CycleResult{}, ErrCycleOverlap
	}
	defer s.cycleMu.Unlock()

	now := s.nowFn()
	if !s.inSession(now) {
		s.metrics.CyclesAborted.WithLabelValues(s.instrument, abortMarketClosed).Inc()
		return types.CycleResult{}, ErrMarketClosed
	}

	cycleID := s.nextCycleID()
	age := s.store.Age(s.instrument)
	s.metrics.DataAgeSeconds.WithLabelValues(s.instrument).Set(age.Seconds())

	if age > time.Duration(s.cfg.DataMaxAgeSeconds)*time.Second {
		result := types.CycleResult{
			CycleID:     cycleID,
			Instrument:  s.instrument,
			Kind:        kind,
			At:          now,
			FinalSignal: types.ActionHold,
			Errors:      []string{fmt.Sprintf("%s: age %s exceeds %ds", abortStaleData, age, s.cfg.DataMaxAgeSeconds)},
		}
		s.persistCycle(ctx, result, nil)
		s.setLastCycle(result)
		s.metrics.CyclesAborted.WithLabelValues(s.instrument, abortStaleData).Inc()
		return result, ErrStaleData
	}

	state := s.buildState(cycleID, kind, now)
	res := s.graph.Run(ctx, state, agents.ExecutionPolicy{
		Capital:            s.capitalFn(),
		MaxPositionSizePct: s.trading.MaxPositionSizePct,
	})

	var signal *types.Signal
	if res.Execution.Signal != types.ActionHold && !res.Execution.Rejected {
		signal = s.handoff(ctx, res, now)
		s.signalMu.Lock()
		s.lastSignal = signal
		s.signalMu.Unlock()
	}

	s.persistCycle(ctx, res.Cycle, signal)
	s.setLastCycle(res.Cycle)
	s.metrics.CyclesRun.WithLabelValues(s.instrument, string(kind)).Inc()
	s.logger.Info("cycle complete",
		"cycle_id", cycleID,
		"kind", kind,
		"signal", res.Cycle.FinalSignal,
		"bullish", res.Cycle.BullishScore,
		"bearish", res.Cycle.BearishScore,
		"incomplete", len(res.Cycle.IncompleteAgents),
	)
	return res.Cycle, nil
}

// buildState snapshots everything the agents may read. Agents never see
// data newer than this snapshot.
func (s *Scheduler) buildState(cycleID string, kind types.CycleKind, now time.Time) *agents.CycleState {
	price, _ := s.store.LatestPrice(s.instrument)
	dayOpen, dayHigh, dayLow, vwap, volume := s.store.DayStats(s.instrument)
	bids, asks, _ := s.store.Depth(s.instrument)

	bars := make(map[types.Timeframe][]types.OHLCBar, len(types.Timeframes))
	for _, tf := range types.Timeframes {
		bars[tf] = s.store.RecentBars(s.instrument, tf, 200)
	}

	state := &agents.CycleState{
		CycleID:       cycleID,
		Instrument:    s.instrument,
		Kind:          kind,
		At:            now,
		LastPrice:     price,
		DataAge:       s.store.Age(s.instrument),
		DayOpen:       dayOpen,
		DayHigh:       dayHigh,
		DayLow:        dayLow,
		VWAP:          vwap,
		DayVolume:     volume,
		Bars:          bars,
		BidDepth:      bids,
		AskDepth:      asks,
		OpenPositions: s.brk.OpenPositions(),
		RecentTrades:  lastN(s.brk.ClosedPositions(), 50),
	}
	if chain, ok := s.store.OptionsChain(s.instrument); ok {
		state.Chain = &chain
	}
	if s.breaker != nil {
		state.Breaker = s.breaker.Evaluate()
	}
	return state
}

// handoff converts the execution output into a signal and routes it to
// the broker. One position per instrument: an existing open position on
// the instrument suppresses the new entry.
func (s *Scheduler) handoff(ctx context.Context, res agents.Result, now time.Time) *types.Signal {
	signal := &types.Signal{
		ID:         uuid.NewString(),
		Instrument: s.instrument,
		Action:     res.Execution.Signal,
		Confidence: res.Execution.Confidence,
		Entry:      res.Execution.Entry,
		StopLoss:   res.Execution.StopLoss,
		TakeProfit: res.Execution.TakeProfit,
		Quantity:   res.Execution.Quantity,
		Status:     types.SignalPending,
		CreatedAt:  now,
		Reasoning:  res.Execution.Reasoning,
	}

	for _, pos := range s.brk.OpenPositions() {
		if pos.Instrument == s.instrument {
			signal.Status = types.SignalRejected
			signal.Reasoning = "position already open on instrument"
			s.logger.Info("signal suppressed, position open", "signal_id", signal.ID)
			return signal
		}
	}

	price, ok := s.store.LatestPrice(s.instrument)
	if !ok {
		signal.Status = types.SignalRejected
		signal.Reasoning = "no current price for fill"
		return signal
	}

	result, err := s.brk.PlaceOrder(ctx, *signal, price)
	if err != nil {
		signal.Status = types.SignalRejected
		signal.Reasoning = result.RejectionReason
		s.logger.Warn("order rejected", "signal_id", signal.ID, "reason", result.RejectionReason)
		return signal
	}
	signal.Status = types.SignalExecuted
	return signal
}

// persistCycle journals the cycle record (and its signal, when one was
// produced) to the document store, best-effort.
func (s *Scheduler) persistCycle(ctx context.Context, result types.CycleResult, signal *types.Signal) {
	if s.docs == nil {
		return
	}
	doc := map[string]any{
		"cycle_id":          result.CycleID,
		"instrument":        result.Instrument,
		"kind":              result.Kind,
		"at":                result.At,
		"final_signal":      result.FinalSignal,
		"bullish_score":     result.BullishScore,
		"bearish_score":     result.BearishScore,
		"executive_summary": result.ExecutiveSummary,
		"agent_decisions":   result.AgentDecisions,
		"incomplete_agents": result.IncompleteAgents,
		"errors":            result.Errors,
	}
	if signal != nil {
		doc["signal"] = signal
	}
	if err := s.docs.Insert(ctx, persist.CollAgentDecisions, doc); err != nil {
		s.logger.Warn("persist cycle failed", "cycle_id", result.CycleID, "error", err)
	}
}

func (s *Scheduler) setLastCycle(result types.CycleResult) {
	s.signalMu.Lock()
	s.lastCycle = &result
	s.signalMu.Unlock()
}

// LatestCycle returns the most recent cycle result, if any.
func (s *Scheduler) LatestCycle() (types.CycleResult, bool) {
	s.signalMu.RLock()
	defer s.signalMu.RUnlock()
	if s.lastCycle == nil {
		return types.CycleResult{}, false
	}
	return *s.lastCycle, true
}

// LatestSignal returns the most recent actionable signal, if any.
func (s *Scheduler) LatestSignal() (types.Signal, bool) {
	s.signalMu.RLock()
	defer s.signalMu.RUnlock()
	if s.lastSignal == nil {
		return types.Signal{}, false
	}
	return *s.lastSignal, true
}

func (s *Scheduler) nextCycleID() string {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.cycleSeq++
	return fmt.Sprintf("%s-%d", s.instrument, s.cycleSeq)
}

// MarketOpen reports whether the trading session is currently open.
func (s *Scheduler) MarketOpen() bool {
	return s.inSession(s.nowFn())
}

// inSession reports whether now falls inside the trading session. Always
// true for 24/7 markets; unparseable hours fail open with a warning at
// startup via Validate, not here.
func (s *Scheduler) inSession(now time.Time) bool {
	if s.market.Is247 {
		return true
	}
	loc := time.Local
	if s.market.Timezone != "" {
		if l, err := time.LoadLocation(s.market.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	open, err1 := time.Parse("15:04", s.market.HoursOpen)
	close_, err2 := time.Parse("15:04", s.market.HoursClose)
	if err1 != nil || err2 != nil {
		return true
	}
	mins := local.Hour()*60 + local.Minute()
	openMins := open.Hour()*60 + open.Minute()
	closeMins := close_.Hour()*60 + close_.Minute()
	return mins >= openMins && mins < closeMins
}

func lastN(positions []types.Position, n int) []types.Position {
	if len(positions) > n {
		return positions[len(positions)-n:]
	}
	return positions
}
