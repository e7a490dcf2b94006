package ingest

// pipeline.go runs one ingestion loop per instrument. Two modes:
//
//   - Streaming: the provider pushes ticks over a channel (live WS, replay,
//     mock). Each tick flows validate → store → aggregate → persist.
//   - Polling: no stream available; the provider is polled for quotes every
//     poll interval and each quote is converted to a tick.
//
// Transient provider errors back off exponentially (100ms, ×2, 60s cap).
// After 5 consecutive failures the pipeline reports itself unhealthy to
// health checks but keeps retrying.

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"agenttrader/internal/config"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/metrics"
	"agenttrader/internal/persist"
	"agenttrader/internal/provider"
	"agenttrader/pkg/types"
)

const (
	backoffBase        = 100 * time.Millisecond
	backoffCap         = 60 * time.Second
	unhealthyThreshold = 5
	chainPollEvery     = 30 * time.Second
)

// Pipeline drives one instrument's market data from provider to store.
type Pipeline struct {
	instrument string
	prov       provider.Provider
	store      *marketstore.Store
	agg        *Aggregator
	docs       persist.DocStore
	metrics    *metrics.Metrics
	pollEvery  time.Duration
	opts       config.OptionsConfig
	logger     *slog.Logger

	failures atomic.Int64
}

// New creates a pipeline for one instrument.
func New(instrument string, prov provider.Provider, store *marketstore.Store,
	docs persist.DocStore, m *metrics.Metrics, pollEvery time.Duration,
	opts config.OptionsConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		instrument: types.CanonicalSymbol(instrument),
		prov:       prov,
		store:      store,
		agg:        NewAggregator(),
		docs:       docs,
		metrics:    m,
		pollEvery:  pollEvery,
		opts:       opts,
		logger:     logger.With("component", "ingest", "instrument", instrument),
	}
}

// Healthy reports whether the pipeline is under the consecutive-failure
// threshold.
func (p *Pipeline) Healthy() bool {
	return p.failures.Load() < unhealthyThreshold
}

// Run blocks until ctx is cancelled. The instrument is subscribed first;
// then, if the provider streams ticks, the stream is consumed, otherwise
// the provider is polled.
func (p *Pipeline) Run(ctx context.Context) error {
	if sub, ok := p.prov.(provider.Subscriber); ok {
		sub.Subscribe([]string{p.instrument})
	}
	if chainer, ok := p.prov.(provider.OptionsChainer); ok {
		go p.pollOptionsChain(ctx, chainer)
	}
	if streamer, ok := p.prov.(provider.Streamer); ok {
		return p.runStreaming(ctx, streamer)
	}
	return p.runPolling(ctx)
}

// pollOptionsChain refreshes the chain snapshot. Chain data is
// best-effort: failures are logged without counting toward the
// pipeline's health threshold.
func (p *Pipeline) pollOptionsChain(ctx context.Context, chainer provider.OptionsChainer) {
	ticker := time.NewTicker(chainPollEvery)
	defer ticker.Stop()

	for {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		chain, err := chainer.OptionsChain(callCtx, p.instrument, p.opts.StrikeStep, p.opts.StrikeWindow)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("options chain fetch failed", "error", err)
		} else {
			p.store.PutOptionsChain(chain)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) runStreaming(ctx context.Context, streamer provider.Streamer) error {
	go func() {
		if err := streamer.Stream(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("stream stopped", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return ctx.Err()
		case tick := <-streamer.Ticks():
			if tick.Instrument != p.instrument {
				continue
			}
			p.handleTick(ctx, tick)
		}
	}
}

func (p *Pipeline) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		quotes, err := p.prov.Quote(callCtx, []string{p.instrument})
		cancel()
		if err != nil {
			n := p.failures.Add(1)
			p.metrics.IngestFailures.WithLabelValues(p.instrument).Inc()
			p.logger.Warn("quote poll failed", "error", err, "consecutive", n, "backoff", backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		backoff = backoffBase
		p.failures.Store(0)

		q, ok := quotes[p.instrument]
		if !ok {
			continue
		}
		p.handleTick(ctx, types.Tick{
			Instrument: p.instrument,
			Timestamp:  q.Timestamp,
			LastPrice:  q.LastPrice,
			Volume:     q.Volume,
		})
	}
}

// handleTick is the validate → store → aggregate → persist path.
func (p *Pipeline) handleTick(ctx context.Context, tick types.Tick) {
	if !validate(tick) {
		p.logger.Debug("dropping invalid tick", "price", tick.LastPrice, "ts", tick.Timestamp)
		return
	}

	p.store.PutTick(tick)
	p.metrics.TicksIngested.WithLabelValues(p.instrument).Inc()

	for _, bar := range p.agg.OnTick(tick) {
		p.store.PutBar(bar)
		p.metrics.BarsFinalized.WithLabelValues(p.instrument, string(bar.Timeframe)).Inc()
		p.persistBar(ctx, bar)
	}
}

// flush finalizes open bars at shutdown.
func (p *Pipeline) flush(ctx context.Context) {
	for _, bar := range p.agg.Flush() {
		p.store.PutBar(bar)
		p.persistBar(ctx, bar)
	}
}

func (p *Pipeline) persistBar(ctx context.Context, bar types.OHLCBar) {
	if p.docs == nil {
		return
	}
	if err := p.docs.Insert(ctx, persist.CollOHLCHistory, bar); err != nil {
		// In-memory state stays authoritative; history is best-effort.
		p.logger.Warn("persist bar failed", "timeframe", bar.Timeframe, "error", err)
	}
}

func validate(tick types.Tick) bool {
	return tick.LastPrice > 0 && !tick.Timestamp.IsZero()
}
