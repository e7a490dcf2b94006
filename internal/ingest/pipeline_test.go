package ingest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agenttrader/internal/config"
	"agenttrader/internal/marketstore"
	"agenttrader/internal/metrics"
	"agenttrader/internal/provider"
)

func TestStreamingPipelineFeedsStore(t *testing.T) {
	t.Parallel()

	prov := provider.NewMock(10*time.Millisecond, slog.Default())
	store := marketstore.New(nil)
	pipe := New("NIFTY", prov, store, nil, metrics.New(), 5*time.Second,
		config.OptionsConfig{StrikeStep: 100, StrikeWindow: 3}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pipe.Run(ctx) }()

	// The pipeline subscribes its own instrument; nobody else does.
	assert.Eventually(t, func() bool {
		_, ok := store.LatestPrice("NIFTY")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "stream never reached the store")

	assert.Eventually(t, func() bool {
		bids, asks, _ := store.Depth("NIFTY")
		return len(bids) > 0 && len(asks) > 0
	}, 2*time.Second, 10*time.Millisecond, "depth never reached the store")

	assert.Eventually(t, func() bool {
		chain, ok := store.OptionsChain("NIFTY")
		return ok && len(chain.Strikes) == 7
	}, 2*time.Second, 10*time.Millisecond, "options chain never reached the store")

	assert.True(t, pipe.Healthy())
	assert.Less(t, store.Age("NIFTY"), 2*time.Second)
}
