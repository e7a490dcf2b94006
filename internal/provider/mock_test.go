package provider

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStreamsSubscribedSymbols(t *testing.T) {
	t.Parallel()

	m := NewMock(5*time.Millisecond, slog.Default())
	m.Subscribe([]string{"nifty"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = m.Stream(ctx) }()

	select {
	case tick := <-m.Ticks():
		assert.Equal(t, "NIFTY", tick.Instrument)
		assert.Greater(t, tick.LastPrice, 0.0)
		assert.NotEmpty(t, tick.BidDepth)
	case <-ctx.Done():
		t.Fatal("no tick for a subscribed symbol")
	}
}

func TestMockOptionsChain(t *testing.T) {
	t.Parallel()

	m := NewMock(time.Second, slog.Default())
	m.Subscribe([]string{"NIFTY"})

	chain, err := m.OptionsChain(context.Background(), "NIFTY", 100, 5)
	require.NoError(t, err)

	assert.Equal(t, "NIFTY", chain.Instrument)
	assert.Len(t, chain.Strikes, 11)
	assert.InDelta(t, mockBasePrice, chain.FuturesPrice, mockBasePrice*0.01)

	// ATM sits on the strike grid next to the walk price.
	base := float64(mockBasePrice)
	atm := int(base/100+0.5) * 100
	_, ok := chain.Strikes[atm]
	require.True(t, ok)

	// OI skews toward puts below the money and calls above.
	below := chain.Strikes[atm-500]
	above := chain.Strikes[atm+500]
	assert.Greater(t, below.PEOI, below.CEOI)
	assert.Greater(t, above.CEOI, above.PEOI)
}
