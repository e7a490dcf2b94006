// Package provider implements the pluggable market data sources: a live
// broker adapter (REST + WebSocket), a deterministic historical replay
// feed, and a mock random-walk feed for development.
//
// The engine talks only to the Provider interface; variant selection
// happens once at startup in NewFromConfig.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agenttrader/internal/config"
	"agenttrader/pkg/types"
)

// Info describes a constructed provider.
type Info struct {
	Name string `json:"name"`
	Live bool   `json:"live"`
}

// Order is a live order request. Only live brokers accept orders; paper
// trading never reaches a Provider.
type Order struct {
	Symbol   string
	Action   types.SignalAction
	Quantity float64
	Price    float64 // 0 = market
}

// Provider is the capability set every market data source implements.
type Provider interface {
	// Quote fetches current quotes for the given canonical symbols.
	Quote(ctx context.Context, symbols []string) (map[string]types.Quote, error)
	// Historical fetches candles for [from, to) at the given interval.
	Historical(ctx context.Context, symbol string, from, to time.Time, interval types.Timeframe) ([]types.Candle, error)
	// Profile describes this provider.
	Profile() Info
}

// OrderPlacer is implemented only by live brokers.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order Order) (orderID string, err error)
}

// Streamer is implemented by providers that push ticks. Stream blocks
// until ctx is cancelled; ticks arrive on the Ticks channel.
type Streamer interface {
	Stream(ctx context.Context) error
	Ticks() <-chan types.Tick
}

// Subscriber is implemented by providers that need to be told which
// symbols to feed. Consumers must subscribe before streaming; the replay
// provider emits whatever its file contains and skips this.
type Subscriber interface {
	Subscribe(symbols []string)
}

// OptionsChainer is implemented by providers that can serve an options
// chain: strikeWindow strikes each side of the money at strikeStep
// spacing.
type OptionsChainer interface {
	OptionsChain(ctx context.Context, symbol string, strikeStep, strikeWindow int) (types.OptionsChainSnapshot, error)
}

// NewLiveFromConfig builds the live provider, or returns nil when no
// credentials are configured. Callers fall back to replay or mock.
func NewLiveFromConfig(cfg config.ProviderConfig, logger *slog.Logger) Provider {
	if cfg.APIKey == "" || cfg.BaseURL == "" {
		return nil
	}
	return NewLive(cfg, logger)
}

// NewFromConfig selects the provider variant: live when credentials are
// present, replay when a replay file is configured, mock otherwise.
func NewFromConfig(cfg config.ProviderConfig, logger *slog.Logger) (Provider, error) {
	if live := NewLiveFromConfig(cfg, logger); live != nil {
		return live, nil
	}
	if cfg.ReplayFile != "" {
		rp, err := NewReplay(cfg.ReplayFile, cfg.ReplaySpeed, logger)
		if err != nil {
			return nil, fmt.Errorf("replay provider: %w", err)
		}
		return rp, nil
	}
	logger.Warn("no provider credentials and no replay file, using mock data")
	return NewMock(cfg.PollInterval, logger), nil
}
