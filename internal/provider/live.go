package provider

// live.go implements the live broker adapter.
//
// REST (resty, retried on 5xx):
//   - Quote:      GET  /v1/quotes?symbols=...
//   - Historical: GET  /v1/candles
//   - PlaceOrder: POST /v1/orders
//
// Streaming runs over a WebSocket feed that auto-reconnects with
// exponential backoff (1s → 30s max) and re-subscribes on reconnection.
// A read deadline detects silent server failures.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"agenttrader/internal/config"
	"agenttrader/pkg/types"
)

const (
	quoteTimeout     = 5 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	tickBufferSize   = 256
)

// Live is the REST + WebSocket adapter for a real broker.
type Live struct {
	http   *resty.Client
	wsURL  string
	name   string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickCh chan types.Tick
}

// NewLive creates the live adapter. The API key is sent as a bearer token
// on every REST request and in the WS subscription payload.
func NewLive(cfg config.ProviderConfig, logger *slog.Logger) *Live {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(quoteTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIKey)

	name := cfg.Name
	if name == "" {
		name = "live"
	}
	return &Live{
		http:       httpClient,
		wsURL:      cfg.WSURL,
		name:       name,
		logger:     logger.With("component", "provider_live"),
		subscribed: make(map[string]bool),
		tickCh:     make(chan types.Tick, tickBufferSize),
	}
}

// Profile describes the provider.
func (l *Live) Profile() Info {
	return Info{Name: l.name, Live: true}
}

// Quote fetches current quotes for the given symbols.
func (l *Live) Quote(ctx context.Context, symbols []string) (map[string]types.Quote, error) {
	var result struct {
		Quotes map[string]types.Quote `json:"quotes"`
	}
	resp, err := l.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&result).
		Get("/v1/quotes")
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get quotes: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Quotes, nil
}

// Historical fetches candles for [from, to) at the given interval.
func (l *Live) Historical(ctx context.Context, symbol string, from, to time.Time, interval types.Timeframe) ([]types.Candle, error) {
	var result struct {
		Candles []types.Candle `json:"candles"`
	}
	resp, err := l.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"from":     from.Format(time.RFC3339),
			"to":       to.Format(time.RFC3339),
			"interval": string(interval),
		}).
		SetResult(&result).
		Get("/v1/candles")
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get candles: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Candles, nil
}

// PlaceOrder submits a live order and returns the broker order ID.
func (l *Live) PlaceOrder(ctx context.Context, order Order) (string, error) {
	var result struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	resp, err := l.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"symbol":   order.Symbol,
			"action":   order.Action,
			"quantity": order.Quantity,
			"price":    order.Price,
		}).
		SetResult(&result).
		Post("/v1/orders")
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Status == "rejected" {
		return "", fmt.Errorf("place order rejected: %s", result.Message)
	}
	return result.OrderID, nil
}

// OptionsChain fetches the chain around the money.
func (l *Live) OptionsChain(ctx context.Context, symbol string, strikeStep, strikeWindow int) (types.OptionsChainSnapshot, error) {
	var result struct {
		FuturesPrice float64                  `json:"futures_price"`
		Expiry       time.Time                `json:"expiry"`
		Strikes      map[int]types.StrikeData `json:"strikes"`
	}
	resp, err := l.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":        symbol,
			"strike_step":   fmt.Sprint(strikeStep),
			"strike_window": fmt.Sprint(strikeWindow),
		}).
		SetResult(&result).
		Get("/v1/options-chain")
	if err != nil {
		return types.OptionsChainSnapshot{}, fmt.Errorf("get options chain: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OptionsChainSnapshot{}, fmt.Errorf("get options chain: status %d: %s", resp.StatusCode(), resp.String())
	}
	return types.OptionsChainSnapshot{
		Instrument:   types.CanonicalSymbol(symbol),
		At:           time.Now(),
		FuturesPrice: result.FuturesPrice,
		Strikes:      result.Strikes,
		Expiry:       result.Expiry,
	}, nil
}

// Ticks returns the read-only tick channel fed by Stream.
func (l *Live) Ticks() <-chan types.Tick { return l.tickCh }

// Subscribe registers symbols for streaming; they are re-sent after every
// reconnect.
func (l *Live) Subscribe(symbols []string) {
	l.subscribedMu.Lock()
	for _, s := range symbols {
		l.subscribed[s] = true
	}
	l.subscribedMu.Unlock()
}

// Stream connects and maintains the WebSocket feed with auto-reconnect.
// Blocks until ctx is cancelled.
func (l *Live) Stream(ctx context.Context) error {
	if l.wsURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := time.Second
	for {
		err := l.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (l *Live) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	defer func() {
		l.connMu.Lock()
		conn.Close()
		l.conn = nil
		l.connMu.Unlock()
	}()

	if err := l.sendSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.logger.Info("websocket connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		l.dispatchMessage(msg)
	}
}

func (l *Live) sendSubscription() error {
	l.subscribedMu.RLock()
	symbols := make([]string, 0, len(l.subscribed))
	for s := range l.subscribed {
		symbols = append(symbols, s)
	}
	l.subscribedMu.RUnlock()

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteJSON(map[string]any{
		"op":      "subscribe",
		"symbols": symbols,
	})
}

// wsTick is the wire shape of a streamed tick.
type wsTick struct {
	Type      string             `json:"type"`
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	LastPrice float64            `json:"last_price"`
	Volume    float64            `json:"volume"`
	Bids      []types.DepthLevel `json:"bids"`
	Asks      []types.DepthLevel `json:"asks"`
}

func (l *Live) dispatchMessage(data []byte) {
	var msg wsTick
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if msg.Type != "tick" || msg.Symbol == "" {
		l.logger.Debug("ignoring ws event", "type", msg.Type)
		return
	}

	tick := types.Tick{
		Instrument: types.CanonicalSymbol(msg.Symbol),
		Timestamp:  msg.Timestamp,
		LastPrice:  msg.LastPrice,
		Volume:     msg.Volume,
		BidDepth:   capDepth(msg.Bids),
		AskDepth:   capDepth(msg.Asks),
	}
	select {
	case l.tickCh <- tick:
	default:
		l.logger.Warn("tick channel full, dropping tick", "instrument", tick.Instrument)
	}
}

// capDepth keeps at most the top 5 levels.
func capDepth(levels []types.DepthLevel) []types.DepthLevel {
	if len(levels) > 5 {
		return levels[:5]
	}
	return levels
}
