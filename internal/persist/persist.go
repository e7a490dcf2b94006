// Package persist provides the durable document store for decisions,
// trades, OHLC history and events. The interface is a small
// document-collection abstraction; the shipped backend is SQLite with one
// table per collection and JSON documents queried via json_extract.
package persist

import (
	"context"
	"encoding/json"
	"errors"
)

// Collection names.
const (
	CollOHLCHistory    = "ohlc_history"
	CollTrades         = "trades_executed"
	CollAgentDecisions = "agent_decisions"
	CollMarketEvents   = "market_events"
	CollAlerts         = "alerts"
	CollStrategyParams = "strategy_parameters"
)

// ErrNotFound is returned by FindOne and UpdateOne when no document matches.
var ErrNotFound = errors.New("persist: document not found")

// Query matches documents whose top-level fields equal the given values.
type Query map[string]any

// Sort orders results by one top-level field.
type Sort struct {
	Field string
	Desc  bool
}

// DocStore is the document-collection capability set used by the rest of
// the system. Queries are side-effect-free; writes are single-document.
type DocStore interface {
	Insert(ctx context.Context, collection string, doc any) error
	FindOne(ctx context.Context, collection string, q Query, sort *Sort) (json.RawMessage, error)
	FindMany(ctx context.Context, collection string, q Query, sort *Sort, limit int) ([]json.RawMessage, error)
	UpdateOne(ctx context.Context, collection string, q Query, fields map[string]any) error
	Close() error
}
