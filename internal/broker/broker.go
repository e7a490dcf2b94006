// Package broker defines the order execution interface and the simulated
// paper broker. The paper broker keeps its capital ledger in decimal
// arithmetic so repeated fills and closes never drift.
package broker

import (
	"context"
	"errors"

	"agenttrader/pkg/types"
)

// ErrRejected wraps every order rejection; the concrete reason is in
// OrderResult.RejectionReason.
var ErrRejected = errors.New("broker: order rejected")

// Rejection reasons.
const (
	RejectInsufficientMargin = "insufficient_margin"
	RejectMaxPositions       = "max_concurrent_positions"
	RejectHalted             = "trading_halted"
	RejectZeroQuantity       = "zero_quantity"
	RejectSymbolNotAllowed   = "symbol_not_allowed"
	RejectRouteFailed        = "order_routing_failed"
)

// OrderRouter forwards a fill to a live venue. The engine sets one on the
// paper broker when paper_mode is off; a routing error rejects the order.
type OrderRouter func(ctx context.Context, instrument string, action types.SignalAction,
	quantity, price float64) (orderID string, err error)

// OrderResult is the outcome of PlaceOrder.
type OrderResult struct {
	Status          types.SignalStatus `json:"status"`
	TradeID         string             `json:"trade_id,omitempty"`
	FillPrice       float64            `json:"fill_price,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
}

// CloseResult is the outcome of ClosePosition. Closing an already-closed
// position returns the recorded result unchanged.
type CloseResult struct {
	Status types.PositionStatus `json:"status"`
	PnL    float64              `json:"pnl"`
}

// Broker is the execution capability set. The paper broker implements it
// fully; a live broker adapter would translate to provider orders.
type Broker interface {
	PlaceOrder(ctx context.Context, signal types.Signal, lastPrice float64) (OrderResult, error)
	ClosePosition(ctx context.Context, tradeID string, exitPrice float64, reason types.ExitReason) (CloseResult, error)
	OpenPositions() []types.Position
	ClosedPositions() []types.Position
	Position(tradeID string) (types.Position, bool)
}
