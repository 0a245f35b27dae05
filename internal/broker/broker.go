// Package broker defines the abstraction over the trading account's broker
// API. The risk engine only ever talks to this interface; live Zerodha access
// lives in the kite subpackage and a scriptable in-memory account in sim.
package broker

import (
	"context"
	"time"
)

// Order is an order on the broker's book, open or terminal.
type Order struct {
	OrderID  string
	Symbol   string
	Side     string // BUY or SELL
	Status   string
	Qty      int
	Price    float64
	PlacedAt time.Time
}

// Position is the broker's view of net exposure for one instrument.
type Position struct {
	Symbol        string
	NetQty        int
	AvgPrice      float64
	LastPrice     float64
	UnrealizedPnL float64
}

// Fill is a fully filled order normalized to the one-order-one-trade policy:
// partial executions under a single order id surface as one Fill only once
// the parent order reaches a terminal fully-filled status.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     string
	Qty      int
	AvgPrice float64
	FilledAt time.Time
}

type OrderReq struct {
	Symbol string
	Side   string
	Qty    int
	Tag    string
}

type OrderResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Funds is a snapshot of the account's equity and free cash.
type Funds struct {
	NetEquity     float64
	AvailableCash float64
}

type Broker interface {
	// OpenOrders returns every order not in a terminal state.
	OpenOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]Position, error)
	// Fills returns today's completed orders as normalized trade fills.
	Fills(ctx context.Context) ([]Fill, error)
	PlaceMarketOrder(ctx context.Context, req OrderReq) (OrderResp, error)
	Funds(ctx context.Context) (Funds, error)
}

// Terminal reports whether an order status means no further executions.
func Terminal(status string) bool {
	switch status {
	case "COMPLETE", "CANCELLED", "REJECTED":
		return true
	}
	return false
}
