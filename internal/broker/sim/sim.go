// Package sim is an in-memory broker account. DRY_RUN mode runs against it,
// and the engine tests script it to produce fills, positions and failures.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"risk-sentinel/internal/broker"
)

type Broker struct {
	mu        sync.Mutex
	orders    []broker.Order
	positions []broker.Position
	fills     []broker.Fill
	funds     broker.Funds

	placed    []broker.OrderReq
	cancelled []string

	failFetch     bool
	failCancelIDs map[string]bool
	failPlaceSyms map[string]bool

	seq int
}

var _ broker.Broker = (*Broker)(nil)

func New() *Broker {
	return &Broker{
		funds:         broker.Funds{NetEquity: 100000, AvailableCash: 100000},
		failCancelIDs: map[string]bool{},
		failPlaceSyms: map[string]bool{},
	}
}

func (b *Broker) SetFunds(f broker.Funds) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.funds = f
}

func (b *Broker) SetPositions(ps []broker.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append([]broker.Position(nil), ps...)
}

func (b *Broker) SetOpenOrders(os []broker.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append([]broker.Order(nil), os...)
}

// AddFill appends a completed trade the next Fills call will report.
func (b *Broker) AddFill(symbol, side string, qty int, price float64, at time.Time) broker.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	f := broker.Fill{
		OrderID:  fmt.Sprintf("SIM-%06d", b.seq),
		Symbol:   symbol,
		Side:     side,
		Qty:      qty,
		AvgPrice: price,
		FilledAt: at,
	}
	b.fills = append(b.fills, f)
	return f
}

// FailFetch makes OpenOrders/Positions/Fills/Funds return a connectivity error.
func (b *Broker) FailFetch(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failFetch = fail
}

// FailCancel makes cancelling the given order id fail.
func (b *Broker) FailCancel(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCancelIDs[orderID] = true
}

// FailPlace makes market orders for the given symbol fail.
func (b *Broker) FailPlace(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPlaceSyms[symbol] = true
}

// Placed returns every market order placed so far.
func (b *Broker) Placed() []broker.OrderReq {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.OrderReq(nil), b.placed...)
}

// Cancelled returns every order id cancelled so far.
func (b *Broker) Cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

func (b *Broker) OpenOrders(ctx context.Context) ([]broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFetch {
		return nil, errors.New("sim: broker unreachable")
	}
	return append([]broker.Order(nil), b.orders...), nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failCancelIDs[orderID] {
		return fmt.Errorf("sim: cancel rejected for %s", orderID)
	}
	b.cancelled = append(b.cancelled, orderID)
	kept := b.orders[:0]
	for _, o := range b.orders {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	b.orders = kept
	return nil
}

func (b *Broker) Positions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFetch {
		return nil, errors.New("sim: broker unreachable")
	}
	return append([]broker.Position(nil), b.positions...), nil
}

func (b *Broker) Fills(ctx context.Context) ([]broker.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFetch {
		return nil, errors.New("sim: broker unreachable")
	}
	return append([]broker.Fill(nil), b.fills...), nil
}

func (b *Broker) PlaceMarketOrder(ctx context.Context, req broker.OrderReq) (broker.OrderResp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPlaceSyms[req.Symbol] {
		return broker.OrderResp{}, fmt.Errorf("sim: order rejected for %s", req.Symbol)
	}
	b.seq++
	b.placed = append(b.placed, req)
	return broker.OrderResp{
		OrderID: fmt.Sprintf("SIM-%06d", b.seq),
		Status:  "SIMULATED",
		Message: "dry-run",
	}, nil
}

func (b *Broker) Funds(ctx context.Context) (broker.Funds, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFetch {
		return broker.Funds{}, errors.New("sim: broker unreachable")
	}
	return b.funds, nil
}
