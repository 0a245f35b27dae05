package brokerobs

import (
	"context"

	"risk-sentinel/internal/broker"
	"risk-sentinel/internal/logger"
	"risk-sentinel/internal/trace"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker broker.Broker
}

// Compile-time interface check
var _ broker.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware
func Wrap(b broker.Broker) broker.Broker {
	return &observableBroker{broker: b}
}

func (ob *observableBroker) OpenOrders(ctx context.Context) ([]broker.Order, error) {
	ctx, span := trace.StartSpan(ctx, "broker.OpenOrders")
	defer span.End()

	orders, err := ob.broker.OpenOrders(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch open orders", err)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Open orders fetched", "count", len(orders))
	return orders, nil
}

func (ob *observableBroker) CancelOrder(ctx context.Context, orderID string) error {
	ctx, span := trace.StartSpan(ctx, "broker.CancelOrder")
	defer span.End()

	if err := ob.broker.CancelOrder(ctx, orderID); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel order", err, "order_id", orderID)
		return err
	}

	logger.InfoSkip(ctx, 1, "Order cancelled", "order_id", orderID)
	return nil
}

func (ob *observableBroker) Positions(ctx context.Context) ([]broker.Position, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Positions")
	defer span.End()

	positions, err := ob.broker.Positions(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch positions", err)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Positions fetched", "count", len(positions))
	return positions, nil
}

func (ob *observableBroker) Fills(ctx context.Context) ([]broker.Fill, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Fills")
	defer span.End()

	fills, err := ob.broker.Fills(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch fills", err)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Fills fetched", "count", len(fills))
	return fills, nil
}

func (ob *observableBroker) PlaceMarketOrder(ctx context.Context, req broker.OrderReq) (broker.OrderResp, error) {
	ctx, span := trace.StartSpan(ctx, "broker.PlaceMarketOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing market order",
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Qty,
		"tag", req.Tag,
	)

	resp, err := ob.broker.PlaceMarketOrder(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place market order", err,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Qty,
		)
		return broker.OrderResp{}, err
	}

	logger.InfoSkip(ctx, 1, "Market order placed",
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Qty,
		"order_id", resp.OrderID,
	)
	return resp, nil
}

func (ob *observableBroker) Funds(ctx context.Context) (broker.Funds, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Funds")
	defer span.End()

	funds, err := ob.broker.Funds(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch funds snapshot", err)
		return broker.Funds{}, err
	}

	logger.DebugSkip(ctx, 1, "Funds snapshot fetched",
		"net_equity", funds.NetEquity,
		"available_cash", funds.AvailableCash,
	)
	return funds, nil
}
