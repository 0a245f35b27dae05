// Package kite adapts the Zerodha Kite Connect REST API to the broker
// interface the risk engine consumes.
package kite

import (
	"context"
	"errors"
	"fmt"

	"risk-sentinel/internal/broker"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

type Params struct {
	APIKey      string
	AccessToken string
	Exchange    string
}

type Client struct {
	p    Params
	kite *kiteconnect.Client
}

var _ broker.Broker = (*Client)(nil)

func New(p Params) (*Client, error) {
	if p.APIKey == "" || p.AccessToken == "" {
		return nil, errors.New("missing API key/access token")
	}
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	return &Client{p: p, kite: kc}, nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]broker.Order, error) {
	orders, err := c.kite.GetOrders()
	if err != nil {
		return nil, fmt.Errorf("kite get orders: %w", err)
	}

	open := make([]broker.Order, 0, len(orders))
	for _, o := range orders {
		if broker.Terminal(o.Status) {
			continue
		}
		open = append(open, broker.Order{
			OrderID:  o.OrderID,
			Symbol:   o.TradingSymbol,
			Side:     o.TransactionType,
			Status:   o.Status,
			Qty:      int(o.Quantity),
			Price:    o.Price,
			PlacedAt: o.OrderTimestamp.Time,
		})
	}
	return open, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.kite.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)
	if err != nil {
		return fmt.Errorf("kite cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *Client) Positions(ctx context.Context) ([]broker.Position, error) {
	positions, err := c.kite.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("kite get positions: %w", err)
	}

	out := make([]broker.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		out = append(out, broker.Position{
			Symbol:        p.Tradingsymbol,
			NetQty:        p.Quantity,
			AvgPrice:      p.AveragePrice,
			LastPrice:     p.LastPrice,
			UnrealizedPnL: p.Unrealised,
		})
	}
	return out, nil
}

// Fills maps today's COMPLETE orders to normalized fills. One order id yields
// exactly one fill at the order's average fill price; partially filled orders
// stay invisible until they complete.
func (c *Client) Fills(ctx context.Context) ([]broker.Fill, error) {
	orders, err := c.kite.GetOrders()
	if err != nil {
		return nil, fmt.Errorf("kite get orders: %w", err)
	}

	fills := make([]broker.Fill, 0, len(orders))
	for _, o := range orders {
		if o.Status != "COMPLETE" || o.FilledQuantity <= 0 {
			continue
		}
		ts := o.ExchangeUpdateTimestamp.Time
		if ts.IsZero() {
			ts = o.OrderTimestamp.Time
		}
		fills = append(fills, broker.Fill{
			OrderID:  o.OrderID,
			Symbol:   o.TradingSymbol,
			Side:     o.TransactionType,
			Qty:      int(o.FilledQuantity),
			AvgPrice: o.AveragePrice,
			FilledAt: ts,
		})
	}
	return fills, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, req broker.OrderReq) (broker.OrderResp, error) {
	resp, err := c.kite.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        c.p.Exchange,
		Tradingsymbol:   req.Symbol,
		TransactionType: req.Side,
		OrderType:       kiteconnect.OrderTypeMarket,
		Product:         kiteconnect.ProductMIS,
		Quantity:        req.Qty,
		Tag:             req.Tag,
	})
	if err != nil {
		return broker.OrderResp{}, fmt.Errorf("kite place order: %w", err)
	}
	return broker.OrderResp{OrderID: resp.OrderID, Status: "PLACED", Message: "ok"}, nil
}

func (c *Client) Funds(ctx context.Context) (broker.Funds, error) {
	margins, err := c.kite.GetUserMargins()
	if err != nil {
		return broker.Funds{}, fmt.Errorf("kite get margins: %w", err)
	}
	return broker.Funds{
		NetEquity:     margins.Equity.Net,
		AvailableCash: margins.Equity.Available.Cash,
	}, nil
}
