package risk

import (
	"context"
	"fmt"
	"time"

	"risk-sentinel/internal/broker"
	"risk-sentinel/internal/journal"
	"risk-sentinel/internal/logger"
	"risk-sentinel/internal/trace"
)

// ItemError is one failed cancel or square-off; failures are collected, not
// propagated, so one bad order never blocks the rest of the sweep.
type ItemError struct {
	Stage string `json:"stage"` // cancel or square_off
	Ref   string `json:"ref"`   // order id or symbol
	Error string `json:"error"`
}

// Summary is the outcome of one enforcement run.
type Summary struct {
	Reason    string      `json:"reason"`
	Cancelled int         `json:"cancelled"`
	Squared   int         `json:"squared"`
	Errors    []ItemError `json:"errors,omitempty"`
	Skipped   string      `json:"skipped,omitempty"` // "locked" or "already_tripped"
}

// Enforcer executes the cancel-all + square-off-all sweep under the TTL lock.
type Enforcer struct {
	broker broker.Broker
	lock   *Lock
	states *StateStore
	minLot map[string]int
	nowFn  func() time.Time
}

func NewEnforcer(b broker.Broker, lock *Lock, states *StateStore, minLot map[string]int) *Enforcer {
	return &Enforcer{
		broker: b,
		lock:   lock,
		states: states,
		minLot: minLot,
		nowFn:  time.Now,
	}
}

// SetNowFn overrides the clock (tests).
func (e *Enforcer) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	e.nowFn = fn
}

// Enforce cancels every open order and flattens every nonzero position,
// best-effort per item. Lock contention is a normal "skipped" outcome, and a
// day that is already tripped short-circuits without touching the broker
// unless force is set. Force also flattens sub-minimum-lot residuals.
func (e *Enforcer) Enforce(ctx context.Context, reason string, force bool) (Summary, error) {
	ctx, span := trace.StartSpan(ctx, "risk.Enforce")
	defer span.End()

	summary := Summary{Reason: reason}
	now := e.nowFn()
	date := DayKey(now)

	holder, ok, err := e.lock.Acquire(ctx)
	if err != nil {
		return summary, err
	}
	if !ok {
		summary.Skipped = "locked"
		logger.Info(ctx, "Enforcement skipped, lock held elsewhere", "reason", reason)
		return summary, nil
	}
	defer func() {
		if relErr := e.lock.Release(ctx, holder); relErr != nil {
			logger.ErrorWithErr(ctx, "Failed to release enforcement lock", relErr)
		}
	}()

	st, _, err := e.states.LoadDay(ctx, date)
	if err != nil {
		return summary, err
	}
	if st.TrippedDay && !force {
		summary.Skipped = "already_tripped"
		summary.Reason = st.TripReason
		logger.Info(ctx, "Day already tripped, enforcement short-circuited",
			"trip_reason", st.TripReason)
		return summary, nil
	}

	// Cancel every order not in a terminal state.
	orders, err := e.broker.OpenOrders(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, ItemError{
			Stage: "cancel", Ref: "*", Error: err.Error(),
		})
	}
	for _, o := range orders {
		if err := e.broker.CancelOrder(ctx, o.OrderID); err != nil {
			summary.Errors = append(summary.Errors, ItemError{
				Stage: "cancel", Ref: o.OrderID, Error: err.Error(),
			})
			continue
		}
		summary.Cancelled++
	}

	// Flatten every nonzero net position with an opposite market order.
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, ItemError{
			Stage: "square_off", Ref: "*", Error: err.Error(),
		})
	}
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		qty := abs(p.NetQty)
		if min := e.minLot[p.Symbol]; qty < min && !force {
			logger.Warn(ctx, "Skipping sub-minimum-lot position",
				"symbol", p.Symbol, "qty", qty, "min_lot", min)
			continue
		}
		if err := e.squareOff(ctx, p.Symbol, p.NetQty, qty, "RISK_ENFORCE"); err != nil {
			summary.Errors = append(summary.Errors, ItemError{
				Stage: "square_off", Ref: p.Symbol, Error: err.Error(),
			})
			continue
		}
		summary.Squared++
	}

	// Persist the trip and the run summary.
	_, err = e.states.Update(ctx, date, func(st *State) {
		st.TrippedDay = true
		st.BlockNewOrders = true
		if st.TripReason == "" {
			st.TripReason = reason
		}
		st.LastEnforcedAt = now
		st.AppendEvent(AuditEntry{
			At:      now,
			Kind:    "enforce",
			Message: reason,
			Fields: map[string]any{
				"cancelled": summary.Cancelled,
				"squared":   summary.Squared,
				"errors":    len(summary.Errors),
			},
		})
	})
	if err != nil {
		return summary, fmt.Errorf("persist enforcement: %w", err)
	}

	errStrs := make([]string, 0, len(summary.Errors))
	for _, ie := range summary.Errors {
		errStrs = append(errStrs, fmt.Sprintf("%s %s: %s", ie.Stage, ie.Ref, ie.Error))
	}
	_ = journal.AppendEnforcement(journal.EnforcementEntry{
		Time:      now.Format(time.RFC3339),
		Reason:    reason,
		Cancelled: summary.Cancelled,
		Squared:   summary.Squared,
		Errors:    errStrs,
	})
	logger.Enforce(ctx, reason, summary.Cancelled, summary.Squared,
		"errors", len(summary.Errors))

	return summary, nil
}

// FlattenDelta squares off part of a position (cooldown/freeze standing
// rules), outside the enforcement lock.
func (e *Enforcer) FlattenDelta(ctx context.Context, symbol string, netQty, qty int, tag string) error {
	if qty <= 0 {
		return nil
	}
	if min := e.minLot[symbol]; qty < min {
		return nil
	}
	return e.squareOff(ctx, symbol, netQty, qty, tag)
}

func (e *Enforcer) squareOff(ctx context.Context, symbol string, netQty, qty int, tag string) error {
	side := "SELL"
	if netQty < 0 {
		side = "BUY"
	}
	_, err := e.broker.PlaceMarketOrder(ctx, broker.OrderReq{
		Symbol: symbol,
		Side:   side,
		Qty:    qty,
		Tag:    tag,
	})
	return err
}
