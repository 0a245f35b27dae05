package risk

import (
	"context"
	"fmt"

	"risk-sentinel/internal/logger"
)

// StateView is the read-only projection served to operators.
type StateView struct {
	Date             string         `json:"date"`
	KiteStatus       string         `json:"kite_status"`
	TotalPnL         float64        `json:"total_pnl"`
	RealizedPnL      float64        `json:"realized_pnl"`
	UnrealizedPnL    float64        `json:"unrealized_pnl"`
	PeakProfit       float64        `json:"peak_profit"`
	ActiveLossFloor  float64        `json:"active_loss_floor"`
	RemainingToFloor float64        `json:"remaining_to_floor"`
	ConsecutiveLoss  int            `json:"consecutive_losses"`
	CooldownUntil    string         `json:"cooldown_until,omitempty"`
	TrippedDay       bool           `json:"tripped_day"`
	BlockNewOrders   bool           `json:"block_new_orders"`
	TripReason       string         `json:"trip_reason,omitempty"`
	FreezeMode       bool           `json:"freeze_mode"`
	AllowedPositions map[string]int `json:"allowed_positions,omitempty"`
	CapitalBaseline  float64        `json:"capital_baseline"`
	MaxLoss          float64        `json:"max_loss"`
	ProfitTarget     float64        `json:"profit_target"`
	EventLog         []AuditEntry   `json:"event_log,omitempty"`
}

// State loads the current day's record and projects it for operators.
func (d *Driver) State(ctx context.Context) (StateView, error) {
	st, _, err := d.states.LoadDay(ctx, DayKey(d.nowFn()))
	if err != nil {
		return StateView{}, err
	}
	view := StateView{
		Date:             st.Date,
		KiteStatus:       st.KiteStatus,
		TotalPnL:         st.TotalPnL,
		RealizedPnL:      st.RealizedPnL,
		UnrealizedPnL:    st.UnrealizedPnL,
		PeakProfit:       st.PeakProfit,
		ActiveLossFloor:  st.ActiveLossFloor,
		RemainingToFloor: st.RemainingToFloor,
		ConsecutiveLoss:  st.ConsecutiveLosses,
		TrippedDay:       st.TrippedDay,
		BlockNewOrders:   st.BlockNewOrders,
		TripReason:       st.TripReason,
		FreezeMode:       st.FreezeMode,
		AllowedPositions: st.AllowedPositions,
		CapitalBaseline:  st.CapitalBaseline,
		MaxLoss:          st.MaxLoss(),
		ProfitTarget:     st.ProfitTarget(),
		EventLog:         st.EventLog,
	}
	if !st.CooldownUntil.IsZero() {
		view.CooldownUntil = st.CooldownUntil.Format("2006-01-02T15:04:05Z07:00")
	}
	return view, nil
}

// ApplyConfigPatch updates the allow-listed risk parameters on the current
// day's state. Unknown keys are ignored. Returns the keys that were applied.
func (d *Driver) ApplyConfigPatch(ctx context.Context, patch map[string]any) ([]string, error) {
	var applied []string
	_, err := d.states.Update(ctx, DayKey(d.nowFn()), func(st *State) {
		applied = applied[:0]
		for key, raw := range patch {
			if applyConfigKey(st, key, raw) {
				applied = append(applied, key)
			}
		}
		if len(applied) > 0 {
			st.AppendEvent(AuditEntry{
				At:      d.nowFn(),
				Kind:    "config",
				Message: "risk parameters updated",
				Fields:  map[string]any{"keys": applied},
			})
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "Risk config patched", "applied", applied)
	return applied, nil
}

func applyConfigKey(st *State, key string, raw any) bool {
	switch key {
	case "max_loss_pct":
		return setFloat(&st.MaxLossPct, raw)
	case "max_loss_abs":
		return setFloat(&st.MaxLossAbs, raw)
	case "trail_step":
		return setFloat(&st.TrailStep, raw)
	case "cooldown_minutes":
		return setInt(&st.CooldownMinutes, raw)
	case "max_consecutive_losses":
		return setInt(&st.MaxConsecutiveLosses, raw)
	case "profit_target_abs":
		return setFloat(&st.ProfitTargetAbs, raw)
	case "profit_target_pct":
		return setFloat(&st.ProfitTargetPct, raw)
	case "capital_baseline":
		return setFloat(&st.CapitalBaseline, raw)
	}
	return false
}

func setFloat(dst *float64, raw any) bool {
	switch v := raw.(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	default:
		return false
	}
	return true
}

func setInt(dst *int, raw any) bool {
	switch v := raw.(type) {
	case float64:
		*dst = int(v)
	case int:
		*dst = v
	default:
		return false
	}
	return true
}

// Kill runs the cancel-and-flatten actuator on operator demand. Force mode
// flattens sub-lot residuals as well.
func (d *Driver) Kill(ctx context.Context) (Summary, error) {
	logger.Warn(ctx, "Manual kill requested")
	return d.enforcer.Enforce(ctx, "admin_kill", true)
}

// Unlock re-enables order flow after a trip without clearing the day's
// trip history.
func (d *Driver) Unlock(ctx context.Context) error {
	_, err := d.states.Update(ctx, DayKey(d.nowFn()), func(st *State) {
		st.BlockNewOrders = false
		st.AppendEvent(AuditEntry{
			At:      d.nowFn(),
			Kind:    "unlock",
			Message: "order flow re-enabled",
		})
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "Order flow unlocked")
	return nil
}

// Reset discards the day's state and lot books, starting the day over with
// configured defaults.
func (d *Driver) Reset(ctx context.Context) error {
	now := d.nowFn()
	date := DayKey(now)

	st, ver, err := d.states.LoadDay(ctx, date)
	if err != nil {
		return err
	}
	for _, sym := range st.Symbols {
		if err := d.states.DeleteBook(ctx, sym); err != nil {
			return fmt.Errorf("delete book %s: %w", sym, err)
		}
	}
	if err := d.states.DeleteSellBook(ctx, date); err != nil {
		return err
	}

	fresh := NewState(date, d.states.defaults)
	fresh.AppendEvent(AuditEntry{
		At:      now,
		Kind:    "reset",
		Message: "day state reset by operator",
	})
	if _, err := d.states.Save(ctx, fresh, ver); err != nil {
		return err
	}
	logger.Warn(ctx, "Day state reset", "date", date)
	return nil
}
