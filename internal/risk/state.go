// Package risk holds the trade-ledger reconciliation, risk evaluation and
// enforcement actuation pipeline for one intraday trading account.
package risk

import (
	"time"
)

const (
	// auditRingCap bounds every audit ring; oldest entries are dropped.
	auditRingCap = 200
	// sellBookCap bounds the sell-mark journal document.
	sellBookCap = 200
)

var ist = time.FixedZone("IST", 19800)

// DayKey returns the trading-day key for a point in time.
func DayKey(t time.Time) string {
	return t.In(ist).Format("2006-01-02")
}

// Lot is an open quantity chunk of a position, consumed FIFO.
type Lot struct {
	Side     string    `json:"side"` // LONG or SHORT
	Qty      int       `json:"qty"`
	AvgPrice float64   `json:"avg_price"`
	OpenedAt time.Time `json:"opened_at"`
}

// Book is the per-instrument lot book. It carries its own fill cursor and
// realized P&L so re-applying an already-applied fill after a partially
// failed persist is a no-op (book documents and the day state document are
// written without a multi-key transaction).
type Book struct {
	Symbol   string    `json:"symbol"`
	Lots     []Lot     `json:"lots"`
	Cursor   time.Time `json:"cursor"`
	Realized float64   `json:"realized"`
}

// NetQty is the signed sum of remaining lot quantities.
func (b *Book) NetQty() int {
	n := 0
	for _, l := range b.Lots {
		if l.Side == "LONG" {
			n += l.Qty
		} else {
			n -= l.Qty
		}
	}
	return n
}

// TradeEvent is a normalized fill, one per fully filled order.
type TradeEvent struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Qty       int       `json:"qty"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// SellMark is one append-only sell-book record driving the consecutive-loss
// baseline; it is independent of the ledger's realized-P&L bookkeeping.
type SellMark struct {
	Seq    int       `json:"seq"`
	At     time.Time `json:"at"`
	Symbol string    `json:"symbol"`
	Qty    int       `json:"qty"`
	MTM    float64   `json:"mtm"`
}

// AuditEntry is one bounded audit-ring record.
type AuditEntry struct {
	At      time.Time      `json:"at"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// State is the daily risk-state document, keyed by trading date.
//
// Invariants: ActiveLossFloor and PeakProfit never decrease within a day;
// ConsecutiveLosses, LossBaseline and CooldownUntil are mutated only by SELL
// classification; FillCursor only advances.
type State struct {
	Date            string  `json:"date"`
	CapitalBaseline float64 `json:"capital_baseline"`

	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`

	MaxLossAbs float64 `json:"max_loss_abs"`
	MaxLossPct float64 `json:"max_loss_pct"`
	TrailStep  float64 `json:"trail_step"`

	PeakProfit       float64 `json:"peak_profit"`
	ActiveLossFloor  float64 `json:"active_loss_floor"`
	FloorSet         bool    `json:"floor_set"`
	RemainingToFloor float64 `json:"remaining_to_floor"`

	ConsecutiveLosses    int            `json:"consecutive_losses"`
	LossBaseline         float64        `json:"loss_baseline"`
	MaxConsecutiveLosses int            `json:"max_consecutive_losses"`
	CooldownMinutes      int            `json:"cooldown_minutes"`
	CooldownUntil        time.Time      `json:"cooldown_until"`
	CooldownPositions    map[string]int `json:"cooldown_positions,omitempty"`

	TrippedDay     bool      `json:"tripped_day"`
	BlockNewOrders bool      `json:"block_new_orders"`
	TripReason     string    `json:"trip_reason"`
	LastEnforcedAt time.Time `json:"last_enforced_at"`

	FreezeMode       bool           `json:"freeze_mode"`
	AllowedPositions map[string]int `json:"allowed_positions,omitempty"`
	ProfitTargetAbs  float64        `json:"profit_target_abs"`
	ProfitTargetPct  float64        `json:"profit_target_pct"`

	FillCursor time.Time `json:"fill_cursor"`
	KiteStatus string    `json:"kite_status"`
	SellSeq    int       `json:"sell_seq"`

	// Symbols lists every instrument a book document exists for, so an
	// admin reset can clear them without scanning the store.
	Symbols []string `json:"symbols,omitempty"`

	TradeLog []AuditEntry `json:"trade_log,omitempty"`
	EventLog []AuditEntry `json:"event_log,omitempty"`
}

// Defaults seeds a fresh day state from configuration.
type Defaults struct {
	MaxLossPct           float64
	MaxLossAbs           float64
	TrailStep            float64
	CooldownMinutes      int
	MaxConsecutiveLosses int
	ProfitTargetAbs      float64
	ProfitTargetPct      float64
	CapitalBaseline      float64
}

// NewState creates the risk state for a new trading day.
func NewState(date string, d Defaults) *State {
	return &State{
		Date:                 date,
		CapitalBaseline:      d.CapitalBaseline,
		MaxLossPct:           d.MaxLossPct,
		MaxLossAbs:           d.MaxLossAbs,
		TrailStep:            d.TrailStep,
		CooldownMinutes:      d.CooldownMinutes,
		MaxConsecutiveLosses: d.MaxConsecutiveLosses,
		ProfitTargetAbs:      d.ProfitTargetAbs,
		ProfitTargetPct:      d.ProfitTargetPct,
		KiteStatus:           "ok",
	}
}

// MaxLoss resolves the absolute loss bound: the explicit override wins,
// otherwise it is derived from the capital baseline percentage.
func (s *State) MaxLoss() float64 {
	if s.MaxLossAbs > 0 {
		return s.MaxLossAbs
	}
	if s.MaxLossPct > 0 {
		return s.CapitalBaseline * s.MaxLossPct / 100
	}
	return 0
}

// ProfitTarget resolves the profit-lock threshold, 0 when unset.
func (s *State) ProfitTarget() float64 {
	if s.ProfitTargetAbs > 0 {
		return s.ProfitTargetAbs
	}
	if s.ProfitTargetPct > 0 {
		return s.CapitalBaseline * s.ProfitTargetPct / 100
	}
	return 0
}

func appendRing(ring []AuditEntry, e AuditEntry) []AuditEntry {
	ring = append(ring, e)
	if len(ring) > auditRingCap {
		ring = ring[len(ring)-auditRingCap:]
	}
	return ring
}

// AppendTrade appends to the bounded trade audit ring.
func (s *State) AppendTrade(e AuditEntry) {
	s.TradeLog = appendRing(s.TradeLog, e)
}

// AppendEvent appends to the bounded event audit ring.
func (s *State) AppendEvent(e AuditEntry) {
	s.EventLog = appendRing(s.EventLog, e)
}

// TrackSymbol records that a book document exists for symbol.
func (s *State) TrackSymbol(symbol string) {
	for _, known := range s.Symbols {
		if known == symbol {
			return
		}
	}
	s.Symbols = append(s.Symbols, symbol)
}
