package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"risk-sentinel/internal/broker"
	"risk-sentinel/internal/journal"
	"risk-sentinel/internal/kv"
	"risk-sentinel/internal/logger"
	"risk-sentinel/internal/trace"
)

const tickRetries = 3

// TickResult is the outcome of one reconciliation cycle.
type TickResult struct {
	OK         bool      `json:"ok"`
	Processed  int       `json:"processed"`
	NewestTS   time.Time `json:"newest_ts"`
	KiteStatus string    `json:"kite_status"`
	Enforced   bool      `json:"enforced"`
	TripReason string    `json:"trip_reason,omitempty"`
}

// Driver orchestrates one tick: fetch fills and positions, feed the ledger,
// streak tracker and evaluator, actuate on breach, persist. It keeps no
// state across ticks beyond what is written to the store, so overlapping
// invocations only contend on the versioned documents.
type Driver struct {
	broker   broker.Broker
	states   *StateStore
	enforcer *Enforcer
	nowFn    func() time.Time
}

func NewDriver(b broker.Broker, states *StateStore, enforcer *Enforcer) *Driver {
	return &Driver{broker: b, states: states, enforcer: enforcer, nowFn: time.Now}
}

// SetNowFn overrides the clock (tests).
func (d *Driver) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	d.nowFn = fn
	d.enforcer.SetNowFn(fn)
}

// Enforcer exposes the actuator for the admin kill path.
func (d *Driver) Enforcer() *Enforcer { return d.enforcer }

// States exposes the state store for the admin and query paths.
func (d *Driver) States() *StateStore { return d.states }

// Now returns the driver's current time.
func (d *Driver) Now() time.Time { return d.nowFn() }

// Tick runs one reconciliation cycle. Broker connectivity failures are
// recorded as kite_status="error" and retried on the next tick; only store
// failures surface as errors.
func (d *Driver) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := trace.StartSpan(ctx, "risk.Tick")
	defer span.End()

	now := d.nowFn()
	date := DayKey(now)

	// FETCHING happens outside the persist-retry loop; the broker view is
	// a snapshot for this whole tick.
	fills, fillsErr := d.broker.Fills(ctx)
	positions, posErr := d.broker.Positions(ctx)
	if fillsErr != nil || posErr != nil {
		fetchErr := fillsErr
		if fetchErr == nil {
			fetchErr = posErr
		}
		logger.ErrorWithErr(ctx, "Broker fetch failed, skipping tick", fetchErr)
		if _, err := d.states.Update(ctx, date, func(st *State) {
			st.KiteStatus = "error"
		}); err != nil {
			return TickResult{KiteStatus: "error"}, err
		}
		return TickResult{OK: true, KiteStatus: "error"}, nil
	}

	events := toTradeEvents(fills)

	var lastErr error
	for attempt := 0; attempt < tickRetries; attempt++ {
		res, err := d.runTick(ctx, date, now, events, positions)
		if err != nil {
			if errors.Is(err, kv.ErrVersionConflict) {
				lastErr = err
				logger.Warn(ctx, "Concurrent tick detected, retrying", "attempt", attempt+1)
				continue
			}
			return res, err
		}
		return res, nil
	}
	return TickResult{KiteStatus: "ok"}, fmt.Errorf("tick persist retries exhausted: %w", lastErr)
}

func (d *Driver) runTick(ctx context.Context, date string, now time.Time, events []TradeEvent, positions []broker.Position) (TickResult, error) {
	st, ver, err := d.states.LoadDay(ctx, date)
	if err != nil {
		return TickResult{}, err
	}
	st.KiteStatus = "ok"

	// First tick of a new day: capture the capital baseline.
	if ver == 0 && st.CapitalBaseline == 0 {
		if funds, err := d.broker.Funds(ctx); err == nil {
			st.CapitalBaseline = funds.NetEquity
		} else {
			logger.Warn(ctx, "Funds snapshot unavailable, baseline stays zero", "error", err)
		}
	}

	// Load every lot book this tick can touch.
	symbols := map[string]bool{}
	for _, s := range st.Symbols {
		symbols[s] = true
	}
	for _, ev := range events {
		if ev.Symbol != "" {
			symbols[ev.Symbol] = true
		}
	}
	for _, p := range positions {
		symbols[p.Symbol] = true
	}
	books := make(map[string]*Book, len(symbols))
	bookVers := make(map[string]int64, len(symbols))
	for sym := range symbols {
		b, bver, err := d.states.LoadBook(ctx, sym)
		if err != nil {
			return TickResult{}, err
		}
		books[sym] = b
		bookVers[sym] = bver
	}

	// Sell marks persisted by an attempt whose state save failed were
	// never classified; pick them up before ingesting, and advance the
	// sequence so fresh marks never collide with persisted ones.
	persistedMarks, err := d.states.SellMarks(ctx, date)
	if err != nil {
		return TickResult{}, err
	}
	var recovered []SellMark
	for _, m := range persistedMarks {
		if m.Seq > st.SellSeq {
			recovered = append(recovered, m)
		}
	}
	if n := len(persistedMarks); n > 0 && persistedMarks[n-1].Seq > st.SellSeq {
		st.SellSeq = persistedMarks[n-1].Seq
	}

	// INGESTING
	ledger := NewLedger(books)
	ingest := ledger.Ingest(ctx, events, st)
	for _, mark := range append(recovered, ingest.SellMarks...) {
		cls := Classify(mark.MTM, st, now)
		if cls.Worsened {
			logger.Risk(ctx, mark.Symbol, "CONSECUTIVE_LOSS",
				"counter", cls.Counter,
				"baseline", cls.Baseline,
				"cooldown_until", st.CooldownUntil,
			)
		}
	}

	// EVALUATING
	realized := 0.0
	for _, b := range books {
		realized += b.Realized
	}
	unrealized := 0.0
	netBySymbol := make(map[string]int, len(positions))
	for _, p := range positions {
		unrealized += p.UnrealizedPnL
		netBySymbol[p.Symbol] = p.NetQty
	}
	st.RealizedPnL = realized
	st.UnrealizedPnL = unrealized
	st.TotalPnL = realized + unrealized

	d.reconcileBooks(ctx, books, netBySymbol)

	ev := Evaluate(st.TotalPnL, st)
	ApplyEvaluation(st, ev)

	breachReason := ""
	if ev.Breached {
		breachReason = "max_loss_floor"
	}
	if st.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= st.MaxConsecutiveLosses {
		breachReason = "max_consecutive_losses"
	}

	if CheckProfitFreeze(st, st.TotalPnL, netBySymbol) {
		st.AppendEvent(AuditEntry{
			At:      now,
			Kind:    "freeze",
			Message: "profit target reached",
			Fields:  map[string]any{"total_pnl": st.TotalPnL},
		})
		logger.Risk(ctx, "*", "PROFIT_FREEZE", "total_pnl", st.TotalPnL)
	}

	// Standing-rule square-offs are collected now but placed only after
	// the state save succeeds: a persist retry replays this whole attempt,
	// and orders placed inside the loop would double up.
	flattens := d.standingFlattens(st, now, positions)

	// PERSIST: sell marks first (append-only, deduplicated by sequence),
	// then the lot books (idempotent under re-apply thanks to their own
	// cursors), then the day state.
	if err := d.states.AppendSellMarks(ctx, date, ingest.SellMarks); err != nil {
		return TickResult{}, err
	}
	for sym, b := range books {
		if bookVers[sym] == 0 && len(b.Lots) == 0 && b.Cursor.IsZero() {
			continue
		}
		if _, err := d.states.SaveBook(ctx, b, bookVers[sym]); err != nil {
			return TickResult{}, err
		}
	}
	if _, err := d.states.Save(ctx, st, ver); err != nil {
		return TickResult{}, err
	}

	for _, fo := range flattens {
		logger.Risk(ctx, fo.symbol, fo.kind,
			"net_qty", fo.netQty,
			"excess", fo.qty,
		)
		if err := d.enforcer.FlattenDelta(ctx, fo.symbol, fo.netQty, fo.qty, fo.tag); err != nil {
			logger.ErrorWithErr(ctx, "Standing square-off failed", err, "symbol", fo.symbol, "tag", fo.tag)
		}
	}

	for _, mark := range ingest.SellMarks {
		_ = journal.Append(journal.Entry{
			Time:        mark.At.Format(time.RFC3339),
			Symbol:      mark.Symbol,
			Side:        "SELL",
			Qty:         mark.Qty,
			RealizedPnL: mark.MTM,
		})
	}

	result := TickResult{
		OK:         true,
		Processed:  ingest.Processed,
		NewestTS:   st.FillCursor,
		KiteStatus: "ok",
	}

	// ENFORCING
	if breachReason != "" && !st.TrippedDay {
		summary, err := d.enforcer.Enforce(ctx, breachReason, false)
		if err != nil {
			logger.ErrorWithErr(ctx, "Enforcement failed", err, "reason", breachReason)
		} else if summary.Skipped == "" {
			result.Enforced = true
			result.TripReason = breachReason
		}
	}

	return result, nil
}

// flattenOrder is a standing-rule square-off decided during an attempt and
// placed after persistence.
type flattenOrder struct {
	symbol string
	netQty int
	qty    int
	tag    string
	kind   string
}

// standingFlattens computes the exposure above the freeze and cooldown
// allowances. These are evaluated on every tick, regardless of trip state.
// It mutates only the cooldown snapshot on the state, never the broker.
func (d *Driver) standingFlattens(st *State, now time.Time, positions []broker.Position) []flattenOrder {
	var orders []flattenOrder

	if st.FreezeMode {
		for _, p := range positions {
			excess := FreezeExcess(st, p.Symbol, p.NetQty)
			if excess <= 0 {
				continue
			}
			orders = append(orders, flattenOrder{
				symbol: p.Symbol,
				netQty: p.NetQty,
				qty:    excess,
				tag:    "FREEZE",
				kind:   "FREEZE_EXCESS",
			})
		}
	}

	if st.InCooldown(now) {
		if st.CooldownPositions == nil {
			snap := make(map[string]int, len(positions))
			for _, p := range positions {
				if p.NetQty != 0 {
					snap[p.Symbol] = abs(p.NetQty)
				}
			}
			st.CooldownPositions = snap
			return orders
		}
		for _, p := range positions {
			excess := CooldownExcess(st, p.Symbol, p.NetQty)
			if excess <= 0 {
				continue
			}
			orders = append(orders, flattenOrder{
				symbol: p.Symbol,
				netQty: p.NetQty,
				qty:    excess,
				tag:    "COOLDOWN",
				kind:   "COOLDOWN_EXPOSURE",
			})
		}
	} else if st.CooldownPositions != nil {
		st.CooldownPositions = nil
	}

	return orders
}

// reconcileBooks warns when a book's net quantity drifts from the broker's
// reported net position (external adjustments, missed fills).
func (d *Driver) reconcileBooks(ctx context.Context, books map[string]*Book, netBySymbol map[string]int) {
	for sym, b := range books {
		if got, want := b.NetQty(), netBySymbol[sym]; got != want {
			logger.Warn(ctx, "Lot book out of sync with broker position",
				"symbol", sym,
				"book_net_qty", got,
				"broker_net_qty", want,
			)
		}
	}
}

func toTradeEvents(fills []broker.Fill) []TradeEvent {
	events := make([]TradeEvent, 0, len(fills))
	for _, f := range fills {
		events = append(events, TradeEvent{
			OrderID:   f.OrderID,
			Symbol:    f.Symbol,
			Side:      f.Side,
			Qty:       f.Qty,
			Price:     f.AvgPrice,
			Timestamp: f.FilledAt,
		})
	}
	return events
}
