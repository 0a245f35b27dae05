package risk

import (
	"context"
	"math"
	"sort"
	"time"

	"risk-sentinel/internal/logger"
)

// IngestResult reports one ledger ingestion batch.
type IngestResult struct {
	Processed int
	Skipped   int
	NewestTS  time.Time
	SellMarks []SellMark
}

// Ledger matches broker fills into per-instrument FIFO lot books.
type Ledger struct {
	Books map[string]*Book
}

func NewLedger(books map[string]*Book) *Ledger {
	if books == nil {
		books = make(map[string]*Book)
	}
	return &Ledger{Books: books}
}

func (l *Ledger) book(symbol string) *Book {
	b, ok := l.Books[symbol]
	if !ok {
		b = &Book{Symbol: symbol}
		l.Books[symbol] = b
	}
	return b
}

func validEvent(ev TradeEvent) bool {
	if ev.Symbol == "" || ev.Qty <= 0 {
		return false
	}
	if ev.Price <= 0 || math.IsNaN(ev.Price) || math.IsInf(ev.Price, 0) {
		return false
	}
	return ev.Side == "BUY" || ev.Side == "SELL"
}

// Ingest applies fills newer than the state's cursor, oldest first, and
// advances the cursor only on forward progress. Re-delivery of a timestamp
// at or below the cursor never changes realized P&L or lot state. Malformed
// fills are skipped with a warning and never abort the batch.
func (l *Ledger) Ingest(ctx context.Context, events []TradeEvent, st *State) IngestResult {
	var res IngestResult

	fresh := make([]TradeEvent, 0, len(events))
	for _, ev := range events {
		if !ev.Timestamp.After(st.FillCursor) {
			continue
		}
		fresh = append(fresh, ev)
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		if fresh[i].Timestamp.Equal(fresh[j].Timestamp) {
			return fresh[i].OrderID < fresh[j].OrderID
		}
		return fresh[i].Timestamp.Before(fresh[j].Timestamp)
	})

	for _, ev := range fresh {
		if !validEvent(ev) {
			res.Skipped++
			logger.Warn(ctx, "Skipping malformed fill",
				"order_id", ev.OrderID,
				"symbol", ev.Symbol,
				"side", ev.Side,
				"qty", ev.Qty,
				"price", ev.Price,
			)
			continue
		}

		b := l.book(ev.Symbol)
		st.TrackSymbol(ev.Symbol)

		// The book keeps its own cursor so a fill applied during a
		// previously failed persist attempt is not applied twice.
		if !ev.Timestamp.After(b.Cursor) {
			res.Processed++
			if ev.Timestamp.After(res.NewestTS) {
				res.NewestTS = ev.Timestamp
			}
			continue
		}

		realized := b.apply(ev.Side, ev.Qty, ev.Price, ev.Timestamp)
		b.Cursor = ev.Timestamp
		b.Realized += realized

		res.Processed++
		if ev.Timestamp.After(res.NewestTS) {
			res.NewestTS = ev.Timestamp
		}

		st.AppendTrade(AuditEntry{
			At:      ev.Timestamp,
			Kind:    "trade",
			Message: ev.Side,
			Fields: map[string]any{
				"order_id": ev.OrderID,
				"symbol":   ev.Symbol,
				"qty":      ev.Qty,
				"price":    ev.Price,
				"realized": realized,
				"net_qty":  b.NetQty(),
			},
		})
		logger.Trade(ctx, ev.Symbol, ev.Side, ev.Qty, ev.Price, ev.OrderID, "realized", realized)

		if ev.Side == "SELL" {
			st.SellSeq++
			res.SellMarks = append(res.SellMarks, SellMark{
				Seq:    st.SellSeq,
				At:     ev.Timestamp,
				Symbol: ev.Symbol,
				Qty:    ev.Qty,
				MTM:    realized,
			})
		}
	}

	if res.NewestTS.After(st.FillCursor) {
		st.FillCursor = res.NewestTS
	}
	return res
}

// apply walks the lot list FIFO: a SELL consumes LONG lots oldest-first
// realizing (price - avg) per unit, residual quantity opens a SHORT lot;
// BUY is the mirror image. Fully consumed lots are dropped, order preserved.
func (b *Book) apply(side string, qty int, price float64, at time.Time) float64 {
	consumeSide, openSide := "LONG", "SHORT"
	if side == "BUY" {
		consumeSide, openSide = "SHORT", "LONG"
	}

	realized := 0.0
	remaining := qty
	kept := b.Lots[:0]
	for i := range b.Lots {
		lot := b.Lots[i]
		if remaining > 0 && lot.Side == consumeSide {
			take := lot.Qty
			if take > remaining {
				take = remaining
			}
			if side == "SELL" {
				realized += (price - lot.AvgPrice) * float64(take)
			} else {
				realized += (lot.AvgPrice - price) * float64(take)
			}
			lot.Qty -= take
			remaining -= take
		}
		if lot.Qty > 0 {
			kept = append(kept, lot)
		}
	}
	b.Lots = kept

	if remaining > 0 {
		b.Lots = append(b.Lots, Lot{
			Side:     openSide,
			Qty:      remaining,
			AvgPrice: price,
			OpenedAt: at,
		})
	}
	return realized
}
