package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"risk-sentinel/internal/kv"
)

const updateRetries = 5

func stateKey(date string) string    { return "risk:" + date }
func bookKey(symbol string) string   { return "book:" + symbol }
func sellBookKey(date string) string { return "sellbook:" + date }

// StateStore reads and writes the risk documents through the versioned
// key-value store. Every write is compare-and-swap so overlapping ticks
// cannot silently drop each other's updates.
type StateStore struct {
	store    kv.Store
	defaults Defaults
}

func NewStateStore(store kv.Store, defaults Defaults) *StateStore {
	return &StateStore{store: store, defaults: defaults}
}

// LoadDay returns the state for a trading day, creating a fresh in-memory
// record (version 0, not yet persisted) when none exists.
func (s *StateStore) LoadDay(ctx context.Context, date string) (*State, int64, error) {
	doc, err := s.store.Get(ctx, stateKey(date))
	if errors.Is(err, kv.ErrNotFound) {
		return NewState(date, s.defaults), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load state %s: %w", date, err)
	}

	var st State
	if err := json.Unmarshal(doc.Value, &st); err != nil {
		return nil, 0, fmt.Errorf("decode state %s: %w", date, err)
	}
	return &st, doc.Version, nil
}

// Save writes the state document with its version; kv.ErrVersionConflict
// surfaces unchanged so the caller can reload and retry.
func (s *StateStore) Save(ctx context.Context, st *State, version int64) (int64, error) {
	value, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encode state %s: %w", st.Date, err)
	}
	return s.store.Put(ctx, stateKey(st.Date), value, version)
}

// Update applies fn to the current day state inside a reload-and-retry loop.
func (s *StateStore) Update(ctx context.Context, date string, fn func(*State)) (*State, error) {
	for i := 0; i < updateRetries; i++ {
		st, ver, err := s.LoadDay(ctx, date)
		if err != nil {
			return nil, err
		}
		fn(st)
		if _, err := s.Save(ctx, st, ver); err != nil {
			if errors.Is(err, kv.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("update state %s: %w", date, kv.ErrVersionConflict)
}

// LoadBook returns the lot book for symbol, empty when none exists.
func (s *StateStore) LoadBook(ctx context.Context, symbol string) (*Book, int64, error) {
	doc, err := s.store.Get(ctx, bookKey(symbol))
	if errors.Is(err, kv.ErrNotFound) {
		return &Book{Symbol: symbol}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load book %s: %w", symbol, err)
	}

	var b Book
	if err := json.Unmarshal(doc.Value, &b); err != nil {
		return nil, 0, fmt.Errorf("decode book %s: %w", symbol, err)
	}
	return &b, doc.Version, nil
}

// SaveBook writes one instrument's lot book.
func (s *StateStore) SaveBook(ctx context.Context, b *Book, version int64) (int64, error) {
	value, err := json.Marshal(b)
	if err != nil {
		return 0, fmt.Errorf("encode book %s: %w", b.Symbol, err)
	}
	return s.store.Put(ctx, bookKey(b.Symbol), value, version)
}

// DeleteBook removes one instrument's lot book (admin reset).
func (s *StateStore) DeleteBook(ctx context.Context, symbol string) error {
	return s.store.Delete(ctx, bookKey(symbol))
}

// AppendSellMarks appends to the bounded sell-mark journal for a day. Marks
// at or below the journal's newest sequence are dropped, so re-appending
// after a partially failed tick cannot duplicate entries.
func (s *StateStore) AppendSellMarks(ctx context.Context, date string, marks []SellMark) error {
	if len(marks) == 0 {
		return nil
	}
	for i := 0; i < updateRetries; i++ {
		var book []SellMark
		doc, err := s.store.Get(ctx, sellBookKey(date))
		version := int64(0)
		if err == nil {
			version = doc.Version
			if err := json.Unmarshal(doc.Value, &book); err != nil {
				return fmt.Errorf("decode sell book %s: %w", date, err)
			}
		} else if !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("load sell book %s: %w", date, err)
		}

		lastSeq := 0
		if len(book) > 0 {
			lastSeq = book[len(book)-1].Seq
		}
		appended := false
		for _, m := range marks {
			if m.Seq <= lastSeq {
				continue
			}
			book = append(book, m)
			appended = true
		}
		if !appended {
			return nil
		}
		if len(book) > sellBookCap {
			book = book[len(book)-sellBookCap:]
		}

		value, err := json.Marshal(book)
		if err != nil {
			return fmt.Errorf("encode sell book %s: %w", date, err)
		}
		if _, err := s.store.Put(ctx, sellBookKey(date), value, version); err != nil {
			if errors.Is(err, kv.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("append sell book %s: %w", date, kv.ErrVersionConflict)
}

// SellMarks returns the day's sell-mark journal.
func (s *StateStore) SellMarks(ctx context.Context, date string) ([]SellMark, error) {
	doc, err := s.store.Get(ctx, sellBookKey(date))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sell book %s: %w", date, err)
	}
	var book []SellMark
	if err := json.Unmarshal(doc.Value, &book); err != nil {
		return nil, fmt.Errorf("decode sell book %s: %w", date, err)
	}
	return book, nil
}

// DeleteSellBook removes the day's sell-mark journal (admin reset).
func (s *StateStore) DeleteSellBook(ctx context.Context, date string) error {
	return s.store.Delete(ctx, sellBookKey(date))
}
