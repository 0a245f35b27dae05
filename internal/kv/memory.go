package kv

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by DRY_RUN mode and tests.
type Memory struct {
	mu   sync.Mutex
	docs map[string]Document
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

func (m *Memory) Get(ctx context.Context, key string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return Document{}, ErrNotFound
	}
	cp := make([]byte, len(doc.Value))
	copy(cp, doc.Value)
	return Document{Value: cp, Version: doc.Version}, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[key]
	if version == 0 {
		if ok {
			return 0, ErrVersionConflict
		}
	} else {
		if !ok || cur.Version != version {
			return 0, ErrVersionConflict
		}
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	next := version + 1
	m.docs[key] = Document{Value: cp, Version: next}
	return next, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}
