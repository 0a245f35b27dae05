package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"risk-sentinel/internal/kv"

	"github.com/oklog/ulid/v2"
)

const lockKey = "lock:enforce"

// lockDoc is the TTL-bounded mutual exclusion token. It is not a fenced
// distributed lock; a crashed holder self-heals after the TTL expires.
type lockDoc struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Lock is a best-effort TTL lock stored in the key-value store.
type Lock struct {
	store kv.Store
	ttl   time.Duration
	nowFn func() time.Time
}

func NewLock(store kv.Store, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Lock{store: store, ttl: ttl, nowFn: time.Now}
}

// SetNowFn overrides the clock (tests).
func (l *Lock) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	l.nowFn = fn
}

// Acquire attempts to take the lock. A held, unexpired lock yields
// ok=false and no error: contention is a normal skip outcome.
func (l *Lock) Acquire(ctx context.Context) (holder string, ok bool, err error) {
	now := l.nowFn()
	holder = ulid.Make().String()
	doc := lockDoc{Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(l.ttl)}
	value, _ := json.Marshal(doc)

	existing, err := l.store.Get(ctx, lockKey)
	if errors.Is(err, kv.ErrNotFound) {
		if _, err := l.store.Put(ctx, lockKey, value, 0); err != nil {
			if errors.Is(err, kv.ErrVersionConflict) {
				return "", false, nil
			}
			return "", false, fmt.Errorf("acquire lock: %w", err)
		}
		return holder, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}

	var cur lockDoc
	if jsonErr := json.Unmarshal(existing.Value, &cur); jsonErr == nil && now.Before(cur.ExpiresAt) {
		return "", false, nil
	}

	// Expired (or unreadable) lock: take it over via CAS on its version.
	if _, err := l.store.Put(ctx, lockKey, value, existing.Version); err != nil {
		if errors.Is(err, kv.ErrVersionConflict) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	return holder, true, nil
}

// Release deletes the lock if we still hold it.
func (l *Lock) Release(ctx context.Context, holder string) error {
	existing, err := l.store.Get(ctx, lockKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	var cur lockDoc
	if jsonErr := json.Unmarshal(existing.Value, &cur); jsonErr == nil && cur.Holder != holder {
		// Someone took over after our TTL expired; leave their lock alone.
		return nil
	}
	return l.store.Delete(ctx, lockKey)
}
