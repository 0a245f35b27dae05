package risk

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/broker"
	"risk-sentinel/internal/broker/sim"
	"risk-sentinel/internal/kv"
)

func newDriverFixture(t *testing.T, d Defaults) (*Driver, *sim.Broker, *StateStore) {
	t.Helper()
	store := kv.NewMemory()
	states := NewStateStore(store, d)
	lock := NewLock(store, 10*time.Second)
	brk := sim.New()
	drv := NewDriver(brk, states, NewEnforcer(brk, lock, states, nil))
	drv.SetNowFn(func() time.Time { return ts(40) })
	return drv, brk, states
}

// conflictStore fails the next `fail` Puts on keys under prefix with a
// version conflict, simulating a concurrent tick winning the CAS race.
type conflictStore struct {
	kv.Store
	prefix string
	fail   int
}

func (s *conflictStore) Put(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	if s.fail > 0 && strings.HasPrefix(key, s.prefix) {
		s.fail--
		return 0, kv.ErrVersionConflict
	}
	return s.Store.Put(ctx, key, value, version)
}

func TestTickRetryFlattensExcessOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &conflictStore{Store: kv.NewMemory(), prefix: "risk:"}
	states := NewStateStore(store, Defaults{MaxLossAbs: 100000, ProfitTargetAbs: 50})
	lock := NewLock(store, 10*time.Second)
	brk := sim.New()
	drv := NewDriver(brk, states, NewEnforcer(brk, lock, states, nil))
	drv.SetNowFn(func() time.Time { return ts(40) })

	// Freeze with an allowance of TCS=5.
	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 10, 110, ts(2))
	brk.SetPositions([]broker.Position{{Symbol: "TCS", NetQty: 5}})
	_, err := drv.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, brk.Placed())

	// Exposure grows past the allowance while the day-state save loses one
	// CAS race. The retried attempt must not double the square-off.
	brk.SetPositions([]broker.Position{{Symbol: "TCS", NetQty: 8}})
	store.fail = 1
	res, err := drv.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)

	placed := brk.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, "SELL", placed[0].Side)
	assert.Equal(t, 3, placed[0].Qty)
	assert.Equal(t, "FREEZE", placed[0].Tag)
}

func TestTickReconcilesFills(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossAbs: 100000})

	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 10, 110, ts(2))
	brk.SetPositions([]broker.Position{{Symbol: "TCS", NetQty: 5, UnrealizedPnL: 40}})

	res, err := drv.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, "ok", res.KiteStatus)
	assert.Equal(t, ts(2), res.NewestTS)
	assert.False(t, res.Enforced)

	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.InDelta(t, 100, st.RealizedPnL, 1e-9)
	assert.InDelta(t, 40, st.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 140, st.TotalPnL, 1e-9)
	assert.WithinDuration(t, ts(2), st.FillCursor, 0)

	b, _, err := states.LoadBook(ctx, "INFY")
	require.NoError(t, err)
	assert.InDelta(t, 100, b.Realized, 1e-9)
	assert.Equal(t, 0, b.NetQty())

	marks, err := states.SellMarks(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.InDelta(t, 100, marks[0].MTM, 1e-9)
}

func TestTickSecondRunIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossAbs: 100000})

	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 10, 110, ts(2))

	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	// The sim re-reports the same fills; nothing may double-count.
	res, err := drv.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.InDelta(t, 100, st.RealizedPnL, 1e-9)
	assert.Equal(t, 1, st.SellSeq)
}

func TestTickBrokerFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossAbs: 100000})

	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	brk.FailFetch(true)
	res, err := drv.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "error", res.KiteStatus)

	// Connectivity status is persisted, nothing else moved.
	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.Equal(t, "error", st.KiteStatus)
	assert.WithinDuration(t, ts(1), st.FillCursor, 0)

	// Recovery flips the status back.
	brk.FailFetch(false)
	_, err = drv.Tick(ctx)
	require.NoError(t, err)
	st, _, err = states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.Equal(t, "ok", st.KiteStatus)
}

func TestTickCapturesCapitalBaseline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossPct: 10})

	brk.SetFunds(broker.Funds{NetEquity: 200000, AvailableCash: 150000})
	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.InDelta(t, 200000, st.CapitalBaseline, 1e-9)
	assert.InDelta(t, 20000, st.MaxLoss(), 1e-9)

	// Subsequent ticks keep the first snapshot.
	brk.SetFunds(broker.Funds{NetEquity: 50000})
	_, err = drv.Tick(ctx)
	require.NoError(t, err)
	st, _, err = states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.InDelta(t, 200000, st.CapitalBaseline, 1e-9)
}

func TestTickLossFloorBreachEnforces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossAbs: 50})

	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 10, 90, ts(2))

	res, err := drv.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Enforced)
	assert.Equal(t, "max_loss_floor", res.TripReason)

	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.True(t, st.TrippedDay)
	assert.True(t, st.BlockNewOrders)
	assert.Equal(t, "max_loss_floor", st.TripReason)

	// The next tick sees the tripped day and does not re-trigger.
	res, err = drv.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, res.Enforced)
}

func TestTickPercentLossBreachEnforces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossPct: 10})

	brk.SetFunds(broker.Funds{NetEquity: 100000})
	brk.SetPositions([]broker.Position{{Symbol: "INFY", NetQty: 100}})
	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	// A realized loss of exactly 10% of the baseline hits the floor.
	brk.AddFill("INFY", "BUY", 100, 500, ts(1))
	brk.AddFill("INFY", "SELL", 100, 400, ts(2))
	brk.SetPositions(nil)

	res, err := drv.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Enforced)
	assert.Equal(t, "max_loss_floor", res.TripReason)

	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.InDelta(t, 10000, st.MaxLoss(), 1e-9)
	assert.True(t, st.TrippedDay)

	res, err = drv.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, res.Enforced)
}

func TestTickConsecutiveLossBreachEnforces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, _ := newDriverFixture(t, Defaults{MaxLossAbs: 100000, MaxConsecutiveLosses: 2})

	// Two sells, each realizing less than the one before.
	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 5, 99, ts(2))
	brk.AddFill("INFY", "SELL", 5, 95, ts(3))

	res, err := drv.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Enforced)
	assert.Equal(t, "max_consecutive_losses", res.TripReason)
}

func TestTickProfitFreezeFlattensGrowth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossAbs: 100000, ProfitTargetAbs: 50})

	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 10, 110, ts(2))
	brk.SetPositions([]broker.Position{{Symbol: "TCS", NetQty: 5}})

	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.True(t, st.FreezeMode)
	assert.Equal(t, map[string]int{"TCS": 5}, st.AllowedPositions)
	assert.Empty(t, brk.Placed())

	// Exposure grows past the allowance: the delta is squared off.
	brk.SetPositions([]broker.Position{{Symbol: "TCS", NetQty: 8}})
	_, err = drv.Tick(ctx)
	require.NoError(t, err)

	placed := brk.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, "TCS", placed[0].Symbol)
	assert.Equal(t, "SELL", placed[0].Side)
	assert.Equal(t, 3, placed[0].Qty)
	assert.Equal(t, "FREEZE", placed[0].Tag)
}

func TestTickCooldownSnapshotAndFlatten(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossAbs: 100000, CooldownMinutes: 5, MaxConsecutiveLosses: 10})

	// A losing sell starts the cooldown window.
	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 5, 95, ts(2))
	brk.SetPositions([]broker.Position{{Symbol: "INFY", NetQty: 5}})

	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.True(t, st.InCooldown(ts(40)))
	assert.Equal(t, map[string]int{"INFY": 5}, st.CooldownPositions)

	// Adding exposure during cooldown is flattened back to the snapshot.
	brk.SetPositions([]broker.Position{{Symbol: "INFY", NetQty: 9}})
	_, err = drv.Tick(ctx)
	require.NoError(t, err)

	placed := brk.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, 4, placed[0].Qty)
	assert.Equal(t, "COOLDOWN", placed[0].Tag)

	// Once the window passes the snapshot is cleared.
	drv.SetNowFn(func() time.Time { return ts(50) })
	_, err = drv.Tick(ctx)
	require.NoError(t, err)
	st, _, err = states.LoadDay(ctx, DayKey(ts(50)))
	require.NoError(t, err)
	assert.False(t, st.InCooldown(ts(50)))
	assert.Nil(t, st.CooldownPositions)
}

func TestTickClassifiesRecoveredSellMarks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, _, states := newDriverFixture(t, Defaults{MaxLossAbs: 100000, MaxConsecutiveLosses: 10})

	// A previous tick journaled a sell mark but died before saving the
	// day state: the mark's sequence is ahead of the state's.
	require.NoError(t, states.AppendSellMarks(ctx, DayKey(ts(40)), []SellMark{
		{Seq: 1, At: ts(2), Symbol: "INFY", Qty: 5, MTM: -25},
	}))

	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	st, _, err := states.LoadDay(ctx, DayKey(ts(40)))
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.InDelta(t, -25, st.LossBaseline, 1e-9)
	assert.Equal(t, 1, st.SellSeq)
}

func TestTickSavesOverExistingState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kv.NewMemory()
	states := NewStateStore(store, Defaults{MaxLossAbs: 100000})
	lock := NewLock(store, 10*time.Second)
	brk := sim.New()
	drv := NewDriver(brk, states, NewEnforcer(brk, lock, states, nil))
	drv.SetNowFn(func() time.Time { return ts(40) })

	// Seed a persisted day state so the tick saves against a real version.
	_, err := states.Update(ctx, DayKey(ts(40)), func(st *State) {})
	require.NoError(t, err)

	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	res, err := drv.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}
