package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/broker"
	"risk-sentinel/internal/kv"
)

func TestApplyConfigPatchAllowList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, _, states := newDriverFixture(t, Defaults{MaxLossAbs: 1000})

	applied, err := drv.ApplyConfigPatch(ctx, map[string]any{
		"max_loss_abs":           float64(2500),
		"cooldown_minutes":       float64(7),
		"trail_step":             float64(500),
		"tripped_day":            true,
		"block_new_orders":       false,
		"something_unrecognized": "x",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"max_loss_abs", "cooldown_minutes", "trail_step"}, applied)

	st, _, err := states.LoadDay(ctx, DayKey(drv.Now()))
	require.NoError(t, err)
	assert.InDelta(t, 2500, st.MaxLossAbs, 1e-9)
	assert.Equal(t, 7, st.CooldownMinutes)
	assert.InDelta(t, 500, st.TrailStep, 1e-9)
	// Trip flags are not reachable through the patch surface.
	assert.False(t, st.TrippedDay)

	require.NotEmpty(t, st.EventLog)
	assert.Equal(t, "config", st.EventLog[len(st.EventLog)-1].Kind)
}

func TestUnlockClearsBlockOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, _, states := newDriverFixture(t, Defaults{MaxLossAbs: 1000})

	_, err := states.Update(ctx, DayKey(drv.Now()), func(st *State) {
		st.TrippedDay = true
		st.BlockNewOrders = true
		st.TripReason = "max_loss_floor"
	})
	require.NoError(t, err)

	require.NoError(t, drv.Unlock(ctx))

	st, _, err := states.LoadDay(ctx, DayKey(drv.Now()))
	require.NoError(t, err)
	assert.False(t, st.BlockNewOrders)
	// The day stays marked as tripped; only order flow is re-enabled.
	assert.True(t, st.TrippedDay)
	assert.Equal(t, "max_loss_floor", st.TripReason)
}

func TestResetStartsDayOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossAbs: 1000})

	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 10, 90, ts(2))
	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	require.NoError(t, drv.Reset(ctx))

	st, _, err := states.LoadDay(ctx, DayKey(drv.Now()))
	require.NoError(t, err)
	assert.False(t, st.TrippedDay)
	assert.InDelta(t, 0, st.RealizedPnL, 1e-9)
	assert.True(t, st.FillCursor.IsZero())
	assert.Empty(t, st.Symbols)

	b, ver, err := states.LoadBook(ctx, "INFY")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ver)
	assert.Empty(t, b.Lots)

	marks, err := states.SellMarks(ctx, DayKey(drv.Now()))
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestKillRunsActuator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, states := newDriverFixture(t, Defaults{MaxLossAbs: 1000})

	brk.SetOpenOrders([]broker.Order{{OrderID: "O1", Symbol: "INFY", Status: "OPEN"}})
	brk.SetPositions([]broker.Position{{Symbol: "INFY", NetQty: 10}})

	summary, err := drv.Kill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cancelled)
	assert.Equal(t, 1, summary.Squared)

	st, _, err := states.LoadDay(ctx, DayKey(drv.Now()))
	require.NoError(t, err)
	assert.Equal(t, "admin_kill", st.TripReason)
}

func TestStateView(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv, brk, _ := newDriverFixture(t, Defaults{MaxLossAbs: 1000})

	brk.AddFill("INFY", "BUY", 10, 100, ts(1))
	brk.AddFill("INFY", "SELL", 10, 110, ts(2))
	_, err := drv.Tick(ctx)
	require.NoError(t, err)

	view, err := drv.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, DayKey(drv.Now()), view.Date)
	assert.Equal(t, "ok", view.KiteStatus)
	assert.InDelta(t, 100, view.TotalPnL, 1e-9)
	assert.InDelta(t, 1000, view.MaxLoss, 1e-9)
	assert.False(t, view.TrippedDay)
}

func TestStateViewStoreFailure(t *testing.T) {
	t.Parallel()
	states := NewStateStore(failingStore{}, Defaults{})
	drv := NewDriver(nil, states, NewEnforcer(nil, nil, states, nil))
	_, err := drv.State(context.Background())
	assert.Error(t, err)
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) (kv.Document, error) {
	return kv.Document{}, assert.AnError
}

func (failingStore) Put(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	return 0, assert.AnError
}

func (failingStore) Delete(ctx context.Context, key string) error {
	return assert.AnError
}
