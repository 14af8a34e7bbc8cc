package og

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

func newIntent(id string, volume int64) schema.OrderIntent {
	return schema.OrderIntent{
		AccountID:     "acc",
		StrategyID:    "s1",
		ClientOrderID: id,
		InstrumentID:  "rb2410",
		Side:          schema.SideBuy,
		Offset:        schema.OffsetOpen,
		Volume:        volume,
		Price:         3500,
	}
}

func newEvent(id string, status schema.OrderStatus, total, filled int64) schema.OrderEvent {
	return schema.OrderEvent{
		AccountID:     "acc",
		ClientOrderID: id,
		InstrumentID:  "rb2410",
		Side:          schema.SideBuy,
		Status:        status,
		TotalVolume:   total,
		FilledVolume:  filled,
	}
}

func TestStateMachineLifecycle(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.OnOrderIntent(newIntent("o1", 2)))
	require.NoError(t, m.OnOrderEvent(newEvent("o1", schema.OrderStatusAccepted, 2, 0)))
	require.NoError(t, m.OnOrderEvent(newEvent("o1", schema.OrderStatusPartiallyFilled, 2, 1)))
	require.NoError(t, m.OnOrderEvent(newEvent("o1", schema.OrderStatusFilled, 2, 2)))

	snap, ok := m.Snapshot("o1")
	require.True(t, ok)
	assert.Equal(t, schema.OrderStatusFilled, snap.Status)
	assert.Equal(t, int64(2), snap.FilledVolume)
	assert.True(t, snap.IsTerminal)

	require.NoError(t, m.OnOrderEvent(newEvent("o1", schema.OrderStatusFilled, 2, 2)))
	after, _ := m.Snapshot("o1")
	assert.Equal(t, snap, after)

	err := m.OnOrderEvent(newEvent("o1", schema.OrderStatusCanceled, 2, 2))
	require.ErrorIs(t, err, exception.ErrOrderTerminal)
	after, _ = m.Snapshot("o1")
	assert.Equal(t, snap, after)
}

func TestStateMachineOnOrderIntentValidation(t *testing.T) {
	m := NewStateMachine()
	require.ErrorIs(t, m.OnOrderIntent(newIntent("", 1)), exception.ErrOrderEmptyClientOrderID)
	require.ErrorIs(t, m.OnOrderIntent(newIntent("o1", 0)), exception.ErrOrderInvalidVolume)
	require.NoError(t, m.OnOrderIntent(newIntent("o1", 1)))
	require.ErrorIs(t, m.OnOrderIntent(newIntent("o1", 1)), exception.ErrOrderDuplicate)
	assert.Equal(t, 1, m.Count())
}

func TestStateMachineRejectsInconsistentEvents(t *testing.T) {
	testCases := []struct {
		desc  string
		setup []schema.OrderEvent
		event schema.OrderEvent
		err   error
	}{
		{
			desc:  "unknown order",
			event: newEvent("missing", schema.OrderStatusAccepted, 3, 0),
			err:   exception.ErrOrderUnknown,
		},
		{
			desc:  "filled decreases",
			setup: []schema.OrderEvent{newEvent("o1", schema.OrderStatusPartiallyFilled, 3, 2)},
			event: newEvent("o1", schema.OrderStatusPartiallyFilled, 3, 1),
			err:   exception.ErrOrderFilledDecreased,
		},
		{
			desc:  "over fill",
			event: newEvent("o1", schema.OrderStatusPartiallyFilled, 3, 4),
			err:   exception.ErrOrderOverFilled,
		},
		{
			desc:  "filled below total",
			event: newEvent("o1", schema.OrderStatusFilled, 3, 2),
			err:   exception.ErrOrderInconsistentFilled,
		},
		{
			desc:  "partially filled at total",
			event: newEvent("o1", schema.OrderStatusPartiallyFilled, 3, 3),
			err:   exception.ErrOrderInconsistentFilled,
		},
		{
			desc:  "partially filled cannot reject",
			setup: []schema.OrderEvent{newEvent("o1", schema.OrderStatusPartiallyFilled, 3, 1)},
			event: newEvent("o1", schema.OrderStatusRejected, 3, 1),
			err:   exception.ErrOrderInvalidTransition,
		},
		{
			desc:  "partially filled cannot go back to accepted",
			setup: []schema.OrderEvent{newEvent("o1", schema.OrderStatusPartiallyFilled, 3, 1)},
			event: newEvent("o1", schema.OrderStatusAccepted, 3, 1),
			err:   exception.ErrOrderInvalidTransition,
		},
		{
			desc:  "invalid status value",
			event: newEvent("o1", schema.OrderStatus(9), 3, 0),
			err:   exception.ErrOrderInvalidStatus,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			m := NewStateMachine()
			require.NoError(t, m.OnOrderIntent(newIntent("o1", 3)))
			for _, e := range tc.setup {
				require.NoError(t, m.OnOrderEvent(e))
			}
			before, _ := m.Snapshot("o1")
			require.ErrorIs(t, m.OnOrderEvent(tc.event), tc.err)
			after, _ := m.Snapshot("o1")
			assert.Equal(t, before, after)
		})
	}
}

func TestStateMachineRecoverFromOrderEvent(t *testing.T) {
	m := NewStateMachine()

	require.ErrorIs(t, m.OnOrderEvent(newEvent("o1", schema.OrderStatusPartiallyFilled, 4, 1)), exception.ErrOrderUnknown)
	require.NoError(t, m.RecoverFromOrderEvent(newEvent("o1", schema.OrderStatusPartiallyFilled, 4, 1)))
	require.NoError(t, m.RecoverFromOrderEvent(newEvent("o1", schema.OrderStatusFilled, 4, 4)))

	snap, ok := m.Snapshot("o1")
	require.True(t, ok)
	assert.Equal(t, schema.OrderSnapshot{
		ClientOrderID: "o1",
		Status:        schema.OrderStatusFilled,
		TotalVolume:   4,
		FilledVolume:  4,
		IsTerminal:    true,
	}, snap)

	require.ErrorIs(t, m.RecoverFromOrderEvent(newEvent("o2", schema.OrderStatusFilled, 4, 3)), exception.ErrOrderInconsistentFilled)
	_, ok = m.Snapshot("o2")
	assert.False(t, ok, "rejected bootstrap must not insert")

	require.NoError(t, m.RecoverFromOrderEvent(newEvent("o3", schema.OrderStatusFilled, 0, 2)))
	snap, _ = m.Snapshot("o3")
	assert.Equal(t, int64(2), snap.TotalVolume)
}

func TestStateMachineOnceTerminalAlwaysTerminal(t *testing.T) {
	terminal := []schema.OrderStatus{schema.OrderStatusFilled, schema.OrderStatusCanceled, schema.OrderStatusRejected}
	all := []schema.OrderStatus{
		schema.OrderStatusNew, schema.OrderStatusAccepted, schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled, schema.OrderStatusCanceled, schema.OrderStatusRejected,
	}
	for _, term := range terminal {
		m := NewStateMachine()
		require.NoError(t, m.OnOrderIntent(newIntent("o1", 5)))
		filled := int64(0)
		if term == schema.OrderStatusFilled {
			filled = 5
		}
		require.NoError(t, m.OnOrderEvent(newEvent("o1", term, 5, filled)))

		for _, next := range all {
			for f := filled; f <= 5; f++ {
				_ = m.OnOrderEvent(newEvent("o1", next, 5, f))
				_ = m.RecoverFromOrderEvent(newEvent("o1", next, 5, f))
				snap, _ := m.Snapshot("o1")
				assert.True(t, snap.IsTerminal)
				assert.Equal(t, term, snap.Status)
			}
		}
	}
}

func TestStateMachineIsLive(t *testing.T) {
	m := NewStateMachine()
	assert.False(t, m.IsLive("o1"))
	require.NoError(t, m.OnOrderIntent(newIntent("o1", 1)))
	assert.True(t, m.IsLive("o1"))
	require.NoError(t, m.OnOrderEvent(newEvent("o1", schema.OrderStatusRejected, 1, 0)))
	assert.False(t, m.IsLive("o1"))
	assert.Len(t, m.Snapshots(), 1)
}
