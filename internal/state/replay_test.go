package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/obs"
	"tradecore/internal/og"
	"tradecore/internal/schema"
	"tradecore/internal/wal"
)

func TestReplayRoundTripMatchesDirectApplication(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := wal.Open(wal.Config{Path: path})
	require.NoError(t, err)

	ledger := NewPortfolioLedger()
	manager := og.NewManager(og.ManagerConfig{}, nil).WithLedger(ledger).WithSink(sink)

	buy := schema.OrderIntent{AccountID: "acc", ClientOrderID: "b1", InstrumentID: "rb2410", Side: schema.SideBuy, Volume: 3, Price: 10}
	sell := schema.OrderIntent{AccountID: "acc", ClientOrderID: "s1", InstrumentID: "rb2410", Side: schema.SideSell, Offset: schema.OffsetClose, Volume: 2, Price: 11}
	_, err = manager.CreateOrder(ctx, buy)
	require.NoError(t, err)
	_, err = manager.CreateOrder(ctx, sell)
	require.NoError(t, err)

	events := []schema.OrderEvent{
		{ClientOrderID: "b1", Status: schema.OrderStatusAccepted, TotalVolume: 3},
		{ClientOrderID: "b1", Status: schema.OrderStatusPartiallyFilled, TotalVolume: 3, FilledVolume: 1},
		{ClientOrderID: "b1", Status: schema.OrderStatusPartiallyFilled, TotalVolume: 3, FilledVolume: 1},
		{ClientOrderID: "b1", Status: schema.OrderStatusFilled, TotalVolume: 3, FilledVolume: 3},
		{ClientOrderID: "s1", Status: schema.OrderStatusAccepted, TotalVolume: 2},
		{ClientOrderID: "s1", Status: schema.OrderStatusPartiallyFilled, TotalVolume: 2, FilledVolume: 1},
		{ClientOrderID: "s1", Status: schema.OrderStatusCanceled, TotalVolume: 2, FilledVolume: 1},
	}
	for _, ev := range events {
		_, err := manager.OnOrderEvent(ctx, ev)
		require.NoError(t, err)
	}
	_, _, err = manager.OnTradeEvent(ctx, schema.OrderEvent{ClientOrderID: "b1", TradeID: "T1", TradeVolume: 3, TradePrice: 10})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	machine := og.NewStateMachine()
	replayed := NewPortfolioLedger()
	metrics := obs.NewMetrics()
	stats, err := NewReplayLoader(machine, replayed).WithMetrics(metrics).Replay(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), stats.Lines)
	assert.Equal(t, int64(6), stats.OrderRecords)
	assert.Equal(t, int64(1), stats.TradeRecords)
	assert.Zero(t, stats.ParseErrors)
	assert.Zero(t, stats.StateRejected)
	assert.Equal(t, int64(7), stats.LedgerApplied)
	assert.Equal(t, int64(7), stats.LastSeq)
	assert.Equal(t, uint64(7), metrics.Snapshot().Replay.Lines)

	for _, id := range []string{"b1", "s1"} {
		want, ok := manager.StateMachine().Snapshot(id)
		require.True(t, ok)
		got, ok := machine.Snapshot(id)
		require.True(t, ok)
		assert.Equal(t, want.Status, got.Status, id)
		assert.Equal(t, want.FilledVolume, got.FilledVolume, id)
		assert.Equal(t, want.TotalVolume, got.TotalVolume, id)
		assert.True(t, got.IsTerminal, id)
	}
	require.NoError(t, CompareSnapshots(ledger.Snapshot(), replayed.Snapshot()))
	assert.Equal(t, int64(2), replayed.Position("acc", "rb2410"))
}

func TestReplayCountsBadLines(t *testing.T) {
	content := strings.Join([]string{
		`{"seq":1,"kind":"order","account_id":"acc","client_order_id":"o1","instrument_id":"rb2410","side":"buy","status":2,"total_volume":4,"filled_volume":1}`,
		`{broken`,
		``,
		`{"seq":2,"kind":"rollover","trading_day":"20240604"}`,
		`{"seq":3,"kind":"order","account_id":"acc","client_order_id":"o1","instrument_id":"rb2410","side":"buy","status":2,"total_volume":4,"filled_volume":0}`,
		`{"seq":4,"kind":"order","account_id":"acc","client_order_id":"o1","instrument_id":"rb2410","side":"buy","status":3,"filled_volume":4}`,
	}, "\n")

	machine := og.NewStateMachine()
	ledger := NewPortfolioLedger()
	stats, err := NewReplayLoader(machine, ledger).ReplayReader(context.Background(), strings.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, ReplayStats{
		Lines:         6,
		ParseErrors:   1,
		IgnoredLines:  2,
		OrderRecords:  3,
		StateRejected: 1,
		LedgerApplied: 2,
		LastSeq:       4,
	}, stats)

	snap, ok := machine.Snapshot("o1")
	require.True(t, ok)
	assert.Equal(t, schema.OrderStatusFilled, snap.Status)
	assert.Equal(t, int64(4), snap.TotalVolume, "missing total defaults to filled")
	assert.Equal(t, int64(4), ledger.Position("acc", "rb2410"))
}

func TestReplayMissingFile(t *testing.T) {
	stats, err := NewReplayLoader(og.NewStateMachine()).Replay(context.Background(), filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{}, stats)
}

func TestReplayUnreadablePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	_, err := NewReplayLoader(og.NewStateMachine()).Replay(context.Background(), filepath.Join(dir, "sub"))
	require.Error(t, err)
}
