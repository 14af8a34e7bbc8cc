package og

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/internal/store"
	"tradecore/pkg/exception"
)

type recordingLedger struct {
	mu     sync.Mutex
	events []schema.OrderEvent
}

func (l *recordingLedger) OnOrderEvent(event schema.OrderEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	orders []schema.OrderEvent
	trades []schema.OrderEvent
	err    error
}

func (s *recordingSink) AppendOrderEvent(event schema.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, event)
	return s.err
}

func (s *recordingSink) AppendTradeEvent(event schema.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, event)
	return s.err
}

type failingTradeStore struct {
	*store.MemoryStore
	fail bool
}

func (s *failingTradeStore) AppendTrade(ctx context.Context, trade schema.Trade) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.AppendTrade(ctx, trade)
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) AppendOrderEvent(schema.OrderEvent) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func (s *blockingSink) AppendTradeEvent(schema.OrderEvent) error {
	return nil
}

func newTestManager() (*Manager, *store.MemoryStore, *recordingLedger, *recordingSink) {
	st := store.NewMemoryStore()
	ledger := &recordingLedger{}
	sink := &recordingSink{}
	clock := int64(0)
	m := NewManager(ManagerConfig{}, nil).
		WithStore(st).
		WithLedger(ledger).
		WithSink(sink).
		WithMetrics(obs.NewMetrics()).
		WithClock(func() int64 { clock++; return clock })
	return m, st, ledger, sink
}

func TestManagerCreateOrder(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestManager()

	order, err := m.CreateOrder(ctx, newIntent("", 3))
	require.NoError(t, err)
	assert.NotEmpty(t, order.ClientOrderID)
	assert.Equal(t, schema.OrderStatusNew, order.Status)
	assert.Equal(t, int64(3), order.TotalVolume)

	stored, ok := st.Order(order.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, order, stored)

	_, err = m.CreateOrder(ctx, newIntent(order.ClientOrderID, 3))
	require.ErrorIs(t, err, exception.ErrOrderDuplicate)

	bad := newIntent("o2", 1)
	bad.Side = schema.SideUnknown
	_, err = m.CreateOrder(ctx, bad)
	require.ErrorIs(t, err, exception.ErrOrderInvalidSide)

	bad = newIntent("o3", 0)
	_, err = m.CreateOrder(ctx, bad)
	require.ErrorIs(t, err, exception.ErrOrderInvalidVolume)
}

func TestManagerOnOrderEventExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m, _, ledger, sink := newTestManager()
	_, err := m.CreateOrder(ctx, newIntent("o1", 2))
	require.NoError(t, err)

	accepted := newEvent("o1", schema.OrderStatusAccepted, 2, 0)
	accepted.EventSource = "OnRtnOrder"
	order, err := m.OnOrderEvent(ctx, accepted)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusAccepted, order.Status)
	count := m.ProcessedCount()

	order, err = m.OnOrderEvent(ctx, accepted)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusAccepted, order.Status)
	assert.Equal(t, count, m.ProcessedCount())
	assert.Len(t, ledger.events, 1)
	assert.Len(t, sink.orders, 1)

	partial := newEvent("o1", schema.OrderStatusPartiallyFilled, 2, 1)
	_, err = m.OnOrderEvent(ctx, partial)
	require.NoError(t, err)
	filled := newEvent("o1", schema.OrderStatusFilled, 2, 2)
	order, err = m.OnOrderEvent(ctx, filled)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusFilled, order.Status)
	assert.Equal(t, int64(2), order.FilledVolume)
	assert.False(t, order.IsActive())

	_, err = m.OnOrderEvent(ctx, newEvent("o1", schema.OrderStatusCanceled, 2, 2))
	require.ErrorIs(t, err, exception.ErrOrderTerminal)
	assert.Len(t, ledger.events, 3)
	assert.Len(t, sink.orders, 3)

	snap := m.Metrics().Snapshot()
	assert.Equal(t, uint64(3), snap.OrderApplied)
	assert.Equal(t, uint64(1), snap.OrderDuplicate)
	assert.Equal(t, uint64(1), snap.OrderRejected)
}

func TestManagerOnOrderEventBeforeIntent(t *testing.T) {
	ctx := context.Background()
	m, _, ledger, _ := newTestManager()

	event := newEvent("ext-1", schema.OrderStatusPartiallyFilled, 5, 2)
	event.StrategyID = "s9"
	order, err := m.OnOrderEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusPartiallyFilled, order.Status)
	assert.Equal(t, int64(5), order.TotalVolume)
	assert.Equal(t, "s9", order.StrategyID)
	assert.Len(t, ledger.events, 1)

	active := m.GetActiveOrdersByStrategy("s9", "")
	require.Len(t, active, 1)
	assert.Equal(t, "ext-1", active[0].ClientOrderID)
}

func TestManagerDuplicateFromStoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestManager()
	_, err := m.CreateOrder(ctx, newIntent("o1", 2))
	require.NoError(t, err)
	accepted := newEvent("o1", schema.OrderStatusAccepted, 2, 0)
	_, err = m.OnOrderEvent(ctx, accepted)
	require.NoError(t, err)

	ledger := &recordingLedger{}
	restarted := NewManager(ManagerConfig{}, nil).WithStore(st).WithLedger(ledger)
	_, err = restarted.OnOrderEvent(ctx, accepted)
	require.NoError(t, err)
	assert.Empty(t, ledger.events)
	assert.Equal(t, 1, restarted.ProcessedCount())
}

func TestManagerProcessedCacheEviction(t *testing.T) {
	ctx := context.Background()
	m := NewManager(ManagerConfig{ProcessedCacheSize: 10}, nil)
	assert.Equal(t, MinProcessedCacheSize, m.processed.capacity())

	for i := 0; i < MinProcessedCacheSize+5; i++ {
		id := fmt.Sprintf("o%d", i)
		_, err := m.CreateOrder(ctx, newIntent(id, 1))
		require.NoError(t, err)
		_, err = m.OnOrderEvent(ctx, newEvent(id, schema.OrderStatusAccepted, 1, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, MinProcessedCacheSize, m.ProcessedCount())
	assert.False(t, m.IsOrderProcessed("o0", 0, 0))
	assert.True(t, m.IsOrderProcessed(fmt.Sprintf("o%d", MinProcessedCacheSize+4), 0, 0))
}

func TestManagerIsOrderProcessed(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager()
	_, err := m.CreateOrder(ctx, newIntent("o1", 1))
	require.NoError(t, err)

	event := newEvent("o1", schema.OrderStatusAccepted, 1, 0)
	event.OrderRef = "000123"
	event.FrontID = 1
	event.SessionID = 77
	assert.False(t, m.IsOrderProcessed("000123", 1, 77))
	_, err = m.OnOrderEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, m.IsOrderProcessed("000123", 1, 77))
	assert.False(t, m.IsOrderProcessed("000123", 2, 77))
}

func TestManagerOnTradeEvent(t *testing.T) {
	ctx := context.Background()
	m, st, _, sink := newTestManager()
	_, err := m.CreateOrder(ctx, newIntent("o1", 2))
	require.NoError(t, err)
	_, err = m.OnOrderEvent(ctx, newEvent("o1", schema.OrderStatusPartiallyFilled, 2, 1))
	require.NoError(t, err)

	fill := schema.OrderEvent{
		ClientOrderID: "o1",
		TradeID:       "T1",
		TradeVolume:   1,
		TradePrice:    3501,
		EventSource:   "OnRtnTrade",
	}
	trade, dup, err := m.OnTradeEvent(ctx, fill)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "T1", trade.TradeID)
	assert.Equal(t, "acc", trade.AccountID)
	assert.Equal(t, "rb2410", trade.InstrumentID)
	assert.Equal(t, schema.SideBuy, trade.Side)
	assert.Equal(t, int64(1), trade.Volume)

	_, dup, err = m.OnTradeEvent(ctx, fill)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Len(t, st.Trades(), 1)
	assert.Len(t, st.OpenLots("acc", "rb2410", schema.DirectionLong), 1)

	require.Len(t, sink.trades, 1)
	assert.Equal(t, schema.OrderStatusPartiallyFilled, sink.trades[0].Status)
	assert.Equal(t, int64(1), sink.trades[0].FilledVolume)
	assert.Equal(t, int64(2), sink.trades[0].TotalVolume)

	_, _, err = m.OnTradeEvent(ctx, schema.OrderEvent{ClientOrderID: "o1", EventSource: "OnRtnOrder"})
	require.ErrorIs(t, err, exception.ErrOrderNotTrade)
}

func TestManagerOnTradeEventAppendFailure(t *testing.T) {
	ctx := context.Background()
	st := &failingTradeStore{MemoryStore: store.NewMemoryStore(), fail: true}
	sink := &recordingSink{}
	m := NewManager(ManagerConfig{}, nil).WithStore(st).WithSink(sink)
	_, err := m.CreateOrder(ctx, newIntent("o1", 1))
	require.NoError(t, err)

	fill := schema.OrderEvent{ClientOrderID: "o1", TradeID: "T1", TradeVolume: 1, TradePrice: 10}
	_, _, err = m.OnTradeEvent(ctx, fill)
	require.ErrorIs(t, err, exception.ErrOrderTradeAppendFailed)
	assert.Empty(t, sink.trades)
	assert.Zero(t, m.ProcessedCount())

	st.fail = false
	_, _, err = m.OnTradeEvent(ctx, fill)
	require.NoError(t, err)
	assert.Len(t, st.Trades(), 1)
	assert.Len(t, sink.trades, 1)
}

func TestManagerCloseTradeConsumesLots(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestManager()
	_, err := m.CreateOrder(ctx, newIntent("open", 3))
	require.NoError(t, err)
	_, _, err = m.OnTradeEvent(ctx, schema.OrderEvent{ClientOrderID: "open", TradeID: "T1", TradeVolume: 3, TradePrice: 10})
	require.NoError(t, err)

	closeIntent := newIntent("close", 2)
	closeIntent.Side = schema.SideSell
	closeIntent.Offset = schema.OffsetClose
	_, err = m.CreateOrder(ctx, closeIntent)
	require.NoError(t, err)
	_, _, err = m.OnTradeEvent(ctx, schema.OrderEvent{ClientOrderID: "close", TradeID: "T2", TradeVolume: 2, TradePrice: 11})
	require.NoError(t, err)

	lots := st.OpenLots("acc", "rb2410", schema.DirectionLong)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(1), lots[0].Volume)
}

func TestManagerActiveOrders(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager()
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.CreateOrder(ctx, newIntent(id, 1))
		require.NoError(t, err)
	}
	other := newIntent("d", 1)
	other.StrategyID = "s2"
	other.InstrumentID = "ag2412"
	_, err := m.CreateOrder(ctx, other)
	require.NoError(t, err)

	_, err = m.OnOrderEvent(ctx, newEvent("b", schema.OrderStatusCanceled, 1, 0))
	require.NoError(t, err)

	active := m.GetActiveOrders()
	ids := make([]string, 0, len(active))
	for _, o := range active {
		ids = append(ids, o.ClientOrderID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, ids)
	assert.Len(t, m.GetActiveOrdersByStrategy("s1", "rb2410"), 2)
	assert.Len(t, m.GetActiveOrdersByStrategy("s2", "rb2410"), 0)
	assert.Len(t, m.GetActiveOrdersByStrategy("s2", ""), 1)
}

func TestManagerUpdateCancelRetry(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestManager()
	_, err := m.CreateOrder(ctx, newIntent("o1", 1))
	require.NoError(t, err)

	n, err := m.UpdateCancelRetry(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = m.UpdateCancelRetry(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, st.CancelRetry("o1"))

	_, err = m.UpdateCancelRetry(ctx, "missing")
	require.ErrorIs(t, err, exception.ErrOrderUnknown)
}

func TestManagerConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	m, _, ledger, sink := newTestManager()
	_, err := m.CreateOrder(ctx, newIntent("o1", 10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := int64(1); f < 10; f++ {
				_, _ = m.OnOrderEvent(ctx, newEvent("o1", schema.OrderStatusPartiallyFilled, 10, f))
			}
		}()
	}
	wg.Wait()

	snap, ok := m.StateMachine().Snapshot("o1")
	require.True(t, ok)
	assert.Equal(t, int64(9), snap.FilledVolume)
	assert.Equal(t, len(ledger.events), len(sink.orders))
	for i := 1; i < len(sink.orders); i++ {
		assert.Greater(t, sink.orders[i].FilledVolume, sink.orders[i-1].FilledVolume)
	}
}

func TestManagerRecoverFromOrderEvent(t *testing.T) {
	ctx := context.Background()
	m, _, _, sink := newTestManager()
	intent := newIntent("o1", 3)
	intent.Side = schema.SideSell
	intent.Offset = schema.OffsetCloseToday
	_, err := m.CreateOrder(ctx, intent)
	require.NoError(t, err)
	accepted := newEvent("o1", schema.OrderStatusAccepted, 3, 0)
	accepted.Side = schema.SideUnknown
	accepted.ExchangeTsNs = 42
	_, err = m.OnOrderEvent(ctx, accepted)
	require.NoError(t, err)
	require.Len(t, sink.orders, 1)
	logged := sink.orders[0]
	assert.Equal(t, 3500.0, logged.LimitPrice)

	ledger := &recordingLedger{}
	restarted := NewManager(ManagerConfig{}, nil).WithLedger(ledger)
	require.NoError(t, restarted.RecoverFromOrderEvent(logged))

	order, ok := restarted.GetOrder("o1")
	require.True(t, ok)
	assert.Equal(t, schema.OrderStatusAccepted, order.Status)
	assert.Equal(t, schema.SideSell, order.Side)
	assert.Equal(t, schema.OffsetCloseToday, order.Offset)
	assert.Equal(t, "s1", order.StrategyID)
	assert.Equal(t, 3500.0, order.Price)
	assert.Len(t, restarted.GetActiveOrders(), 1)
	assert.Empty(t, ledger.events)

	_, err = restarted.OnOrderEvent(ctx, accepted)
	require.NoError(t, err)
	assert.Empty(t, ledger.events)

	partial := newEvent("o1", schema.OrderStatusPartiallyFilled, 3, 1)
	partial.Side = schema.SideUnknown
	_, err = restarted.OnOrderEvent(ctx, partial)
	require.NoError(t, err)
	require.Len(t, ledger.events, 1)
	assert.Equal(t, schema.SideSell, ledger.events[0].Side)
	assert.Equal(t, schema.OffsetCloseToday, ledger.events[0].Offset)
}

func TestManagerRecoveredTradeIsDuplicate(t *testing.T) {
	ctx := context.Background()
	m, _, _, sink := newTestManager()
	_, err := m.CreateOrder(ctx, newIntent("o1", 1))
	require.NoError(t, err)
	fill := schema.OrderEvent{ClientOrderID: "o1", TradeID: "T1", TradeVolume: 1, TradePrice: 3500}
	_, _, err = m.OnTradeEvent(ctx, fill)
	require.NoError(t, err)
	require.Len(t, sink.trades, 1)

	restarted := NewManager(ManagerConfig{}, nil)
	require.NoError(t, restarted.RecoverFromOrderEvent(sink.trades[0]))
	_, dup, err := restarted.OnTradeEvent(ctx, fill)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestManagerWalAppendRunsOutsideOrderLock(t *testing.T) {
	ctx := context.Background()
	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewManager(ManagerConfig{}, nil).WithSink(sink)
	_, err := m.CreateOrder(ctx, newIntent("o1", 1))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.OnOrderEvent(ctx, newEvent("o1", schema.OrderStatusAccepted, 1, 0))
		done <- err
	}()
	<-sink.entered

	got := make(chan schema.Order, 1)
	go func() {
		o, _ := m.GetOrder("o1")
		got <- o
	}()
	select {
	case o := <-got:
		assert.Equal(t, schema.OrderStatusAccepted, o.Status)
	case <-time.After(time.Second):
		t.Fatal("GetOrder blocked while the wal append was in progress")
	}
	close(sink.release)
	require.NoError(t, <-done)
}
