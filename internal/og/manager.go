package og

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/internal/store"
	"tradecore/pkg/exception"
)

// DefaultTradeEventSources are event sources accepted as fills when an event
// carries no trade id.
var DefaultTradeEventSources = []string{"trade", "OnRtnTrade"}

// PortfolioLedger consumes accepted order events to maintain positions.
type PortfolioLedger interface {
	OnOrderEvent(event schema.OrderEvent) error
}

// RegulatorySink durably records accepted order and trade events.
type RegulatorySink interface {
	AppendOrderEvent(event schema.OrderEvent) error
	AppendTradeEvent(event schema.OrderEvent) error
}

// ManagerConfig controls the OrderManager.
type ManagerConfig struct {
	ProcessedCacheSize int
	TradeEventSources  []string
}

// Manager is the top-level order facade. It creates orders, applies order and
// trade events exactly once, and delegates to the state machine, the ledger
// and the regulatory sink.
type Manager struct {
	machine      *StateMachine
	tradeSources map[string]struct{}

	mu            sync.Mutex
	orders        map[string]*schema.Order
	processed     *processedCache
	tradeInFlight map[eventKey]struct{}
	cancelRetries map[string]int

	// walMu is taken before mu is released so that WAL lines follow apply
	// order while file I/O runs outside mu.
	walMu sync.Mutex

	store   store.DomainStore
	ledger  PortfolioLedger
	sink    RegulatorySink
	metrics *obs.Metrics
	now     func() int64
}

// NewManager creates an OrderManager on top of machine. A nil machine gets a
// fresh one.
func NewManager(cfg ManagerConfig, machine *StateMachine) *Manager {
	if machine == nil {
		machine = NewStateMachine()
	}
	sources := cfg.TradeEventSources
	if len(sources) == 0 {
		sources = DefaultTradeEventSources
	}
	tradeSources := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		tradeSources[s] = struct{}{}
	}
	return &Manager{
		machine:       machine,
		tradeSources:  tradeSources,
		orders:        make(map[string]*schema.Order),
		processed:     newProcessedCache(cfg.ProcessedCacheSize),
		tradeInFlight: make(map[eventKey]struct{}),
		cancelRetries: make(map[string]int),
		now:           func() int64 { return time.Now().UTC().UnixNano() },
	}
}

// WithStore sets the domain store.
func (m *Manager) WithStore(s store.DomainStore) *Manager {
	m.store = s
	return m
}

// WithLedger sets the portfolio ledger fed by accepted order events.
func (m *Manager) WithLedger(l PortfolioLedger) *Manager {
	m.ledger = l
	return m
}

// WithSink sets the regulatory sink.
func (m *Manager) WithSink(s RegulatorySink) *Manager {
	m.sink = s
	return m
}

// WithMetrics sets the metrics container.
func (m *Manager) WithMetrics(metrics *obs.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithClock swaps the clock used for order timestamps.
func (m *Manager) WithClock(now func() int64) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// Metrics returns the metrics container, which may be nil.
func (m *Manager) Metrics() *obs.Metrics {
	return m.metrics
}

// StateMachine returns the underlying state machine.
func (m *Manager) StateMachine() *StateMachine {
	return m.machine
}

// CreateOrder registers a well-formed intent. A missing client order id is
// generated. Store failures are logged and do not fail creation.
func (m *Manager) CreateOrder(ctx context.Context, intent schema.OrderIntent) (schema.Order, error) {
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	}
	if intent.InstrumentID == "" {
		return schema.Order{}, errors.Wrap(exception.ErrInvalidArgument, "empty instrument id")
	}
	if intent.Side != schema.SideBuy && intent.Side != schema.SideSell {
		return schema.Order{}, exception.ErrOrderInvalidSide
	}
	if intent.TsNs == 0 {
		intent.TsNs = m.now()
	}
	if err := m.machine.OnOrderIntent(intent); err != nil {
		return schema.Order{}, err
	}

	order := schema.Order{
		ClientOrderID: intent.ClientOrderID,
		AccountID:     intent.AccountID,
		StrategyID:    intent.StrategyID,
		InstrumentID:  intent.InstrumentID,
		Side:          intent.Side,
		Offset:        intent.Offset,
		Type:          intent.Type,
		Price:         intent.Price,
		TotalVolume:   intent.Volume,
		Status:        schema.OrderStatusNew,
		TraceID:       intent.TraceID,
		CreatedAtNs:   intent.TsNs,
		UpdatedAtNs:   intent.TsNs,
	}
	m.mu.Lock()
	stored := order
	m.orders[order.ClientOrderID] = &stored
	m.mu.Unlock()

	m.persistOrder(ctx, order)
	return order, nil
}

// OnOrderEvent applies an exchange order update exactly once. A duplicate is
// reported as success without reapplying. It fails only when the state
// transition is invalid.
func (m *Manager) OnOrderEvent(ctx context.Context, event schema.OrderEvent) (schema.Order, error) {
	if event.ClientOrderID == "" {
		return schema.Order{}, exception.ErrOrderEmptyClientOrderID
	}
	start := time.Now()
	key := orderEventKey(event)

	if order, dup := m.lookupProcessed(key, event.ClientOrderID); dup {
		m.metrics.IncOrderDuplicate()
		return order, nil
	}
	if m.existsInStore(ctx, key) {
		order, _ := m.markProcessed(key, event.ClientOrderID)
		m.metrics.IncOrderDuplicate()
		return order, nil
	}

	m.mu.Lock()
	if m.processed.contains(key) {
		order := m.orderCopyLocked(event.ClientOrderID)
		m.mu.Unlock()
		m.metrics.IncOrderDuplicate()
		return order, nil
	}
	if err := m.machine.OnOrderEvent(event); err != nil {
		// Events may arrive before the local accepted echo.
		if rerr := m.machine.RecoverFromOrderEvent(event); rerr != nil {
			m.mu.Unlock()
			m.metrics.IncOrderRejected()
			return schema.Order{}, rerr
		}
	}
	order := m.applyOrderEventLocked(event)
	event = m.withOrderFieldsLocked(event)
	m.processed.add(key)
	if m.ledger != nil {
		if err := m.ledger.OnOrderEvent(event); err != nil {
			logs.Warnf("ledger rejected order event, client_order_id: %s, err: %+v", event.ClientOrderID, err)
		}
	}
	m.unlockAndAppend(event, false)

	m.persistOrder(ctx, order)
	m.persistProcessed(ctx, key)
	m.metrics.IncOrderApplied()
	m.metrics.ObserveOrderEvent(time.Since(start))
	return order, nil
}

// OnTradeEvent records a fill exactly once. The event must carry a trade id or
// come from a recognized trade event source. A duplicate returns the trade
// with dup set and records nothing. A trade that cannot be appended to the
// domain store fails and is not marked processed, so the caller may retry it.
func (m *Manager) OnTradeEvent(ctx context.Context, event schema.OrderEvent) (trade schema.Trade, dup bool, err error) {
	if event.ClientOrderID == "" {
		return schema.Trade{}, false, exception.ErrOrderEmptyClientOrderID
	}
	if event.TradeID == "" && !m.isTradeSource(event.EventSource) {
		return schema.Trade{}, false, exception.ErrOrderNotTrade
	}
	key := tradeEventKey(event)

	m.mu.Lock()
	if m.processed.contains(key) {
		trade = m.buildTradeLocked(event, key)
		m.mu.Unlock()
		m.metrics.IncTradeDuplicate()
		return trade, true, nil
	}
	if _, ok := m.tradeInFlight[key]; ok {
		m.mu.Unlock()
		return schema.Trade{}, false, exception.ErrOrderTradeInFlight
	}
	m.tradeInFlight[key] = struct{}{}
	trade = m.buildTradeLocked(event, key)
	m.mu.Unlock()

	release := func(processed bool) {
		m.mu.Lock()
		delete(m.tradeInFlight, key)
		if processed {
			m.processed.add(key)
		}
		m.mu.Unlock()
	}

	if m.existsInStore(ctx, key) {
		release(true)
		m.metrics.IncTradeDuplicate()
		return trade, true, nil
	}

	if m.store != nil {
		if err := m.store.AppendTrade(ctx, trade); err != nil {
			release(false)
			m.metrics.IncTradeFailed()
			logs.Errorf("append trade, trade_id: %s, err: %+v", trade.TradeID, err)
			return schema.Trade{}, false, exception.ErrOrderTradeAppendFailed
		}
		m.persistPositionDetail(ctx, trade)
	}

	m.mu.Lock()
	delete(m.tradeInFlight, key)
	m.processed.add(key)
	m.unlockAndAppend(m.tradeRecordLocked(event), true)

	m.persistProcessed(ctx, key)
	m.metrics.IncTradeRecorded()
	return trade, false, nil
}

// RecoverFromOrderEvent rebuilds an order from a logged order or trade line.
// Unknown orders are bootstrapped through the state machine recovery path and
// their record is restored from the identity and terms the line carries. The
// event key is marked processed so a redelivery after restart is a
// duplicate. Ledgers, the sink and the store are not touched.
func (m *Manager) RecoverFromOrderEvent(event schema.OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.machine.RecoverFromOrderEvent(event); err != nil {
		return err
	}
	m.applyOrderEventLocked(event)
	if event.TradeID != "" || m.isTradeSource(event.EventSource) {
		m.processed.add(tradeEventKey(event))
	} else {
		m.processed.add(orderEventKey(event))
	}
	return nil
}

// GetOrder returns a copy of the order.
func (m *Manager) GetOrder(clientOrderID string) (schema.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return schema.Order{}, false
	}
	return *o, true
}

// GetActiveOrders returns every order that is not terminal, oldest first.
func (m *Manager) GetActiveOrders() []schema.Order {
	return m.filterActive(func(schema.Order) bool { return true })
}

// GetActiveOrdersByStrategy returns active orders of a strategy. An empty
// instrument matches every instrument.
func (m *Manager) GetActiveOrdersByStrategy(strategyID, instrumentID string) []schema.Order {
	return m.filterActive(func(o schema.Order) bool {
		if o.StrategyID != strategyID {
			return false
		}
		return instrumentID == "" || o.InstrumentID == instrumentID
	})
}

// IsOrderProcessed reports whether any processed event in the cache window
// shares the order ref, front id and session id.
func (m *Manager) IsOrderProcessed(orderRef string, frontID, sessionID int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed.hasRef(refKey{orderRef: orderRef, frontID: frontID, sessionID: sessionID})
}

// ProcessedCount returns the number of keys held by the processed cache.
func (m *Manager) ProcessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed.len()
}

// UpdateCancelRetry bumps the cancel retry counter of an order and persists it.
func (m *Manager) UpdateCancelRetry(ctx context.Context, clientOrderID string) (int, error) {
	m.mu.Lock()
	if _, ok := m.orders[clientOrderID]; !ok {
		m.mu.Unlock()
		return 0, exception.ErrOrderUnknown
	}
	m.cancelRetries[clientOrderID]++
	count := m.cancelRetries[clientOrderID]
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpdateOrderCancelRetry(ctx, clientOrderID, count, m.now()); err != nil {
			m.metrics.IncStoreError()
			return count, errors.Wrap(err, "update order cancel retry")
		}
	}
	return count, nil
}

// unlockAndAppend releases mu and appends event to the sink. The WAL lock is
// taken before mu is released.
func (m *Manager) unlockAndAppend(event schema.OrderEvent, trade bool) {
	if m.sink == nil {
		m.mu.Unlock()
		return
	}
	m.walMu.Lock()
	m.mu.Unlock()
	defer m.walMu.Unlock()

	kind, appendFn := "order", m.sink.AppendOrderEvent
	if trade {
		kind, appendFn = "trade", m.sink.AppendTradeEvent
	}
	err := appendFn(event)
	m.metrics.IncWalAppend(err)
	if err != nil {
		logs.Errorf("wal append %s event, client_order_id: %s, err: %+v", kind, event.ClientOrderID, err)
	}
}

func (m *Manager) filterActive(match func(schema.Order) bool) []schema.Order {
	m.mu.Lock()
	out := make([]schema.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if o.IsActive() && match(*o) {
			out = append(out, *o)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtNs != out[j].CreatedAtNs {
			return out[i].CreatedAtNs < out[j].CreatedAtNs
		}
		return out[i].ClientOrderID < out[j].ClientOrderID
	})
	return out
}

func (m *Manager) lookupProcessed(key eventKey, clientOrderID string) (schema.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.processed.contains(key) {
		return schema.Order{}, false
	}
	return m.orderCopyLocked(clientOrderID), true
}

func (m *Manager) markProcessed(key eventKey, clientOrderID string) (schema.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := m.processed.add(key)
	return m.orderCopyLocked(clientOrderID), added
}

// existsInStore consults the domain store for keys that fell out of the cache.
func (m *Manager) existsInStore(ctx context.Context, key eventKey) bool {
	if m.store == nil {
		return false
	}
	exists, err := m.store.ExistsProcessedOrderEvent(ctx, key.String())
	if err != nil {
		m.metrics.IncStoreError()
		logs.Warnf("query processed order event, key: %s, err: %+v", key.String(), err)
		return false
	}
	return exists
}

func (m *Manager) orderCopyLocked(clientOrderID string) schema.Order {
	if o, ok := m.orders[clientOrderID]; ok {
		return *o
	}
	return schema.Order{ClientOrderID: clientOrderID}
}

func (m *Manager) applyOrderEventLocked(event schema.OrderEvent) schema.Order {
	ts := event.TsNs
	if ts == 0 {
		ts = m.now()
	}
	o, ok := m.orders[event.ClientOrderID]
	if !ok {
		o = &schema.Order{
			ClientOrderID: event.ClientOrderID,
			AccountID:     event.AccountID,
			StrategyID:    event.StrategyID,
			InstrumentID:  event.InstrumentID,
			Side:          event.Side,
			Offset:        event.Offset,
			Type:          event.Type,
			Price:         event.LimitPrice,
			TraceID:       event.TraceID,
			CreatedAtNs:   ts,
		}
		m.orders[event.ClientOrderID] = o
	}
	if o.Side == schema.SideUnknown && event.Side != schema.SideUnknown {
		o.Side = event.Side
		o.Offset = event.Offset
	}
	if snap, ok := m.machine.Snapshot(event.ClientOrderID); ok {
		o.Status = snap.Status
		o.FilledVolume = snap.FilledVolume
		o.TotalVolume = snap.TotalVolume
	}
	if event.ExchangeOrderID != "" {
		o.ExchangeOrderID = event.ExchangeOrderID
	}
	if event.AvgFillPrice > 0 {
		o.AvgFillPrice = event.AvgFillPrice
	}
	if event.Reason != "" {
		o.Reason = event.Reason
	}
	o.UpdatedAtNs = ts
	return *o
}

func (m *Manager) buildTradeLocked(event schema.OrderEvent, key eventKey) schema.Trade {
	trade := schema.Trade{
		TradeID:         event.TradeID,
		ClientOrderID:   event.ClientOrderID,
		ExchangeOrderID: event.ExchangeOrderID,
		AccountID:       event.AccountID,
		StrategyID:      event.StrategyID,
		InstrumentID:    event.InstrumentID,
		Side:            event.Side,
		Offset:          event.Offset,
		Volume:          event.TradeVolume,
		Price:           event.TradePrice,
		EventSource:     event.EventSource,
		TsNs:            event.TsNs,
	}
	if trade.TradeID == "" {
		trade.TradeID = key.String()
	}
	if trade.Volume <= 0 {
		trade.Volume = event.FilledVolume
	}
	if trade.Price <= 0 {
		trade.Price = event.AvgFillPrice
	}
	if trade.TsNs == 0 {
		trade.TsNs = m.now()
	}
	if o, ok := m.orders[event.ClientOrderID]; ok {
		if trade.AccountID == "" {
			trade.AccountID = o.AccountID
		}
		if trade.StrategyID == "" {
			trade.StrategyID = o.StrategyID
		}
		if trade.InstrumentID == "" {
			trade.InstrumentID = o.InstrumentID
		}
		if trade.ExchangeOrderID == "" {
			trade.ExchangeOrderID = o.ExchangeOrderID
		}
		if event.Side == schema.SideUnknown {
			trade.Side = o.Side
			trade.Offset = o.Offset
		}
	}
	return trade
}

// tradeRecordLocked stamps the order's current lifecycle onto a trade event so
// that its WAL line replays as a re-delivery.
func (m *Manager) tradeRecordLocked(event schema.OrderEvent) schema.OrderEvent {
	if snap, ok := m.machine.Snapshot(event.ClientOrderID); ok {
		event.Status = snap.Status
		event.FilledVolume = snap.FilledVolume
		event.TotalVolume = snap.TotalVolume
	}
	return m.withOrderFieldsLocked(event)
}

// withOrderFieldsLocked fills identity fields the exchange left empty from the
// known order.
func (m *Manager) withOrderFieldsLocked(event schema.OrderEvent) schema.OrderEvent {
	o, ok := m.orders[event.ClientOrderID]
	if !ok {
		return event
	}
	if event.Side == schema.SideUnknown {
		event.Side = o.Side
		event.Offset = o.Offset
	}
	if event.AccountID == "" {
		event.AccountID = o.AccountID
	}
	if event.StrategyID == "" {
		event.StrategyID = o.StrategyID
	}
	if event.InstrumentID == "" {
		event.InstrumentID = o.InstrumentID
	}
	if event.LimitPrice == 0 {
		event.LimitPrice = o.Price
		event.Type = o.Type
	}
	return event
}

func (m *Manager) isTradeSource(source string) bool {
	_, ok := m.tradeSources[source]
	return ok
}

func (m *Manager) persistOrder(ctx context.Context, order schema.Order) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertOrder(ctx, order); err != nil {
		m.metrics.IncStoreError()
		logs.Warnf("upsert order, client_order_id: %s, err: %+v", order.ClientOrderID, err)
	}
}

func (m *Manager) persistProcessed(ctx context.Context, key eventKey) {
	if m.store == nil {
		return
	}
	if err := m.store.MarkProcessedOrderEvent(ctx, key.String(), m.now()); err != nil {
		m.metrics.IncStoreError()
		logs.Warnf("mark processed order event, key: %s, err: %+v", key.String(), err)
	}
}

func (m *Manager) persistPositionDetail(ctx context.Context, trade schema.Trade) {
	if trade.Offset.IsClose() {
		if _, err := m.store.ClosePositionDetailFifo(ctx, trade); err != nil {
			m.metrics.IncStoreError()
			logs.Warnf("close position detail, trade_id: %s, err: %+v", trade.TradeID, err)
		}
		return
	}
	if err := m.store.InsertPositionDetailFromTrade(ctx, trade); err != nil {
		m.metrics.IncStoreError()
		logs.Warnf("insert position detail, trade_id: %s, err: %+v", trade.TradeID, err)
	}
}
