package store

import (
	"context"
	"sort"
	"sync"

	"tradecore/internal/schema"
)

var _ DomainStore = (*MemoryStore)(nil)

type positionKey struct {
	accountID    string
	instrumentID string
	direction    schema.Direction
	dateBucket   string
}

type lotKey struct {
	accountID    string
	instrumentID string
	direction    schema.Direction
}

// MemoryStore is an in-process DomainStore.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[string]schema.Order
	trades      []schema.Trade
	positions   map[positionKey]schema.PositionRecord
	accounts    map[string]schema.AccountRecord
	riskEvents  []schema.RiskEvent
	processed   map[string]int64
	lots        map[lotKey][]schema.PositionDetail
	cancelRetry map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]schema.Order),
		positions:   make(map[positionKey]schema.PositionRecord),
		accounts:    make(map[string]schema.AccountRecord),
		processed:   make(map[string]int64),
		lots:        make(map[lotKey][]schema.PositionDetail),
		cancelRetry: make(map[string]int),
	}
}

func (s *MemoryStore) UpsertOrder(_ context.Context, order schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ClientOrderID] = order
	return nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, trade schema.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, position schema.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[positionKey{
		accountID:    position.AccountID,
		instrumentID: position.InstrumentID,
		direction:    position.Direction,
		dateBucket:   position.DateBucket,
	}] = position
	return nil
}

func (s *MemoryStore) UpsertAccount(_ context.Context, account schema.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.AccountID] = account
	return nil
}

func (s *MemoryStore) AppendRiskEvent(_ context.Context, event schema.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskEvents = append(s.riskEvents, event)
	return nil
}

func (s *MemoryStore) MarkProcessedOrderEvent(_ context.Context, key string, tsNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[key] = tsNs
	return nil
}

func (s *MemoryStore) ExistsProcessedOrderEvent(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[key]
	return ok, nil
}

func (s *MemoryStore) InsertPositionDetailFromTrade(_ context.Context, trade schema.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lotKey{
		accountID:    trade.AccountID,
		instrumentID: trade.InstrumentID,
		direction:    schema.PositionDirection(trade.Side, trade.Offset),
	}
	s.lots[k] = append(s.lots[k], schema.PositionDetail{
		AccountID:    trade.AccountID,
		InstrumentID: trade.InstrumentID,
		Direction:    k.direction,
		TradeID:      trade.TradeID,
		OpenPrice:    trade.Price,
		Volume:       trade.Volume,
		OpenedAtNs:   trade.TsNs,
	})
	return nil
}

func (s *MemoryStore) ClosePositionDetailFifo(_ context.Context, trade schema.Trade) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lotKey{
		accountID:    trade.AccountID,
		instrumentID: trade.InstrumentID,
		direction:    schema.PositionDirection(trade.Side, trade.Offset),
	}
	lots := s.lots[k]
	remaining := trade.Volume
	var closed int64
	for len(lots) > 0 && remaining > 0 {
		take := min(lots[0].Volume, remaining)
		lots[0].Volume -= take
		remaining -= take
		closed += take
		if lots[0].Volume == 0 {
			lots = lots[1:]
		}
	}
	if len(lots) == 0 {
		delete(s.lots, k)
	} else {
		s.lots[k] = lots
	}
	return closed, nil
}

func (s *MemoryStore) LoadPositionSummary(_ context.Context, accountID string) ([]schema.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.PositionRecord
	for _, p := range s.positions {
		if accountID == "" || p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		return a.DateBucket < b.DateBucket
	})
	return out, nil
}

func (s *MemoryStore) UpdateOrderCancelRetry(_ context.Context, clientOrderID string, retryCount int, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRetry[clientOrderID] = retryCount
	return nil
}

// Order returns a stored order.
func (s *MemoryStore) Order(clientOrderID string) (schema.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	return o, ok
}

// Trades returns a copy of the appended trades.
func (s *MemoryStore) Trades() []schema.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Trade(nil), s.trades...)
}

// RiskEvents returns a copy of the appended risk events.
func (s *MemoryStore) RiskEvents() []schema.RiskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.RiskEvent(nil), s.riskEvents...)
}

// Account returns a stored account.
func (s *MemoryStore) Account(accountID string) (schema.AccountRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	return a, ok
}

// OpenLots returns the remaining open lots of a direction.
func (s *MemoryStore) OpenLots(accountID, instrumentID string, direction schema.Direction) []schema.PositionDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.PositionDetail(nil), s.lots[lotKey{accountID, instrumentID, direction}]...)
}

// CancelRetry returns the persisted cancel retry count.
func (s *MemoryStore) CancelRetry(clientOrderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRetry[clientOrderID]
}

// ProcessedCount returns the number of persisted processed keys.
func (s *MemoryStore) ProcessedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}
