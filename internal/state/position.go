package state

import (
	"sync"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// PositionKey identifies a net position.
type PositionKey struct {
	AccountID    string
	InstrumentID string
}

// PortfolioLedger aggregates net signed positions from the filled volume
// deltas of order events. Buys add and sells subtract regardless of offset.
type PortfolioLedger struct {
	mu         sync.Mutex
	positions  map[PositionKey]int64
	lastFilled map[string]int64
}

// NewPortfolioLedger creates an empty ledger.
func NewPortfolioLedger() *PortfolioLedger {
	return &PortfolioLedger{
		positions:  make(map[PositionKey]int64),
		lastFilled: make(map[string]int64),
	}
}

// OnOrderEvent applies the newly filled volume of the event's order. An event
// that repeats the last filled volume changes nothing, including trade lines
// replayed after the order went terminal.
func (l *PortfolioLedger) OnOrderEvent(event schema.OrderEvent) error {
	if event.ClientOrderID == "" {
		return exception.ErrOrderEmptyClientOrderID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last := l.lastFilled[event.ClientOrderID]
	delta := event.FilledVolume - last
	if delta < 0 {
		return exception.ErrLedgerFilledDecreased
	}
	if delta > 0 {
		var sign int64
		switch event.Side {
		case schema.SideBuy:
			sign = 1
		case schema.SideSell:
			sign = -1
		default:
			return exception.ErrOrderInvalidSide
		}
		k := PositionKey{AccountID: event.AccountID, InstrumentID: event.InstrumentID}
		l.positions[k] += sign * delta
		l.lastFilled[event.ClientOrderID] = event.FilledVolume
	}
	return nil
}

// Position returns the net position of an instrument.
func (l *PortfolioLedger) Position(accountID, instrumentID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[PositionKey{AccountID: accountID, InstrumentID: instrumentID}]
}

// TotalPosition returns the sum of absolute positions of an account.
func (l *PortfolioLedger) TotalPosition(accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for k, p := range l.positions {
		if k.AccountID != accountID {
			continue
		}
		if p < 0 {
			p = -p
		}
		total += p
	}
	return total
}

// ApplySnapshot replaces positions with a snapshot.
func (l *PortfolioLedger) ApplySnapshot(snapshot Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[PositionKey]int64, len(snapshot.Positions))
	l.lastFilled = make(map[string]int64)
	for _, entry := range snapshot.Positions {
		l.positions[PositionKey{AccountID: entry.AccountID, InstrumentID: entry.InstrumentID}] = entry.Position
	}
}

// Count returns the number of tracked positions.
func (l *PortfolioLedger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}
