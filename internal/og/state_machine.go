package og

import (
	"sync"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// allowedTransitions lists the permitted status changes. Re-delivery of the
// current status with the same filled volume is handled separately.
var allowedTransitions = map[schema.OrderStatus][]schema.OrderStatus{
	schema.OrderStatusNew: {
		schema.OrderStatusAccepted,
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
		schema.OrderStatusCanceled,
		schema.OrderStatusRejected,
	},
	schema.OrderStatusAccepted: {
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
		schema.OrderStatusCanceled,
		schema.OrderStatusRejected,
	},
	schema.OrderStatusPartiallyFilled: {
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
		schema.OrderStatusCanceled,
	},
}

func canTransition(from, to schema.OrderStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine is the single source of truth for whether an order is still
// live. All mutation is serialized by one lock and reads return copies.
type StateMachine struct {
	mu     sync.Mutex
	orders map[string]*schema.OrderSnapshot
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[string]*schema.OrderSnapshot)}
}

// OnOrderIntent registers a new order in the New state.
func (m *StateMachine) OnOrderIntent(intent schema.OrderIntent) error {
	if intent.ClientOrderID == "" {
		return exception.ErrOrderEmptyClientOrderID
	}
	if intent.Volume <= 0 {
		return exception.ErrOrderInvalidVolume
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[intent.ClientOrderID]; ok {
		return exception.ErrOrderDuplicate
	}
	m.orders[intent.ClientOrderID] = &schema.OrderSnapshot{
		ClientOrderID:  intent.ClientOrderID,
		Status:         schema.OrderStatusNew,
		TotalVolume:    intent.Volume,
		LastUpdateTsNs: intent.TsNs,
	}
	return nil
}

// OnOrderEvent applies an exchange update to a known order.
func (m *StateMachine) OnOrderEvent(event schema.OrderEvent) error {
	if event.ClientOrderID == "" {
		return exception.ErrOrderEmptyClientOrderID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[event.ClientOrderID]
	if !ok {
		return exception.ErrOrderUnknown
	}
	next, err := nextSnapshot(*current, event)
	if err != nil {
		return err
	}
	*current = next
	return nil
}

// RecoverFromOrderEvent validates like OnOrderEvent but bootstraps an unknown
// order from the event. WAL replay must only use this entry point.
func (m *StateMachine) RecoverFromOrderEvent(event schema.OrderEvent) error {
	if event.ClientOrderID == "" {
		return exception.ErrOrderEmptyClientOrderID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[event.ClientOrderID]
	if ok {
		next, err := nextSnapshot(*current, event)
		if err != nil {
			return err
		}
		*current = next
		return nil
	}

	total := event.TotalVolume
	if total <= 0 {
		total = event.FilledVolume
	}
	if total <= 0 && event.Status != schema.OrderStatusRejected && event.Status != schema.OrderStatusCanceled {
		return exception.ErrOrderInvalidVolume
	}
	seed := schema.OrderSnapshot{
		ClientOrderID:  event.ClientOrderID,
		Status:         schema.OrderStatusNew,
		TotalVolume:    total,
		LastUpdateTsNs: event.TsNs,
	}
	next, err := nextSnapshot(seed, event)
	if err != nil {
		return err
	}
	m.orders[event.ClientOrderID] = &next
	return nil
}

// Snapshot returns a copy of the order state.
func (m *StateMachine) Snapshot(clientOrderID string) (schema.OrderSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[clientOrderID]
	if !ok {
		return schema.OrderSnapshot{}, false
	}
	return *o, true
}

// Snapshots returns copies of every tracked order.
func (m *StateMachine) Snapshots() []schema.OrderSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]schema.OrderSnapshot, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// IsLive reports whether the order is known and not terminal.
func (m *StateMachine) IsLive(clientOrderID string) bool {
	snap, ok := m.Snapshot(clientOrderID)
	return ok && !snap.IsTerminal
}

// Count returns the number of tracked orders.
func (m *StateMachine) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// nextSnapshot validates event against current and returns the resulting
// snapshot. current is never modified.
func nextSnapshot(current schema.OrderSnapshot, event schema.OrderEvent) (schema.OrderSnapshot, error) {
	if !event.Status.Valid() {
		return current, exception.ErrOrderInvalidStatus
	}

	// Same status and filled volume is a re-delivery.
	if event.Status == current.Status && event.FilledVolume == current.FilledVolume {
		return current, nil
	}
	if current.IsTerminal {
		return current, exception.ErrOrderTerminal
	}
	if event.FilledVolume < current.FilledVolume {
		return current, exception.ErrOrderFilledDecreased
	}

	total := current.TotalVolume
	if event.TotalVolume > 0 {
		total = event.TotalVolume
	}
	if event.FilledVolume > total {
		return current, exception.ErrOrderOverFilled
	}
	if !canTransition(current.Status, event.Status) {
		return current, exception.ErrOrderInvalidTransition
	}
	switch event.Status {
	case schema.OrderStatusFilled:
		if event.FilledVolume != total {
			return current, exception.ErrOrderInconsistentFilled
		}
	case schema.OrderStatusPartiallyFilled:
		if event.FilledVolume >= total {
			return current, exception.ErrOrderInconsistentFilled
		}
	}

	next := current
	next.Status = event.Status
	next.FilledVolume = event.FilledVolume
	next.TotalVolume = total
	next.IsTerminal = event.Status.IsTerminal()
	if event.TsNs != 0 {
		next.LastUpdateTsNs = event.TsNs
	}
	return next, nil
}
