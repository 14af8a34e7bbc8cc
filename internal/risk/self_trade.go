package risk

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

// SelfTradeConfig controls the SelfTradeEngine.
type SelfTradeConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// StrictModeTriggerHits is the number of crossing hits after which every
	// further hit is rejected. Zero or less rejects from the first hit.
	StrictModeTriggerHits int `mapstructure:"strict_mode_trigger_hits"`
}

// SelfTradeDecision is the outcome of a PreCheck.
type SelfTradeDecision struct {
	Allowed         bool
	Reason          string
	ConflictOrderID string
	// Observed is the crossing hit count, Threshold the trigger count.
	Observed  float64
	Threshold float64
}

type activeOrder struct {
	accountID    string
	instrumentID string
	side         schema.Side
	price        float64
	remaining    int64
	lastFilled   int64
}

// SelfTradeEngine tracks resting orders per account and instrument and
// rejects or escalates on orders that would cross them. Once strict mode is
// latched it never reverts.
type SelfTradeEngine struct {
	cfg     SelfTradeConfig
	metrics *obs.Metrics

	mu     sync.Mutex
	orders map[string]*activeOrder
	hits   int
	strict bool
}

// NewSelfTradeEngine creates a self-trade engine.
func NewSelfTradeEngine(cfg SelfTradeConfig) *SelfTradeEngine {
	return &SelfTradeEngine{cfg: cfg, orders: make(map[string]*activeOrder)}
}

// WithMetrics sets the metrics container.
func (e *SelfTradeEngine) WithMetrics(m *obs.Metrics) *SelfTradeEngine {
	e.metrics = m
	return e
}

// RecordAcceptedOrder starts tracking an order as resting.
func (e *SelfTradeEngine) RecordAcceptedOrder(intent schema.OrderIntent) {
	if intent.ClientOrderID == "" || intent.AccountID == "" || intent.InstrumentID == "" || intent.Volume <= 0 {
		return
	}
	if intent.Side != schema.SideBuy && intent.Side != schema.SideSell {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[intent.ClientOrderID] = &activeOrder{
		accountID:    intent.AccountID,
		instrumentID: intent.InstrumentID,
		side:         intent.Side,
		price:        intent.Price,
		remaining:    intent.Volume,
	}
}

// PreCheck looks for resting orders of the same account and instrument that
// the intent would trade against.
func (e *SelfTradeEngine) PreCheck(intent schema.OrderIntent) SelfTradeDecision {
	if !e.cfg.Enabled {
		return SelfTradeDecision{Allowed: true}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	conflict, ok := e.findConflictLocked(intent)
	if !ok {
		return SelfTradeDecision{Allowed: true}
	}

	e.hits++
	e.metrics.IncSelfTradeHit()
	decision := SelfTradeDecision{
		ConflictOrderID: conflict,
		Observed:        float64(e.hits),
		Threshold:       float64(e.cfg.StrictModeTriggerHits),
	}
	if e.strict || e.cfg.StrictModeTriggerHits <= 0 || e.hits >= e.cfg.StrictModeTriggerHits {
		if !e.strict {
			logs.Warnf("self trade strict mode latched, hits: %d", e.hits)
		}
		e.strict = true
		decision.Reason = fmt.Sprintf("self trade against %s rejected in strict mode", conflict)
		return decision
	}
	decision.Allowed = true
	decision.Reason = fmt.Sprintf("self trade against %s, hit %d of %d", conflict, e.hits, e.cfg.StrictModeTriggerHits)
	logs.Warnf("self trade warning, account: %s, instrument: %s, %s", intent.AccountID, intent.InstrumentID, decision.Reason)
	return decision
}

// findConflictLocked returns the lowest crossing order id for determinism.
func (e *SelfTradeEngine) findConflictLocked(intent schema.OrderIntent) (string, bool) {
	var ids []string
	for id, o := range e.orders {
		if id == intent.ClientOrderID || o.accountID != intent.AccountID || o.instrumentID != intent.InstrumentID {
			continue
		}
		if o.side != intent.Side.Opposite() {
			continue
		}
		if crosses(intent.Side, intent.Type, intent.Price, o.price) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

// OnOrderEvent shrinks or drops a tracked order as it fills or terminates.
func (e *SelfTradeEngine) OnOrderEvent(event schema.OrderEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[event.ClientOrderID]
	if !ok {
		return
	}
	if event.Status.IsTerminal() {
		delete(e.orders, event.ClientOrderID)
		return
	}
	if event.TotalVolume > 0 {
		o.remaining = event.TotalVolume - event.FilledVolume
	} else if delta := event.FilledVolume - o.lastFilled; delta > 0 {
		o.remaining -= delta
	}
	if event.FilledVolume > o.lastFilled {
		o.lastFilled = event.FilledVolume
	}
	if o.remaining <= 0 {
		delete(e.orders, event.ClientOrderID)
	}
}

// StrictMode reports whether strict mode has been latched.
func (e *SelfTradeEngine) StrictMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strict
}

// ActiveCount returns the number of tracked resting orders.
func (e *SelfTradeEngine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

// Remaining returns the tracked remaining volume of an order.
func (e *SelfTradeEngine) Remaining(clientOrderID string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return 0, false
	}
	return o.remaining, true
}
