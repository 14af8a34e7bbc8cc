package obs

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats for the trading core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	orderApplied   uint64
	orderDuplicate uint64
	orderRejected  uint64
	tradeRecorded  uint64
	tradeDuplicate uint64
	tradeFailed    uint64
	selfTradeHits  uint64
	walAppends     uint64
	walErrors      uint64
	storeErrors    uint64

	replayLines         uint64
	replayParseErrors   uint64
	replayIgnored       uint64
	replayStateRejected uint64
	replayLedgerApplied uint64

	riskMu      sync.Mutex
	riskRejects map[string]uint64

	orderEventLatency LatencyStats
	riskEvalLatency   LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// ReplayCounts mirrors the WAL replay counters.
type ReplayCounts struct {
	Lines         uint64
	ParseErrors   uint64
	Ignored       uint64
	StateRejected uint64
	LedgerApplied uint64
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	OrderApplied      uint64
	OrderDuplicate    uint64
	OrderRejected     uint64
	TradeRecorded     uint64
	TradeDuplicate    uint64
	TradeFailed       uint64
	SelfTradeHits     uint64
	WalAppends        uint64
	WalErrors         uint64
	StoreErrors       uint64
	Replay            ReplayCounts
	RiskRejects       map[string]uint64
	OrderEventLatency LatencySnapshot
	RiskEvalLatency   LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{riskRejects: make(map[string]uint64)}
}

func (m *Metrics) IncOrderApplied() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.orderApplied, 1)
}

func (m *Metrics) IncOrderDuplicate() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.orderDuplicate, 1)
}

func (m *Metrics) IncOrderRejected() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.orderRejected, 1)
}

func (m *Metrics) IncTradeRecorded() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tradeRecorded, 1)
}

func (m *Metrics) IncTradeDuplicate() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tradeDuplicate, 1)
}

func (m *Metrics) IncTradeFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tradeFailed, 1)
}

func (m *Metrics) IncSelfTradeHit() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.selfTradeHits, 1)
}

// IncWalAppend records a WAL append attempt.
func (m *Metrics) IncWalAppend(err error) {
	if m == nil {
		return
	}
	if err != nil {
		atomic.AddUint64(&m.walErrors, 1)
		return
	}
	atomic.AddUint64(&m.walAppends, 1)
}

func (m *Metrics) IncStoreError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.storeErrors, 1)
}

// IncRiskReject increments the rejection counter of a rule type.
func (m *Metrics) IncRiskReject(ruleType string) {
	if m == nil {
		return
	}
	m.riskMu.Lock()
	if m.riskRejects == nil {
		m.riskRejects = make(map[string]uint64)
	}
	m.riskRejects[ruleType]++
	m.riskMu.Unlock()
}

// AddReplay accumulates the counters of one WAL replay run.
func (m *Metrics) AddReplay(c ReplayCounts) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.replayLines, c.Lines)
	atomic.AddUint64(&m.replayParseErrors, c.ParseErrors)
	atomic.AddUint64(&m.replayIgnored, c.Ignored)
	atomic.AddUint64(&m.replayStateRejected, c.StateRejected)
	atomic.AddUint64(&m.replayLedgerApplied, c.LedgerApplied)
}

// ObserveOrderEvent measures order event application latency.
func (m *Metrics) ObserveOrderEvent(d time.Duration) {
	if m == nil {
		return
	}
	m.orderEventLatency.Observe(d)
}

// ObserveRiskEval measures risk evaluation latency.
func (m *Metrics) ObserveRiskEval(d time.Duration) {
	if m == nil {
		return
	}
	m.riskEvalLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		OrderApplied:   atomic.LoadUint64(&m.orderApplied),
		OrderDuplicate: atomic.LoadUint64(&m.orderDuplicate),
		OrderRejected:  atomic.LoadUint64(&m.orderRejected),
		TradeRecorded:  atomic.LoadUint64(&m.tradeRecorded),
		TradeDuplicate: atomic.LoadUint64(&m.tradeDuplicate),
		TradeFailed:    atomic.LoadUint64(&m.tradeFailed),
		SelfTradeHits:  atomic.LoadUint64(&m.selfTradeHits),
		WalAppends:     atomic.LoadUint64(&m.walAppends),
		WalErrors:      atomic.LoadUint64(&m.walErrors),
		StoreErrors:    atomic.LoadUint64(&m.storeErrors),
		Replay: ReplayCounts{
			Lines:         atomic.LoadUint64(&m.replayLines),
			ParseErrors:   atomic.LoadUint64(&m.replayParseErrors),
			Ignored:       atomic.LoadUint64(&m.replayIgnored),
			StateRejected: atomic.LoadUint64(&m.replayStateRejected),
			LedgerApplied: atomic.LoadUint64(&m.replayLedgerApplied),
		},
		RiskRejects:       m.riskRejectsCopy(),
		OrderEventLatency: m.orderEventLatency.Snapshot(),
		RiskEvalLatency:   m.riskEvalLatency.Snapshot(),
	}
}

func (m *Metrics) riskRejectsCopy() map[string]uint64 {
	m.riskMu.Lock()
	defer m.riskMu.Unlock()
	out := make(map[string]uint64, len(m.riskRejects))
	for k, v := range m.riskRejects {
		out[k] = v
	}
	return out
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
