package obs

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncOrderApplied()
	m.IncRiskReject("MAX_ORDER_VOLUME")
	m.ObserveRiskEval(time.Millisecond)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.IncOrderApplied()
	m.IncOrderApplied()
	m.IncOrderDuplicate()
	m.IncWalAppend(nil)
	m.IncWalAppend(assert.AnError)
	m.IncRiskReject("MAX_ORDER_RATE")
	m.IncRiskReject("MAX_ORDER_RATE")
	m.AddReplay(ReplayCounts{Lines: 3, ParseErrors: 1, LedgerApplied: 2})
	m.ObserveOrderEvent(2 * time.Millisecond)
	m.ObserveOrderEvent(4 * time.Millisecond)

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.OrderApplied)
	assert.Equal(t, uint64(1), s.OrderDuplicate)
	assert.Equal(t, uint64(1), s.WalAppends)
	assert.Equal(t, uint64(1), s.WalErrors)
	assert.Equal(t, uint64(2), s.RiskRejects["MAX_ORDER_RATE"])
	assert.Equal(t, uint64(3), s.Replay.Lines)
	assert.Equal(t, uint64(2), s.OrderEventLatency.Count)
	assert.Equal(t, 2*time.Millisecond, s.OrderEventLatency.Min)
	assert.Equal(t, 4*time.Millisecond, s.OrderEventLatency.Max)
	assert.Equal(t, 3*time.Millisecond, s.OrderEventLatency.Avg)
}

func TestCollectorExportsCounters(t *testing.T) {
	m := NewMetrics()
	m.IncOrderApplied()
	m.IncRiskReject("MAX_ORDER_VOLUME")

	c := NewCollector(m)
	expected := `
# HELP tradecore_risk_rejects_total Risk rejections by rule type.
# TYPE tradecore_risk_rejects_total counter
tradecore_risk_rejects_total{rule="MAX_ORDER_VOLUME"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "tradecore_risk_rejects_total"))
	assert.Greater(t, testutil.CollectAndCount(c), 10)
}

func TestTraceGeneratorMonotonic(t *testing.T) {
	g := NewTraceGenerator("t", 15)
	assert.Equal(t, "t-10", g.Next())
	assert.Equal(t, "t-11", g.Next())

	var nilGen *TraceGenerator
	assert.Empty(t, nilGen.Next())
}
