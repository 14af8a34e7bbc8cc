package obs

import (
	"strconv"
	"sync/atomic"
	"time"
)

// TraceGenerator creates monotonically increasing trace IDs.
type TraceGenerator struct {
	prefix string
	next   uint64
}

// NewTraceGenerator returns a generator seeded with the given value. Trace IDs
// render as "<prefix>-<hex>".
func NewTraceGenerator(prefix string, seed uint64) *TraceGenerator {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	if prefix == "" {
		prefix = "tr"
	}
	return &TraceGenerator{prefix: prefix, next: seed}
}

// Next returns the next trace ID.
func (g *TraceGenerator) Next() string {
	if g == nil {
		return ""
	}
	return g.prefix + "-" + strconv.FormatUint(atomic.AddUint64(&g.next, 1), 16)
}
