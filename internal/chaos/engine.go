package chaos

import (
	"fmt"
	"math/rand"
	"time"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Config controls how a gateway callback stream is perturbed.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	// ReorderWindow is how many callbacks are held back before one is
	// released. One keeps arrival order.
	ReorderWindow int
	// KeepOrderSequence only reorders callbacks of different orders. The
	// callbacks of one client order id keep their arrival order.
	KeepOrderSequence bool
	MaxDelay          time.Duration
}

// Stats counts what the engine did to the stream.
type Stats struct {
	In         int64
	Out        int64
	Dropped    int64
	Duplicated int64
	Reordered  int64
}

// Engine perturbs an exchange callback stream the way a flaky gateway would.
// Exchange timestamps are never touched so idempotency keys stay stable.
type Engine struct {
	cfg   Config
	rng   *rand.Rand
	held  []schema.OrderEvent
	stats Stats
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		held: make([]schema.OrderEvent, 0, cfg.ReorderWindow),
	}, nil
}

func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("%w: drop rate %v out of [0,1]", exception.ErrConfigInvalid, c.DropRate)
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("%w: duplicate rate %v out of [0,1]", exception.ErrConfigInvalid, c.DuplicateRate)
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("%w: reorder window must be >= 1", exception.ErrConfigInvalid)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("%w: max delay must be >= 0", exception.ErrConfigInvalid)
	}
	return nil
}

// Process feeds one callback in and returns the callbacks released by it.
func (e *Engine) Process(ev schema.OrderEvent) []schema.OrderEvent {
	if e == nil {
		return []schema.OrderEvent{ev}
	}
	e.stats.In++
	if e.roll(e.cfg.DropRate) {
		e.stats.Dropped++
		return nil
	}
	e.held = append(e.held, e.delay(ev))
	if len(e.held) < e.cfg.ReorderWindow {
		return nil
	}
	return e.release()
}

// Apply runs every callback through Process and appends the flushed tail.
func (e *Engine) Apply(events []schema.OrderEvent) []schema.OrderEvent {
	out := make([]schema.OrderEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, e.Process(ev)...)
	}
	return append(out, e.Flush()...)
}

// Flush releases every held callback.
func (e *Engine) Flush() []schema.OrderEvent {
	if e == nil || len(e.held) == 0 {
		return nil
	}
	out := make([]schema.OrderEvent, 0, len(e.held))
	for len(e.held) > 0 {
		out = append(out, e.release()...)
	}
	return out
}

func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return e.stats
}

func (e *Engine) release() []schema.OrderEvent {
	idx := e.pick()
	ev := e.held[idx]
	e.held = append(e.held[:idx], e.held[idx+1:]...)
	if idx > 0 {
		e.stats.Reordered++
	}
	out := []schema.OrderEvent{ev}
	if e.roll(e.cfg.DuplicateRate) {
		e.stats.Duplicated++
		out = append(out, ev)
	}
	e.stats.Out += int64(len(out))
	return out
}

// pick returns the index of the held callback to release next. With
// KeepOrderSequence only the oldest held callback of each order is a
// candidate.
func (e *Engine) pick() int {
	if len(e.held) == 1 {
		return 0
	}
	if !e.cfg.KeepOrderSequence {
		return e.rng.Intn(len(e.held))
	}
	heads := make([]int, 0, len(e.held))
	seen := make(map[string]struct{}, len(e.held))
	for i, ev := range e.held {
		if _, ok := seen[ev.ClientOrderID]; ok {
			continue
		}
		seen[ev.ClientOrderID] = struct{}{}
		heads = append(heads, i)
	}
	return heads[e.rng.Intn(len(heads))]
}

func (e *Engine) roll(rate float64) bool {
	return rate > 0 && e.rng.Float64() < rate
}

// delay moves the local receive timestamp forward. Callbacks without one are
// stamped from the exchange time.
func (e *Engine) delay(ev schema.OrderEvent) schema.OrderEvent {
	maxDelay := e.cfg.MaxDelay.Nanoseconds()
	if maxDelay <= 0 {
		return ev
	}
	d := e.rng.Int63n(maxDelay + 1)
	if d == 0 {
		return ev
	}
	switch {
	case ev.TsNs > 0:
		ev.TsNs += d
	case ev.ExchangeTsNs > 0:
		ev.TsNs = ev.ExchangeTsNs + d
	}
	return ev
}
