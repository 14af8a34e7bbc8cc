package state

import (
	"context"
	stderrors "errors"
	"io"
	"os"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/internal/wal"
	"tradecore/pkg/exception"
)

// Recoverer rebuilds order state from logged events.
type Recoverer interface {
	RecoverFromOrderEvent(event schema.OrderEvent) error
}

// Ledger consumes replayed order events.
type Ledger interface {
	OnOrderEvent(event schema.OrderEvent) error
}

// ReplayStats are the aggregate counters of one replay run.
type ReplayStats struct {
	Lines          int64
	ParseErrors    int64
	IgnoredLines   int64
	OrderRecords   int64
	TradeRecords   int64
	StateRejected  int64
	LedgerApplied  int64
	LedgerRejected int64
	LastSeq        int64
}

// ReplayLoader rebuilds the order state machine and ledgers from the WAL
// before new traffic is accepted. A bad line never fails the run.
type ReplayLoader struct {
	machine Recoverer
	ledgers []Ledger
	metrics *obs.Metrics
}

// NewReplayLoader creates a loader feeding machine and then every ledger.
func NewReplayLoader(machine Recoverer, ledgers ...Ledger) *ReplayLoader {
	return &ReplayLoader{machine: machine, ledgers: ledgers}
}

// WithMetrics sets the metrics container.
func (l *ReplayLoader) WithMetrics(m *obs.Metrics) *ReplayLoader {
	l.metrics = m
	return l
}

// Replay reads the WAL file at path. A missing file is an empty log.
func (l *ReplayLoader) Replay(ctx context.Context, path string) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logs.Infof("wal replay skipped, no file at %s", path)
			return ReplayStats{}, nil
		}
		return ReplayStats{}, errors.Wrap(err, "open wal")
	}
	defer f.Close()

	stats, err := l.ReplayReader(ctx, f)
	if err != nil {
		return stats, err
	}
	logs.Infof("wal replayed, path: %s, lines: %d, parse_errors: %d, ignored: %d, state_rejected: %d, ledger_applied: %d, last_seq: %d",
		path, stats.Lines, stats.ParseErrors, stats.IgnoredLines, stats.StateRejected, stats.LedgerApplied, stats.LastSeq)
	return stats, nil
}

// ReplayReader replays WAL lines from r.
func (l *ReplayLoader) ReplayReader(ctx context.Context, r io.Reader) (ReplayStats, error) {
	var stats ReplayStats
	err := wal.Scan(ctx, r, func(lineNo int, line []byte) error {
		stats.Lines++
		rec, err := wal.Decode(line)
		if stderrors.Is(err, exception.ErrWalEmptyLine) {
			stats.IgnoredLines++
			return nil
		}
		if err != nil {
			stats.ParseErrors++
			logs.Warnf("wal replay parse error, line: %d, err: %+v", lineNo, err)
			return nil
		}
		if rec.Seq > stats.LastSeq {
			stats.LastSeq = rec.Seq
		}
		switch rec.Kind {
		case wal.KindOrder:
			stats.OrderRecords++
		case wal.KindTrade:
			stats.TradeRecords++
		default:
			stats.IgnoredLines++
			return nil
		}
		l.apply(rec.Event(), lineNo, &stats)
		return nil
	})
	l.metrics.AddReplay(obs.ReplayCounts{
		Lines:         uint64(stats.Lines),
		ParseErrors:   uint64(stats.ParseErrors),
		Ignored:       uint64(stats.IgnoredLines),
		StateRejected: uint64(stats.StateRejected),
		LedgerApplied: uint64(stats.LedgerApplied),
	})
	return stats, err
}

func (l *ReplayLoader) apply(event schema.OrderEvent, lineNo int, stats *ReplayStats) {
	if l.machine != nil {
		if err := l.machine.RecoverFromOrderEvent(event); err != nil {
			stats.StateRejected++
			logs.Warnf("wal replay state rejected, line: %d, client_order_id: %s, err: %+v", lineNo, event.ClientOrderID, err)
			return
		}
	}
	for _, ledger := range l.ledgers {
		if ledger == nil {
			continue
		}
		if err := ledger.OnOrderEvent(event); err != nil {
			stats.LedgerRejected++
			logs.Warnf("wal replay ledger rejected, line: %d, client_order_id: %s, err: %+v", lineNo, event.ClientOrderID, err)
			continue
		}
		stats.LedgerApplied++
	}
}
