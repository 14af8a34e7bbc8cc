package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradecore/pkg/exception"
)

// Snapshot captures net positions at a point in time.
type Snapshot struct {
	Timestamp int64           `json:"timestamp"`
	LastSeq   int64           `json:"lastSeq"`
	Positions []PositionEntry `json:"positions"`
}

// PositionEntry is a single net position entry.
type PositionEntry struct {
	AccountID    string `json:"accountId"`
	InstrumentID string `json:"instrumentId"`
	Position     int64  `json:"position"`
}

// Snapshot builds a snapshot from current positions. Flat positions are
// omitted.
func (l *PortfolioLedger) Snapshot() Snapshot {
	return l.SnapshotWithSeq(0)
}

// SnapshotWithSeq builds a snapshot tagged with the last applied WAL seq.
func (l *PortfolioLedger) SnapshotWithSeq(lastSeq int64) Snapshot {
	l.mu.Lock()
	entries := make([]PositionEntry, 0, len(l.positions))
	for k, p := range l.positions {
		if p == 0 {
			continue
		}
		entries = append(entries, PositionEntry{AccountID: k.AccountID, InstrumentID: k.InstrumentID, Position: p})
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AccountID != entries[j].AccountID {
			return entries[i].AccountID < entries[j].AccountID
		}
		return entries[i].InstrumentID < entries[j].InstrumentID
	})
	return Snapshot{
		Timestamp: time.Now().UTC().UnixNano(),
		LastSeq:   lastSeq,
		Positions: entries,
	}
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigFastest.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigFastest.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "unmarshal snapshot")
	}
	return snap, nil
}

// PositionDiff is a position that differs between two snapshots. A side
// without the entry reads as flat.
type PositionDiff struct {
	PositionKey
	Expected int64
	Actual   int64
}

func (d PositionDiff) String() string {
	return fmt.Sprintf("%s/%s expected=%d actual=%d", d.AccountID, d.InstrumentID, d.Expected, d.Actual)
}

// DiffSnapshots lists every position that differs, sorted by key.
func DiffSnapshots(expected, actual Snapshot) []PositionDiff {
	byKey := make(map[PositionKey]*PositionDiff, len(expected.Positions)+len(actual.Positions))
	entry := func(p PositionEntry) *PositionDiff {
		k := PositionKey{AccountID: p.AccountID, InstrumentID: p.InstrumentID}
		d, ok := byKey[k]
		if !ok {
			d = &PositionDiff{PositionKey: k}
			byKey[k] = d
		}
		return d
	}
	for _, p := range expected.Positions {
		entry(p).Expected += p.Position
	}
	for _, p := range actual.Positions {
		entry(p).Actual += p.Position
	}

	diffs := make([]PositionDiff, 0)
	for _, d := range byKey {
		if d.Expected != d.Actual {
			diffs = append(diffs, *d)
		}
	}
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].AccountID != diffs[j].AccountID {
			return diffs[i].AccountID < diffs[j].AccountID
		}
		return diffs[i].InstrumentID < diffs[j].InstrumentID
	})
	return diffs
}

// CompareSnapshots fails when the snapshots were taken at different WAL
// sequences or hold different positions. A zero LastSeq matches any seq.
func CompareSnapshots(expected, actual Snapshot) error {
	if expected.LastSeq != 0 && actual.LastSeq != 0 && expected.LastSeq != actual.LastSeq {
		return fmt.Errorf("%w: expected last seq %d, actual %d", exception.ErrSnapshotSeqMismatch, expected.LastSeq, actual.LastSeq)
	}
	diffs := DiffSnapshots(expected, actual)
	if len(diffs) == 0 {
		return nil
	}
	parts := make([]string, 0, len(diffs))
	for _, d := range diffs {
		parts = append(parts, d.String())
	}
	return fmt.Errorf("%w: %d positions differ: %s", exception.ErrSnapshotMismatch, len(diffs), strings.Join(parts, ", "))
}
