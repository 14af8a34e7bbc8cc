package wal

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Sink is a local, sequence numbered, append-only regulatory log of order and
// trade events. Appends are serialized by one lock.
type Sink struct {
	cfg Config

	mu      sync.Mutex
	file    *os.File
	nextSeq int64
	closed  bool
}

// Open opens or creates the WAL file and recovers the next sequence number
// from the highest seq already written.
func Open(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create wal dir")
		}
	}

	maxSeq, err := scanMaxSeq(cfg.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open wal file")
	}
	logs.Infof("wal opened, path: %s, next_seq: %d", cfg.Path, maxSeq+1)
	return &Sink{cfg: cfg, file: f, nextSeq: maxSeq + 1}, nil
}

func scanMaxSeq(path string) (int64, error) {
	var maxSeq int64
	err := ScanFile(context.Background(), path, func(_ int, line []byte) error {
		r, err := Decode(line)
		if err != nil {
			return nil
		}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, errors.Wrap(err, "scan wal seq")
	}
	return maxSeq, nil
}

// AppendOrderEvent appends an order event line.
func (s *Sink) AppendOrderEvent(event schema.OrderEvent) error {
	return s.append(NewRecord(KindOrder, event))
}

// AppendTradeEvent appends a trade event line.
func (s *Sink) AppendTradeEvent(event schema.OrderEvent) error {
	return s.append(NewRecord(KindTrade, event))
}

// AppendRollover appends a trading day marker. Replay skips it.
func (s *Sink) AppendRollover(tradingDay string, tsNs int64) error {
	return s.append(Record{Kind: KindRollover, TradingDay: tradingDay, TsNs: tsNs})
}

func (s *Sink) append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrWalClosed
	}

	r.Seq = s.nextSeq
	line, err := Encode(r)
	if err != nil {
		return err
	}
	if _, err := s.file.Write(line); err != nil {
		return errors.Wrap(err, "write wal line")
	}
	if s.cfg.Fsync {
		if err := s.file.Sync(); err != nil {
			return errors.Wrap(err, "sync wal file")
		}
	}
	s.nextSeq++
	return nil
}

// NextSeq returns the sequence number of the next append.
func (s *Sink) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Path returns the WAL file path.
func (s *Sink) Path() string {
	return s.cfg.Path
}

// Close syncs and closes the file. Further appends fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return errors.Wrap(err, "sync wal file")
	}
	return s.file.Close()
}
