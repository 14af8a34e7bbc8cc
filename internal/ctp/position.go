// Package ctp keeps exchange style position and account books: date bucketed
// positions with frozen close volume, and margin and mark-to-market accounting.
package ctp

import (
	"sort"
	"sync"
	"time"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Position date buckets.
const (
	BucketToday     = "today"
	BucketYesterday = "yesterday"
)

// BucketKey identifies one position bucket.
type BucketKey struct {
	AccountID    string
	InstrumentID string
	Direction    schema.Direction
	DateBucket   string
}

func (k BucketKey) valid() bool {
	return k.AccountID != "" && k.InstrumentID != "" &&
		(k.DateBucket == BucketToday || k.DateBucket == BucketYesterday)
}

// PositionBucket holds the position and the volume frozen by pending closes.
// 0 <= Frozen <= Position always holds.
type PositionBucket struct {
	Position    int64
	Frozen      int64
	UpdatedAtNs int64
}

// Closable is the volume eligible for a new close order.
func (b PositionBucket) Closable() int64 {
	return b.Position - b.Frozen
}

// InvestorPositionSnapshot is an exchange reported position bucket.
type InvestorPositionSnapshot struct {
	BucketKey
	Position int64
	Frozen   int64
	TsNs     int64
}

// PendingOrder tracks the frozen volume of an in-flight order.
type PendingOrder struct {
	ClientOrderID string
	AccountID     string
	InstrumentID  string
	Direction     schema.Direction
	Offset        schema.Offset
	Volume        int64
	LastFilled    int64
	// Reserved lists the frozen volume still held per date bucket, in the
	// order fills consume it.
	Reserved []Reservation
}

// Reservation is frozen volume held in one date bucket.
type Reservation struct {
	DateBucket string
	Volume     int64
}

func (p PendingOrder) reservedTotal() int64 {
	var n int64
	for _, r := range p.Reserved {
		n += r.Volume
	}
	return n
}

// PositionLedger keeps exchange style position buckets with frozen volume for
// pending closes. Exchanges reject a close above position minus frozen, so the
// ledger reserves volume when a close is registered and releases it as the
// order fills or terminates.
type PositionLedger struct {
	mu      sync.Mutex
	buckets map[BucketKey]*PositionBucket
	pending map[string]*PendingOrder
	now     func() int64
}

// NewPositionLedger creates an empty ledger.
func NewPositionLedger() *PositionLedger {
	return &PositionLedger{
		buckets: make(map[BucketKey]*PositionBucket),
		pending: make(map[string]*PendingOrder),
		now:     func() int64 { return time.Now().UTC().UnixNano() },
	}
}

// ApplyInvestorPositionSnapshot overwrites a bucket with exchange reported
// counts. Frozen is clamped to [0, position].
func (l *PositionLedger) ApplyInvestorPositionSnapshot(snap InvestorPositionSnapshot) error {
	if !snap.BucketKey.valid() {
		return exception.ErrLedgerInvalidKey
	}
	if snap.Position < 0 {
		return exception.ErrLedgerInvalidSnapshot
	}
	frozen := min(max(snap.Frozen, 0), snap.Position)
	ts := snap.TsNs
	if ts == 0 {
		ts = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[snap.BucketKey] = &PositionBucket{Position: snap.Position, Frozen: frozen, UpdatedAtNs: ts}
	return nil
}

// RegisterOrderIntent records an order before it is sent. Close orders freeze
// their volume and fail without mutation when it exceeds the closable volume.
// A plain close consumes yesterday before today.
func (l *PositionLedger) RegisterOrderIntent(intent schema.OrderIntent) error {
	if intent.ClientOrderID == "" {
		return exception.ErrOrderEmptyClientOrderID
	}
	if intent.AccountID == "" || intent.InstrumentID == "" {
		return exception.ErrLedgerInvalidKey
	}
	if intent.Volume <= 0 {
		return exception.ErrOrderInvalidVolume
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[intent.ClientOrderID]; ok {
		return exception.ErrLedgerDuplicateOrder
	}
	p := &PendingOrder{
		ClientOrderID: intent.ClientOrderID,
		AccountID:     intent.AccountID,
		InstrumentID:  intent.InstrumentID,
		Direction:     schema.PositionDirection(intent.Side, intent.Offset),
		Offset:        intent.Offset,
		Volume:        intent.Volume,
	}
	if !intent.Offset.IsClose() {
		l.pending[intent.ClientOrderID] = p
		return nil
	}

	if intent.Volume > l.closableLocked(p) {
		return exception.ErrLedgerInsufficientClosable
	}
	l.reserveLocked(p, intent.Volume, l.now())
	l.pending[intent.ClientOrderID] = p
	return nil
}

// RestoreOrder re-registers a live order after a restart. filled is the
// volume already reflected in the position buckets. A close freezes its
// unfilled remainder; when less is closable it freezes what it can, stays
// registered and reports ErrLedgerInsufficientClosable.
func (l *PositionLedger) RestoreOrder(intent schema.OrderIntent, filled int64) error {
	if intent.ClientOrderID == "" {
		return exception.ErrOrderEmptyClientOrderID
	}
	if intent.AccountID == "" || intent.InstrumentID == "" {
		return exception.ErrLedgerInvalidKey
	}
	if intent.Volume <= 0 || filled < 0 || filled > intent.Volume {
		return exception.ErrOrderInvalidVolume
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[intent.ClientOrderID]; ok {
		return exception.ErrLedgerDuplicateOrder
	}
	p := &PendingOrder{
		ClientOrderID: intent.ClientOrderID,
		AccountID:     intent.AccountID,
		InstrumentID:  intent.InstrumentID,
		Direction:     schema.PositionDirection(intent.Side, intent.Offset),
		Offset:        intent.Offset,
		Volume:        intent.Volume,
		LastFilled:    filled,
	}
	l.pending[intent.ClientOrderID] = p
	if !intent.Offset.IsClose() {
		return nil
	}
	remaining := intent.Volume - filled
	reserve := min(remaining, l.closableLocked(p))
	l.reserveLocked(p, reserve, l.now())
	if reserve < remaining {
		return exception.ErrLedgerInsufficientClosable
	}
	return nil
}

func (l *PositionLedger) closableLocked(p *PendingOrder) int64 {
	var closable int64
	for _, b := range closeBuckets(p.Offset) {
		if bucket, ok := l.buckets[p.key(b)]; ok {
			closable += bucket.Closable()
		}
	}
	return closable
}

// reserveLocked freezes volume across the close buckets of p in consumption
// order. The caller checks closable volume first.
func (l *PositionLedger) reserveLocked(p *PendingOrder, volume, ts int64) {
	remaining := volume
	for _, b := range closeBuckets(p.Offset) {
		if remaining <= 0 {
			break
		}
		bucket, ok := l.buckets[p.key(b)]
		if !ok {
			continue
		}
		take := min(bucket.Closable(), remaining)
		if take <= 0 {
			continue
		}
		bucket.Frozen += take
		bucket.UpdatedAtNs = ts
		remaining -= take
		p.Reserved = append(p.Reserved, Reservation{DateBucket: b, Volume: take})
	}
}

// ApplyOrderEvent applies the newly filled volume of a registered order.
// Closes reduce position and release frozen volume. Opens add to today's
// position. A terminal status releases whatever is still frozen.
func (l *PositionLedger) ApplyOrderEvent(event schema.OrderEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[event.ClientOrderID]
	if !ok {
		return exception.ErrLedgerUnknownOrder
	}
	delta := event.FilledVolume - p.LastFilled
	if delta < 0 {
		return exception.ErrLedgerFilledDecreased
	}
	ts := event.TsNs
	if ts == 0 {
		ts = l.now()
	}

	if delta > 0 {
		if p.Offset.IsClose() {
			l.applyCloseFillLocked(p, delta, ts)
		} else {
			b := l.bucketLocked(p.key(BucketToday))
			b.Position += delta
			b.UpdatedAtNs = ts
		}
		p.LastFilled = event.FilledVolume
	}

	if event.Status.IsTerminal() {
		for _, r := range p.Reserved {
			if b, ok := l.buckets[p.key(r.DateBucket)]; ok && r.Volume > 0 {
				b.Frozen = max(b.Frozen-r.Volume, 0)
				b.UpdatedAtNs = ts
			}
		}
		delete(l.pending, event.ClientOrderID)
	}
	return nil
}

// OnOrderEvent lets the ledger consume order events like a portfolio ledger.
func (l *PositionLedger) OnOrderEvent(event schema.OrderEvent) error {
	return l.ApplyOrderEvent(event)
}

func (l *PositionLedger) applyCloseFillLocked(p *PendingOrder, delta, ts int64) {
	remaining := delta
	for i := range p.Reserved {
		r := &p.Reserved[i]
		if remaining == 0 {
			break
		}
		take := min(r.Volume, remaining)
		if take <= 0 {
			continue
		}
		b := l.bucketLocked(p.key(r.DateBucket))
		b.Position = max(b.Position-take, 0)
		b.Frozen = min(max(b.Frozen-take, 0), b.Position)
		b.UpdatedAtNs = ts
		r.Volume -= take
		remaining -= take
	}
	// Fills beyond the reservation still reduce position.
	for _, bucket := range closeBuckets(p.Offset) {
		if remaining == 0 {
			break
		}
		b, ok := l.buckets[p.key(bucket)]
		if !ok {
			continue
		}
		take := min(b.Closable(), remaining)
		b.Position -= take
		b.UpdatedAtNs = ts
		remaining -= take
	}
}

func (l *PositionLedger) bucketLocked(k BucketKey) *PositionBucket {
	b, ok := l.buckets[k]
	if !ok {
		b = &PositionBucket{}
		l.buckets[k] = b
	}
	return b
}

func (p *PendingOrder) key(bucket string) BucketKey {
	return BucketKey{AccountID: p.AccountID, InstrumentID: p.InstrumentID, Direction: p.Direction, DateBucket: bucket}
}

func closeBuckets(offset schema.Offset) []string {
	switch offset {
	case schema.OffsetCloseToday:
		return []string{BucketToday}
	case schema.OffsetCloseYesterday:
		return []string{BucketYesterday}
	default:
		return []string{BucketYesterday, BucketToday}
	}
}

// Bucket returns a copy of one bucket.
func (l *PositionLedger) Bucket(k BucketKey) (PositionBucket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[k]
	if !ok {
		return PositionBucket{}, false
	}
	return *b, true
}

// Closable returns the closable volume across both date buckets.
func (l *PositionLedger) Closable(accountID, instrumentID string, direction schema.Direction) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, bucket := range []string{BucketToday, BucketYesterday} {
		if b, ok := l.buckets[BucketKey{accountID, instrumentID, direction, bucket}]; ok {
			n += b.Closable()
		}
	}
	return n
}

// Position returns the total position across both date buckets.
func (l *PositionLedger) Position(accountID, instrumentID string, direction schema.Direction) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, bucket := range []string{BucketToday, BucketYesterday} {
		if b, ok := l.buckets[BucketKey{accountID, instrumentID, direction, bucket}]; ok {
			n += b.Position
		}
	}
	return n
}

// NetPosition returns long minus short for an instrument.
func (l *PositionLedger) NetPosition(accountID, instrumentID string) int64 {
	return l.Position(accountID, instrumentID, schema.DirectionLong) - l.Position(accountID, instrumentID, schema.DirectionShort)
}

// Pending returns a copy of a pending order.
func (l *PositionLedger) Pending(clientOrderID string) (PendingOrder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[clientOrderID]
	if !ok {
		return PendingOrder{}, false
	}
	out := *p
	out.Reserved = append([]Reservation(nil), p.Reserved...)
	return out, true
}

// PendingCount returns the number of in-flight orders.
func (l *PositionLedger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Records returns the buckets of an account, or of every account when
// accountID is empty, sorted by instrument, direction and date bucket.
func (l *PositionLedger) Records(accountID string) []schema.PositionRecord {
	l.mu.Lock()
	out := make([]schema.PositionRecord, 0, len(l.buckets))
	for k, b := range l.buckets {
		if accountID != "" && k.AccountID != accountID {
			continue
		}
		out = append(out, schema.PositionRecord{
			AccountID:    k.AccountID,
			InstrumentID: k.InstrumentID,
			Direction:    k.Direction,
			DateBucket:   k.DateBucket,
			Position:     b.Position,
			Frozen:       b.Frozen,
			UpdatedAtNs:  b.UpdatedAtNs,
		})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		return a.DateBucket < b.DateBucket
	})
	return out
}

// LoadRecords seeds the ledger from persisted position records, as returned
// by a domain store summary.
func (l *PositionLedger) LoadRecords(records []schema.PositionRecord) error {
	for _, r := range records {
		err := l.ApplyInvestorPositionSnapshot(InvestorPositionSnapshot{
			BucketKey: BucketKey{
				AccountID:    r.AccountID,
				InstrumentID: r.InstrumentID,
				Direction:    r.Direction,
				DateBucket:   r.DateBucket,
			},
			Position: r.Position,
			Frozen:   r.Frozen,
			TsNs:     r.UpdatedAtNs,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
