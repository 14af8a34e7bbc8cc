package og

import (
	"strconv"
	"strings"

	"tradecore/internal/schema"
)

const (
	DefaultProcessedCacheSize = 10_000
	MinProcessedCacheSize     = 1_000
)

type keyKind uint8

const (
	keyKindOrder keyKind = iota + 1
	keyKindTrade
)

// eventKey identifies one processed order or trade event.
type eventKey struct {
	kind       keyKind
	orderRef   string
	frontID    int32
	sessionID  int32
	status     schema.OrderStatus
	filled     int64
	source     string
	exchangeTs int64
	tradeID    string
}

// refKey is the (order ref, front, session) prefix of an eventKey.
type refKey struct {
	orderRef  string
	frontID   int32
	sessionID int32
}

func orderEventKey(event schema.OrderEvent) eventKey {
	return eventKey{
		kind:       keyKindOrder,
		orderRef:   orderRefOf(event),
		frontID:    event.FrontID,
		sessionID:  event.SessionID,
		status:     event.Status,
		filled:     event.FilledVolume,
		source:     event.EventSource,
		exchangeTs: event.ExchangeTsNs,
	}
}

func tradeEventKey(event schema.OrderEvent) eventKey {
	if event.TradeID != "" {
		return eventKey{
			kind:      keyKindTrade,
			orderRef:  orderRefOf(event),
			frontID:   event.FrontID,
			sessionID: event.SessionID,
			tradeID:   event.TradeID,
		}
	}
	k := orderEventKey(event)
	k.kind = keyKindTrade
	return k
}

func orderRefOf(event schema.OrderEvent) string {
	if event.OrderRef != "" {
		return event.OrderRef
	}
	return event.ClientOrderID
}

func (k eventKey) ref() refKey {
	return refKey{orderRef: k.orderRef, frontID: k.frontID, sessionID: k.sessionID}
}

// String renders the key for the domain store.
func (k eventKey) String() string {
	var sb strings.Builder
	if k.kind == keyKindTrade {
		sb.WriteString("trade|")
	} else {
		sb.WriteString("order|")
	}
	sb.WriteString(k.orderRef)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(int64(k.frontID), 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(int64(k.sessionID), 10))
	sb.WriteByte('|')
	if k.tradeID != "" {
		sb.WriteString(k.tradeID)
		return sb.String()
	}
	sb.WriteString(strconv.Itoa(int(k.status)))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(k.filled, 10))
	sb.WriteByte('|')
	sb.WriteString(k.source)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(k.exchangeTs, 10))
	return sb.String()
}

// processedCache is a bounded FIFO of event keys with O(1) membership.
// It is not safe for concurrent use; Manager guards it.
type processedCache struct {
	ring []eventKey
	head int
	size int
	set  map[eventKey]struct{}
	refs map[refKey]int
}

func newProcessedCache(capacity int) *processedCache {
	if capacity <= 0 {
		capacity = DefaultProcessedCacheSize
	}
	if capacity < MinProcessedCacheSize {
		capacity = MinProcessedCacheSize
	}
	return &processedCache{
		ring: make([]eventKey, capacity),
		set:  make(map[eventKey]struct{}, capacity),
		refs: make(map[refKey]int),
	}
}

func (c *processedCache) contains(k eventKey) bool {
	_, ok := c.set[k]
	return ok
}

// add inserts k and evicts the oldest key when full. It returns false when k
// was already present.
func (c *processedCache) add(k eventKey) bool {
	if c.contains(k) {
		return false
	}
	if c.size == len(c.ring) {
		c.evictOldest()
	}
	tail := (c.head + c.size) % len(c.ring)
	c.ring[tail] = k
	c.size++
	c.set[k] = struct{}{}
	c.refs[k.ref()]++
	return true
}

func (c *processedCache) evictOldest() {
	oldest := c.ring[c.head]
	c.ring[c.head] = eventKey{}
	c.head = (c.head + 1) % len(c.ring)
	c.size--
	delete(c.set, oldest)
	ref := oldest.ref()
	if n := c.refs[ref] - 1; n > 0 {
		c.refs[ref] = n
	} else {
		delete(c.refs, ref)
	}
}

func (c *processedCache) hasRef(ref refKey) bool {
	return c.refs[ref] > 0
}

func (c *processedCache) len() int {
	return c.size
}

func (c *processedCache) capacity() int {
	return len(c.ring)
}
