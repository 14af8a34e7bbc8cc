package schema

import (
	"strconv"
	"strings"
)

// Side describes order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide parses "buy" or "sell". Anything else is SideUnknown.
func ParseSide(s string) Side {
	switch s {
	case "buy":
		return SideBuy
	case "sell":
		return SideSell
	default:
		return SideUnknown
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// Offset describes the position-date semantics of an order.
type Offset uint8

const (
	OffsetOpen Offset = iota
	OffsetClose
	OffsetCloseToday
	OffsetCloseYesterday
)

func (o Offset) String() string {
	switch o {
	case OffsetOpen:
		return "open"
	case OffsetClose:
		return "close"
	case OffsetCloseToday:
		return "close_today"
	case OffsetCloseYesterday:
		return "close_yesterday"
	default:
		return "offset(" + strconv.Itoa(int(o)) + ")"
	}
}

// ParseOffset parses the String form of an offset. Unknown values are open.
func ParseOffset(s string) Offset {
	switch s {
	case "close":
		return OffsetClose
	case "close_today":
		return OffsetCloseToday
	case "close_yesterday":
		return OffsetCloseYesterday
	default:
		return OffsetOpen
	}
}

// IsClose reports whether the offset reduces an existing position.
func (o Offset) IsClose() bool {
	return o == OffsetClose || o == OffsetCloseToday || o == OffsetCloseYesterday
}

// OrderType describes order type.
type OrderType uint8

const (
	OrderTypeLimit OrderType = iota
	OrderTypeMarket
)

func (t OrderType) String() string {
	if t == OrderTypeMarket {
		return "market"
	}
	return "limit"
}

// ParseOrderType parses "market" case-insensitively. Anything else is a limit
// order.
func ParseOrderType(s string) OrderType {
	if strings.EqualFold(s, "market") {
		return OrderTypeMarket
	}
	return OrderTypeLimit
}

// OrderStatus is the exchange-visible lifecycle state. The numeric values are
// persisted in the WAL and must not be reordered.
type OrderStatus uint8

const (
	OrderStatusNew OrderStatus = iota
	OrderStatusAccepted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusRejected
)

// IsTerminal reports whether no further transitions are permitted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	return s <= OrderStatusRejected
}

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "New"
	case OrderStatusAccepted:
		return "Accepted"
	case OrderStatusPartiallyFilled:
		return "PartiallyFilled"
	case OrderStatusFilled:
		return "Filled"
	case OrderStatusCanceled:
		return "Canceled"
	case OrderStatusRejected:
		return "Rejected"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// OrderIntent is a request to place an order. It is immutable once created.
type OrderIntent struct {
	AccountID     string
	StrategyID    string
	ClientOrderID string
	InstrumentID  string
	Side          Side
	Offset        Offset
	Type          OrderType
	Volume        int64
	Price         float64
	TsNs          int64
	TraceID       string
}

// OrderEvent is an exchange-originated update for a single order.
type OrderEvent struct {
	AccountID       string
	StrategyID      string
	ClientOrderID   string
	ExchangeOrderID string
	InstrumentID    string
	Side            Side
	Offset          Offset
	Status          OrderStatus
	TotalVolume     int64
	FilledVolume    int64
	AvgFillPrice    float64
	Reason          string
	TsNs            int64
	TraceID         string

	// Idempotency-relevant fields.
	OrderRef     string
	FrontID      int32
	SessionID    int32
	EventSource  string
	ExchangeTsNs int64
	TradeID      string

	// Per-fill quantities carried by trade events. Zero means unknown.
	TradeVolume int64
	TradePrice  float64

	// Order terms, filled in from the known order so logged events can
	// rebuild it.
	Type       OrderType
	LimitPrice float64
}

// Order is the OrderManager's view of an order.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	AccountID       string
	StrategyID      string
	InstrumentID    string
	Side            Side
	Offset          Offset
	Type            OrderType
	Price           float64
	TotalVolume     int64
	FilledVolume    int64
	AvgFillPrice    float64
	Status          OrderStatus
	Reason          string
	TraceID         string
	CreatedAtNs     int64
	UpdatedAtNs     int64
}

// IsActive reports whether the order can still trade.
func (o Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// OrderSnapshot is the state machine's copy-out view of an order.
type OrderSnapshot struct {
	ClientOrderID  string
	Status         OrderStatus
	TotalVolume    int64
	FilledVolume   int64
	IsTerminal     bool
	LastUpdateTsNs int64
}

// Trade is a single fill recorded by the OrderManager.
type Trade struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	AccountID       string
	StrategyID      string
	InstrumentID    string
	Side            Side
	Offset          Offset
	Volume          int64
	Price           float64
	EventSource     string
	TsNs            int64
}
