package schema

// Severity ranks risk events.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RiskEvent is emitted on every risk rejection and every externally reported
// order rejection.
type RiskEvent struct {
	EventID       string
	AccountID     string
	StrategyID    string
	InstrumentID  string
	ClientOrderID string
	RuleType      string
	Severity      Severity
	Reason        string
	Limit         float64
	Observed      float64
	TsNs          int64
}

// Direction is the side of a held position.
type Direction uint8

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	if d == DirectionShort {
		return "short"
	}
	return "long"
}

// PositionRecord is the persisted summary of one position bucket.
type PositionRecord struct {
	AccountID    string
	InstrumentID string
	Direction    Direction
	DateBucket   string
	Position     int64
	Frozen       int64
	UpdatedAtNs  int64
}

// AccountRecord is the persisted account balance view.
type AccountRecord struct {
	AccountID   string
	TradingDay  string
	Balance     float64
	Available   float64
	Margin      float64
	DailyPnl    float64
	UpdatedAtNs int64
}

// PositionDetail is one open lot used for FIFO closing.
type PositionDetail struct {
	AccountID    string
	InstrumentID string
	Direction    Direction
	TradeID      string
	OpenPrice    float64
	Volume       int64
	OpenedAtNs   int64
}

// PositionDirection returns the position direction an order with side and
// offset opens or closes.
func PositionDirection(side Side, offset Offset) Direction {
	long := side == SideBuy
	if offset.IsClose() {
		long = !long
	}
	if long {
		return DirectionLong
	}
	return DirectionShort
}
