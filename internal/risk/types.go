package risk

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// RuleType enumerates the threshold kinds a rule can enforce.
type RuleType uint8

const (
	RuleUnknown RuleType = iota
	RuleMaxLossPerOrder
	RuleMaxOrderVolume
	RuleMaxOrderRate
	RuleMaxCancelRate
	RuleMaxPositionPerInstrument
	RuleMaxTotalPosition
	RuleMaxLeverage
	RuleDailyLossLimit
	RuleSelfTradePrevention
)

var ruleTypeNames = map[RuleType]string{
	RuleMaxLossPerOrder:          "MAX_LOSS_PER_ORDER",
	RuleMaxOrderVolume:           "MAX_ORDER_VOLUME",
	RuleMaxOrderRate:             "MAX_ORDER_RATE",
	RuleMaxCancelRate:            "MAX_CANCEL_RATE",
	RuleMaxPositionPerInstrument: "MAX_POSITION_PER_INSTRUMENT",
	RuleMaxTotalPosition:         "MAX_TOTAL_POSITION",
	RuleMaxLeverage:              "MAX_LEVERAGE",
	RuleDailyLossLimit:           "DAILY_LOSS_LIMIT",
	RuleSelfTradePrevention:      "SELF_TRADE_PREVENTION",
}

func (t RuleType) String() string {
	if name, ok := ruleTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseRuleType resolves a rule type name such as "MAX_ORDER_VOLUME".
func ParseRuleType(name string) (RuleType, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for t, n := range ruleTypeNames {
		if n == name {
			return t, true
		}
	}
	return RuleUnknown, false
}

// TimeRange restricts a rule to a window of the day, in minutes since
// midnight. End before Start wraps past midnight.
type TimeRange struct {
	Start int
	End   int
}

// ParseTimeRange parses "HH:MM-HH:MM".
func ParseTimeRange(s string) (*TimeRange, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %q", exception.ErrRiskInvalidTimeRange, s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", exception.ErrRiskInvalidTimeRange, s)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", exception.ErrRiskInvalidTimeRange, s)
	}
	return &TimeRange{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hm := strings.Split(strings.TrimSpace(s), ":")
	if len(hm) != 2 {
		return 0, exception.ErrRiskInvalidTimeRange
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 23 {
		return 0, exception.ErrRiskInvalidTimeRange
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 {
		return 0, exception.ErrRiskInvalidTimeRange
	}
	return h*60 + m, nil
}

// Contains reports whether t falls inside the range, inclusive of both ends.
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if r.Start <= r.End {
		return m >= r.Start && m <= r.End
	}
	return m >= r.Start || m <= r.End
}

// Rule is one configured limit.
type Rule struct {
	ID           string
	Type         RuleType
	StrategyID   string
	InstrumentID string
	Threshold    float64
	Enabled      bool
	Priority     int
	TimeRange    *TimeRange
}

// Specificity ranks scoped rules ahead of wildcard rules.
func (r Rule) Specificity() int {
	s := 0
	if r.StrategyID != "" {
		s += 2
	}
	if r.InstrumentID != "" {
		s++
	}
	return s
}

// Matches reports whether the rule scope covers the strategy and instrument.
// An empty scope is a wildcard.
func (r Rule) Matches(strategyID, instrumentID string) bool {
	if r.StrategyID != "" && r.StrategyID != strategyID {
		return false
	}
	if r.InstrumentID != "" && r.InstrumentID != instrumentID {
		return false
	}
	return true
}

// Context carries the account state a check needs.
type Context struct {
	AccountID          string
	StrategyID         string
	InstrumentID       string
	CurrentPrice       float64
	ContractMultiplier float64
	CurrentPosition    int64
	TotalPosition      int64
	TodayPnl           float64
	Leverage           float64
	ActiveOrders       []schema.Order
	Now                time.Time
}

// Result is the outcome of a risk check.
type Result struct {
	Allowed  bool
	RuleID   string
	RuleType RuleType
	Reason   string
	Limit    float64
	Observed float64
}

// Allow returns an allowing result.
func Allow() Result {
	return Result{Allowed: true}
}

// Reject returns a rejecting result for rule.
func Reject(rule Rule, reason string, observed float64) Result {
	return Result{
		RuleID:   rule.ID,
		RuleType: rule.Type,
		Reason:   reason,
		Limit:    rule.Threshold,
		Observed: observed,
	}
}
