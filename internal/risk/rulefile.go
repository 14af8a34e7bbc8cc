package risk

import (
	"fmt"
	"os"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"tradecore/pkg/exception"
)

// DefaultPriority is used by rules that do not set a priority.
const DefaultPriority = 100

// Limits is one set of thresholds. Zero disables a limit.
type Limits struct {
	MaxLossPerOrder          float64 `yaml:"max_loss_per_order" mapstructure:"max_loss_per_order"`
	MaxOrderVolume           float64 `yaml:"max_order_volume" mapstructure:"max_order_volume"`
	MaxOrderRate             float64 `yaml:"max_order_rate" mapstructure:"max_order_rate"`
	MaxCancelRate            float64 `yaml:"max_cancel_rate" mapstructure:"max_cancel_rate"`
	MaxPositionPerInstrument float64 `yaml:"max_position_per_instrument" mapstructure:"max_position_per_instrument"`
	MaxTotalPosition         float64 `yaml:"max_total_position" mapstructure:"max_total_position"`
	MaxLeverage              float64 `yaml:"max_leverage" mapstructure:"max_leverage"`
	DailyLossLimit           float64 `yaml:"daily_loss_limit" mapstructure:"daily_loss_limit"`
	MaxDailyLoss             float64 `yaml:"max_daily_loss" mapstructure:"max_daily_loss"`
	SelfTradePrevention      bool    `yaml:"self_trade_prevention" mapstructure:"self_trade_prevention"`
}

type ruleSection struct {
	ID           string `yaml:"id"`
	InstrumentID string `yaml:"instrument_id"`
	Priority     int    `yaml:"priority"`
	TimeRange    string `yaml:"time_range"`
	Limits       `yaml:",inline"`
}

type ruleFile struct {
	Global     ruleSection   `yaml:"global"`
	Strategies []ruleSection `yaml:"strategies"`
}

// LoadRuleFile reads and parses a rule file.
func LoadRuleFile(path string) ([]Rule, error) {
	if path == "" {
		return nil, exception.ErrRiskRuleFileEmpty
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read rule file")
	}
	return ParseRules(data)
}

// ParseRules parses the rule file format:
//
//	global:
//	  max_order_volume: 100
//	  self_trade_prevention: true
//	strategies:
//	  - id: s1
//	    max_order_rate: 5
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", exception.ErrRiskRuleFileParse, err)
	}

	rules, err := f.Global.rules("global", "")
	if err != nil {
		return nil, err
	}
	for i, s := range f.Strategies {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: strategy entry %d has no id", exception.ErrRiskInvalidRule, i)
		}
		scoped, err := s.rules("strategy:"+s.ID, s.ID)
		if err != nil {
			return nil, err
		}
		rules = append(rules, scoped...)
	}
	return rules, nil
}

func (s ruleSection) rules(prefix, strategyID string) ([]Rule, error) {
	var tr *TimeRange
	if s.TimeRange != "" {
		parsed, err := ParseTimeRange(s.TimeRange)
		if err != nil {
			return nil, err
		}
		tr = parsed
	}
	priority := s.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	out := s.Limits.Rules(prefix)
	for i := range out {
		out[i].StrategyID = strategyID
		out[i].InstrumentID = s.InstrumentID
		out[i].Priority = priority
		out[i].TimeRange = tr
	}
	return out, nil
}

// Rules expands the limits into enabled wildcard rules with ids prefix:type.
func (l Limits) Rules(prefix string) []Rule {
	dailyLoss := l.DailyLossLimit
	if dailyLoss <= 0 {
		dailyLoss = l.MaxDailyLoss
	}
	candidates := []struct {
		t RuleType
		v float64
	}{
		{RuleMaxLossPerOrder, l.MaxLossPerOrder},
		{RuleMaxOrderVolume, l.MaxOrderVolume},
		{RuleMaxOrderRate, l.MaxOrderRate},
		{RuleMaxCancelRate, l.MaxCancelRate},
		{RuleMaxPositionPerInstrument, l.MaxPositionPerInstrument},
		{RuleMaxTotalPosition, l.MaxTotalPosition},
		{RuleMaxLeverage, l.MaxLeverage},
		{RuleDailyLossLimit, dailyLoss},
	}
	if l.SelfTradePrevention {
		candidates = append(candidates, struct {
			t RuleType
			v float64
		}{RuleSelfTradePrevention, 1})
	}

	out := make([]Rule, 0, len(candidates))
	for _, c := range candidates {
		if c.v <= 0 {
			continue
		}
		out = append(out, Rule{
			ID:        prefix + ":" + c.t.String(),
			Type:      c.t,
			Threshold: c.v,
			Enabled:   true,
			Priority:  DefaultPriority,
		})
	}
	return out
}
