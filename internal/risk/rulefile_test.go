package risk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/exception"
)

const sampleRules = `
global:
  max_order_volume: 100
  max_order_rate: 20
  max_daily_loss: 5000
  self_trade_prevention: true
strategies:
  - id: s1
    max_order_volume: 5
    max_cancel_rate: 2
  - id: s2
    instrument_id: rb2410
    priority: 10
    time_range: "09:00-15:00"
    max_position_per_instrument: 30
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)

	byID := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	require.Len(t, byID, 7)

	global := byID["global:MAX_ORDER_VOLUME"]
	assert.Equal(t, RuleMaxOrderVolume, global.Type)
	assert.Equal(t, 100.0, global.Threshold)
	assert.Empty(t, global.StrategyID)
	assert.Equal(t, DefaultPriority, global.Priority)

	assert.Equal(t, 5000.0, byID["global:DAILY_LOSS_LIMIT"].Threshold)
	assert.True(t, byID["global:SELF_TRADE_PREVENTION"].Enabled)

	s1 := byID["strategy:s1:MAX_ORDER_VOLUME"]
	assert.Equal(t, "s1", s1.StrategyID)
	assert.Equal(t, 5.0, s1.Threshold)
	assert.Equal(t, RuleMaxCancelRate, byID["strategy:s1:MAX_CANCEL_RATE"].Type)

	s2 := byID["strategy:s2:MAX_POSITION_PER_INSTRUMENT"]
	assert.Equal(t, "rb2410", s2.InstrumentID)
	assert.Equal(t, 10, s2.Priority)
	require.NotNil(t, s2.TimeRange)
	assert.Equal(t, 9*60, s2.TimeRange.Start)
}

func TestParseRulesErrors(t *testing.T) {
	_, err := ParseRules([]byte("global: [1, 2"))
	require.ErrorIs(t, err, exception.ErrRiskRuleFileParse)

	_, err = ParseRules([]byte("strategies:\n  - max_order_volume: 1\n"))
	require.Error(t, err)

	_, err = ParseRules([]byte("global:\n  time_range: \"bad\"\n  max_order_volume: 1\n"))
	require.ErrorIs(t, err, exception.ErrRiskInvalidTimeRange)

	_, err = LoadRuleFile("")
	require.ErrorIs(t, err, exception.ErrRiskRuleFileEmpty)
}

func TestLoadRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))
	rules, err := LoadRuleFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 7)
}

func TestLimitsRulesSkipsUnset(t *testing.T) {
	rules := Limits{MaxOrderVolume: 3}.Rules("config")
	require.Len(t, rules, 1)
	assert.Equal(t, "config:MAX_ORDER_VOLUME", rules[0].ID)
	assert.True(t, rules[0].Enabled)
}
