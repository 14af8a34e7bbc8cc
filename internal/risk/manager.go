package risk

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// RuleTypeOrderRejected tags risk events raised for orders the exchange
// rejected.
const RuleTypeOrderRejected = "ORDER_REJECTED"

// EventStore persists risk events.
type EventStore interface {
	AppendRiskEvent(ctx context.Context, event schema.RiskEvent) error
}

// EventCallback receives every emitted risk event.
type EventCallback func(event schema.RiskEvent)

// ManagerConfig controls rule loading.
type ManagerConfig struct {
	// RuleFile is optional. When empty the rules are built from Defaults.
	RuleFile       string
	ReloadInterval time.Duration
	Defaults       Limits
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 5 * time.Second
	}
	return c
}

// Manager selects, orders and evaluates risk rules, emits risk events and
// keeps daily loss accumulators.
type Manager struct {
	cfg      ManagerConfig
	executor *Executor

	mu          sync.RWMutex
	rules       []Rule
	ruleModTime time.Time

	callback EventCallback
	store    EventStore
	metrics  *obs.Metrics
	now      func() time.Time

	accMu                sync.Mutex
	dailyLossAccumulated float64
	dailyCommission      float64

	started atomic.Bool
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewManager loads the rule file, or the default limits when no file is set.
func NewManager(cfg ManagerConfig, executor *Executor) (*Manager, error) {
	if executor == nil {
		return nil, exception.ErrRiskNilExecutor
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		executor: executor,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if cfg.RuleFile == "" {
		m.SetRules(cfg.Defaults.Rules("config"))
		return m, nil
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// WithCallback sets the risk event callback.
func (m *Manager) WithCallback(cb EventCallback) *Manager {
	m.callback = cb
	return m
}

// WithStore sets the risk event store.
func (m *Manager) WithStore(s EventStore) *Manager {
	m.store = s
	return m
}

// WithMetrics sets the metrics container.
func (m *Manager) WithMetrics(metrics *obs.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithClock swaps the clock used when a context carries no time.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// SetRules replaces the active rule set.
func (m *Manager) SetRules(rules []Rule) {
	sorted := sortRules(rules)
	m.mu.Lock()
	m.rules = sorted
	m.mu.Unlock()
}

// Rules returns the active rules in evaluation order.
func (m *Manager) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Reload reads the rule file again. On failure the previous rules stay.
func (m *Manager) Reload() error {
	if m.cfg.RuleFile == "" {
		return exception.ErrRiskRuleFileEmpty
	}
	info, err := os.Stat(m.cfg.RuleFile)
	if err != nil {
		return errors.Wrap(err, "stat rule file")
	}
	rules, err := LoadRuleFile(m.cfg.RuleFile)
	if err != nil {
		return err
	}
	sorted := sortRules(rules)
	m.mu.Lock()
	m.rules = sorted
	m.ruleModTime = info.ModTime()
	m.mu.Unlock()
	logs.Infof("risk rules loaded, path: %s, rules: %d", m.cfg.RuleFile, len(sorted))
	return nil
}

// Start launches the rule file watcher. It is a no-op without a rule file.
func (m *Manager) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return exception.ErrRiskManagerStarted
	}
	if m.cfg.RuleFile == "" {
		return nil
	}
	m.wg.Add(1)
	go m.watchRules()
	return nil
}

// Close stops the watcher and waits for it to exit.
func (m *Manager) Close() {
	m.stopped.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) watchRules() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			info, err := os.Stat(m.cfg.RuleFile)
			if err != nil {
				logs.Warnf("risk rule file stat failed, path: %s, err: %+v", m.cfg.RuleFile, err)
				continue
			}
			m.mu.RLock()
			last := m.ruleModTime
			m.mu.RUnlock()
			if !info.ModTime().After(last) {
				continue
			}
			if err := m.Reload(); err != nil {
				logs.Errorf("risk rule reload failed, keeping previous rules, err: %+v", err)
				m.mu.Lock()
				m.ruleModTime = info.ModTime()
				m.mu.Unlock()
			}
		}
	}
}

// CheckOrder evaluates every matching order rule and returns the first
// rejection.
func (m *Manager) CheckOrder(ctx context.Context, intent schema.OrderIntent, rc Context) Result {
	if rc.StrategyID == "" {
		rc.StrategyID = intent.StrategyID
	}
	if rc.InstrumentID == "" {
		rc.InstrumentID = intent.InstrumentID
	}
	if rc.AccountID == "" {
		rc.AccountID = intent.AccountID
	}
	return m.evaluate(ctx, intent, rc, func(t RuleType) bool { return t != RuleMaxCancelRate })
}

// CheckCancel evaluates the cancel rate rules for a cancel request.
func (m *Manager) CheckCancel(ctx context.Context, clientOrderID string, rc Context) Result {
	intent := schema.OrderIntent{
		AccountID:     rc.AccountID,
		StrategyID:    rc.StrategyID,
		InstrumentID:  rc.InstrumentID,
		ClientOrderID: clientOrderID,
	}
	return m.evaluate(ctx, intent, rc, func(t RuleType) bool { return t == RuleMaxCancelRate })
}

func (m *Manager) evaluate(ctx context.Context, intent schema.OrderIntent, rc Context, include func(RuleType) bool) Result {
	start := time.Now()
	defer func() { m.metrics.ObserveRiskEval(time.Since(start)) }()

	if rc.Now.IsZero() {
		rc.Now = m.now()
	}

	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	selected := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled || !include(rule.Type) {
			continue
		}
		if !rule.Matches(rc.StrategyID, rc.InstrumentID) || !rule.TimeRange.Contains(rc.Now) {
			continue
		}
		if res := m.executor.Peek(rule, intent, rc); !res.Allowed {
			return m.reject(ctx, rule, intent, rc, res)
		}
		selected = append(selected, rule)
	}
	// Rate tokens are taken only once every rule passed.
	for _, rule := range selected {
		if res := m.executor.Commit(rule, intent, rc); !res.Allowed {
			return m.reject(ctx, rule, intent, rc, res)
		}
	}
	return Allow()
}

func (m *Manager) reject(ctx context.Context, rule Rule, intent schema.OrderIntent, rc Context, res Result) Result {
	m.metrics.IncRiskReject(rule.Type.String())
	m.emit(ctx, schema.RiskEvent{
		AccountID:     rc.AccountID,
		StrategyID:    rc.StrategyID,
		InstrumentID:  rc.InstrumentID,
		ClientOrderID: intent.ClientOrderID,
		RuleType:      rule.Type.String(),
		Severity:      severityOf(rule.Type),
		Reason:        res.Reason,
		Limit:         res.Limit,
		Observed:      res.Observed,
		TsNs:          rc.Now.UnixNano(),
	})
	return res
}

// OnOrderRejected records an exchange-side order rejection as a risk event.
func (m *Manager) OnOrderRejected(ctx context.Context, event schema.OrderEvent) {
	ts := event.TsNs
	if ts == 0 {
		ts = m.now().UnixNano()
	}
	m.emit(ctx, schema.RiskEvent{
		AccountID:     event.AccountID,
		StrategyID:    event.StrategyID,
		InstrumentID:  event.InstrumentID,
		ClientOrderID: event.ClientOrderID,
		RuleType:      RuleTypeOrderRejected,
		Severity:      schema.SeverityWarning,
		Reason:        event.Reason,
		TsNs:          ts,
	})
}

// OnSelfTradeRejected records a self-trade engine rejection as a risk event.
func (m *Manager) OnSelfTradeRejected(ctx context.Context, intent schema.OrderIntent, decision SelfTradeDecision) {
	ts := intent.TsNs
	if ts == 0 {
		ts = m.now().UnixNano()
	}
	m.metrics.IncRiskReject(RuleSelfTradePrevention.String())
	m.emit(ctx, schema.RiskEvent{
		AccountID:     intent.AccountID,
		StrategyID:    intent.StrategyID,
		InstrumentID:  intent.InstrumentID,
		ClientOrderID: intent.ClientOrderID,
		RuleType:      RuleSelfTradePrevention.String(),
		Severity:      schema.SeverityCritical,
		Reason:        decision.Reason,
		Limit:         decision.Threshold,
		Observed:      decision.Observed,
		TsNs:          ts,
	})
}

// OnTrade accumulates the realized loss and commission of a fill. These
// accumulators are not read by DAILY_LOSS_LIMIT, which uses Context.TodayPnl.
func (m *Manager) OnTrade(realizedPnl, commission float64) {
	m.accMu.Lock()
	defer m.accMu.Unlock()
	if realizedPnl < 0 {
		m.dailyLossAccumulated -= realizedPnl
	}
	m.dailyCommission += commission
}

// DailyLossAccumulated returns the realized loss since the last reset.
func (m *Manager) DailyLossAccumulated() float64 {
	m.accMu.Lock()
	defer m.accMu.Unlock()
	return m.dailyLossAccumulated
}

// DailyCommission returns the commission since the last reset.
func (m *Manager) DailyCommission() float64 {
	m.accMu.Lock()
	defer m.accMu.Unlock()
	return m.dailyCommission
}

// ResetDaily clears the daily accumulators.
func (m *Manager) ResetDaily() {
	m.accMu.Lock()
	defer m.accMu.Unlock()
	m.dailyLossAccumulated = 0
	m.dailyCommission = 0
}

func (m *Manager) emit(ctx context.Context, event schema.RiskEvent) {
	event.EventID = uuid.NewString()
	logs.Warnf("risk event, rule: %s, strategy: %s, instrument: %s, order: %s, reason: %s",
		event.RuleType, event.StrategyID, event.InstrumentID, event.ClientOrderID, event.Reason)
	if m.callback != nil {
		m.callback(event)
	}
	if m.store != nil {
		if err := m.store.AppendRiskEvent(ctx, event); err != nil {
			m.metrics.IncStoreError()
			logs.Warnf("append risk event, event_id: %s, err: %+v", event.EventID, err)
		}
	}
}

func severityOf(t RuleType) schema.Severity {
	switch t {
	case RuleDailyLossLimit, RuleSelfTradePrevention, RuleMaxLeverage:
		return schema.SeverityCritical
	default:
		return schema.SeverityWarning
	}
}

// sortRules orders by priority ascending, then specificity descending.
func sortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Specificity() > out[j].Specificity()
	})
	return out
}
