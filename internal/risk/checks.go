package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradecore/internal/schema"
)

// GlobalBucketKey keys token buckets of orders without a strategy id.
const GlobalBucketKey = "__global__"

// RegisterDefaultRules installs the built-in checkers. Order and cancel rate
// rules get independent bucket sets.
func RegisterDefaultRules(e *Executor) {
	e.RegisterRule(RuleMaxLossPerOrder, CheckFunc(checkMaxLossPerOrder))
	e.RegisterRule(RuleMaxOrderVolume, CheckFunc(checkMaxOrderVolume))
	e.RegisterRule(RuleMaxOrderRate, NewRateChecker("order rate"))
	e.RegisterRule(RuleMaxCancelRate, NewRateChecker("cancel rate"))
	e.RegisterRule(RuleMaxPositionPerInstrument, CheckFunc(checkMaxPosition))
	e.RegisterRule(RuleMaxTotalPosition, CheckFunc(checkMaxTotalPosition))
	e.RegisterRule(RuleMaxLeverage, CheckFunc(checkMaxLeverage))
	e.RegisterRule(RuleDailyLossLimit, CheckFunc(checkDailyLoss))
	e.RegisterRule(RuleSelfTradePrevention, CheckFunc(checkSelfTrade))
}

func checkMaxLossPerOrder(rule Rule, intent schema.OrderIntent, ctx Context) Result {
	if ctx.CurrentPrice <= 0 || intent.Price <= 0 {
		return Allow()
	}
	multiplier := ctx.ContractMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	loss := math.Abs(intent.Price-ctx.CurrentPrice) * float64(intent.Volume) * multiplier
	if loss > rule.Threshold {
		return Reject(rule, fmt.Sprintf("potential loss %.2f exceeds %.2f", loss, rule.Threshold), loss)
	}
	return Allow()
}

func checkMaxOrderVolume(rule Rule, intent schema.OrderIntent, _ Context) Result {
	if float64(intent.Volume) > rule.Threshold {
		return Reject(rule, fmt.Sprintf("order volume %d exceeds %.0f", intent.Volume, rule.Threshold), float64(intent.Volume))
	}
	return Allow()
}

func checkMaxPosition(rule Rule, _ schema.OrderIntent, ctx Context) Result {
	pos := math.Abs(float64(ctx.CurrentPosition))
	if pos > rule.Threshold {
		return Reject(rule, fmt.Sprintf("instrument position %.0f exceeds %.0f", pos, rule.Threshold), pos)
	}
	return Allow()
}

func checkMaxTotalPosition(rule Rule, _ schema.OrderIntent, ctx Context) Result {
	pos := math.Abs(float64(ctx.TotalPosition))
	if pos > rule.Threshold {
		return Reject(rule, fmt.Sprintf("total position %.0f exceeds %.0f", pos, rule.Threshold), pos)
	}
	return Allow()
}

func checkMaxLeverage(rule Rule, _ schema.OrderIntent, ctx Context) Result {
	if ctx.Leverage > rule.Threshold {
		return Reject(rule, fmt.Sprintf("leverage %.2f exceeds %.2f", ctx.Leverage, rule.Threshold), ctx.Leverage)
	}
	return Allow()
}

func checkDailyLoss(rule Rule, _ schema.OrderIntent, ctx Context) Result {
	if ctx.TodayPnl < 0 && -ctx.TodayPnl > rule.Threshold {
		return Reject(rule, fmt.Sprintf("daily loss %.2f exceeds %.2f", -ctx.TodayPnl, rule.Threshold), -ctx.TodayPnl)
	}
	return Allow()
}

// checkSelfTrade only guards opening orders. Market orders cross any resting
// order on the other side.
func checkSelfTrade(rule Rule, intent schema.OrderIntent, ctx Context) Result {
	if intent.Offset != schema.OffsetOpen {
		return Allow()
	}
	for _, o := range ctx.ActiveOrders {
		if o.ClientOrderID == intent.ClientOrderID || o.InstrumentID != intent.InstrumentID || !o.IsActive() {
			continue
		}
		if o.Side != intent.Side.Opposite() {
			continue
		}
		if crosses(intent.Side, intent.Type, intent.Price, o.Price) {
			return Reject(rule, fmt.Sprintf("crosses own resting order %s at %.4f", o.ClientOrderID, o.Price), o.Price)
		}
	}
	return Allow()
}

func crosses(side schema.Side, typ schema.OrderType, price, resting float64) bool {
	if typ == schema.OrderTypeMarket {
		return true
	}
	switch side {
	case schema.SideBuy:
		return price >= resting
	case schema.SideSell:
		return price <= resting
	default:
		return false
	}
}

// RateChecker enforces a token bucket per rule and strategy, refilled at
// Threshold tokens per second with a burst of at least one token.
type RateChecker struct {
	name string

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limit   float64
	limiter *rate.Limiter
}

// NewRateChecker creates a rate checker with its own bucket set.
func NewRateChecker(name string) *RateChecker {
	return &RateChecker{name: name, buckets: make(map[string]*bucket)}
}

func (c *RateChecker) Check(rule Rule, _ schema.OrderIntent, ctx Context) Result {
	return c.evaluate(rule, ctx, true)
}

// Peek reports whether a token is available without taking it.
func (c *RateChecker) Peek(rule Rule, _ schema.OrderIntent, ctx Context) Result {
	return c.evaluate(rule, ctx, false)
}

func (c *RateChecker) evaluate(rule Rule, ctx Context, consume bool) Result {
	if rule.Threshold <= 0 {
		return Allow()
	}
	key := ctx.StrategyID
	if key == "" {
		key = GlobalBucketKey
	}
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	if !c.allow(rule.ID+"/"+key, rule.Threshold, now, consume) {
		return Reject(rule, fmt.Sprintf("%s exceeds %.2f/s for %s", c.name, rule.Threshold, key), rule.Threshold)
	}
	return Allow()
}

func (c *RateChecker) allow(key string, limit float64, now time.Time, consume bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok || b.limit != limit {
		burst := int(math.Ceil(limit))
		if burst < 1 {
			burst = 1
		}
		b = &bucket{limit: limit, limiter: rate.NewLimiter(rate.Limit(limit), burst)}
		c.buckets[key] = b
	}
	if !consume {
		return b.limiter.TokensAt(now) >= 1
	}
	return b.limiter.AllowN(now, 1)
}
