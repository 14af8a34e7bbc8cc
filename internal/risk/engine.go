package risk

import (
	"sync"

	"tradecore/internal/schema"
)

// Checker evaluates one rule kind.
type Checker interface {
	Check(rule Rule, intent schema.OrderIntent, ctx Context) Result
}

// Peeker is a stateful Checker that can be evaluated without consuming
// state. Check on a Peeker consumes.
type Peeker interface {
	Checker
	Peek(rule Rule, intent schema.OrderIntent, ctx Context) Result
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(rule Rule, intent schema.OrderIntent, ctx Context) Result

func (f CheckFunc) Check(rule Rule, intent schema.OrderIntent, ctx Context) Result {
	return f(rule, intent, ctx)
}

// Executor dispatches a rule to the checker registered for its type. Rule
// types without a checker pass, so a missing handler never blocks trading.
type Executor struct {
	mu       sync.RWMutex
	checkers map[RuleType]Checker
}

// NewExecutor creates an executor with no checkers.
func NewExecutor() *Executor {
	return &Executor{checkers: make(map[RuleType]Checker)}
}

// NewDefaultExecutor creates an executor with every built-in checker
// registered.
func NewDefaultExecutor() *Executor {
	e := NewExecutor()
	RegisterDefaultRules(e)
	return e
}

// RegisterRule installs or replaces the checker for t.
func (e *Executor) RegisterRule(t RuleType, c Checker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c == nil {
		delete(e.checkers, t)
		return
	}
	e.checkers[t] = c
}

// Registered reports whether t has a checker.
func (e *Executor) Registered(t RuleType) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.checkers[t]
	return ok
}

// Execute evaluates rule against the intent.
func (e *Executor) Execute(rule Rule, intent schema.OrderIntent, ctx Context) Result {
	c, ok := e.checker(rule.Type)
	if !ok {
		return Allow()
	}
	return c.Check(rule, intent, ctx)
}

// Peek evaluates rule like Execute but leaves stateful checkers untouched.
func (e *Executor) Peek(rule Rule, intent schema.OrderIntent, ctx Context) Result {
	c, ok := e.checker(rule.Type)
	if !ok {
		return Allow()
	}
	if p, ok := c.(Peeker); ok {
		return p.Peek(rule, intent, ctx)
	}
	return c.Check(rule, intent, ctx)
}

// Commit consumes the state of a stateful checker. Stateless checkers pass.
func (e *Executor) Commit(rule Rule, intent schema.OrderIntent, ctx Context) Result {
	c, ok := e.checker(rule.Type)
	if !ok {
		return Allow()
	}
	if _, ok := c.(Peeker); !ok {
		return Allow()
	}
	return c.Check(rule, intent, ctx)
}

func (e *Executor) checker(t RuleType) (Checker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.checkers[t]
	return c, ok
}
