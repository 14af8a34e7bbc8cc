package ctp

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// MarginPriceType selects the reference price used for position margin.
type MarginPriceType int

const (
	MarginPricePreSettlement MarginPriceType = 1
	MarginPriceSettlement    MarginPriceType = 2
	MarginPriceAverage       MarginPriceType = 3
	MarginPriceOpen          MarginPriceType = 4
)

// PriceSet holds the candidate margin reference prices of an instrument.
type PriceSet struct {
	PreSettlement float64
	Settlement    float64
	Average       float64
	Open          float64
}

// ResolveMarginPrice returns the price selected by t. A non-positive
// selection falls back through settlement, pre-settlement, average and open.
func ResolveMarginPrice(t MarginPriceType, p PriceSet) (float64, error) {
	var selected float64
	switch t {
	case MarginPricePreSettlement:
		selected = p.PreSettlement
	case MarginPriceSettlement:
		selected = p.Settlement
	case MarginPriceAverage:
		selected = p.Average
	case MarginPriceOpen:
		selected = p.Open
	default:
		return 0, exception.ErrLedgerInvalidMarginType
	}
	if selected > 0 {
		return selected, nil
	}
	for _, fallback := range []float64{p.Settlement, p.PreSettlement, p.Average, p.Open} {
		if fallback > 0 {
			return fallback, nil
		}
	}
	return 0, nil
}

// PositionMargin is price * |volume| * multiplier * rate.
func PositionMargin(price float64, volume int64, multiplier, rate float64) decimal.Decimal {
	if volume < 0 {
		volume = -volume
	}
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(volume)).
		Mul(decimal.NewFromFloat(multiplier)).
		Mul(decimal.NewFromFloat(rate))
}

// MarginInput describes one position for a margin recomputation.
type MarginInput struct {
	InstrumentID string
	Volume       int64
	Multiplier   float64
	Rate         float64
	Prices       PriceSet
}

type account struct {
	tradingDay  string
	balance     decimal.Decimal
	available   decimal.Decimal
	margin      decimal.Decimal
	dailyPnl    decimal.Decimal
	updatedAtNs int64
}

// AccountLedger tracks balance, margin and daily pnl per account.
type AccountLedger struct {
	mu       sync.Mutex
	accounts map[string]*account
	now      func() int64
}

// NewAccountLedger creates an empty account ledger.
func NewAccountLedger() *AccountLedger {
	return &AccountLedger{
		accounts: make(map[string]*account),
		now:      func() int64 { return time.Now().UTC().UnixNano() },
	}
}

// Open sets the starting balance of an account for a trading day. Available
// is the balance minus the current margin.
func (l *AccountLedger) Open(accountID, tradingDay string, balance float64) error {
	if accountID == "" {
		return exception.ErrLedgerInvalidKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		a = &account{}
		l.accounts[accountID] = a
	}
	a.tradingDay = tradingDay
	a.balance = decimal.NewFromFloat(balance)
	a.available = a.balance.Sub(a.margin)
	a.dailyPnl = decimal.Zero
	a.updatedAtNs = l.now()
	return nil
}

// Remargin recomputes the account margin from its positions and adjusts
// available accordingly. It returns the new margin.
func (l *AccountLedger) Remargin(accountID string, priceType MarginPriceType, positions []MarginInput) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range positions {
		price, err := ResolveMarginPrice(priceType, p.Prices)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(PositionMargin(price, p.Volume, p.Multiplier, p.Rate))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, exception.ErrLedgerUnknownAccount
	}
	a.available = a.available.Add(a.margin).Sub(total)
	a.margin = total
	a.updatedAtNs = l.now()
	return total, nil
}

// MarkToMarket applies (newSettlement - prevSettlement) * netPosition *
// multiplier to balance, available and daily pnl. A different trading day
// rolls the account over first, resetting daily pnl.
func (l *AccountLedger) MarkToMarket(accountID, tradingDay string, prevSettlement, newSettlement float64, netPosition int64, multiplier float64) (decimal.Decimal, error) {
	pnl := decimal.NewFromFloat(newSettlement).
		Sub(decimal.NewFromFloat(prevSettlement)).
		Mul(decimal.NewFromInt(netPosition)).
		Mul(decimal.NewFromFloat(multiplier))

	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, exception.ErrLedgerUnknownAccount
	}
	if tradingDay != "" && tradingDay != a.tradingDay {
		a.tradingDay = tradingDay
		a.dailyPnl = decimal.Zero
	}
	a.balance = a.balance.Add(pnl)
	a.available = a.available.Add(pnl)
	a.dailyPnl = a.dailyPnl.Add(pnl)
	a.updatedAtNs = l.now()
	return pnl, nil
}

// ApplyRealized books the realized pnl of a fill net of commission into
// balance, available and daily pnl.
func (l *AccountLedger) ApplyRealized(accountID string, realizedPnl, commission float64) (decimal.Decimal, error) {
	net := decimal.NewFromFloat(realizedPnl).Sub(decimal.NewFromFloat(commission))

	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, exception.ErrLedgerUnknownAccount
	}
	a.balance = a.balance.Add(net)
	a.available = a.available.Add(net)
	a.dailyPnl = a.dailyPnl.Add(net)
	a.updatedAtNs = l.now()
	return net, nil
}

// Rollover starts a new trading day, resetting daily pnl.
func (l *AccountLedger) Rollover(accountID, tradingDay string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return exception.ErrLedgerUnknownAccount
	}
	if a.tradingDay != tradingDay {
		a.tradingDay = tradingDay
		a.dailyPnl = decimal.Zero
		a.updatedAtNs = l.now()
	}
	return nil
}

// TodayPnl returns the daily pnl of an account.
func (l *AccountLedger) TodayPnl(accountID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return 0
	}
	return a.dailyPnl.InexactFloat64()
}

// Leverage returns margin over balance, or zero without a positive balance.
func (l *AccountLedger) Leverage(accountID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok || !a.balance.IsPositive() {
		return 0
	}
	return a.margin.Div(a.balance).InexactFloat64()
}

// Record returns the account as a persisted record.
func (l *AccountLedger) Record(accountID string) (schema.AccountRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return schema.AccountRecord{}, false
	}
	return a.record(accountID), true
}

// Records returns every account sorted by id.
func (l *AccountLedger) Records() []schema.AccountRecord {
	l.mu.Lock()
	out := make([]schema.AccountRecord, 0, len(l.accounts))
	for id, a := range l.accounts {
		out = append(out, a.record(id))
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (a *account) record(accountID string) schema.AccountRecord {
	return schema.AccountRecord{
		AccountID:   accountID,
		TradingDay:  a.tradingDay,
		Balance:     a.balance.InexactFloat64(),
		Available:   a.available.InexactFloat64(),
		Margin:      a.margin.InexactFloat64(),
		DailyPnl:    a.dailyPnl.InexactFloat64(),
		UpdatedAtNs: a.updatedAtNs,
	}
}
