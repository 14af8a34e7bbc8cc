package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/ctp"
	"tradecore/internal/obs"
	"tradecore/internal/og"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/pkg/exception"
)

// Instrument holds per-contract constants.
type Instrument struct {
	Multiplier float64
	MarginRate float64
}

// Config controls the engine.
type Config struct {
	AccountID        string
	TradingDay       string
	InitialBalance   float64
	Instruments      map[string]Instrument
	CommissionPerLot float64
}

// RolloverSink records trading day boundaries.
type RolloverSink interface {
	AppendRollover(tradingDay string, tsNs int64) error
}

// Deps are the components driven by the engine. Orders and Risk are
// required, the rest default to fresh in-memory instances.
type Deps struct {
	Orders    *og.Manager
	Risk      *risk.Manager
	SelfTrade *risk.SelfTradeEngine
	Portfolio *state.PortfolioLedger
	Positions *ctp.PositionLedger
	Accounts  *ctp.AccountLedger
	Store     store.DomainStore
	Rollover  RolloverSink
	Metrics   *obs.Metrics
}

type costKey struct {
	accountID    string
	instrumentID string
	direction    schema.Direction
}

type costBasis struct {
	volume   int64
	avgPrice float64
}

// Engine runs the order flow of one account: intents pass the self-trade
// engine and the risk rules before reaching the order manager, exchange
// callbacks update orders, positions and pnl.
type Engine struct {
	cfg Config

	orders    *og.Manager
	risk      *risk.Manager
	selfTrade *risk.SelfTradeEngine
	portfolio *state.PortfolioLedger
	positions *ctp.PositionLedger
	accounts  *ctp.AccountLedger
	store     store.DomainStore
	rollover  RolloverSink
	metrics   *obs.Metrics

	mu         sync.Mutex
	lastPrices map[string]float64
	costs      map[costKey]*costBasis
}

// NewEngine wires deps and opens the configured account.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Orders == nil || deps.Risk == nil {
		return nil, exception.ErrNilInstance
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("%w: empty account id", exception.ErrConfigInvalid)
	}
	if deps.SelfTrade == nil {
		deps.SelfTrade = risk.NewSelfTradeEngine(risk.SelfTradeConfig{})
	}
	if deps.Portfolio == nil {
		deps.Portfolio = state.NewPortfolioLedger()
		deps.Orders.WithLedger(deps.Portfolio)
	}
	if deps.Positions == nil {
		deps.Positions = ctp.NewPositionLedger()
	}
	if deps.Accounts == nil {
		deps.Accounts = ctp.NewAccountLedger()
	}
	if deps.Metrics == nil {
		deps.Metrics = deps.Orders.Metrics()
	}
	if _, ok := deps.Accounts.Record(cfg.AccountID); !ok {
		if err := deps.Accounts.Open(cfg.AccountID, cfg.TradingDay, cfg.InitialBalance); err != nil {
			return nil, err
		}
	}

	instruments := make(map[string]Instrument, len(cfg.Instruments))
	for id, inst := range cfg.Instruments {
		instruments[strings.ToLower(id)] = inst
	}
	cfg.Instruments = instruments

	return &Engine{
		cfg:        cfg,
		orders:     deps.Orders,
		risk:       deps.Risk,
		selfTrade:  deps.SelfTrade,
		portfolio:  deps.Portfolio,
		positions:  deps.Positions,
		accounts:   deps.Accounts,
		store:      deps.Store,
		rollover:   deps.Rollover,
		metrics:    deps.Metrics,
		lastPrices: make(map[string]float64),
		costs:      make(map[costKey]*costBasis),
	}, nil
}

// Recover rebuilds orders, portfolio positions and the open cost basis from
// the WAL at path, seeds the CTP position buckets from the domain store and
// re-registers every live order with the CTP ledger and the self-trade
// engine. It must run before any live traffic.
func (e *Engine) Recover(ctx context.Context, walPath string) (state.ReplayStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := state.NewReplayLoader(e.orders, e.portfolio, replayCosts{e}).WithMetrics(e.metrics)
	stats, err := loader.Replay(ctx, walPath)
	if err != nil {
		return stats, err
	}
	if e.store != nil {
		records, err := e.store.LoadPositionSummary(ctx, e.cfg.AccountID)
		if err != nil {
			logs.Warnf("load position summary, account: %s, err: %+v", e.cfg.AccountID, err)
		} else {
			// Frozen volume is rebuilt from the live orders below.
			for i := range records {
				records[i].Frozen = 0
			}
			if err := e.positions.LoadRecords(records); err != nil {
				return stats, err
			}
		}
	}

	live := e.orders.GetActiveOrders()
	touched := make(map[[2]string]struct{}, len(live))
	for _, o := range live {
		intent := intentOf(o)
		if err := e.positions.RestoreOrder(intent, o.FilledVolume); err != nil {
			logs.Errorf("restore ctp order, client_order_id: %s, err: %+v", o.ClientOrderID, err)
		}
		intent.Volume = o.TotalVolume - o.FilledVolume
		e.selfTrade.RecordAcceptedOrder(intent)
		touched[[2]string{o.AccountID, o.InstrumentID}] = struct{}{}
	}
	for k := range touched {
		e.persistPositionsLocked(ctx, k[0], k[1])
	}

	logs.Infof("recovered from wal, path: %s, lines: %d, orders: %d, trades: %d, parse errors: %d, last seq: %d, live orders: %d",
		walPath, stats.Lines, stats.OrderRecords, stats.TradeRecords, stats.ParseErrors, stats.LastSeq, len(live))
	return stats, nil
}

// replayCosts rebuilds the open cost basis from logged trade lines. Realized
// pnl is already in the account and is not booked again.
type replayCosts struct {
	e *Engine
}

func (r replayCosts) OnOrderEvent(event schema.OrderEvent) error {
	if event.TradeVolume <= 0 || event.TradePrice <= 0 {
		return nil
	}
	r.e.bookTradeLocked(schema.Trade{
		TradeID:      event.TradeID,
		AccountID:    event.AccountID,
		InstrumentID: event.InstrumentID,
		Side:         event.Side,
		Offset:       event.Offset,
		Volume:       event.TradeVolume,
		Price:        event.TradePrice,
	})
	return nil
}

// Run consumes q until ctx is done or q is closed and drained.
func (e *Engine) Run(ctx context.Context, q *bus.Queue) {
	q.Run(ctx, func(msg bus.Message) {
		if err := e.Handle(ctx, msg); err != nil {
			logs.Warnf("handle %s message, client_order_id: %s, err: %+v", msg.Kind, msg.ClientOrderID, err)
		}
	})
}

// Handle dispatches one bus message.
func (e *Engine) Handle(ctx context.Context, msg bus.Message) error {
	switch msg.Kind {
	case bus.KindIntent:
		_, err := e.PlaceOrder(ctx, msg.Intent)
		return err
	case bus.KindOrderEvent:
		_, err := e.OnOrderEvent(ctx, msg.Event)
		return err
	case bus.KindTradeEvent:
		_, err := e.OnTradeEvent(ctx, msg.Event)
		return err
	case bus.KindCancel:
		_, err := e.Cancel(ctx, msg.ClientOrderID)
		return err
	default:
		return fmt.Errorf("%w: message kind %d", exception.ErrInvalidArgument, msg.Kind)
	}
}

// UpdatePrice records the latest market price of an instrument. It is the
// reference price of MAX_LOSS_PER_ORDER.
func (e *Engine) UpdatePrice(instrumentID string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.lastPrices[instrumentID] = price
	e.mu.Unlock()
}

// PlaceOrder runs an intent through the self-trade engine and the risk rules,
// reserves closable volume for closes and creates the order.
func (e *Engine) PlaceOrder(ctx context.Context, intent schema.OrderIntent) (schema.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	}
	if intent.AccountID == "" {
		intent.AccountID = e.cfg.AccountID
	}
	if intent.TsNs == 0 {
		intent.TsNs = time.Now().UTC().UnixNano()
	}

	decision := e.selfTrade.PreCheck(intent)
	if !decision.Allowed {
		e.risk.OnSelfTradeRejected(ctx, intent, decision)
		return schema.Order{}, fmt.Errorf("%w: %s", exception.ErrRiskRejected, decision.Reason)
	}

	rc := e.riskContextLocked(intent.AccountID, intent.StrategyID, intent.InstrumentID)
	if res := e.risk.CheckOrder(ctx, intent, rc); !res.Allowed {
		return schema.Order{}, fmt.Errorf("%w: %s %s", exception.ErrRiskRejected, res.RuleType, res.Reason)
	}

	if err := e.positions.RegisterOrderIntent(intent); err != nil {
		return schema.Order{}, err
	}
	order, err := e.orders.CreateOrder(ctx, intent)
	if err != nil {
		e.releaseReservation(intent)
		return schema.Order{}, err
	}
	e.selfTrade.RecordAcceptedOrder(intent)
	e.persistPositionsLocked(ctx, intent.AccountID, intent.InstrumentID)
	return order, nil
}

// OnOrderEvent applies an exchange order update to the order manager, the
// self-trade engine and the CTP position ledger. Exchange rejections are
// reported to the risk manager once.
func (e *Engine) OnOrderEvent(ctx context.Context, event schema.OrderEvent) (schema.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, known := e.orders.GetOrder(event.ClientOrderID)
	order, err := e.orders.OnOrderEvent(ctx, event)
	if err != nil {
		return order, err
	}
	if known && prev == order {
		return order, nil
	}

	event = withOrderFields(event, order)
	e.selfTrade.OnOrderEvent(event)
	err = e.positions.ApplyOrderEvent(event)
	switch {
	case err == nil:
	case stderrors.Is(err, exception.ErrLedgerUnknownOrder) && (!known || !prev.IsActive()):
		// Orders first seen from the exchange and re-deliveries after a
		// terminal status have no pending entry.
	default:
		logs.Errorf("ctp ledger rejected order event, client_order_id: %s, err: %+v", event.ClientOrderID, err)
	}
	if order.Status == schema.OrderStatusRejected && prev.Status != schema.OrderStatusRejected {
		e.risk.OnOrderRejected(ctx, event)
	}
	if order.AvgFillPrice > 0 {
		e.lastPrices[order.InstrumentID] = order.AvgFillPrice
	}
	e.persistPositionsLocked(ctx, order.AccountID, order.InstrumentID)
	return order, nil
}

// OnTradeEvent records a fill, books its realized pnl and commission into the
// account and feeds the risk manager accumulators. A duplicate trade is
// reported as success without booking.
func (e *Engine) OnTradeEvent(ctx context.Context, event schema.OrderEvent) (schema.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trade, dup, err := e.orders.OnTradeEvent(ctx, event)
	if err != nil || dup {
		return trade, err
	}

	realized := e.bookTradeLocked(trade)
	commission := e.cfg.CommissionPerLot * float64(trade.Volume)
	e.risk.OnTrade(realized, commission)
	if trade.AccountID != "" {
		if _, err := e.accounts.ApplyRealized(trade.AccountID, realized, commission); err != nil {
			logs.Warnf("apply realized pnl, account: %s, err: %+v", trade.AccountID, err)
		}
		e.persistAccountLocked(ctx, trade.AccountID)
	}
	if trade.Price > 0 {
		e.lastPrices[trade.InstrumentID] = trade.Price
	}
	return trade, nil
}

// Cancel checks the cancel rate rules for an active order and records the
// cancel attempt. It returns the retry count.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders.GetOrder(clientOrderID)
	if !ok {
		return 0, exception.ErrOrderUnknown
	}
	if !order.IsActive() {
		return 0, exception.ErrOrderTerminal
	}
	rc := e.riskContextLocked(order.AccountID, order.StrategyID, order.InstrumentID)
	if res := e.risk.CheckCancel(ctx, clientOrderID, rc); !res.Allowed {
		return 0, fmt.Errorf("%w: %s %s", exception.ErrRiskRejected, res.RuleType, res.Reason)
	}
	return e.orders.UpdateCancelRetry(ctx, clientOrderID)
}

// MarkToMarket settles the net position of an instrument from prevSettlement
// to newSettlement.
func (e *Engine) MarkToMarket(ctx context.Context, instrumentID string, prevSettlement, newSettlement float64) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	net := e.positions.NetPosition(e.cfg.AccountID, instrumentID)
	pnl, err := e.accounts.MarkToMarket(e.cfg.AccountID, e.cfg.TradingDay, prevSettlement, newSettlement, net, e.instrument(instrumentID).Multiplier)
	if err != nil {
		return decimal.Zero, err
	}
	e.persistAccountLocked(ctx, e.cfg.AccountID)
	return pnl, nil
}

// Remargin recomputes the account margin from the CTP position buckets.
// Instruments without prices fall back to zero margin.
func (e *Engine) Remargin(ctx context.Context, priceType ctp.MarginPriceType, prices map[string]ctp.PriceSet) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := e.positions.Records(e.cfg.AccountID)
	inputs := make([]ctp.MarginInput, 0, len(records))
	for _, r := range records {
		if r.Position == 0 {
			continue
		}
		inst := e.instrument(r.InstrumentID)
		inputs = append(inputs, ctp.MarginInput{
			InstrumentID: r.InstrumentID,
			Volume:       r.Position,
			Multiplier:   inst.Multiplier,
			Rate:         inst.MarginRate,
			Prices:       prices[r.InstrumentID],
		})
	}
	margin, err := e.accounts.Remargin(e.cfg.AccountID, priceType, inputs)
	if err != nil {
		return decimal.Zero, err
	}
	e.persistAccountLocked(ctx, e.cfg.AccountID)
	return margin, nil
}

// Rollover starts a new trading day. Daily pnl and the risk accumulators are
// reset and the boundary is written to the WAL.
func (e *Engine) Rollover(ctx context.Context, tradingDay string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.accounts.Rollover(e.cfg.AccountID, tradingDay); err != nil {
		return err
	}
	e.cfg.TradingDay = tradingDay
	e.risk.ResetDaily()
	if e.rollover != nil {
		err := e.rollover.AppendRollover(tradingDay, time.Now().UTC().UnixNano())
		e.metrics.IncWalAppend(err)
		if err != nil {
			logs.Errorf("wal append rollover, trading day: %s, err: %+v", tradingDay, err)
		}
	}
	e.persistAccountLocked(ctx, e.cfg.AccountID)
	return nil
}

// Account returns the persisted view of the engine account.
func (e *Engine) Account() schema.AccountRecord {
	rec, _ := e.accounts.Record(e.cfg.AccountID)
	return rec
}

// Positions returns the CTP position ledger.
func (e *Engine) Positions() *ctp.PositionLedger {
	return e.positions
}

// Portfolio returns the portfolio ledger.
func (e *Engine) Portfolio() *state.PortfolioLedger {
	return e.portfolio
}

// Orders returns the order manager.
func (e *Engine) Orders() *og.Manager {
	return e.orders
}

func (e *Engine) riskContextLocked(accountID, strategyID, instrumentID string) risk.Context {
	active := e.orders.GetActiveOrders()
	scoped := active[:0]
	for _, o := range active {
		if o.AccountID == accountID && o.InstrumentID == instrumentID {
			scoped = append(scoped, o)
		}
	}
	return risk.Context{
		AccountID:          accountID,
		StrategyID:         strategyID,
		InstrumentID:       instrumentID,
		CurrentPrice:       e.lastPrices[instrumentID],
		ContractMultiplier: e.instrument(instrumentID).Multiplier,
		CurrentPosition:    e.portfolio.Position(accountID, instrumentID),
		TotalPosition:      e.portfolio.TotalPosition(accountID),
		TodayPnl:           e.accounts.TodayPnl(accountID),
		Leverage:           e.accounts.Leverage(accountID),
		ActiveOrders:       scoped,
	}
}

// bookTradeLocked updates the average open price of the traded direction and
// returns the realized pnl of a closing fill.
func (e *Engine) bookTradeLocked(trade schema.Trade) float64 {
	if trade.Volume <= 0 {
		return 0
	}
	key := costKey{
		accountID:    trade.AccountID,
		instrumentID: trade.InstrumentID,
		direction:    schema.PositionDirection(trade.Side, trade.Offset),
	}
	basis, ok := e.costs[key]
	if !ok {
		basis = &costBasis{}
		e.costs[key] = basis
	}

	if !trade.Offset.IsClose() {
		total := basis.volume + trade.Volume
		basis.avgPrice = (basis.avgPrice*float64(basis.volume) + trade.Price*float64(trade.Volume)) / float64(total)
		basis.volume = total
		return 0
	}

	closed := min(trade.Volume, basis.volume)
	if closed <= 0 {
		return 0
	}
	diff := trade.Price - basis.avgPrice
	if key.direction == schema.DirectionShort {
		diff = -diff
	}
	basis.volume -= closed
	if basis.volume == 0 {
		delete(e.costs, key)
	}
	return diff * float64(closed) * e.instrument(trade.InstrumentID).Multiplier
}

func (e *Engine) releaseReservation(intent schema.OrderIntent) {
	err := e.positions.ApplyOrderEvent(schema.OrderEvent{
		ClientOrderID: intent.ClientOrderID,
		Status:        schema.OrderStatusRejected,
		TsNs:          intent.TsNs,
	})
	if err != nil {
		logs.Warnf("release reservation, client_order_id: %s, err: %+v", intent.ClientOrderID, err)
	}
}

func (e *Engine) persistPositionsLocked(ctx context.Context, accountID, instrumentID string) {
	if e.store == nil {
		return
	}
	for _, r := range e.positions.Records(accountID) {
		if r.InstrumentID != instrumentID {
			continue
		}
		if err := e.store.UpsertPosition(ctx, r); err != nil {
			e.metrics.IncStoreError()
			logs.Warnf("upsert position, account: %s, instrument: %s, err: %+v", r.AccountID, r.InstrumentID, err)
		}
	}
}

func (e *Engine) persistAccountLocked(ctx context.Context, accountID string) {
	if e.store == nil {
		return
	}
	rec, ok := e.accounts.Record(accountID)
	if !ok {
		return
	}
	if err := e.store.UpsertAccount(ctx, rec); err != nil {
		e.metrics.IncStoreError()
		logs.Warnf("upsert account, account: %s, err: %+v", accountID, err)
	}
}

func (e *Engine) instrument(instrumentID string) Instrument {
	inst, ok := e.cfg.Instruments[strings.ToLower(instrumentID)]
	if !ok || inst.Multiplier <= 0 {
		inst.Multiplier = 1
	}
	return inst
}

func intentOf(o schema.Order) schema.OrderIntent {
	return schema.OrderIntent{
		AccountID:     o.AccountID,
		StrategyID:    o.StrategyID,
		ClientOrderID: o.ClientOrderID,
		InstrumentID:  o.InstrumentID,
		Side:          o.Side,
		Offset:        o.Offset,
		Type:          o.Type,
		Volume:        o.TotalVolume,
		Price:         o.Price,
		TsNs:          o.CreatedAtNs,
		TraceID:       o.TraceID,
	}
}

func withOrderFields(event schema.OrderEvent, order schema.Order) schema.OrderEvent {
	if event.Side == schema.SideUnknown {
		event.Side = order.Side
		event.Offset = order.Offset
	}
	if event.AccountID == "" {
		event.AccountID = order.AccountID
	}
	if event.StrategyID == "" {
		event.StrategyID = order.StrategyID
	}
	if event.InstrumentID == "" {
		event.InstrumentID = order.InstrumentID
	}
	if event.TotalVolume == 0 {
		event.TotalVolume = order.TotalVolume
	}
	return event
}
