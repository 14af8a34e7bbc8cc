package store

import (
	"context"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

var _ DomainStore = (*GormStore)(nil)

type orderModel struct {
	ClientOrderID     string `gorm:"primaryKey;size:64"`
	ExchangeOrderID   string `gorm:"size:64;index"`
	AccountID         string `gorm:"size:32;index"`
	StrategyID        string `gorm:"size:64;index"`
	InstrumentID      string `gorm:"size:32"`
	Side              uint8
	Offset            uint8
	Type              uint8
	Price             float64
	TotalVolume       int64
	FilledVolume      int64
	AvgFillPrice      float64
	Status            uint8
	Reason            string
	TraceID           string `gorm:"size:64"`
	CancelRetryCount  int
	LastCancelRetryNs int64
	CreatedAtNs       int64
	UpdatedAtNs       int64
}

func (orderModel) TableName() string { return "orders" }

type tradeModel struct {
	TradeID         string `gorm:"primaryKey;size:128"`
	ClientOrderID   string `gorm:"size:64;index"`
	ExchangeOrderID string `gorm:"size:64"`
	AccountID       string `gorm:"size:32;index"`
	StrategyID      string `gorm:"size:64"`
	InstrumentID    string `gorm:"size:32"`
	Side            uint8
	Offset          uint8
	Volume          int64
	Price           float64
	EventSource     string `gorm:"size:32"`
	TsNs            int64
}

func (tradeModel) TableName() string { return "trades" }

type positionModel struct {
	AccountID    string `gorm:"primaryKey;size:32"`
	InstrumentID string `gorm:"primaryKey;size:32"`
	Direction    uint8  `gorm:"primaryKey"`
	DateBucket   string `gorm:"primaryKey;size:16"`
	Position     int64
	Frozen       int64
	UpdatedAtNs  int64
}

func (positionModel) TableName() string { return "positions" }

type accountModel struct {
	AccountID   string `gorm:"primaryKey;size:32"`
	TradingDay  string `gorm:"size:8"`
	Balance     float64
	Available   float64
	Margin      float64
	DailyPnl    float64
	UpdatedAtNs int64
}

func (accountModel) TableName() string { return "accounts" }

type riskEventModel struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	EventID       string `gorm:"size:64;uniqueIndex"`
	AccountID     string `gorm:"size:32;index"`
	StrategyID    string `gorm:"size:64"`
	InstrumentID  string `gorm:"size:32"`
	ClientOrderID string `gorm:"size:64"`
	RuleType      string `gorm:"size:48"`
	Severity      uint8
	Reason        string
	Limit         float64
	Observed      float64
	TsNs          int64
}

func (riskEventModel) TableName() string { return "risk_events" }

type processedEventModel struct {
	EventKey string `gorm:"primaryKey;size:256"`
	TsNs     int64
}

func (processedEventModel) TableName() string { return "processed_order_events" }

type positionDetailModel struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID    string `gorm:"size:32;index:idx_position_detail_lot"`
	InstrumentID string `gorm:"size:32;index:idx_position_detail_lot"`
	Direction    uint8  `gorm:"index:idx_position_detail_lot"`
	TradeID      string `gorm:"size:128"`
	OpenPrice    float64
	Volume       int64
	OpenedAtNs   int64
}

func (positionDetailModel) TableName() string { return "position_details" }

// GormStore is a DomainStore backed by gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an opened gorm connection.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, exception.ErrStoreNilDB
	}
	return &GormStore{db: db}, nil
}

// Migrate creates or updates the tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&orderModel{},
		&tradeModel{},
		&positionModel{},
		&accountModel{},
		&riskEventModel{},
		&processedEventModel{},
		&positionDetailModel{},
	)
}

func (s *GormStore) UpsertOrder(ctx context.Context, order schema.Order) error {
	m := toOrderModel(order)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"exchange_order_id", "status", "total_volume", "filled_volume",
			"avg_fill_price", "reason", "updated_at_ns",
		}),
	}).Create(&m).Error
	return wrap(err, "upsert order")
}

func (s *GormStore) AppendTrade(ctx context.Context, trade schema.Trade) error {
	m := toTradeModel(trade)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	return wrap(err, "append trade")
}

func (s *GormStore) UpsertPosition(ctx context.Context, position schema.PositionRecord) error {
	m := positionModel{
		AccountID:    position.AccountID,
		InstrumentID: position.InstrumentID,
		Direction:    uint8(position.Direction),
		DateBucket:   position.DateBucket,
		Position:     position.Position,
		Frozen:       position.Frozen,
		UpdatedAtNs:  position.UpdatedAtNs,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	return wrap(err, "upsert position")
}

func (s *GormStore) UpsertAccount(ctx context.Context, account schema.AccountRecord) error {
	m := accountModel{
		AccountID:   account.AccountID,
		TradingDay:  account.TradingDay,
		Balance:     account.Balance,
		Available:   account.Available,
		Margin:      account.Margin,
		DailyPnl:    account.DailyPnl,
		UpdatedAtNs: account.UpdatedAtNs,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	return wrap(err, "upsert account")
}

func (s *GormStore) AppendRiskEvent(ctx context.Context, event schema.RiskEvent) error {
	m := toRiskEventModel(event)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	return wrap(err, "append risk event")
}

func (s *GormStore) MarkProcessedOrderEvent(ctx context.Context, key string, tsNs int64) error {
	m := processedEventModel{EventKey: key, TsNs: tsNs}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	return wrap(err, "mark processed order event")
}

func (s *GormStore) ExistsProcessedOrderEvent(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&processedEventModel{}).Where("event_key = ?", key).Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "exists processed order event")
	}
	return n > 0, nil
}

func (s *GormStore) InsertPositionDetailFromTrade(ctx context.Context, trade schema.Trade) error {
	m := positionDetailModel{
		AccountID:    trade.AccountID,
		InstrumentID: trade.InstrumentID,
		Direction:    uint8(schema.PositionDirection(trade.Side, trade.Offset)),
		TradeID:      trade.TradeID,
		OpenPrice:    trade.Price,
		Volume:       trade.Volume,
		OpenedAtNs:   trade.TsNs,
	}
	return wrap(s.db.WithContext(ctx).Create(&m).Error, "insert position detail")
}

func (s *GormStore) ClosePositionDetailFifo(ctx context.Context, trade schema.Trade) (int64, error) {
	direction := uint8(schema.PositionDirection(trade.Side, trade.Offset))
	var closed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lots []positionDetailModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND instrument_id = ? AND direction = ? AND volume > 0",
				trade.AccountID, trade.InstrumentID, direction).
			Order("opened_at_ns ASC, id ASC").
			Find(&lots).Error
		if err != nil {
			return err
		}
		remaining := trade.Volume
		for _, lot := range lots {
			if remaining <= 0 {
				break
			}
			take := min(lot.Volume, remaining)
			remaining -= take
			closed += take
			if take == lot.Volume {
				if err := tx.Delete(&positionDetailModel{}, lot.ID).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Model(&positionDetailModel{}).Where("id = ?", lot.ID).
				Update("volume", lot.Volume-take).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "close position detail fifo")
	}
	return closed, nil
}

func (s *GormStore) LoadPositionSummary(ctx context.Context, accountID string) ([]schema.PositionRecord, error) {
	var rows []positionModel
	q := s.db.WithContext(ctx).Order("instrument_id, direction, date_bucket")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load position summary")
	}
	out := make([]schema.PositionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, schema.PositionRecord{
			AccountID:    r.AccountID,
			InstrumentID: r.InstrumentID,
			Direction:    schema.Direction(r.Direction),
			DateBucket:   r.DateBucket,
			Position:     r.Position,
			Frozen:       r.Frozen,
			UpdatedAtNs:  r.UpdatedAtNs,
		})
	}
	return out, nil
}

func (s *GormStore) UpdateOrderCancelRetry(ctx context.Context, clientOrderID string, retryCount int, lastRetryNs int64) error {
	res := s.db.WithContext(ctx).Model(&orderModel{}).
		Where("client_order_id = ?", clientOrderID).
		Updates(map[string]any{
			"cancel_retry_count":   retryCount,
			"last_cancel_retry_ns": lastRetryNs,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "update order cancel retry")
	}
	if res.RowsAffected == 0 {
		return exception.ErrStoreNotFound
	}
	return nil
}

func toOrderModel(o schema.Order) orderModel {
	return orderModel{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		AccountID:       o.AccountID,
		StrategyID:      o.StrategyID,
		InstrumentID:    o.InstrumentID,
		Side:            uint8(o.Side),
		Offset:          uint8(o.Offset),
		Type:            uint8(o.Type),
		Price:           o.Price,
		TotalVolume:     o.TotalVolume,
		FilledVolume:    o.FilledVolume,
		AvgFillPrice:    o.AvgFillPrice,
		Status:          uint8(o.Status),
		Reason:          o.Reason,
		TraceID:         o.TraceID,
		CreatedAtNs:     o.CreatedAtNs,
		UpdatedAtNs:     o.UpdatedAtNs,
	}
}

func fromOrderModel(m orderModel) schema.Order {
	return schema.Order{
		ClientOrderID:   m.ClientOrderID,
		ExchangeOrderID: m.ExchangeOrderID,
		AccountID:       m.AccountID,
		StrategyID:      m.StrategyID,
		InstrumentID:    m.InstrumentID,
		Side:            schema.Side(m.Side),
		Offset:          schema.Offset(m.Offset),
		Type:            schema.OrderType(m.Type),
		Price:           m.Price,
		TotalVolume:     m.TotalVolume,
		FilledVolume:    m.FilledVolume,
		AvgFillPrice:    m.AvgFillPrice,
		Status:          schema.OrderStatus(m.Status),
		Reason:          m.Reason,
		TraceID:         m.TraceID,
		CreatedAtNs:     m.CreatedAtNs,
		UpdatedAtNs:     m.UpdatedAtNs,
	}
}

func toTradeModel(t schema.Trade) tradeModel {
	return tradeModel{
		TradeID:         t.TradeID,
		ClientOrderID:   t.ClientOrderID,
		ExchangeOrderID: t.ExchangeOrderID,
		AccountID:       t.AccountID,
		StrategyID:      t.StrategyID,
		InstrumentID:    t.InstrumentID,
		Side:            uint8(t.Side),
		Offset:          uint8(t.Offset),
		Volume:          t.Volume,
		Price:           t.Price,
		EventSource:     t.EventSource,
		TsNs:            t.TsNs,
	}
}

func toRiskEventModel(e schema.RiskEvent) riskEventModel {
	return riskEventModel{
		EventID:       e.EventID,
		AccountID:     e.AccountID,
		StrategyID:    e.StrategyID,
		InstrumentID:  e.InstrumentID,
		ClientOrderID: e.ClientOrderID,
		RuleType:      e.RuleType,
		Severity:      uint8(e.Severity),
		Reason:        e.Reason,
		Limit:         e.Limit,
		Observed:      e.Observed,
		TsNs:          e.TsNs,
	}
}

func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
