package wal

import (
	"bytes"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Record kinds.
const (
	KindOrder    = "order"
	KindTrade    = "trade"
	KindRollover = "rollover"
)

// Record is one WAL line.
type Record struct {
	Seq             int64    `json:"seq"`
	Kind            string   `json:"kind"`
	TsNs            int64    `json:"ts_ns"`
	AccountID       string   `json:"account_id"`
	StrategyID      string   `json:"strategy_id,omitempty"`
	ClientOrderID   string   `json:"client_order_id"`
	ExchangeOrderID string   `json:"exchange_order_id"`
	InstrumentID    string   `json:"instrument_id"`
	Side            string   `json:"side,omitempty"`
	Offset          string   `json:"offset,omitempty"`
	Status          int      `json:"status"`
	TotalVolume     *int64   `json:"total_volume,omitempty"`
	FilledVolume    int64    `json:"filled_volume"`
	AvgFillPrice    *float64 `json:"avg_fill_price,omitempty"`
	Reason          string   `json:"reason"`
	TraceID         string   `json:"trace_id"`
	OrderRef        string   `json:"order_ref,omitempty"`
	FrontID         int32    `json:"front_id,omitempty"`
	SessionID       int32    `json:"session_id,omitempty"`
	EventSource     string   `json:"event_source,omitempty"`
	ExchangeTsNs    int64    `json:"exchange_ts_ns,omitempty"`
	TradeID         string   `json:"trade_id,omitempty"`
	TradeVolume     int64    `json:"trade_volume,omitempty"`
	TradePrice      float64  `json:"trade_price,omitempty"`
	TradingDay      string   `json:"trading_day,omitempty"`
	Price           float64  `json:"price,omitempty"`
	OrderType       string   `json:"order_type,omitempty"`
}

// IsEvent reports whether the record carries an order or trade event.
func (r Record) IsEvent() bool {
	return r.Kind == KindOrder || r.Kind == KindTrade
}

// NewRecord builds a record of kind from an order event.
func NewRecord(kind string, event schema.OrderEvent) Record {
	total := event.TotalVolume
	avg := event.AvgFillPrice
	r := Record{
		Kind:            kind,
		TsNs:            event.TsNs,
		AccountID:       event.AccountID,
		StrategyID:      event.StrategyID,
		ClientOrderID:   event.ClientOrderID,
		ExchangeOrderID: event.ExchangeOrderID,
		InstrumentID:    event.InstrumentID,
		Offset:          event.Offset.String(),
		Status:          int(event.Status),
		TotalVolume:     &total,
		FilledVolume:    event.FilledVolume,
		AvgFillPrice:    &avg,
		Reason:          event.Reason,
		TraceID:         event.TraceID,
		OrderRef:        event.OrderRef,
		FrontID:         event.FrontID,
		SessionID:       event.SessionID,
		EventSource:     event.EventSource,
		ExchangeTsNs:    event.ExchangeTsNs,
		TradeID:         event.TradeID,
		TradeVolume:     event.TradeVolume,
		TradePrice:      event.TradePrice,
		Price:           event.LimitPrice,
	}
	if event.Type != schema.OrderTypeLimit {
		r.OrderType = event.Type.String()
	}
	if event.Side != schema.SideUnknown {
		r.Side = event.Side.String()
	}
	return r
}

// Event converts the record back into an order event. A missing total volume
// defaults to the filled volume and a missing average price to zero.
func (r Record) Event() schema.OrderEvent {
	total := r.FilledVolume
	if r.TotalVolume != nil {
		total = *r.TotalVolume
	}
	var avg float64
	if r.AvgFillPrice != nil {
		avg = *r.AvgFillPrice
	}
	return schema.OrderEvent{
		AccountID:       r.AccountID,
		StrategyID:      r.StrategyID,
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID,
		InstrumentID:    r.InstrumentID,
		Side:            schema.ParseSide(r.Side),
		Offset:          schema.ParseOffset(r.Offset),
		Status:          schema.OrderStatus(r.Status),
		TotalVolume:     total,
		FilledVolume:    r.FilledVolume,
		AvgFillPrice:    avg,
		Reason:          r.Reason,
		TsNs:            r.TsNs,
		TraceID:         r.TraceID,
		OrderRef:        r.OrderRef,
		FrontID:         r.FrontID,
		SessionID:       r.SessionID,
		EventSource:     r.EventSource,
		ExchangeTsNs:    r.ExchangeTsNs,
		TradeID:         r.TradeID,
		TradeVolume:     r.TradeVolume,
		TradePrice:      r.TradePrice,
		Type:            schema.ParseOrderType(r.OrderType),
		LimitPrice:      r.Price,
	}
}

// Encode renders the record as one line including the trailing newline.
func Encode(r Record) ([]byte, error) {
	data, err := sonic.ConfigFastest.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "marshal wal record")
	}
	return append(data, '\n'), nil
}

// Decode parses one line. Blank lines are an error.
func Decode(line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, exception.ErrWalEmptyLine
	}
	var r Record
	if err := sonic.ConfigFastest.Unmarshal(line, &r); err != nil {
		return Record{}, errors.Wrap(err, "unmarshal wal record")
	}
	return r, nil
}
