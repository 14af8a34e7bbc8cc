package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"tradecore/internal/bus"
	"tradecore/internal/schema"
	"tradecore/internal/wal"
	"tradecore/pkg/exception"
)

// Feed line kinds in addition to the WAL order and trade kinds.
const (
	feedKindIntent = "intent"
	feedKindCancel = "cancel"
)

// feedLine is one line of a feed file. Order and trade lines use the WAL
// record layout, so a WAL can be fed back as exchange traffic.
type feedLine struct {
	wal.Record
	Volume int64 `json:"volume,omitempty"`
}

func decodeFeedLine(line []byte) (bus.Message, error) {
	var l feedLine
	if err := sonic.ConfigFastest.Unmarshal(line, &l); err != nil {
		return bus.Message{}, err
	}
	switch l.Kind {
	case feedKindIntent:
		return bus.IntentMessage(schema.OrderIntent{
			AccountID:     l.AccountID,
			StrategyID:    l.StrategyID,
			ClientOrderID: l.ClientOrderID,
			InstrumentID:  l.InstrumentID,
			Side:          schema.ParseSide(l.Side),
			Offset:        schema.ParseOffset(l.Offset),
			Type:          schema.ParseOrderType(l.OrderType),
			Volume:        l.Volume,
			Price:         l.Price,
			TsNs:          l.TsNs,
			TraceID:       l.TraceID,
		}), nil
	case wal.KindOrder:
		return bus.OrderEventMessage(l.Record.Event()), nil
	case wal.KindTrade:
		return bus.TradeEventMessage(l.Record.Event()), nil
	case feedKindCancel:
		return bus.CancelMessage(l.ClientOrderID), nil
	default:
		return bus.Message{}, fmt.Errorf("%w: feed kind %q", exception.ErrInvalidArgument, l.Kind)
	}
}

// publishFeed publishes every line of path to q, waiting for queue space.
func publishFeed(ctx context.Context, path string, q *bus.Queue) (int, error) {
	published := 0
	err := wal.ScanFile(ctx, path, func(lineNo int, line []byte) error {
		if len(strings.TrimSpace(string(line))) == 0 {
			return nil
		}
		msg, err := decodeFeedLine(line)
		if err != nil {
			return fmt.Errorf("feed line %d: %w", lineNo, err)
		}
		if err := q.Publish(ctx, msg); err != nil {
			return err
		}
		published++
		return nil
	})
	return published, err
}
