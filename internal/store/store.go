/*
Store is the persistence facade of the trading core.

# Module
  - DomainStore: the capability interface consumed by order, risk and ledger code
  - MemoryStore: in-process implementation used by tests and the default engine
  - GormStore: postgres implementation through gorm

# Policy
  - every call is a single attempt; retries belong to the caller
  - the core tolerates failures except where a caller documents otherwise
*/
package store

import (
	"context"

	"tradecore/internal/schema"
)

// DomainStore persists orders, trades, positions, accounts and risk events.
type DomainStore interface {
	UpsertOrder(ctx context.Context, order schema.Order) error
	AppendTrade(ctx context.Context, trade schema.Trade) error
	UpsertPosition(ctx context.Context, position schema.PositionRecord) error
	UpsertAccount(ctx context.Context, account schema.AccountRecord) error
	AppendRiskEvent(ctx context.Context, event schema.RiskEvent) error
	MarkProcessedOrderEvent(ctx context.Context, key string, tsNs int64) error
	ExistsProcessedOrderEvent(ctx context.Context, key string) (bool, error)
	InsertPositionDetailFromTrade(ctx context.Context, trade schema.Trade) error
	// ClosePositionDetailFifo reduces open lots oldest first and returns the
	// volume actually closed.
	ClosePositionDetailFifo(ctx context.Context, trade schema.Trade) (int64, error)
	LoadPositionSummary(ctx context.Context, accountID string) ([]schema.PositionRecord, error)
	UpdateOrderCancelRetry(ctx context.Context, clientOrderID string, retryCount int, lastRetryNs int64) error
}
