package exception

import "github.com/yanun0323/errors"

// Order validation errors.
var (
	ErrOrderEmptyClientOrderID = errors.New("order: empty client order id")
	ErrOrderInvalidVolume      = errors.New("order: volume must be positive")
	ErrOrderInvalidSide        = errors.New("order: invalid side")
	ErrOrderInvalidStatus      = errors.New("order: invalid status")
	ErrOrderDuplicate          = errors.New("order: client order id already exists")
	ErrOrderUnknown            = errors.New("order: unknown client order id")
	ErrOrderNotTrade           = errors.New("order: event is not a trade")
)

// Order consistency violations.
var (
	ErrOrderTerminal           = errors.New("order: order is terminal")
	ErrOrderInvalidTransition  = errors.New("order: invalid status transition")
	ErrOrderFilledDecreased    = errors.New("order: filled volume decreased")
	ErrOrderOverFilled         = errors.New("order: filled volume exceeds total volume")
	ErrOrderInconsistentFilled = errors.New("order: status inconsistent with filled volume")
	ErrOrderTradeAppendFailed  = errors.New("order: append trade failed")
	ErrOrderTradeInFlight      = errors.New("order: trade event already in flight")
)
