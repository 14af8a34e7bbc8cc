package exception

import "github.com/yanun0323/errors"

var (
	ErrLedgerInvalidKey           = errors.New("ledger: invalid position key")
	ErrLedgerInvalidSnapshot      = errors.New("ledger: invalid position snapshot")
	ErrLedgerDuplicateOrder       = errors.New("ledger: order already registered")
	ErrLedgerUnknownOrder         = errors.New("ledger: order not registered")
	ErrLedgerInsufficientClosable = errors.New("ledger: close volume exceeds closable volume")
	ErrLedgerFilledDecreased      = errors.New("ledger: filled volume decreased")
	ErrLedgerInvalidMarginType    = errors.New("ledger: invalid margin price type")
	ErrLedgerUnknownAccount       = errors.New("ledger: unknown account")
)
