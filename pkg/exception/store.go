package exception

import "github.com/yanun0323/errors"

var (
	ErrStoreNilDB         = errors.New("store: nil database")
	ErrStoreUnknownDriver = errors.New("store: unknown driver")
	ErrStoreNotFound      = errors.New("store: record not found")
)
