package exception

import "github.com/yanun0323/errors"

var (
	ErrWalPathEmpty = errors.New("wal: path is empty")
	ErrWalClosed    = errors.New("wal: sink closed")
	ErrWalEmptyLine = errors.New("wal: empty line")

	ErrSnapshotMismatch    = errors.New("snapshot: positions differ")
	ErrSnapshotSeqMismatch = errors.New("snapshot: last seq differs")
)
