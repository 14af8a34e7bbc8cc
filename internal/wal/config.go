package wal

import (
	"tradecore/pkg/exception"
)

// Config controls the WAL sink.
type Config struct {
	Path string `mapstructure:"path"`
	// Fsync syncs the file after every append.
	Fsync bool `mapstructure:"fsync"`
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Path == "" {
		return exception.ErrWalPathEmpty
	}
	return nil
}
