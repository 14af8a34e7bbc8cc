package wal

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/yanun0323/errors"
)

// LineFunc receives each line without its newline. lineNo starts at 1.
// Returning an error stops the scan.
type LineFunc func(lineNo int, line []byte) error

// ScanFile reads path line by line. Lines of any length are supported.
func ScanFile(ctx context.Context, path string, fn LineFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Scan(ctx, f, fn)
}

// Scan reads r line by line. A final line without newline is still passed.
func Scan(ctx context.Context, r io.Reader, fn LineFunc) error {
	br := bufio.NewReaderSize(r, 64*1024)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			if ferr := fn(lineNo, line); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read wal line")
		}
	}
}
