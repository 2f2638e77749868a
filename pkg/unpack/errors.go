package unpack

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPendingRange is returned for data commands that run before any
	// filepartload in the script.
	ErrNoPendingRange = errors.New("no filepartload before this command")
)

// SetupError is fatal: the image could not be read, or it has no header
// script. No partitions are extracted.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup failed: %v", e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// LineError is a failure to parse or execute a single script line. The run
// continues with the next line.
type LineError struct {
	// Line number, starting at 1.
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d (%q): %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// DecodeError is a failure to decompress or unsparse a partition. Only that
// partition is affected.
type DecodeError struct {
	Partition string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s failed: %v", e.Partition, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
