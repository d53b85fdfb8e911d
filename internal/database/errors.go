package database

import (
	"errors"
	"fmt"

	"github.com/setavenger/blindbit-indexer/internal/encoding"
)

// ErrNotFound is returned for absent keys. Call sites map it to defaults.
var ErrNotFound = errors.New("[no entry found]")

// ErrDecode marks corrupt stored bytes.
var ErrDecode = encoding.ErrDecode

// StoreIOError wraps every backend failure that is not ErrNotFound.
type StoreIOError struct {
	Op  string
	Err error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

// IOError wraps err as a StoreIOError. nil and ErrNotFound pass through.
func IOError(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var ioErr *StoreIOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &StoreIOError{Op: op, Err: err}
}
