// database defines the interfaces for handling db operations
package database

import (
	"errors"
	"fmt"
)

type OpKind uint8

const (
	OpPut OpKind = iota
	OpDel
)

// Operation is the unit of mutation. The operations produced for one block
// are always written together through KV.Write.
type Operation struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

func Put(key, value []byte) Operation {
	return Operation{Kind: OpPut, Key: key, Value: value}
}

func Del(key []byte) Operation {
	return Operation{Kind: OpDel, Key: key}
}

// KV is implemented by every storage backend.
type KV interface {
	// Get returns ErrNotFound for absent keys.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	// Write applies all ops or none of them.
	Write(ops []Operation) error
	// Scan iterates ascending over lower <= key < upper. A nil bound is open.
	Scan(lower, upper []byte) Iterator
	Close() error
}

// Iterator is lazy and single pass. Key and Value return copies.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Range bounds a scan. At most one lower and one upper bound may be set.
type Range struct {
	GTE, GT []byte
	LTE, LT []byte
}

var ErrInvalidRange = errors.New("invalid range")

// Bounds converts the range into an inclusive lower and exclusive upper
// bound. gt k becomes gte k||0x00 and lte k becomes lt k||0x00.
func (r Range) Bounds() (lower, upper []byte, err error) {
	if r.GTE != nil && r.GT != nil {
		return nil, nil, fmt.Errorf("%w: both gte and gt set", ErrInvalidRange)
	}
	if r.LTE != nil && r.LT != nil {
		return nil, nil, fmt.Errorf("%w: both lte and lt set", ErrInvalidRange)
	}
	switch {
	case r.GTE != nil:
		lower = r.GTE
	case r.GT != nil:
		lower = append(append(make([]byte, 0, len(r.GT)+1), r.GT...), 0x00)
	}
	switch {
	case r.LT != nil:
		upper = r.LT
	case r.LTE != nil:
		upper = append(append(make([]byte, 0, len(r.LTE)+1), r.LTE...), 0x00)
	}
	return lower, upper, nil
}

// errIterator is returned by Scan when the range itself is invalid.
type errIterator struct{ err error }

func (e errIterator) Next() bool    { return false }
func (e errIterator) Key() []byte   { return nil }
func (e errIterator) Value() []byte { return nil }
func (e errIterator) Err() error    { return e.err }
func (e errIterator) Close() error  { return nil }

// ErrorIterator is an exhausted iterator that reports err.
func ErrorIterator(err error) Iterator { return errIterator{err: err} }
