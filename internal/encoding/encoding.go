// Package encoding holds the binary key and value layouts of every index.
//
// Keys follow [2B service prefix][1B sub-type][fields]. Heights and output
// indices are 4 byte big-endian, hashes are embedded raw and variable length
// strings carry a single length byte, so byte order equals logical order.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	SizePrefix = 2
	SizeHash   = chainhash.HashSize
	SizeTxid   = chainhash.HashSize
	SizeHeight = 4
	SizeIndex  = 4
	SizeTime   = 4
	SizeAmt    = 8
	SizeWork   = 32

	MaxStringLen = 255
)

// ErrDecode marks stored bytes that do not match the expected layout.
var ErrDecode = errors.New("decode error")

var ErrStringTooLong = errors.New("string exceeds 255 bytes")

func be32(u uint32, b []byte) { binary.BigEndian.PutUint32(b, u) }

// newKey starts a key with the service prefix and sub-type byte and reserves
// room for n more bytes.
func newKey(prefix []byte, sub byte, n int) []byte {
	k := make([]byte, 0, SizePrefix+1+n)
	k = append(k, prefix[:SizePrefix]...)
	return append(k, sub)
}

func appendString(b []byte, s string) ([]byte, error) {
	if len(s) > MaxStringLen {
		return nil, fmt.Errorf("%w: %d", ErrStringTooLong, len(s))
	}
	b = append(b, byte(len(s)))
	return append(b, s...), nil
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// TerminalKey returns the smallest key greater than every key starting with
// key. The last byte is incremented, carrying into earlier bytes on 0xff. A
// key made only of 0xff bytes has no terminal key and nil is returned,
// meaning the scan is unbounded above.
func TerminalKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// reader walks a byte slice and records the first short read.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrDecode, n, r.off, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) bool() bool {
	v := r.u8()
	if r.err == nil && v > 1 {
		r.err = fmt.Errorf("%w: invalid flag byte %d", ErrDecode, v)
	}
	return v == 1
}

func (r *reader) hash() (h chainhash.Hash) {
	b := r.next(SizeHash)
	if b != nil {
		copy(h[:], b)
	}
	return h
}

func (r *reader) str() string {
	n := r.u8()
	b := r.next(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// bytes copies n bytes.
func (r *reader) bytes(n int) []byte {
	b := r.next(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// rest copies everything that is left.
func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.bytes(len(r.b) - r.off)
}

func (r *reader) remaining() int { return len(r.b) - r.off }

// header consumes and checks the prefix and sub-type of a key.
func (r *reader) header(prefix []byte, sub byte) {
	p := r.next(SizePrefix)
	s := r.u8()
	if r.err != nil {
		return
	}
	if p[0] != prefix[0] || p[1] != prefix[1] || s != sub {
		r.err = fmt.Errorf("%w: key prefix %x/%02x, expected %x/%02x", ErrDecode, p, s, prefix[:SizePrefix], sub)
	}
}

// done fails on trailing bytes.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, len(r.b)-r.off)
	}
	return nil
}
