package encoding

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Amounts selects the on-disk layout of satoshi values. It is fixed for the
// lifetime of a data directory.
type Amounts uint8

const (
	// AmountsLegacyDouble stores the satoshi value as a big-endian IEEE-754
	// double. Values above 2^53 lose precision.
	AmountsLegacyDouble Amounts = iota
	// AmountsUint64 stores a big-endian unsigned integer. Not readable by
	// stores written with the legacy layout.
	AmountsUint64
)

// maxExactDouble is the largest integer a float64 represents exactly.
const maxExactDouble = 1 << 53

func ParseAmounts(s string) (Amounts, error) {
	switch s {
	case "", "legacy-double":
		return AmountsLegacyDouble, nil
	case "uint64":
		return AmountsUint64, nil
	default:
		return 0, fmt.Errorf("unknown amount encoding %q", s)
	}
}

func (a Amounts) String() string {
	if a == AmountsUint64 {
		return "uint64"
	}
	return "legacy-double"
}

// Exact reports whether sats survives a round trip in this layout.
func (a Amounts) Exact(sats int64) bool {
	if a == AmountsUint64 {
		return sats >= 0
	}
	return sats >= 0 && sats <= maxExactDouble
}

func (a Amounts) put(b []byte, sats int64) {
	if a == AmountsUint64 {
		binary.BigEndian.PutUint64(b, uint64(sats))
		return
	}
	binary.BigEndian.PutUint64(b, math.Float64bits(float64(sats)))
}

func (a Amounts) get(b []byte) int64 {
	v := binary.BigEndian.Uint64(b)
	if a == AmountsUint64 {
		return int64(v)
	}
	return int64(math.Float64frombits(v))
}

func (a Amounts) append(b []byte, sats int64) []byte {
	var buf [SizeAmt]byte
	a.put(buf[:], sats)
	return append(b, buf[:]...)
}

func (r *reader) amount(a Amounts) int64 {
	b := r.next(SizeAmt)
	if b == nil {
		return 0
	}
	return a.get(b)
}
