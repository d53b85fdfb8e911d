package encoding

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Timestamp sub-types
const (
	SubTimeToHash byte = 0x00
	SubHashToTime byte = 0x01
)

// TimestampKey layout: prefix|0x00|timestamp|hash
func TimestampKey(prefix []byte, ts uint32, hash chainhash.Hash) []byte {
	k := newKey(prefix, SubTimeToHash, SizeTime+SizeHash)
	var b [SizeTime]byte
	be32(ts, b[:])
	k = append(k, b[:]...)
	return append(k, hash[:]...)
}

func DecodeTimestampKey(prefix []byte, k []byte) (ts uint32, hash chainhash.Hash, err error) {
	r := newReader(k)
	r.header(prefix, SubTimeToHash)
	ts = r.u32()
	hash = r.hash()
	return ts, hash, r.done()
}

// TimestampBounds covers [low, high] inclusive, upper bound exclusive.
func TimestampBounds(prefix []byte, low, high uint32) (lower, upper []byte) {
	lower = newKey(prefix, SubTimeToHash, SizeTime)
	var b [SizeTime]byte
	be32(low, b[:])
	lower = append(lower, b[:]...)

	upper = newKey(prefix, SubTimeToHash, SizeTime)
	be32(high, b[:])
	upper = append(upper, b[:]...)
	return lower, TerminalKey(upper)
}

func BlockTimeKey(prefix []byte, hash chainhash.Hash) []byte {
	k := newKey(prefix, SubHashToTime, SizeHash)
	return append(k, hash[:]...)
}

func EncodeTime(ts uint32) []byte {
	v := make([]byte, SizeTime)
	be32(ts, v)
	return v
}

func DecodeTime(v []byte) (uint32, error) {
	r := newReader(v)
	ts := r.u32()
	return ts, r.done()
}
