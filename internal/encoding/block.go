package encoding

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Block sub-types. The height index reuses HeightKey.
const (
	SubBlockByHash   byte = 0x00
	SubBlockByHeight byte = 0x01

	// SubConcurrentHeight is the concurrent track's own height chain.
	SubConcurrentHeight byte = 0x00
)

// BlockKey maps a block hash onto its raw wire encoding.
func BlockKey(prefix []byte, hash chainhash.Hash) []byte {
	k := newKey(prefix, SubBlockByHash, SizeHash)
	return append(k, hash[:]...)
}

// EncodeBlock value layout: height|raw block
func EncodeBlock(height uint32, raw []byte) []byte {
	v := make([]byte, SizeHeight, SizeHeight+len(raw))
	be32(height, v)
	return append(v, raw...)
}

func DecodeBlock(v []byte) (height uint32, raw []byte, err error) {
	r := newReader(v)
	height = r.u32()
	raw = r.rest()
	return height, raw, r.done()
}
