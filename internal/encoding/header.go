package encoding

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

// Header sub-types
const (
	SubHeaderByHash   byte = 0x00
	SubHeaderByHeight byte = 0x01
)

const sizeHeaderValue = SizeHash*2 + 4*5 + SizeWork

func HeaderKey(prefix []byte, hash chainhash.Hash) []byte {
	k := newKey(prefix, SubHeaderByHash, SizeHash)
	return append(k, hash[:]...)
}

func EncodeHeader(h *types.Header) ([]byte, error) {
	if h.Chainwork == nil || h.Chainwork.Sign() < 0 || h.Chainwork.BitLen() > SizeWork*8 {
		return nil, fmt.Errorf("chainwork out of range for header %s", h.Hash)
	}
	v := make([]byte, sizeHeaderValue)
	off := 0
	off += copy(v[off:], h.PrevHash[:])
	off += copy(v[off:], h.MerkleRoot[:])
	be32(uint32(h.Version), v[off:])
	be32(h.Timestamp, v[off+4:])
	be32(h.Bits, v[off+8:])
	be32(h.Nonce, v[off+12:])
	be32(h.Height, v[off+16:])
	off += 20
	h.Chainwork.FillBytes(v[off:])
	return v, nil
}

// DecodeHeader needs the hash from the key since it is not repeated in the value.
func DecodeHeader(hash chainhash.Hash, v []byte) (*types.Header, error) {
	r := newReader(v)
	h := &types.Header{Hash: hash}
	h.PrevHash = r.hash()
	h.MerkleRoot = r.hash()
	h.Version = int32(r.u32())
	h.Timestamp = r.u32()
	h.Bits = r.u32()
	h.Nonce = r.u32()
	h.Height = r.u32()
	work := r.next(SizeWork)
	if err := r.done(); err != nil {
		return nil, err
	}
	h.Chainwork = new(big.Int).SetBytes(work)
	return h, nil
}

// HeightKey maps a height onto a hash. Used by header, block and concurrent
// chains with different sub-types.
func HeightKey(prefix []byte, sub byte, height uint32) []byte {
	k := newKey(prefix, sub, SizeHeight)
	var b [SizeHeight]byte
	be32(height, b[:])
	return append(k, b[:]...)
}

func DecodeHeightKey(prefix []byte, sub byte, k []byte) (uint32, error) {
	r := newReader(k)
	r.header(prefix, sub)
	height := r.u32()
	return height, r.done()
}

func EncodeHash(hash chainhash.Hash) []byte {
	v := make([]byte, SizeHash)
	copy(v, hash[:])
	return v
}

func DecodeHash(v []byte) (chainhash.Hash, error) {
	r := newReader(v)
	h := r.hash()
	return h, r.done()
}
