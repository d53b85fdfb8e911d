package types

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Header is a block header annotated with its height and the cumulative
// chainwork of its branch.
type Header struct {
	Hash       chainhash.Hash
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Version    int32
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
	Height     uint32
	Chainwork  *big.Int
}

// NewHeader builds the header that extends a parent with the given chainwork.
// A nil parentWork means the header is a genesis header.
func NewHeader(h *wire.BlockHeader, height uint32, parentWork *big.Int) *Header {
	work := blockchain.CalcWork(h.Bits)
	if parentWork != nil {
		work.Add(work, parentWork)
	}
	return &Header{
		Hash:       h.BlockHash(),
		PrevHash:   h.PrevBlock,
		MerkleRoot: h.MerkleRoot,
		Version:    h.Version,
		Timestamp:  uint32(h.Timestamp.Unix()),
		Bits:       h.Bits,
		Nonce:      h.Nonce,
		Height:     height,
		Chainwork:  work,
	}
}

// Tip is the most recently committed block of a service.
type Tip struct {
	Height uint32
	Hash   chainhash.Hash
}

func (h *Header) Tip() Tip {
	return Tip{Height: h.Height, Hash: h.Hash}
}
