package encoding

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const SubSpent byte = 0x00

// EncodeSpend value layout: spendingTxid|inputIndex|height
func EncodeSpend(s types.Spend) []byte {
	v := make([]byte, SizeTxid+SizeIndex+SizeHeight)
	copy(v, s.Txid[:])
	be32(s.Input, v[SizeTxid:])
	be32(s.Height, v[SizeTxid+SizeIndex:])
	return v
}

func DecodeSpend(v []byte) (s types.Spend, err error) {
	r := newReader(v)
	s.Txid = r.hash()
	s.Input = r.u32()
	s.Height = r.u32()
	return s, r.done()
}

// Tx index
const SubTxLocation byte = 0x00

func TxKey(prefix []byte, txid chainhash.Hash) []byte {
	k := newKey(prefix, SubTxLocation, SizeTxid)
	return append(k, txid[:]...)
}

// EncodeTxLocation value layout: blockHash|height|position
func EncodeTxLocation(l types.TxLocation) []byte {
	v := make([]byte, SizeHash+SizeHeight+SizeIndex)
	copy(v, l.BlockHash[:])
	be32(l.Height, v[SizeHash:])
	be32(l.Position, v[SizeHash+SizeHeight:])
	return v
}

func DecodeTxLocation(v []byte) (l types.TxLocation, err error) {
	r := newReader(v)
	l.BlockHash = r.hash()
	l.Height = r.u32()
	l.Position = r.u32()
	return l, r.done()
}
