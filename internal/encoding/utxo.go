package encoding

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

// UTXO sub-types
const (
	SubUTXO         byte = 0x00
	SubSpendJournal byte = 0x01
)

// OutpointKey is prefix|sub|txid|index. Shared by the utxo and spent indexes.
func OutpointKey(prefix []byte, sub byte, op types.Outpoint) []byte {
	k := newKey(prefix, sub, SizeTxid+SizeIndex)
	k = append(k, op.Txid[:]...)
	var b [SizeIndex]byte
	be32(op.Index, b[:])
	return append(k, b[:]...)
}

func DecodeOutpointKey(prefix []byte, sub byte, k []byte) (op types.Outpoint, err error) {
	r := newReader(k)
	r.header(prefix, sub)
	op.Txid = r.hash()
	op.Index = r.u32()
	return op, r.done()
}

// EncodeCoin value layout: height|amount|coinbase|script
func EncodeCoin(a Amounts, c types.Coin) []byte {
	v := make([]byte, 0, SizeHeight+SizeAmt+1+len(c.Script))
	var b [SizeHeight]byte
	be32(c.Height, b[:])
	v = append(v, b[:]...)
	v = a.append(v, c.Amount)
	v = appendBool(v, c.Coinbase)
	return append(v, c.Script...)
}

func DecodeCoin(a Amounts, v []byte) (c types.Coin, err error) {
	r := newReader(v)
	c.Height = r.u32()
	c.Amount = r.amount(a)
	c.Coinbase = r.bool()
	c.Script = r.rest()
	return c, r.done()
}

func SpendJournalKey(prefix []byte, blockHash chainhash.Hash) []byte {
	k := newKey(prefix, SubSpendJournal, SizeHash)
	return append(k, blockHash[:]...)
}

// EncodeSpendJournal layout: count(4) then per coin txid|index|len(4)|coin.
func EncodeSpendJournal(a Amounts, spent []types.SpentCoin) []byte {
	var b [4]byte
	be32(uint32(len(spent)), b[:])
	v := append([]byte(nil), b[:]...)
	for _, s := range spent {
		coin := EncodeCoin(a, s.Coin)
		v = append(v, s.Outpoint.Txid[:]...)
		be32(s.Outpoint.Index, b[:])
		v = append(v, b[:]...)
		be32(uint32(len(coin)), b[:])
		v = append(v, b[:]...)
		v = append(v, coin...)
	}
	return v
}

func DecodeSpendJournal(a Amounts, v []byte) ([]types.SpentCoin, error) {
	r := newReader(v)
	n := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	// every entry takes at least txid, index and the length field
	if int(n) > r.remaining()/(SizeTxid+SizeIndex+4) {
		return nil, fmt.Errorf("%w: journal claims %d entries in %d bytes", ErrDecode, n, len(v))
	}
	out := make([]types.SpentCoin, 0, n)
	for i := uint32(0); i < n; i++ {
		var s types.SpentCoin
		s.Outpoint.Txid = r.hash()
		s.Outpoint.Index = r.u32()
		size := r.u32()
		raw := r.next(int(size))
		if r.err != nil {
			return nil, r.err
		}
		coin, err := DecodeCoin(a, raw)
		if err != nil {
			return nil, err
		}
		s.Coin = coin
		out = append(out, s)
	}
	return out, r.done()
}
