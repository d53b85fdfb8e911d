package encoding

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

// Mempool sub-types
const (
	SubMempoolTx      byte = 0x00
	SubMempoolAddress byte = 0x01
	SubMempoolSpend   byte = 0x02
)

// MempoolAddress is an address touched by an unconfirmed transaction.
type MempoolAddress struct {
	Address string
	Index   uint32
	Input   bool
}

func MempoolTxKey(prefix []byte, txid chainhash.Hash) []byte {
	k := newKey(prefix, SubMempoolTx, SizeTxid)
	return append(k, txid[:]...)
}

func DecodeMempoolTxKey(prefix []byte, k []byte) (chainhash.Hash, error) {
	r := newReader(k)
	r.header(prefix, SubMempoolTx)
	txid := r.hash()
	return txid, r.done()
}

// EncodeMempoolTx value layout: len(4)|rawTx|{len|address|index|input}*
// The address list lets the tx be removed without re-deriving addresses.
func EncodeMempoolTx(rawTx []byte, addrs []MempoolAddress) ([]byte, error) {
	v := make([]byte, 4, 4+len(rawTx)+len(addrs)*40)
	be32(uint32(len(rawTx)), v)
	v = append(v, rawTx...)
	var b [SizeIndex]byte
	for _, a := range addrs {
		var err error
		if v, err = appendString(v, a.Address); err != nil {
			return nil, err
		}
		be32(a.Index, b[:])
		v = append(v, b[:]...)
		v = appendBool(v, a.Input)
	}
	return v, nil
}

func DecodeMempoolTx(v []byte) (rawTx []byte, addrs []MempoolAddress, err error) {
	r := newReader(v)
	n := r.u32()
	if r.err == nil && int(n) > r.remaining() {
		return nil, nil, fmt.Errorf("%w: raw tx length %d exceeds value", ErrDecode, n)
	}
	rawTx = r.bytes(int(n))
	for r.err == nil && r.remaining() > 0 {
		var a MempoolAddress
		a.Address = r.str()
		a.Index = r.u32()
		a.Input = r.bool()
		addrs = append(addrs, a)
	}
	return rawTx, addrs, r.done()
}

// MempoolAddressKey layout: prefix|0x01|len|address|txid|index|input
func MempoolAddressKey(prefix []byte, address string, txid chainhash.Hash, index uint32, input bool) ([]byte, error) {
	k, err := addressGroup(prefix, SubMempoolAddress, address, SizeTxid+SizeIndex+1)
	if err != nil {
		return nil, err
	}
	k = append(k, txid[:]...)
	var b [SizeIndex]byte
	be32(index, b[:])
	k = append(k, b[:]...)
	return appendBool(k, input), nil
}

func DecodeMempoolAddressKey(prefix []byte, k []byte) (address string, txid chainhash.Hash, index uint32, input bool, err error) {
	r := newReader(k)
	r.header(prefix, SubMempoolAddress)
	address = r.str()
	txid = r.hash()
	index = r.u32()
	input = r.bool()
	return address, txid, index, input, r.done()
}

func MempoolAddressPrefix(prefix []byte, address string) ([]byte, error) {
	return addressGroup(prefix, SubMempoolAddress, address, 0)
}

// MempoolSpendKey maps an outpoint to the unconfirmed transaction spending
// it. Layout: prefix|0x02|txid|index, value is the spender txid.
func MempoolSpendKey(prefix []byte, op types.Outpoint) []byte {
	return OutpointKey(prefix, SubMempoolSpend, op)
}

// MempoolSpendPrefix groups the spends of every output of txid.
func MempoolSpendPrefix(prefix []byte, txid chainhash.Hash) []byte {
	k := newKey(prefix, SubMempoolSpend, SizeTxid)
	return append(k, txid[:]...)
}

func DecodeMempoolSpender(v []byte) (chainhash.Hash, error) {
	r := newReader(v)
	txid := r.hash()
	return txid, r.done()
}
