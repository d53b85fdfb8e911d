package encoding

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

// Address sub-types
const (
	SubAddressHistory byte = 0x00
	SubAddressUTXO    byte = 0x01
)

// addressGroup is prefix|sub|len|address, the shared head of every key of
// one address.
func addressGroup(prefix []byte, sub byte, address string, n int) ([]byte, error) {
	k := newKey(prefix, sub, 1+len(address)+n)
	return appendString(k, address)
}

// AddressHistoryKey layout:
// prefix|0x00|len|address|height|txid|index|input|timestamp
func AddressHistoryKey(prefix []byte, e types.HistoryEntry) ([]byte, error) {
	k, err := addressGroup(prefix, SubAddressHistory, e.Address, SizeHeight+SizeTxid+SizeIndex+1+SizeTime)
	if err != nil {
		return nil, err
	}
	var b [SizeHeight]byte
	be32(e.Height, b[:])
	k = append(k, b[:]...)
	k = append(k, e.Txid[:]...)
	be32(e.Index, b[:])
	k = append(k, b[:]...)
	k = appendBool(k, e.Input)
	be32(e.Timestamp, b[:])
	return append(k, b[:]...), nil
}

func DecodeAddressHistoryKey(prefix []byte, k []byte) (e types.HistoryEntry, err error) {
	r := newReader(k)
	r.header(prefix, SubAddressHistory)
	e.Address = r.str()
	e.Height = r.u32()
	e.Txid = r.hash()
	e.Index = r.u32()
	e.Input = r.bool()
	e.Timestamp = r.u32()
	return e, r.done()
}

// AddressHistoryBounds covers heights from..to inclusive for one address.
// The upper bound is exclusive.
func AddressHistoryBounds(prefix []byte, address string, from, to uint32) (lower, upper []byte, err error) {
	head, err := addressGroup(prefix, SubAddressHistory, address, SizeHeight)
	if err != nil {
		return nil, nil, err
	}
	lower = make([]byte, len(head)+SizeHeight)
	copy(lower, head)
	be32(from, lower[len(head):])

	upper = make([]byte, len(head)+SizeHeight)
	copy(upper, head)
	be32(to, upper[len(head):])
	return lower, TerminalKey(upper), nil
}

// AddressUTXOKey layout: prefix|0x01|len|address|txid|index
func AddressUTXOKey(prefix []byte, address string, txid chainhash.Hash, index uint32) ([]byte, error) {
	k, err := addressGroup(prefix, SubAddressUTXO, address, SizeTxid+SizeIndex)
	if err != nil {
		return nil, err
	}
	k = append(k, txid[:]...)
	var b [SizeIndex]byte
	be32(index, b[:])
	return append(k, b[:]...), nil
}

// AddressUTXOPrefix is the group of every unspent output of one address.
func AddressUTXOPrefix(prefix []byte, address string) ([]byte, error) {
	return addressGroup(prefix, SubAddressUTXO, address, 0)
}

// EncodeAddressUTXO value layout: height|amount|timestamp|script
func EncodeAddressUTXO(a Amounts, u types.AddressUTXO) []byte {
	v := make([]byte, 0, SizeHeight+SizeAmt+SizeTime+len(u.Script))
	var b [4]byte
	be32(u.Height, b[:])
	v = append(v, b[:]...)
	v = a.append(v, u.Amount)
	be32(u.Timestamp, b[:])
	v = append(v, b[:]...)
	return append(v, u.Script...)
}

// DecodeAddressUTXO combines key and value.
func DecodeAddressUTXO(a Amounts, prefix []byte, k, v []byte) (u types.AddressUTXO, err error) {
	kr := newReader(k)
	kr.header(prefix, SubAddressUTXO)
	u.Address = kr.str()
	u.Txid = kr.hash()
	u.Index = kr.u32()
	if err = kr.done(); err != nil {
		return u, err
	}

	vr := newReader(v)
	u.Height = vr.u32()
	u.Amount = vr.amount(a)
	u.Timestamp = vr.u32()
	u.Script = vr.rest()
	return u, vr.done()
}
