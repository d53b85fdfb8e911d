// Package testhelpers builds regtest chains and an in-memory node for tests.
package testhelpers

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/database/dbpebble"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"github.com/stretchr/testify/require"
)

var Params = &chaincfg.RegressionNetParams

// regtest addresses
var (
	AddressX = Address(0x01)
	AddressY = Address(0x02)
)

// Address is a p2pkh address over a hash160 filled with b.
func Address(b byte) string {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = b
	}
	a, err := btcutil.NewAddressPubKeyHash(hash, Params)
	if err != nil {
		panic(err)
	}
	return a.EncodeAddress()
}

func GenesisTip() types.Tip {
	return types.Tip{Height: 0, Hash: *Params.GenesisHash}
}

// NewStore opens an empty in-memory pebble store.
func NewStore(t *testing.T) *database.Store {
	t.Helper()
	kv, err := dbpebble.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return database.NewStore(kv, GenesisTip())
}

// Script returns the output script paying addr.
func Script(t *testing.T, addr string) []byte {
	t.Helper()
	a, err := btcutil.DecodeAddress(addr, Params)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(a)
	require.NoError(t, err)
	return script
}

// Coinbase pays value to script. tag keeps coinbases of competing branches
// at the same height distinct.
func Coinbase(height uint32, tag byte, script []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	sig := make([]byte, 6)
	binary.LittleEndian.PutUint32(sig, height)
	sig[4] = tag
	sig[5] = 0x51
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  sig,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, script))
	return tx
}

// Spend consumes the given outpoints into outs.
func Spend(prev []types.Outpoint, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, p := range prev {
		op := wire.NewOutPoint(&p.Txid, p.Index)
		tx.AddTxIn(wire.NewTxIn(op, []byte{0x51}, nil))
	}
	for _, o := range outs {
		tx.AddTxOut(o)
	}
	return tx
}

// NewBlock builds a block on parent with regtest difficulty and a valid
// merkle root. txs[0] must be the coinbase.
func NewBlock(parent *wire.MsgBlock, txs ...*wire.MsgTx) *wire.MsgBlock {
	utxs := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		utxs[i] = btcutil.NewTx(tx)
	}
	header := wire.BlockHeader{
		Version:    0x20000000,
		PrevBlock:  parent.BlockHash(),
		MerkleRoot: blockchain.CalcMerkleRoot(utxs, false),
		Timestamp:  parent.Header.Timestamp.Add(10 * time.Minute),
		Bits:       Params.PowLimitBits,
	}
	block := wire.NewMsgBlock(&header)
	for _, tx := range txs {
		_ = block.AddTransaction(tx)
	}
	return block
}

// Extend builds n coinbase-only blocks on parent. startHeight is the height
// of the first new block.
func Extend(parent *wire.MsgBlock, startHeight uint32, n int, tag byte) []*wire.MsgBlock {
	out := make([]*wire.MsgBlock, 0, n)
	for i := 0; i < n; i++ {
		cb := Coinbase(startHeight+uint32(i), tag, []byte{txscript.OP_TRUE}, 50_0000_0000)
		b := NewBlock(parent, cb)
		out = append(out, b)
		parent = b
	}
	return out
}

func TxHash(tx *wire.MsgTx) chainhash.Hash { return tx.TxHash() }

// Mine builds a block on parent with an OP_TRUE coinbase followed by txs.
func Mine(parent *wire.MsgBlock, height uint32, tag byte, txs ...*wire.MsgTx) *wire.MsgBlock {
	cb := Coinbase(height, tag, []byte{txscript.OP_TRUE}, 50_0000_0000)
	return NewBlock(parent, append([]*wire.MsgTx{cb}, txs...)...)
}

// CoinbaseOutpoint is the first output of the block's coinbase.
func CoinbaseOutpoint(b *wire.MsgBlock) types.Outpoint {
	return types.Outpoint{Txid: b.Transactions[0].TxHash(), Index: 0}
}
