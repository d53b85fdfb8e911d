package types

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type Outpoint struct {
	Txid  chainhash.Hash
	Index uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.Index)
}

// Coin is an unspent output as kept by the utxo index.
type Coin struct {
	Height   uint32
	Amount   int64 // satoshis
	Coinbase bool
	Script   []byte
}

// SpentCoin is a coin consumed by a block, kept so the block can be undone.
type SpentCoin struct {
	Outpoint Outpoint
	Coin     Coin
}

// AddressUTXO is an unspent output paying an address.
type AddressUTXO struct {
	Address   string
	Txid      chainhash.Hash
	Index     uint32
	Height    uint32
	Amount    int64
	Timestamp uint32
	Script    []byte
}

// HistoryEntry records that an address appeared in a transaction, either as
// the owner of an output (Input false) or of a spent prevout (Input true).
type HistoryEntry struct {
	Address   string
	Height    uint32
	Txid      chainhash.Hash
	Index     uint32
	Input     bool
	Timestamp uint32
}

// Spend locates the input that consumed an outpoint.
type Spend struct {
	Txid   chainhash.Hash
	Input  uint32
	Height uint32
}

// TxLocation locates a confirmed transaction.
type TxLocation struct {
	BlockHash chainhash.Hash
	Height    uint32
	Position  uint32
}
