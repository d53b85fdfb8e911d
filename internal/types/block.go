package types

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Block is a full block annotated with its height on the canonical chain.
// Txids are computed once on construction.
type Block struct {
	Height uint32
	Hash   chainhash.Hash
	Msg    *wire.MsgBlock
	Txids  []chainhash.Hash
}

func NewBlock(msg *wire.MsgBlock, height uint32) *Block {
	txids := make([]chainhash.Hash, len(msg.Transactions))
	for i, tx := range msg.Transactions {
		txids[i] = tx.TxHash()
	}
	return &Block{
		Height: height,
		Hash:   msg.BlockHash(),
		Msg:    msg,
		Txids:  txids,
	}
}

// DecodeBlock parses a raw serialized block.
func DecodeBlock(raw []byte, height uint32) (*Block, error) {
	var msg wire.MsgBlock
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return NewBlock(&msg, height), nil
}

func (b *Block) PrevHash() chainhash.Hash {
	return b.Msg.Header.PrevBlock
}

func (b *Block) Timestamp() uint32 {
	return uint32(b.Msg.Header.Timestamp.Unix())
}

func (b *Block) Tip() Tip {
	return Tip{Height: b.Height, Hash: b.Hash}
}

// Serialize returns the raw wire encoding.
func (b *Block) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(b.Msg.SerializeSize())
	if err := b.Msg.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
