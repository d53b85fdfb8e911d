// Package spent maps every spent outpoint to the input that consumed it.
package spent

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const Name = "spent"

type Index struct {
	db     *database.Store
	prefix []byte
}

var _ service.Indexer = (*Index)(nil)

func New(db *database.Store) (*Index, error) {
	prefix, err := db.AllocatePrefix(Name)
	if err != nil {
		return nil, err
	}
	return &Index{db: db, prefix: prefix}, nil
}

func (i *Index) Name() string { return Name }

// Apply only touches keys derived from the block itself, so it is safe to
// run ahead of the serial tip.
func (i *Index) Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error) {
	var ops []database.Operation
	for pos := len(b.Msg.Transactions) - 1; pos >= 1; pos-- {
		tx := b.Msg.Transactions[pos]
		for n := len(tx.TxIn) - 1; n >= 0; n-- {
			prev := tx.TxIn[n].PreviousOutPoint
			key := encoding.OutpointKey(i.prefix, encoding.SubSpent, types.Outpoint{Txid: prev.Hash, Index: prev.Index})
			if !connecting {
				ops = append(ops, database.Del(key))
				continue
			}
			ops = append(ops, database.Put(key, encoding.EncodeSpend(types.Spend{
				Txid:   b.Txids[pos],
				Input:  uint32(n),
				Height: b.Height,
			})))
		}
	}
	return ops, nil
}

// SpentBy returns the input spending txid:index. ErrNotFound means unspent
// or unknown.
func (i *Index) SpentBy(txid chainhash.Hash, index uint32) (types.Spend, error) {
	v, err := i.db.Get(encoding.OutpointKey(i.prefix, encoding.SubSpent, types.Outpoint{Txid: txid, Index: index}))
	if err != nil {
		return types.Spend{}, err
	}
	return encoding.DecodeSpend(v)
}
