// Package txindex locates confirmed transactions by txid.
package txindex

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const Name = "txindex"

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

func (i *Index) Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error) {
	ops := make([]database.Operation, 0, len(b.Txids))
	for pos := len(b.Txids) - 1; pos >= 0; pos-- {
		key := encoding.TxKey(i.prefix, b.Txids[pos])
		if !connecting {
			ops = append(ops, database.Del(key))
			continue
		}
		ops = append(ops, database.Put(key, encoding.EncodeTxLocation(types.TxLocation{
			BlockHash: b.Hash,
			Height:    b.Height,
			Position:  uint32(pos),
		})))
	}
	return ops, nil
}

func (i *Index) Location(txid chainhash.Hash) (types.TxLocation, error) {
	v, err := i.db.Get(encoding.TxKey(i.prefix, txid))
	if err != nil {
		return types.TxLocation{}, err
	}
	return encoding.DecodeTxLocation(v)
}
