// Package timestamp indexes blocks by a strictly increasing timestamp
// derived from the header time.
package timestamp

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const Name = "timestamp"

type Index struct {
	db      *database.Store
	prefix  []byte
	genesis chainhash.Hash
	// header time of the genesis block, which is never connected
	genesisTime uint32
}

var _ service.Indexer = (*Index)(nil)

func New(db *database.Store, params *chaincfg.Params) (*Index, error) {
	prefix, err := db.AllocatePrefix(Name)
	if err != nil {
		return nil, err
	}
	return &Index{
		db:          db,
		prefix:      prefix,
		genesis:     *params.GenesisHash,
		genesisTime: uint32(params.GenesisBlock.Header.Timestamp.Unix()),
	}, nil
}

func (i *Index) Name() string { return Name }

func (i *Index) Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error) {
	if !connecting {
		ts, err := i.TimestampOf(b.Hash)
		if err != nil {
			return nil, fmt.Errorf("timestamp of %s: %w", b.Hash, err)
		}
		return []database.Operation{
			database.Del(encoding.BlockTimeKey(i.prefix, b.Hash)),
			database.Del(encoding.TimestampKey(i.prefix, ts, b.Hash)),
		}, nil
	}

	parent, err := i.TimestampOf(b.PrevHash())
	if err != nil {
		return nil, fmt.Errorf("timestamp of parent %s: %w", b.PrevHash(), err)
	}
	ts := b.Timestamp()
	if ts <= parent {
		ts = parent + 1
	}
	return []database.Operation{
		database.Put(encoding.TimestampKey(i.prefix, ts, b.Hash), nil),
		database.Put(encoding.BlockTimeKey(i.prefix, b.Hash), encoding.EncodeTime(ts)),
	}, nil
}

// TimestampOf returns the indexed timestamp of a connected block.
func (i *Index) TimestampOf(hash chainhash.Hash) (uint32, error) {
	if hash == i.genesis {
		return i.genesisTime, nil
	}
	v, err := i.db.Get(encoding.BlockTimeKey(i.prefix, hash))
	if err != nil {
		return 0, err
	}
	return encoding.DecodeTime(v)
}

// BlockHashesByTime lists blocks with low <= timestamp <= high in
// timestamp order.
func (i *Index) BlockHashesByTime(low, high uint32) ([]chainhash.Hash, error) {
	if low > high {
		return nil, errors.New("low timestamp above high timestamp")
	}
	lower, upper := encoding.TimestampBounds(i.prefix, low, high)
	it := i.db.Scan(database.Range{GTE: lower, LT: upper})
	defer it.Close()

	var out []chainhash.Hash
	for it.Next() {
		_, hash, err := encoding.DecodeTimestampKey(i.prefix, it.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, hash)
	}
	return out, it.Err()
}
