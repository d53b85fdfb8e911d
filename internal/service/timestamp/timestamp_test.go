package timestamp

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/testhelpers"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withTime rebuilds m on parent with the given header time.
func withTime(parent, m *wire.MsgBlock, ts time.Time) *wire.MsgBlock {
	hdr := m.Header
	hdr.PrevBlock = parent.BlockHash()
	hdr.Timestamp = ts
	out := wire.NewMsgBlock(&hdr)
	for _, tx := range m.Transactions {
		_ = out.AddTransaction(tx)
	}
	return out
}

func TestTimestampsAreStrictlyIncreasing(t *testing.T) {
	db := testhelpers.NewStore(t)
	idx, err := New(db, testhelpers.Params)
	require.NoError(t, err)
	ctx := context.Background()

	genesisTime := testhelpers.Params.GenesisBlock.Header.Timestamp
	m1 := withTime(testhelpers.Params.GenesisBlock, testhelpers.Mine(testhelpers.Params.GenesisBlock, 1, 0), genesisTime.Add(time.Hour))
	// block 2 claims a time before block 1
	m2 := withTime(m1, testhelpers.Mine(m1, 2, 0), genesisTime.Add(time.Minute))
	m3 := withTime(m2, testhelpers.Mine(m2, 3, 0), genesisTime.Add(2*time.Hour))

	var blocks []*types.Block
	for i, m := range []*wire.MsgBlock{m1, m2, m3} {
		b := types.NewBlock(m, uint32(i+1))
		ops, err := idx.Apply(ctx, b, true)
		require.NoError(t, err)
		require.NoError(t, db.Write(ops))
		blocks = append(blocks, b)
	}

	t1, err := idx.TimestampOf(blocks[0].Hash)
	require.NoError(t, err)
	t2, err := idx.TimestampOf(blocks[1].Hash)
	require.NoError(t, err)
	t3, err := idx.TimestampOf(blocks[2].Hash)
	require.NoError(t, err)
	assert.Equal(t, blocks[0].Timestamp(), t1)
	assert.Equal(t, t1+1, t2)
	assert.Equal(t, blocks[2].Timestamp(), t3)

	hashes, err := idx.BlockHashesByTime(t1, t2)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{blocks[0].Hash, blocks[1].Hash}, hashes)

	hashes, err = idx.BlockHashesByTime(0, ^uint32(0))
	require.NoError(t, err)
	assert.Len(t, hashes, 3)

	_, err = idx.BlockHashesByTime(t2, t1)
	assert.Error(t, err)

	// undo block 3
	ops, err := idx.Apply(ctx, blocks[2], false)
	require.NoError(t, err)
	require.NoError(t, db.Write(ops))
	_, err = idx.TimestampOf(blocks[2].Hash)
	assert.ErrorIs(t, err, database.ErrNotFound)
	hashes, err = idx.BlockHashesByTime(0, ^uint32(0))
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
}
