package spent

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/testhelpers"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpentBy(t *testing.T) {
	db := testhelpers.NewStore(t)
	idx, err := New(db)
	require.NoError(t, err)
	ctx := context.Background()

	m1 := testhelpers.Mine(testhelpers.Params.GenesisBlock, 1, 0)
	cb := testhelpers.CoinbaseOutpoint(m1)
	other := types.Outpoint{Txid: cb.Txid, Index: 7}
	tx := testhelpers.Spend([]types.Outpoint{other, cb}, wire.NewTxOut(1, []byte{txscript.OP_TRUE}))
	b := types.NewBlock(testhelpers.Mine(m1, 2, 0, tx), 2)

	ops, err := idx.Apply(ctx, b, true)
	require.NoError(t, err)
	require.NoError(t, db.Write(ops))

	s, err := idx.SpentBy(cb.Txid, 0)
	require.NoError(t, err)
	assert.Equal(t, types.Spend{Txid: tx.TxHash(), Input: 1, Height: 2}, s)

	// coinbase inputs are not recorded
	_, err = idx.SpentBy(chainhash.Hash{}, wire.MaxPrevOutIndex)
	assert.ErrorIs(t, err, database.ErrNotFound)

	ops, err = idx.Apply(ctx, b, false)
	require.NoError(t, err)
	require.NoError(t, db.Write(ops))
	_, err = idx.SpentBy(cb.Txid, 0)
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = idx.SpentBy(cb.Txid, 7)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
