package mempool

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/service/utxo"
	"github.com/setavenger/blindbit-indexer/internal/testhelpers"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db    *database.Store
	src   *testhelpers.FakeSource
	coins *utxo.Index
	pool  *Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testhelpers.NewStore(t)
	src := testhelpers.NewFakeSource()
	coins, err := utxo.New(db, encoding.AmountsLegacyDouble)
	require.NoError(t, err)
	pool, err := New(db, testhelpers.Params, coins, src)
	require.NoError(t, err)
	return &fixture{db: db, src: src, coins: coins, pool: pool}
}

func (f *fixture) apply(t *testing.T, b *types.Block, connecting bool) {
	t.Helper()
	ctx := context.Background()
	p, err := f.pool.Apply(ctx, b, connecting)
	require.NoError(t, err)
	u, err := f.coins.Apply(ctx, b, connecting)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(append(p, u...)))
}

func TestRefreshConfirmAndReorg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scriptX := testhelpers.Script(t, testhelpers.AddressX)
	scriptY := testhelpers.Script(t, testhelpers.AddressY)

	m1 := testhelpers.Mine(testhelpers.Params.GenesisBlock, 1, 0)
	f.apply(t, types.NewBlock(m1, 1), true)

	// parent pays X from the coinbase, child spends it to Y, both unconfirmed
	parent := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(m1)}, wire.NewTxOut(9_000, scriptX))
	child := testhelpers.Spend([]types.Outpoint{{Txid: parent.TxHash(), Index: 0}}, wire.NewTxOut(8_000, scriptY))
	f.src.SetMempool(parent, child)
	require.NoError(t, f.pool.Refresh(ctx))

	txids, err := f.pool.TxidsByAddress(testhelpers.AddressX)
	require.NoError(t, err)
	assert.ElementsMatch(t, []chainhash.Hash{parent.TxHash(), child.TxHash()}, txids)
	txids, err = f.pool.TxidsByAddress(testhelpers.AddressY)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{child.TxHash()}, txids)

	stored, err := f.pool.Transaction(child.TxHash())
	require.NoError(t, err)
	assert.Equal(t, child.TxHash(), stored.TxHash())

	// the parent confirms
	m2 := testhelpers.Mine(m1, 2, 0, parent)
	b2 := types.NewBlock(m2, 2)
	f.apply(t, b2, true)
	_, err = f.pool.Transaction(parent.TxHash())
	assert.ErrorIs(t, err, database.ErrNotFound)
	txids, err = f.pool.TxidsByAddress(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{child.TxHash()}, txids)

	// the node drops the child
	f.src.SetMempool()
	require.NoError(t, f.pool.Refresh(ctx))
	all, err := f.pool.Txids()
	require.NoError(t, err)
	assert.Empty(t, all)

	// a reorg returns the parent to the pool
	out, err := f.pool.OnReorg(ctx, types.Tip{Height: 1, Hash: m1.BlockHash()}, []*types.Block{b2})
	require.NoError(t, err)
	require.Len(t, out, 1)
	u, err := f.coins.Apply(ctx, b2, false)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(append(out[0], u...)))

	txids, err = f.pool.TxidsByAddress(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{parent.TxHash()}, txids)
}

func TestConnectEvictsConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scriptX := testhelpers.Script(t, testhelpers.AddressX)
	scriptY := testhelpers.Script(t, testhelpers.AddressY)

	m1 := testhelpers.Mine(testhelpers.Params.GenesisBlock, 1, 0)
	f.apply(t, types.NewBlock(m1, 1), true)
	m2 := testhelpers.Mine(m1, 2, 0)
	f.apply(t, types.NewBlock(m2, 2), true)

	// parent and child spend m1's coinbase, other spends m2's
	parent := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(m1)}, wire.NewTxOut(9_000, scriptX))
	child := testhelpers.Spend([]types.Outpoint{{Txid: parent.TxHash(), Index: 0}}, wire.NewTxOut(8_000, scriptX))
	other := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(m2)}, wire.NewTxOut(7_000, scriptY))
	f.src.SetMempool(parent, child, other)
	require.NoError(t, f.pool.Refresh(ctx))

	// a block confirms a different spend of m1's coinbase
	double := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(m1)}, wire.NewTxOut(6_000, scriptY))
	m3 := testhelpers.Mine(m2, 3, 0, double)
	f.apply(t, types.NewBlock(m3, 3), true)

	all, err := f.pool.Txids()
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{other.TxHash()}, all)
	txids, err := f.pool.TxidsByAddress(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Empty(t, txids)

	// no spend entries survive for the evicted transactions
	it := f.db.ScanPrefix(encoding.MempoolSpendPrefix(f.pool.prefix, parent.TxHash()))
	assert.False(t, it.Next())
	require.NoError(t, it.Close())
	_, err = f.pool.spender(testhelpers.CoinbaseOutpoint(m1))
	assert.ErrorIs(t, err, database.ErrNotFound)
	spender, err := f.pool.spender(testhelpers.CoinbaseOutpoint(m2))
	require.NoError(t, err)
	assert.Equal(t, other.TxHash(), spender)

	// confirming other leaves an empty pool
	m4 := testhelpers.Mine(m3, 4, 0, other)
	f.apply(t, types.NewBlock(m4, 4), true)
	all, err = f.pool.Txids()
	require.NoError(t, err)
	assert.Empty(t, all)
	_, err = f.pool.spender(testhelpers.CoinbaseOutpoint(m2))
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestReorgReaddedTxLeavesWhenBranchSpendsItsInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scriptX := testhelpers.Script(t, testhelpers.AddressX)
	scriptY := testhelpers.Script(t, testhelpers.AddressY)

	m1 := testhelpers.Mine(testhelpers.Params.GenesisBlock, 1, 0)
	f.apply(t, types.NewBlock(m1, 1), true)
	payX := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(m1)}, wire.NewTxOut(9_000, scriptX))
	a2 := types.NewBlock(testhelpers.Mine(m1, 2, 'a', payX), 2)
	f.apply(t, a2, true)

	out, err := f.pool.OnReorg(ctx, types.Tip{Height: 1, Hash: m1.BlockHash()}, []*types.Block{a2})
	require.NoError(t, err)
	u, err := f.coins.Apply(ctx, a2, false)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(append(out[0], u...)))
	_, err = f.pool.Transaction(payX.TxHash())
	require.NoError(t, err)

	payY := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(m1)}, wire.NewTxOut(8_000, scriptY))
	f.apply(t, types.NewBlock(testhelpers.Mine(m1, 2, 'b', payY), 2), true)

	_, err = f.pool.Transaction(payX.TxHash())
	assert.ErrorIs(t, err, database.ErrNotFound)
	txids, err := f.pool.TxidsByAddress(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Empty(t, txids)
}

func TestReseedEmptiesPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scriptX := testhelpers.Script(t, testhelpers.AddressX)

	m1 := testhelpers.Mine(testhelpers.Params.GenesisBlock, 1, 0)
	f.apply(t, types.NewBlock(m1, 1), true)
	tx := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(m1)}, wire.NewTxOut(9_000, scriptX))
	f.src.SetMempool(tx)
	require.NoError(t, f.pool.Refresh(ctx))

	tip := types.Tip{Height: 1, Hash: m1.BlockHash()}
	ops, err := f.pool.Reseed(ctx, tip)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(append(ops, database.TipOp(f.pool.prefix, Name, tip))))

	all, err := f.pool.Txids()
	require.NoError(t, err)
	assert.Empty(t, all)
	_, err = f.pool.spender(testhelpers.CoinbaseOutpoint(m1))
	assert.ErrorIs(t, err, database.ErrNotFound)
	got, err := f.db.GetServiceTip(Name)
	require.NoError(t, err)
	assert.Equal(t, tip, got)

	require.NoError(t, f.pool.Refresh(ctx))
	txids, err := f.pool.TxidsByAddress(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{tx.TxHash()}, txids)
}
