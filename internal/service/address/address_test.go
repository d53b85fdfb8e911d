package address

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/txscript"
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
	coins *utxo.Index
	addr  *Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testhelpers.NewStore(t)
	coins, err := utxo.New(db, encoding.AmountsLegacyDouble)
	require.NoError(t, err)
	addr, err := New(db, encoding.AmountsLegacyDouble, testhelpers.Params, coins)
	require.NoError(t, err)
	return &fixture{db: db, coins: coins, addr: addr}
}

// apply computes both indexes against committed state, then commits them
// together.
func (f *fixture) apply(t *testing.T, b *types.Block, connecting bool) {
	t.Helper()
	ctx := context.Background()
	a, err := f.addr.Apply(ctx, b, connecting)
	require.NoError(t, err)
	u, err := f.coins.Apply(ctx, b, connecting)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(append(a, u...)))
}

func TestScriptAddress(t *testing.T) {
	script := testhelpers.Script(t, testhelpers.AddressX)
	addr, ok := ScriptAddress(script, testhelpers.Params)
	require.True(t, ok)
	assert.Equal(t, testhelpers.AddressX, addr)

	_, ok = ScriptAddress([]byte{txscript.OP_TRUE}, testhelpers.Params)
	assert.False(t, ok)
	_, ok = ScriptAddress([]byte{txscript.OP_RETURN}, testhelpers.Params)
	assert.False(t, ok)
}

func TestReceiveSpendAndUndo(t *testing.T) {
	f := newFixture(t)
	scriptX := testhelpers.Script(t, testhelpers.AddressX)
	scriptY := testhelpers.Script(t, testhelpers.AddressY)

	m1 := testhelpers.Mine(testhelpers.Params.GenesisBlock, 1, 0)
	b1 := types.NewBlock(m1, 1)
	f.apply(t, b1, true)

	pay := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(m1)},
		wire.NewTxOut(5_000, scriptX),
		wire.NewTxOut(7_000, scriptX),
	)
	m2 := testhelpers.Mine(m1, 2, 0, pay)
	b2 := types.NewBlock(m2, 2)
	f.apply(t, b2, true)

	utxos, err := f.addr.GetUnspentOutputs(testhelpers.AddressX)
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	assert.Equal(t, int64(5_000), utxos[0].Amount)
	assert.Equal(t, uint32(2), utxos[0].Height)
	assert.Equal(t, b2.Timestamp(), utxos[0].Timestamp)
	assert.Equal(t, scriptX, utxos[0].Script)
	balance, err := f.addr.Balance(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Equal(t, int64(12_000), balance)

	// spend the first output to Y, and in the same block spend Y's new output
	// back to Y
	spend := testhelpers.Spend([]types.Outpoint{{Txid: pay.TxHash(), Index: 0}}, wire.NewTxOut(4_000, scriptY))
	again := testhelpers.Spend([]types.Outpoint{{Txid: spend.TxHash(), Index: 0}}, wire.NewTxOut(3_000, scriptY))
	m3 := testhelpers.Mine(m2, 3, 0, spend, again)
	b3 := types.NewBlock(m3, 3)
	f.apply(t, b3, true)

	utxos, err = f.addr.GetUnspentOutputs(testhelpers.AddressX)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, uint32(1), utxos[0].Index)

	utxos, err = f.addr.GetUnspentOutputs(testhelpers.AddressY)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, again.TxHash(), utxos[0].Txid)

	history, err := f.addr.GetHistory(testhelpers.AddressX, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.False(t, history[0].Input)
	assert.Equal(t, uint32(2), history[0].Height)
	assert.True(t, history[2].Input)
	assert.Equal(t, uint32(3), history[2].Height)
	assert.Equal(t, spend.TxHash(), history[2].Txid)

	only3, err := f.addr.GetHistory(testhelpers.AddressX, 3, 3)
	require.NoError(t, err)
	assert.Len(t, only3, 1)

	// undo block 3
	f.apply(t, b3, false)

	utxos, err = f.addr.GetUnspentOutputs(testhelpers.AddressX)
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	assert.Equal(t, b2.Timestamp(), utxos[0].Timestamp)
	assert.Equal(t, int64(5_000), utxos[0].Amount)

	utxos, err = f.addr.GetUnspentOutputs(testhelpers.AddressY)
	require.NoError(t, err)
	assert.Empty(t, utxos)
	history, err = f.addr.GetHistory(testhelpers.AddressY, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	history, err = f.addr.GetHistory(testhelpers.AddressX, 0, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
