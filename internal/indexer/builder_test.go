package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/blockstore"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/headers"
	"github.com/setavenger/blindbit-indexer/internal/reorg"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/service/address"
	"github.com/setavenger/blindbit-indexer/internal/service/mempool"
	"github.com/setavenger/blindbit-indexer/internal/service/spent"
	"github.com/setavenger/blindbit-indexer/internal/service/timestamp"
	"github.com/setavenger/blindbit-indexer/internal/service/txindex"
	"github.com/setavenger/blindbit-indexer/internal/service/utxo"
	"github.com/setavenger/blindbit-indexer/internal/testhelpers"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	db       *database.Store
	src      *testhelpers.FakeSource
	tracker  *headers.Tracker
	blocks   *blockstore.Store
	orch     *service.Orchestrator
	resolver *reorg.Resolver
	builder  *Builder

	utxo      *utxo.Index
	address   *address.Index
	spent     *spent.Index
	txindex   *txindex.Index
	timestamp *timestamp.Index
	mempool   *mempool.Index
}

type stackOption func(*stackConfig)

type stackConfig struct {
	window     int
	flush      int
	serial     []service.Indexer
	concurrent []service.Indexer
}

func withWindow(n int) stackOption { return func(c *stackConfig) { c.window = n } }

func withExtra(serial, concurrent service.Indexer) stackOption {
	return func(c *stackConfig) {
		if serial != nil {
			c.serial = append(c.serial, serial)
		}
		if concurrent != nil {
			c.concurrent = append(c.concurrent, concurrent)
		}
	}
}

func newStack(t *testing.T, src *testhelpers.FakeSource, opts ...stackOption) *stack {
	t.Helper()
	cfg := stackConfig{window: 50, flush: 4}
	for _, o := range opts {
		o(&cfg)
	}
	ctx := context.Background()
	s := &stack{db: testhelpers.NewStore(t), src: src}

	s.tracker = headers.NewTracker(s.db, src, testhelpers.Params, 7)
	require.NoError(t, s.tracker.Load(ctx))
	s.blocks = blockstore.New(s.db, cfg.window)
	require.NoError(t, s.blocks.Load(ctx))
	s.orch = service.NewOrchestrator(s.db, s.blocks)

	var err error
	s.utxo, err = utxo.New(s.db, encoding.AmountsLegacyDouble)
	require.NoError(t, err)
	s.address, err = address.New(s.db, encoding.AmountsLegacyDouble, testhelpers.Params, s.utxo)
	require.NoError(t, err)
	s.timestamp, err = timestamp.New(s.db, testhelpers.Params)
	require.NoError(t, err)
	s.mempool, err = mempool.New(s.db, testhelpers.Params, s.utxo, src)
	require.NoError(t, err)
	s.spent, err = spent.New(s.db)
	require.NoError(t, err)
	s.txindex, err = txindex.New(s.db)
	require.NoError(t, err)

	require.NoError(t, s.orch.RegisterConcurrent(s.txindex, s.spent))
	require.NoError(t, s.orch.RegisterConcurrent(cfg.concurrent...))
	require.NoError(t, s.orch.RegisterSerial(s.utxo, s.address, s.timestamp, s.mempool))
	require.NoError(t, s.orch.RegisterSerial(cfg.serial...))
	require.NoError(t, s.orch.Verify(ctx))

	s.resolver = reorg.NewResolver(s.orch, s.tracker)
	s.builder = NewBuilder(src, s.tracker, s.orch, s.resolver, s.mempool, Options{
		FlushBlocks:  cfg.flush,
		BlockBuffer:  3,
		PollInterval: 10 * time.Millisecond,
	})
	return s
}

// follow runs what one live notification triggers.
func (s *stack) follow(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.tracker.Sync(ctx))
	require.NoError(t, s.builder.syncToBest(ctx, 1))
}

func TestEndToEndReceiveAndSpend(t *testing.T) {
	src := testhelpers.NewFakeSource()
	scriptX := testhelpers.Script(t, testhelpers.AddressX)
	scriptY := testhelpers.Script(t, testhelpers.AddressY)

	chain := testhelpers.Extend(src.Genesis(), 1, 99, 0)
	pay := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(chain[0])},
		wire.NewTxOut(5_000, scriptX),
	)
	b100 := testhelpers.Mine(chain[98], 100, 0, pay)
	chain = append(chain, b100)
	chain = append(chain, testhelpers.Extend(b100, 101, 4, 0)...)
	src.Extend(chain...)

	s := newStack(t, src)
	require.NoError(t, s.builder.InitialSyncToTip(context.Background()))
	select {
	case <-s.builder.Synced():
	default:
		t.Fatal("synced not closed")
	}
	assert.Equal(t, uint32(104), s.blocks.Tip().Height)
	assert.Equal(t, uint32(104), s.blocks.ConcurrentTip().Height)

	utxos, err := s.address.GetUnspentOutputs(testhelpers.AddressX)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, pay.TxHash(), utxos[0].Txid)
	assert.Equal(t, uint32(0), utxos[0].Index)
	assert.Equal(t, int64(5_000), utxos[0].Amount)
	assert.Equal(t, uint32(100), utxos[0].Height)

	loc, err := s.txindex.Location(pay.TxHash())
	require.NoError(t, err)
	assert.Equal(t, uint32(100), loc.Height)
	assert.Equal(t, b100.BlockHash(), loc.BlockHash)

	// spend it at height 105
	spendTx := testhelpers.Spend([]types.Outpoint{{Txid: pay.TxHash(), Index: 0}}, wire.NewTxOut(4_000, scriptY))
	b105 := testhelpers.Mine(src.Tip(), 105, 0, spendTx)
	src.Extend(b105)
	s.follow(t)
	assert.Equal(t, uint32(105), s.blocks.Tip().Height)

	utxos, err = s.address.GetUnspentOutputs(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Empty(t, utxos)

	sp, err := s.spent.SpentBy(pay.TxHash(), 0)
	require.NoError(t, err)
	assert.Equal(t, spendTx.TxHash(), sp.Txid)
	assert.Equal(t, uint32(0), sp.Input)
	assert.Equal(t, uint32(105), sp.Height)

	history, err := s.address.GetHistory(testhelpers.AddressX, 0, 200)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint32(100), history[0].Height)
	assert.True(t, history[1].Input)

	require.NoError(t, s.orch.Verify(context.Background()))
}

func TestReorgReplacesBranch(t *testing.T) {
	src := testhelpers.NewFakeSource()
	scriptX := testhelpers.Script(t, testhelpers.AddressX)
	scriptY := testhelpers.Script(t, testhelpers.AddressY)

	// A: 1..5, height 4 pays X
	a := testhelpers.Extend(src.Genesis(), 1, 3, 'a')
	payX := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(a[0])}, wire.NewTxOut(5_000, scriptX))
	a = append(a, testhelpers.Mine(a[2], 4, 'a', payX))
	a = append(a, testhelpers.Extend(a[3], 5, 1, 'a')...)
	src.Extend(a...)

	s := newStack(t, src)
	require.NoError(t, s.builder.InitialSyncToTip(context.Background()))
	require.Equal(t, a[4].BlockHash(), s.blocks.Tip().Hash)
	utxos, err := s.address.GetUnspentOutputs(testhelpers.AddressX)
	require.NoError(t, err)
	require.Len(t, utxos, 1)

	// B forks after height 2 with 3'..6', 4' pays Y from the same coin
	b := testhelpers.Extend(a[1], 3, 1, 'b')
	payY := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(a[0])}, wire.NewTxOut(6_000, scriptY))
	b = append(b, testhelpers.Mine(b[0], 4, 'b', payY))
	b = append(b, testhelpers.Extend(b[1], 5, 2, 'b')...)
	src.Extend(b...)

	s.follow(t)

	assert.Equal(t, b[3].BlockHash(), s.blocks.Tip().Hash)
	assert.Equal(t, uint32(6), s.blocks.Tip().Height)
	assert.Equal(t, s.blocks.Tip(), s.blocks.ConcurrentTip())
	for i, blk := range b {
		hash, err := s.blocks.HashAt(uint32(3 + i))
		require.NoError(t, err)
		assert.Equal(t, blk.BlockHash(), hash)
	}

	utxos, err = s.address.GetUnspentOutputs(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Empty(t, utxos)
	history, err := s.address.GetHistory(testhelpers.AddressX, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	utxos, err = s.address.GetUnspentOutputs(testhelpers.AddressY)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, uint32(4), utxos[0].Height)

	_, err = s.txindex.Location(payX.TxHash())
	assert.ErrorIs(t, err, database.ErrNotFound)
	sp, err := s.spent.SpentBy(testhelpers.CoinbaseOutpoint(a[0]).Txid, 0)
	require.NoError(t, err)
	assert.Equal(t, payY.TxHash(), sp.Txid)

	for _, blk := range a[2:] {
		_, err := s.timestamp.TimestampOf(blk.BlockHash())
		assert.ErrorIs(t, err, database.ErrNotFound)
		_, err = s.utxo.Coin(testhelpers.CoinbaseOutpoint(blk))
		assert.ErrorIs(t, err, database.ErrNotFound)
	}
	_, err = s.utxo.Coin(testhelpers.CoinbaseOutpoint(b[3]))
	assert.NoError(t, err)

	// the payment to X came back with A's blocks and left when payY confirmed
	txids, err := s.mempool.TxidsByAddress(testhelpers.AddressX)
	require.NoError(t, err)
	assert.Empty(t, txids)
	_, err = s.mempool.Transaction(payX.TxHash())
	assert.ErrorIs(t, err, database.ErrNotFound)
	all, err := s.mempool.Txids()
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.orch.Verify(context.Background()))

	// a restart sees the same state
	again := blockstore.New(s.db, 50)
	require.NoError(t, again.Load(context.Background()))
	assert.Equal(t, s.blocks.Tip(), again.Tip())
}

func TestReorgDeeperThanWindowIsFatal(t *testing.T) {
	src := testhelpers.NewFakeSource()
	a := testhelpers.Extend(src.Genesis(), 1, 5, 'a')
	src.Extend(a...)

	s := newStack(t, src, withWindow(2))
	require.NoError(t, s.builder.InitialSyncToTip(context.Background()))

	b := testhelpers.Extend(a[0], 2, 6, 'b')
	src.Extend(b...)
	require.NoError(t, s.tracker.Sync(context.Background()))

	err := s.builder.syncToBest(context.Background(), 0)
	assert.ErrorIs(t, err, reorg.ErrAncestorNotFound)
	assert.Equal(t, a[4].BlockHash(), s.blocks.Tip().Hash)
	assert.Equal(t, reorg.Normal, s.resolver.State())
}

type failing struct{ at uint32 }

func (f failing) Name() string { return "failing" }

func (f failing) Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error) {
	if b.Height == f.at {
		return nil, errors.New("boom")
	}
	return nil, nil
}

func TestIndexerFailureStopsAtPreviousBlock(t *testing.T) {
	src := testhelpers.NewFakeSource()
	chain := testhelpers.Extend(src.Genesis(), 1, 6, 0)
	src.Extend(chain...)

	s := newStack(t, src, withExtra(failing{at: 4}, nil))
	err := s.builder.InitialSyncToTip(context.Background())

	var ierr *service.IndexerError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "failing", ierr.Indexer)
	assert.Equal(t, uint32(3), s.blocks.Tip().Height)

	tip, err := s.db.GetServiceTip(blockstore.ServiceName)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), tip.Height)
	tip, err = s.db.GetServiceTip(utxo.Name)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), tip.Height)
	_, err = s.utxo.Coin(testhelpers.CoinbaseOutpoint(chain[3]))
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = s.timestamp.TimestampOf(chain[3].BlockHash())
	assert.ErrorIs(t, err, database.ErrNotFound)

	select {
	case <-s.builder.Synced():
		t.Fatal("synced closed after failure")
	default:
	}
}

// gateWatcher records, for every serial block, the concurrent tip it saw.
type gateWatcher struct {
	blocks *blockstore.Store
	mu     sync.Mutex
	seen   map[uint32]uint32
}

func (g *gateWatcher) Name() string { return "gate-watcher" }

func (g *gateWatcher) Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[b.Height] = g.blocks.ConcurrentTip().Height
	return nil, nil
}

func TestSerialTrackWaitsForConcurrentTrack(t *testing.T) {
	src := testhelpers.NewFakeSource()
	chain := testhelpers.Extend(src.Genesis(), 1, 40, 0)
	src.Extend(chain...)

	watcher := &gateWatcher{seen: make(map[uint32]uint32)}
	s := newStack(t, src, func(c *stackConfig) {
		c.serial = append(c.serial, watcher)
	})
	watcher.blocks = s.blocks

	require.NoError(t, s.builder.InitialSyncToTip(context.Background()))
	require.Len(t, watcher.seen, 40)
	for height, conc := range watcher.seen {
		assert.GreaterOrEqual(t, conc, height, "serial block %d committed before concurrent track", height)
	}
}

func TestGate(t *testing.T) {
	g := newGate(5)
	require.NoError(t, g.wait(context.Background(), 5))

	done := make(chan error, 1)
	go func() { done <- g.wait(context.Background(), 7) }()
	require.NoError(t, g.advance(6))
	select {
	case <-done:
		t.Fatal("gate opened early")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, g.advance(7))
	require.NoError(t, <-done)

	assert.ErrorIs(t, g.advance(6), ErrConcurrentTipDecreased)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.wait(ctx, 100), context.Canceled)
}

func TestRestartRewindsConcurrentTrack(t *testing.T) {
	src := testhelpers.NewFakeSource()
	chain := testhelpers.Extend(src.Genesis(), 1, 6, 0)
	src.Extend(chain...)

	s := newStack(t, src)
	require.NoError(t, s.tracker.Sync(context.Background()))
	// the concurrent track got to 6 while the serial track stopped at 2
	blocks := make([]*types.Block, len(chain))
	for i, m := range chain {
		blocks[i] = types.NewBlock(m, uint32(i+1))
	}
	require.NoError(t, s.orch.ConnectConcurrent(context.Background(), blocks))
	for _, b := range blocks[:2] {
		require.NoError(t, s.orch.ConnectSerial(context.Background(), b))
	}

	require.NoError(t, s.builder.InitialSyncToTip(context.Background()))
	assert.Equal(t, blocks[5].Tip(), s.blocks.Tip())
	assert.Equal(t, blocks[5].Tip(), s.blocks.ConcurrentTip())
	require.NoError(t, s.orch.Verify(context.Background()))
}

func TestStopBeforeSync(t *testing.T) {
	src := testhelpers.NewFakeSource()
	src.Extend(testhelpers.Extend(src.Genesis(), 1, 3, 0)...)

	s := newStack(t, src)
	s.builder.Stop()
	require.NoError(t, s.builder.InitialSyncToTip(context.Background()))
	assert.Equal(t, uint32(0), s.blocks.Tip().Height)
	select {
	case <-s.builder.Synced():
		t.Fatal("synced closed after stop")
	default:
	}
}

func TestContinuousSyncFollowsTip(t *testing.T) {
	src := testhelpers.NewFakeSource()
	src.Extend(testhelpers.Extend(src.Genesis(), 1, 3, 0)...)

	s := newStack(t, src)
	require.NoError(t, s.builder.InitialSyncToTip(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.builder.ContinuousSync(ctx) }()

	scriptX := testhelpers.Script(t, testhelpers.AddressX)
	unconfirmed := testhelpers.Spend([]types.Outpoint{testhelpers.CoinbaseOutpoint(src.Tip())}, wire.NewTxOut(1_000, scriptX))
	src.SetMempool(unconfirmed)
	src.Extend(testhelpers.Extend(src.Tip(), 4, 2, 0)...)

	require.Eventually(t, func() bool {
		return s.blocks.Tip().Height == 5
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		txids, err := s.mempool.TxidsByAddress(testhelpers.AddressX)
		return err == nil && len(txids) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
