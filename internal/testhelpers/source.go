package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/source"
)

// FakeSource is an in-memory node. Its active chain can be switched to any
// known branch to simulate reorgs.
type FakeSource struct {
	mu      sync.Mutex
	blocks  map[chainhash.Hash]*wire.MsgBlock
	active  []chainhash.Hash
	heights map[chainhash.Hash]uint32

	mempool      []chainhash.Hash
	mempoolTxs   map[chainhash.Hash]*wire.MsgTx
	BlockFetches int
}

var _ source.Source = (*FakeSource)(nil)

func NewFakeSource() *FakeSource {
	f := &FakeSource{
		blocks:     make(map[chainhash.Hash]*wire.MsgBlock),
		heights:    make(map[chainhash.Hash]uint32),
		mempoolTxs: make(map[chainhash.Hash]*wire.MsgTx),
	}
	genesis := Params.GenesisBlock
	f.blocks[genesis.BlockHash()] = genesis
	f.active = []chainhash.Hash{genesis.BlockHash()}
	f.heights[genesis.BlockHash()] = 0
	return f
}

func (f *FakeSource) Genesis() *wire.MsgBlock { return Params.GenesisBlock }

// Add makes blocks known without touching the active chain.
func (f *FakeSource) Add(blocks ...*wire.MsgBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range blocks {
		f.blocks[b.BlockHash()] = b
	}
}

// Extend adds blocks and makes the last one the active tip.
func (f *FakeSource) Extend(blocks ...*wire.MsgBlock) {
	if len(blocks) == 0 {
		return
	}
	f.Add(blocks...)
	f.SetTip(blocks[len(blocks)-1].BlockHash())
}

// SetTip rebuilds the active chain by walking back from hash.
func (f *FakeSource) SetTip(hash chainhash.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rev []chainhash.Hash
	cur := hash
	for {
		rev = append(rev, cur)
		b, ok := f.blocks[cur]
		if !ok {
			panic(fmt.Sprintf("unknown block %s", cur))
		}
		if b.Header.PrevBlock == (chainhash.Hash{}) {
			break
		}
		cur = b.Header.PrevBlock
	}
	f.active = f.active[:0]
	f.heights = make(map[chainhash.Hash]uint32, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		f.heights[rev[i]] = uint32(len(f.active))
		f.active = append(f.active, rev[i])
	}
}

// Tip returns the active tip block.
func (f *FakeSource) Tip() *wire.MsgBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[f.active[len(f.active)-1]]
}

func (f *FakeSource) BestBlock(ctx context.Context) (uint32, chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint32(len(f.active) - 1), f.active[len(f.active)-1], nil
}

func (f *FakeSource) GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(height) >= len(f.active) {
		return chainhash.Hash{}, source.ErrNotFound
	}
	return f.active[height], nil
}

func (f *FakeSource) GetHeaders(ctx context.Context, locator []chainhash.Hash, max uint32) ([]*wire.BlockHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := uint32(0)
	for _, hash := range locator {
		if h, ok := f.heights[hash]; ok {
			start = h
			break
		}
	}
	var out []*wire.BlockHeader
	for h := start + 1; int(h) < len(f.active) && uint32(len(out)) < max; h++ {
		hdr := f.blocks[f.active[h]].Header
		out = append(out, &hdr)
	}
	return out, nil
}

func (f *FakeSource) GetBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", source.ErrNotFound, hash)
	}
	f.BlockFetches++
	return b, nil
}

// SetMempool replaces the unconfirmed transactions.
func (f *FakeSource) SetMempool(txs ...*wire.MsgTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mempool = f.mempool[:0]
	f.mempoolTxs = make(map[chainhash.Hash]*wire.MsgTx, len(txs))
	for _, tx := range txs {
		f.mempool = append(f.mempool, tx.TxHash())
		f.mempoolTxs[tx.TxHash()] = tx
	}
}

func (f *FakeSource) MempoolTxids(ctx context.Context) ([]chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chainhash.Hash(nil), f.mempool...), nil
}

func (f *FakeSource) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.mempoolTxs[txid]; ok {
		return tx, nil
	}
	for _, b := range f.blocks {
		for _, tx := range b.Transactions {
			if tx.TxHash() == txid {
				return tx, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: tx %s", source.ErrNotFound, txid)
}

func (f *FakeSource) Subscribe(ctx context.Context, interval time.Duration) <-chan chainhash.Hash {
	return source.Poll(ctx, f, interval)
}
