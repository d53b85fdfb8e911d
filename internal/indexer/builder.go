package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/setavenger/blindbit-indexer/internal/blockstore"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/headers"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/reorg"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/source"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"golang.org/x/sync/errgroup"
)

var ErrConcurrentTipDecreased = errors.New("concurrent tip decreased")

// errStopped ends a run between blocks after Stop.
var errStopped = errors.New("stopping")

// reorgSignal ends a run when the serial track meets a block that does not
// build on its tip.
type reorgSignal struct {
	block *types.Block
}

func (r *reorgSignal) Error() string {
	return fmt.Sprintf("block %d %s does not build on the tip", r.block.Height, r.block.Hash)
}

// Refresher is run between blocks once the node follows the tip.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Options struct {
	// FlushBlocks bounds how many blocks the concurrent track commits at once.
	FlushBlocks int
	// BlockBuffer is the capacity of each track's channel.
	BlockBuffer  int
	PollInterval time.Duration
}

type Builder struct {
	src      source.Source
	headers  *headers.Tracker
	orch     *service.Orchestrator
	blocks   *blockstore.Store
	resolver *reorg.Resolver
	mempool  Refresher
	opts     Options

	stopping   atomic.Bool
	synced     chan struct{}
	syncedOnce sync.Once
}

// NewBuilder wires the pipeline. mempool may be nil.
func NewBuilder(
	src source.Source,
	tracker *headers.Tracker,
	orch *service.Orchestrator,
	resolver *reorg.Resolver,
	mempool Refresher,
	opts Options,
) *Builder {
	if opts.FlushBlocks < 1 {
		opts.FlushBlocks = 1
	}
	if opts.BlockBuffer < 1 {
		opts.BlockBuffer = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	return &Builder{
		src:      src,
		headers:  tracker,
		orch:     orch,
		blocks:   orch.Blocks(),
		resolver: resolver,
		mempool:  mempool,
		opts:     opts,
		synced:   make(chan struct{}),
	}
}

// Stop makes the running sync return before its next block. Commits in
// flight finish.
func (b *Builder) Stop() { b.stopping.Store(true) }

// Synced is closed once the initial sync reached the best known height.
func (b *Builder) Synced() <-chan struct{} { return b.synced }

func (b *Builder) InitialSyncToTip(ctx context.Context) error {
	if err := b.headers.Sync(ctx); err != nil {
		return err
	}

	tip := b.blocks.Tip()
	logging.L.Info().
		Uint32("sync_tip", tip.Height).
		Uint32("concurrent_tip", b.blocks.ConcurrentTip().Height).
		Uint32("chain_tip", b.headers.BestHeight()).
		Msg("starting initial sync")

	started := time.Now()
	if err := b.syncToBest(ctx, 0); err != nil {
		return err
	}
	if b.stopping.Load() {
		return nil
	}

	logging.L.Info().
		Uint32("height", b.blocks.Tip().Height).
		Dur("took", time.Since(started)).
		Msg("initial sync done")
	b.syncedOnce.Do(func() { close(b.synced) })
	return nil
}

// ContinuousSync follows the node's best block. Each change runs a header
// sync, connects new blocks one at a time and refreshes the mempool.
func (b *Builder) ContinuousSync(ctx context.Context) error {
	events := b.src.Subscribe(ctx, b.opts.PollInterval)
	tickerInfo := time.NewTicker(15 * time.Second)
	defer tickerInfo.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tickerInfo.C:
			tip := b.blocks.Tip()
			logging.L.Debug().
				Str("best_blockhash", tip.Hash.String()).
				Uint32("height", tip.Height).
				Msg("state_update")
		case hash, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if b.stopping.Load() {
				return nil
			}
			logging.L.Debug().Str("blockhash", hash.String()).Msg("new best block")

			if err := b.headers.Sync(ctx); err != nil {
				return err
			}
			if err := b.syncToBest(ctx, 1); err != nil {
				return err
			}
			if b.mempool != nil {
				if err := b.mempool.Refresh(ctx); err != nil {
					logging.L.Warn().Err(err).Msg("mempool refresh failed")
				}
			}
		}
	}
}

// syncToBest connects blocks until the serial tip is the best header,
// resolving reorgs on the way. step > 0 limits each run to step blocks.
func (b *Builder) syncToBest(ctx context.Context, step uint32) error {
	for !b.stopping.Load() {
		onBest, err := b.onBestChain()
		if err != nil {
			return err
		}
		if !onBest {
			if _, err := b.resolver.Resolve(ctx, b.headers.Tip().Hash); err != nil {
				return err
			}
			continue
		}

		tip := b.blocks.Tip()
		if b.blocks.ConcurrentTip() != tip {
			// the concurrent track ran ahead before the last stop
			if err := b.orch.RewindConcurrent(ctx, tip); err != nil {
				return err
			}
		}

		best := b.headers.BestHeight()
		if tip.Height >= best {
			return nil
		}
		to := best
		if step > 0 && tip.Height+step < best {
			to = tip.Height + step
		}

		err = b.SyncBlocks(ctx, tip.Height+1, to)
		var sig *reorgSignal
		switch {
		case errors.As(err, &sig):
			if _, err := b.resolver.Resolve(ctx, sig.block.Hash); err != nil {
				return err
			}
		case err != nil:
			return err
		}
	}
	return nil
}

func (b *Builder) onBestChain() (bool, error) {
	tip := b.blocks.Tip()
	hash, err := b.headers.HashAt(tip.Height)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return hash == tip.Hash, nil
}

// SyncBlocks streams blocks from..to through both tracks. A reorg met by
// the serial track is returned as *reorgSignal.
func (b *Builder) SyncBlocks(ctx context.Context, from, to uint32) error {
	g, gctx := errgroup.WithContext(ctx)
	concCh := make(chan *types.Block, b.opts.BlockBuffer)
	serialCh := make(chan *types.Block, b.opts.BlockBuffer)
	gate := newGate(b.blocks.ConcurrentTip().Height)

	g.Go(func() error {
		defer close(concCh)
		defer close(serialCh)
		for height := from; height <= to; height++ {
			if b.stopping.Load() {
				return nil
			}
			blk, err := b.pullBlock(gctx, height)
			if err != nil {
				return err
			}
			for _, ch := range []chan *types.Block{concCh, serialCh} {
				select {
				case ch <- blk:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	g.Go(func() error {
		var buf []*types.Block
		last := b.blocks.ConcurrentTip()
		flush := func() error {
			if len(buf) == 0 {
				return nil
			}
			if err := b.orch.ConnectConcurrent(gctx, buf); err != nil {
				return err
			}
			buf = buf[:0]
			return gate.advance(b.blocks.ConcurrentTip().Height)
		}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case blk, ok := <-concCh:
				if !ok {
					return flush()
				}
				if blk.PrevHash() != last.Hash {
					// leave it to the serial track, flushed blocks stay
					if err := flush(); err != nil {
						return err
					}
					return &reorgSignal{block: blk}
				}
				last = blk.Tip()
				buf = append(buf, blk)
				if len(buf) >= b.opts.FlushBlocks || len(concCh) == 0 {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
	})

	g.Go(func() error {
		lastReport := time.Now()
		for {
			var blk *types.Block
			var ok bool
			select {
			case <-gctx.Done():
				return gctx.Err()
			case blk, ok = <-serialCh:
				if !ok {
					return nil
				}
			}
			if b.stopping.Load() {
				return errStopped
			}
			if b.blocks.DetectReorg(blk) {
				logging.L.Warn().
					Uint32("height", blk.Height).
					Str("blockhash", blk.Hash.String()).
					Str("prev", blk.PrevHash().String()).
					Msg("block does not build on the tip")
				return &reorgSignal{block: blk}
			}
			if err := gate.wait(gctx, blk.Height); err != nil {
				return err
			}
			if err := b.orch.ConnectSerial(gctx, blk); err != nil {
				return err
			}

			if time.Since(lastReport) > 10*time.Second {
				lastReport = time.Now()
				logging.L.Info().
					Uint32("height", blk.Height).
					Uint32("target", to).
					Int("backlog_chan_concurrent", len(concCh)).
					Int("backlog_chan_serial", len(serialCh)).
					Msg("new_tick_report")
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	var sig *reorgSignal
	if err != nil && !errors.As(err, &sig) {
		logging.L.Err(err).Uint32("from", from).Uint32("to", to).Msg("block sync failed")
	}
	return err
}

func (b *Builder) pullBlock(ctx context.Context, height uint32) (*types.Block, error) {
	hash, err := b.headers.HashAt(height)
	if err != nil {
		logging.L.Err(err).Uint32("height", height).Msg("failed to pull blockhash")
		return nil, err
	}
	msg, err := b.src.GetBlock(ctx, hash)
	if err != nil {
		logging.L.Err(err).Uint32("height", height).Str("blockhash", hash.String()).Msg("failed to pull block")
		return nil, err
	}
	logging.L.Trace().Uint32("height", height).Str("blockhash", hash.String()).Msg("pulled block")
	return types.NewBlock(msg, height), nil
}

// gate holds the serial track back until the concurrent track committed
// the same height.
type gate struct {
	mu      sync.Mutex
	height  uint32
	changed chan struct{}
}

func newGate(height uint32) *gate {
	return &gate{height: height, changed: make(chan struct{})}
}

func (g *gate) advance(height uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if height < g.height {
		logging.L.Error().Uint32("height", height).Uint32("previous", g.height).Msg("concurrent tip decreased")
		return fmt.Errorf("%w: %d after %d", ErrConcurrentTipDecreased, height, g.height)
	}
	g.height = height
	close(g.changed)
	g.changed = make(chan struct{})
	return nil
}

func (g *gate) wait(ctx context.Context, height uint32) error {
	for {
		g.mu.Lock()
		if g.height >= height {
			g.mu.Unlock()
			return nil
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
