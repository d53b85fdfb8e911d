package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/setavenger/blindbit-indexer/internal/blockstore"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/metrics"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const (
	TrackSerial     = "serial"
	TrackConcurrent = "concurrent"
)

type registered struct {
	Indexer
	prefix []byte
}

// Orchestrator fans blocks out to the registered indexers of a track and
// commits everything they return as one batch per block. Registration must
// finish before the first block is connected.
type Orchestrator struct {
	db     *database.Store
	blocks *blockstore.Store

	serial     []registered
	concurrent []registered
	names      map[string]struct{}
}

func NewOrchestrator(db *database.Store, blocks *blockstore.Store) *Orchestrator {
	return &Orchestrator{
		db:     db,
		blocks: blocks,
		names:  make(map[string]struct{}),
	}
}

func (o *Orchestrator) Blocks() *blockstore.Store { return o.blocks }

// RegisterSerial appends indexers to the serial track. They run in the
// given order.
func (o *Orchestrator) RegisterSerial(idx ...Indexer) error {
	r, err := o.register(idx)
	if err != nil {
		return err
	}
	o.serial = append(o.serial, r...)
	return nil
}

// RegisterConcurrent appends indexers whose output does not depend on commit
// order. They may run ahead of the serial tip.
func (o *Orchestrator) RegisterConcurrent(idx ...Indexer) error {
	r, err := o.register(idx)
	if err != nil {
		return err
	}
	o.concurrent = append(o.concurrent, r...)
	return nil
}

func (o *Orchestrator) register(idx []Indexer) ([]registered, error) {
	out := make([]registered, 0, len(idx))
	for _, i := range idx {
		if _, ok := o.names[i.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIndexer, i.Name())
		}
		prefix, err := o.db.AllocatePrefix(i.Name())
		if err != nil {
			return nil, err
		}
		o.names[i.Name()] = struct{}{}
		out = append(out, registered{Indexer: i, prefix: prefix})
	}
	return out, nil
}

// Verify checks that every indexer was committed together with its track.
// Reseeders that fell behind, or were enabled on an existing store, are
// moved to the track tip.
func (o *Orchestrator) Verify(ctx context.Context) error {
	check := func(list []registered, track string, want types.Tip) error {
		for _, r := range list {
			tip, err := o.db.GetServiceTip(r.Name())
			if err != nil {
				return err
			}
			if tip == want {
				continue
			}
			if rs, ok := r.Indexer.(Reseeder); ok {
				ops, err := rs.Reseed(ctx, want)
				if err != nil {
					return &IndexerError{Indexer: r.Name(), Height: want.Height, Hash: want.Hash, Err: err}
				}
				ops = append(ops, database.TipOp(r.prefix, r.Name(), want))
				if err := o.commit(track, ops); err != nil {
					return err
				}
				logging.L.Warn().
					Str("indexer", r.Name()).
					Str("track", track).
					Uint32("height", tip.Height).
					Uint32("track_height", want.Height).
					Msg("reseeded indexer at track tip")
				continue
			}
			logging.L.Error().
				Str("indexer", r.Name()).
				Str("track", track).
				Uint32("height", tip.Height).
				Uint32("track_height", want.Height).
				Msg("indexer tip differs from track tip, reindex required")
			return fmt.Errorf("%w: %s at %d %s, %s track at %d %s",
				ErrTipMismatch, r.Name(), tip.Height, tip.Hash, track, want.Height, want.Hash)
		}
		return nil
	}
	if err := check(o.serial, TrackSerial, o.blocks.Tip()); err != nil {
		return err
	}
	return check(o.concurrent, TrackConcurrent, o.blocks.ConcurrentTip())
}

func (o *Orchestrator) apply(ctx context.Context, list []registered, b *types.Block, connecting bool) ([]database.Operation, error) {
	var ops []database.Operation
	for _, r := range list {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := r.Apply(ctx, b, connecting)
		if err != nil {
			logging.L.Err(err).
				Str("indexer", r.Name()).
				Uint32("height", b.Height).
				Str("blockhash", b.Hash.String()).
				Bool("connecting", connecting).
				Msg("indexer failed")
			return nil, &IndexerError{Indexer: r.Name(), Height: b.Height, Hash: b.Hash, Err: err}
		}
		ops = append(ops, out...)
	}
	return ops, nil
}

func tipOps(list []registered, tip types.Tip) []database.Operation {
	ops := make([]database.Operation, len(list))
	for i, r := range list {
		ops[i] = database.TipOp(r.prefix, r.Name(), tip)
	}
	return ops
}

func (o *Orchestrator) commit(track string, ops []database.Operation) error {
	started := time.Now()
	err := o.db.Write(ops)
	metrics.ObserveCommit(track, err, started)
	return err
}

// ConnectSerial runs the serial indexers over b and commits their output with
// the new serial tip. Blocks that are already connected or do not extend the
// tip are rejected without writing anything.
func (o *Orchestrator) ConnectSerial(ctx context.Context, b *types.Block) error {
	tip := o.blocks.Tip()
	if b.Height <= tip.Height {
		if hash, err := o.blocks.HashAt(b.Height); err == nil && hash == b.Hash {
			return fmt.Errorf("%w: %d %s", ErrAlreadyConnected, b.Height, b.Hash)
		}
	}
	if b.Height != tip.Height+1 || b.PrevHash() != tip.Hash {
		return fmt.Errorf("%w: %d %s on tip %d %s", ErrNotNextBlock, b.Height, b.Hash, tip.Height, tip.Hash)
	}

	ops, err := o.apply(ctx, o.serial, b, true)
	if err != nil {
		return err
	}
	ops = append(ops, o.blocks.ConnectOps(b)...)
	ops = append(ops, tipOps(o.serial, b.Tip())...)

	if err := o.commit(TrackSerial, ops); err != nil {
		logging.L.Err(err).Uint32("height", b.Height).Str("blockhash", b.Hash.String()).Msg("failed to commit block")
		return err
	}
	o.blocks.Connected(b)
	metrics.BlocksConnected(TrackSerial, 1)

	logging.L.Debug().
		Uint32("height", b.Height).
		Str("blockhash", b.Hash.String()).
		Int("ops", len(ops)).
		Msg("connected block")
	return nil
}

// DisconnectBlocks undoes the serial tip down to ancestor. blocks must be
// the current tip and its ancestors above ancestor, newest first. Each block
// is committed on its own so the tip always names a fully indexed block.
func (o *Orchestrator) DisconnectBlocks(ctx context.Context, ancestor types.Tip, blocks []*types.Block) error {
	tip := o.blocks.Tip()
	for i, b := range blocks {
		want := tip
		if i > 0 {
			want = types.Tip{Height: blocks[i-1].Height - 1, Hash: blocks[i-1].PrevHash()}
		}
		if b.Tip() != want {
			return fmt.Errorf("%w: disconnect %d %s, tip %d %s", ErrNotNextBlock, b.Height, b.Hash, want.Height, want.Hash)
		}
	}
	if n := len(blocks); n > 0 && (blocks[n-1].PrevHash() != ancestor.Hash || blocks[n-1].Height != ancestor.Height+1) {
		return fmt.Errorf("%w: %d %s is not a child of ancestor %d %s",
			ErrNotNextBlock, blocks[n-1].Height, blocks[n-1].Hash, ancestor.Height, ancestor.Hash)
	}

	// handlers see the whole rollback up front
	handled := make(map[string][][]database.Operation)
	for _, r := range o.serial {
		h, ok := r.Indexer.(ReorgHandler)
		if !ok {
			continue
		}
		out, err := h.OnReorg(ctx, ancestor, blocks)
		if err == nil && len(out) != len(blocks) {
			err = fmt.Errorf("returned %d operation sets for %d blocks", len(out), len(blocks))
		}
		if err != nil {
			logging.L.Err(err).Str("indexer", r.Name()).Msg("reorg handler failed")
			return &IndexerError{Indexer: r.Name(), Height: ancestor.Height, Hash: ancestor.Hash, Err: err}
		}
		handled[r.Name()] = out
	}

	for i, b := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ops []database.Operation
		for _, r := range o.serial {
			if out, ok := handled[r.Name()]; ok {
				ops = append(ops, out[i]...)
				continue
			}
			out, err := o.apply(ctx, []registered{r}, b, false)
			if err != nil {
				return err
			}
			ops = append(ops, out...)
		}
		ops = append(ops, o.blocks.DisconnectOps(b)...)
		ops = append(ops, tipOps(o.serial, types.Tip{Height: b.Height - 1, Hash: b.PrevHash()})...)

		if err := o.commit(TrackSerial, ops); err != nil {
			logging.L.Err(err).Uint32("height", b.Height).Str("blockhash", b.Hash.String()).Msg("failed to disconnect block")
			return err
		}
		o.blocks.Disconnected(b)
		metrics.BlocksDisconnected(TrackSerial, 1)
		logging.L.Info().Uint32("height", b.Height).Str("blockhash", b.Hash.String()).Msg("disconnected block")
	}
	return nil
}

// ConnectConcurrent commits consecutive blocks on the concurrent track in
// one batch, together with the raw blocks and the new concurrent tip.
func (o *Orchestrator) ConnectConcurrent(ctx context.Context, blocks []*types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	prev := o.blocks.ConcurrentTip()
	var ops []database.Operation
	for _, b := range blocks {
		if b.Height != prev.Height+1 || b.PrevHash() != prev.Hash {
			return fmt.Errorf("%w: concurrent %d %s on %d %s", ErrNotNextBlock, b.Height, b.Hash, prev.Height, prev.Hash)
		}
		out, err := o.apply(ctx, o.concurrent, b, true)
		if err != nil {
			return err
		}
		ops = append(ops, out...)
		blockOps, err := o.blocks.ConcurrentConnectOps(b)
		if err != nil {
			return err
		}
		ops = append(ops, blockOps...)
		prev = b.Tip()
	}
	ops = append(ops, o.blocks.ConcurrentTipOp(prev))
	ops = append(ops, tipOps(o.concurrent, prev)...)

	if err := o.commit(TrackConcurrent, ops); err != nil {
		logging.L.Err(err).Uint32("height", prev.Height).Int("blocks", len(blocks)).Msg("failed to flush concurrent blocks")
		return err
	}
	o.blocks.SetConcurrentTip(prev)
	metrics.BlocksConnected(TrackConcurrent, len(blocks))

	logging.L.Debug().
		Uint32("from", blocks[0].Height).
		Uint32("to", prev.Height).
		Int("ops", len(ops)).
		Msg("flushed concurrent blocks")
	return nil
}

// RewindConcurrent disconnects concurrent blocks until the concurrent tip
// equals target, one batch per block.
func (o *Orchestrator) RewindConcurrent(ctx context.Context, target types.Tip) error {
	for {
		tip := o.blocks.ConcurrentTip()
		if tip == target {
			return nil
		}
		if tip.Height <= target.Height {
			logging.L.Error().
				Uint32("height", tip.Height).
				Uint32("target_height", target.Height).
				Msg("concurrent track is not ahead of the target")
			return fmt.Errorf("%w: concurrent tip %d %s cannot rewind to %d %s",
				ErrNotNextBlock, tip.Height, tip.Hash, target.Height, target.Hash)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := o.blocks.BlockByHash(tip.Hash)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				err = fmt.Errorf("concurrent tip block %s: %w", tip.Hash, err)
			}
			return err
		}
		ops, err := o.apply(ctx, o.concurrent, b, false)
		if err != nil {
			return err
		}
		parent := types.Tip{Height: b.Height - 1, Hash: b.PrevHash()}
		ops = append(ops, o.blocks.ConcurrentDisconnectOps(b)...)
		ops = append(ops, tipOps(o.concurrent, parent)...)

		if err := o.commit(TrackConcurrent, ops); err != nil {
			logging.L.Err(err).Uint32("height", b.Height).Msg("failed to rewind concurrent block")
			return err
		}
		o.blocks.SetConcurrentTip(parent)
		metrics.BlocksDisconnected(TrackConcurrent, 1)
		logging.L.Debug().Uint32("height", b.Height).Str("blockhash", b.Hash.String()).Msg("rewound concurrent block")
	}
}
