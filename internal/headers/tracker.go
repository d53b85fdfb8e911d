// Package headers keeps the header chain and selects the best branch by
// cumulative chainwork.
package headers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/metrics"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const ServiceName = "header"

type State int32

const (
	Idle State = iota
	Downloading
	Complete
)

func (s State) String() string {
	switch s {
	case Downloading:
		return "downloading"
	case Complete:
		return "complete"
	default:
		return "idle"
	}
}

var ErrUnknownParent = errors.New("header does not connect to a known header")

// Source is the part of the block source the tracker needs.
type Source interface {
	BestBlock(ctx context.Context) (uint32, chainhash.Hash, error)
	// GetHeaders returns up to max headers following the first locator hash
	// the source knows on its active chain.
	GetHeaders(ctx context.Context, locator []chainhash.Hash, max uint32) ([]*wire.BlockHeader, error)
}

type Tracker struct {
	store     *database.Store
	src       Source
	params    *chaincfg.Params
	batchSize uint32
	prefix    []byte

	mu  sync.RWMutex
	tip *types.Header

	state     atomic.Int32
	bestKnown atomic.Uint32

	synced     chan struct{}
	syncedOnce sync.Once
}

func NewTracker(store *database.Store, src Source, params *chaincfg.Params, batchSize uint32) *Tracker {
	return &Tracker{
		store:     store,
		src:       src,
		params:    params,
		batchSize: batchSize,
		synced:    make(chan struct{}),
	}
}

// Load restores the best header. On first start the network genesis header
// is written.
func (t *Tracker) Load(ctx context.Context) error {
	prefix, err := t.store.AllocatePrefix(ServiceName)
	if err != nil {
		return err
	}
	t.prefix = prefix

	tip, err := t.store.GetServiceTip(ServiceName)
	if err != nil {
		return err
	}

	hdr, err := t.HeaderByHash(tip.Hash)
	if errors.Is(err, database.ErrNotFound) && tip.Height == 0 {
		hdr, err = t.writeGenesis()
	}
	if err != nil {
		logging.L.Err(err).Str("blockhash", tip.Hash.String()).Msg("header tip not found")
		return fmt.Errorf("header tip %s: %w", tip.Hash, err)
	}

	t.mu.Lock()
	t.tip = hdr
	t.mu.Unlock()
	metrics.SetTip(ServiceName, hdr.Height)

	logging.L.Info().
		Uint32("height", hdr.Height).
		Str("blockhash", hdr.Hash.String()).
		Str("chainwork", hdr.Chainwork.Text(16)).
		Msg("header chain loaded")
	return nil
}

func (t *Tracker) writeGenesis() (*types.Header, error) {
	genesis := types.NewHeader(&t.params.GenesisBlock.Header, 0, nil)
	if genesis.Hash != t.store.Genesis().Hash {
		return nil, fmt.Errorf("store genesis %s does not match network genesis %s", t.store.Genesis().Hash, genesis.Hash)
	}
	value, err := encoding.EncodeHeader(genesis)
	if err != nil {
		return nil, err
	}
	err = t.store.Write([]database.Operation{
		database.Put(encoding.HeaderKey(t.prefix, genesis.Hash), value),
		database.Put(encoding.HeightKey(t.prefix, encoding.SubHeaderByHeight, 0), encoding.EncodeHash(genesis.Hash)),
		database.TipOp(t.prefix, ServiceName, genesis.Tip()),
	})
	if err != nil {
		return nil, err
	}
	return genesis, nil
}

// Sync downloads headers until the source has no more to give. A short
// batch only ends the download once the best known height is reached, the
// source may serve fewer headers per call than asked for.
func (t *Tracker) Sync(ctx context.Context) error {
	best, _, err := t.src.BestBlock(ctx)
	if err != nil {
		logging.L.Err(err).Msg("failed to pull best block")
		return err
	}
	t.bestKnown.Store(best)
	t.state.Store(int32(Downloading))

	// last header of the previous batch. A batch on a branch that is not
	// yet heavier leaves the tip behind, the next request continues from it.
	var cursor *chainhash.Hash
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		locator, err := t.locator()
		if err != nil {
			return err
		}
		if cursor != nil && *cursor != locator[0] {
			locator = append([]chainhash.Hash{*cursor}, locator...)
		}
		batch, err := t.src.GetHeaders(ctx, locator, t.batchSize)
		if err != nil {
			logging.L.Err(err).Msg("failed to pull headers")
			return err
		}
		if len(batch) == 0 {
			break
		}
		if err := t.connect(batch); err != nil {
			return err
		}

		lastHash := batch[len(batch)-1].BlockHash()
		last, err := t.HeaderByHash(lastHash)
		if err != nil {
			return err
		}
		cursor = &lastHash
		if last.Height > t.bestKnown.Load() {
			t.bestKnown.Store(last.Height)
		}

		logging.L.Debug().
			Int("headers", len(batch)).
			Uint32("height", t.Tip().Height).
			Uint32("batch_end", last.Height).
			Uint32("best_known", t.bestKnown.Load()).
			Msg("header batch")

		if uint32(len(batch)) < t.batchSize && last.Height >= t.bestKnown.Load() {
			break
		}
	}

	if tip := t.Tip(); tip.Height > t.bestKnown.Load() {
		t.bestKnown.Store(tip.Height)
	}
	t.state.Store(int32(Complete))
	t.syncedOnce.Do(func() { close(t.synced) })
	return nil
}

// connect stores a batch of consecutive headers. If the branch it ends on
// has more work than the current best chain the height index and tip move
// to it in the same write.
func (t *Tracker) connect(batch []*wire.BlockHeader) error {
	parent, err := t.HeaderByHash(batch[0].PrevBlock)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownParent, batch[0].PrevBlock)
		}
		return err
	}

	ops := make([]database.Operation, 0, len(batch)*2+1)
	fresh := make(map[chainhash.Hash]*types.Header, len(batch))
	prev := parent
	for _, wh := range batch {
		if wh.PrevBlock != prev.Hash {
			return fmt.Errorf("%w: %s does not follow %s", ErrUnknownParent, wh.BlockHash(), prev.Hash)
		}
		h := types.NewHeader(wh, prev.Height+1, prev.Chainwork)
		value, err := encoding.EncodeHeader(h)
		if err != nil {
			return err
		}
		ops = append(ops, database.Put(encoding.HeaderKey(t.prefix, h.Hash), value))
		fresh[h.Hash] = h
		prev = h
	}
	last := prev

	t.mu.Lock()
	defer t.mu.Unlock()

	if last.Chainwork.Cmp(t.tip.Chainwork) <= 0 {
		logging.L.Info().
			Uint32("height", last.Height).
			Str("blockhash", last.Hash.String()).
			Msg("stored headers of a lighter branch")
		return t.store.Write(ops)
	}

	// point every height of the new branch at it, down to the fork
	cur := last
	for cur.Height > 0 {
		onBest, err := t.hashAt(cur.Height)
		if err == nil && onBest == cur.Hash {
			break
		}
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		ops = append(ops, database.Put(
			encoding.HeightKey(t.prefix, encoding.SubHeaderByHeight, cur.Height),
			encoding.EncodeHash(cur.Hash),
		))
		next, ok := fresh[cur.PrevHash]
		if !ok {
			if next, err = t.HeaderByHash(cur.PrevHash); err != nil {
				return err
			}
		}
		cur = next
	}
	for h := last.Height + 1; h <= t.tip.Height; h++ {
		ops = append(ops, database.Del(encoding.HeightKey(t.prefix, encoding.SubHeaderByHeight, h)))
	}
	ops = append(ops, database.TipOp(t.prefix, ServiceName, last.Tip()))

	if err := t.store.Write(ops); err != nil {
		logging.L.Err(err).Uint32("height", last.Height).Msg("failed to write headers")
		return err
	}
	if cur.Height < t.tip.Height {
		logging.L.Warn().
			Uint32("fork_height", cur.Height).
			Uint32("old_height", t.tip.Height).
			Uint32("new_height", last.Height).
			Msg("best header chain switched branch")
	}
	t.tip = last
	metrics.SetTip(ServiceName, last.Height)
	return nil
}

// locator lists best chain hashes at tip, tip-1, tip-2, tip-4 ... genesis.
func (t *Tracker) locator() ([]chainhash.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []chainhash.Hash
	top := int64(t.tip.Height)
	for offset := int64(0); top-offset > 0; {
		hash, err := t.hashAt(uint32(top - offset))
		if err != nil {
			return nil, err
		}
		out = append(out, hash)
		if offset == 0 {
			offset = 1
		} else {
			offset *= 2
		}
	}
	genesis, err := t.hashAt(0)
	if err != nil {
		return nil, err
	}
	return append(out, genesis), nil
}

func (t *Tracker) hashAt(height uint32) (chainhash.Hash, error) {
	v, err := t.store.Get(encoding.HeightKey(t.prefix, encoding.SubHeaderByHeight, height))
	if err != nil {
		return chainhash.Hash{}, err
	}
	return encoding.DecodeHash(v)
}

// HashAt returns the best chain hash at height.
func (t *Tracker) HashAt(height uint32) (chainhash.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hashAt(height)
}

// HeaderByHash finds headers of any known branch.
func (t *Tracker) HeaderByHash(hash chainhash.Hash) (*types.Header, error) {
	v, err := t.store.Get(encoding.HeaderKey(t.prefix, hash))
	if err != nil {
		return nil, err
	}
	return encoding.DecodeHeader(hash, v)
}

// Tip is the best header.
func (t *Tracker) Tip() types.Header {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.tip
}

func (t *Tracker) BestHeight() uint32 { return t.Tip().Height }

// BestKnownHeight is the best height the source reported on the last sync.
func (t *Tracker) BestKnownHeight() uint32 { return t.bestKnown.Load() }

func (t *Tracker) State() State { return State(t.state.Load()) }

// Synced is closed after the first completed sync.
func (t *Tracker) Synced() <-chan struct{} { return t.synced }
