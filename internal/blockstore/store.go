// Package blockstore keeps raw blocks, the committed tips of both sync
// tracks and the window of recent ancestors used to resolve reorgs.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/metrics"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const (
	// ServiceName owns the serial tip and the canonical height index.
	ServiceName = "block"
	// ConcurrentServiceName owns the concurrent tip and its height chain.
	ConcurrentServiceName = "concurrent"
)

var ErrTipMissing = errors.New("tip does not reference a stored block")

type Store struct {
	db         *database.Store
	prefix     []byte
	concPrefix []byte
	window     *Window

	mu      sync.RWMutex
	tip     types.Tip
	concTip types.Tip
}

func New(db *database.Store, windowDepth int) *Store {
	return &Store{
		db:     db,
		window: NewWindow(windowDepth),
	}
}

// Load restores both tips, checks that they reference stored blocks and
// refills the ancestor window from the canonical height index.
func (s *Store) Load(ctx context.Context) error {
	var err error
	if s.prefix, err = s.db.AllocatePrefix(ServiceName); err != nil {
		return err
	}
	if s.concPrefix, err = s.db.AllocatePrefix(ConcurrentServiceName); err != nil {
		return err
	}

	tip, err := s.db.GetServiceTip(ServiceName)
	if err != nil {
		return err
	}
	concTip, err := s.db.GetServiceTip(ConcurrentServiceName)
	if err != nil {
		return err
	}

	if tip.Height > 0 {
		hash, err := s.hashAt(s.prefix, encoding.SubBlockByHeight, tip.Height)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		if hash != tip.Hash {
			logging.L.Error().Uint32("height", tip.Height).Str("blockhash", tip.Hash.String()).Msg("serial tip not indexed")
			return fmt.Errorf("%w: serial tip %d %s", ErrTipMissing, tip.Height, tip.Hash)
		}
		if _, err := s.db.Get(encoding.BlockKey(s.prefix, tip.Hash)); err != nil {
			logging.L.Err(err).Uint32("height", tip.Height).Str("blockhash", tip.Hash.String()).Msg("serial tip block missing")
			return fmt.Errorf("%w: serial tip %d %s: %w", ErrTipMissing, tip.Height, tip.Hash, err)
		}
	}
	if concTip.Height > 0 {
		hash, err := s.hashAt(s.concPrefix, encoding.SubConcurrentHeight, concTip.Height)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		if hash != concTip.Hash {
			logging.L.Error().Uint32("height", concTip.Height).Str("blockhash", concTip.Hash.String()).Msg("concurrent tip not indexed")
			return fmt.Errorf("%w: concurrent tip %d %s", ErrTipMissing, concTip.Height, concTip.Hash)
		}
	}

	if err := s.fillWindow(ctx, tip); err != nil {
		return err
	}

	s.mu.Lock()
	s.tip = tip
	s.concTip = concTip
	s.mu.Unlock()
	metrics.SetTip(ServiceName, tip.Height)
	metrics.SetTip(ConcurrentServiceName, concTip.Height)

	logging.L.Info().
		Uint32("height", tip.Height).
		Str("blockhash", tip.Hash.String()).
		Uint32("concurrent_height", concTip.Height).
		Int("window", s.window.Len()).
		Msg("block store loaded")
	return nil
}

func (s *Store) fillWindow(ctx context.Context, tip types.Tip) error {
	depth := uint32(s.window.Depth())
	low := uint32(1)
	if tip.Height > depth {
		low = tip.Height - depth + 1
	}
	if tip.Height == 0 {
		return nil
	}

	prev, err := s.canonicalOrGenesis(low - 1)
	if err != nil {
		return err
	}
	// oldest first so eviction order matches a live run
	for h := low; h <= tip.Height; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := s.hashAt(s.prefix, encoding.SubBlockByHeight, h)
		if err != nil {
			return fmt.Errorf("canonical hash at %d: %w", h, err)
		}
		s.window.Remember(hash, prev)
		prev = hash
	}
	return nil
}

func (s *Store) canonicalOrGenesis(height uint32) (chainhash.Hash, error) {
	if height == 0 {
		return s.db.Genesis().Hash, nil
	}
	return s.hashAt(s.prefix, encoding.SubBlockByHeight, height)
}

func (s *Store) hashAt(prefix []byte, sub byte, height uint32) (chainhash.Hash, error) {
	v, err := s.db.Get(encoding.HeightKey(prefix, sub, height))
	if err != nil {
		return chainhash.Hash{}, err
	}
	return encoding.DecodeHash(v)
}

func (s *Store) Tip() types.Tip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

func (s *Store) ConcurrentTip() types.Tip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.concTip
}

func (s *Store) Window() *Window { return s.window }

// DetectReorg reports whether b does not build on the serial tip.
func (s *Store) DetectReorg(b *types.Block) bool {
	return b.PrevHash() != s.Tip().Hash
}

// BlockByHash returns a stored block of any branch still held by a track.
func (s *Store) BlockByHash(hash chainhash.Hash) (*types.Block, error) {
	v, err := s.db.Get(encoding.BlockKey(s.prefix, hash))
	if err != nil {
		return nil, err
	}
	height, raw, err := encoding.DecodeBlock(v)
	if err != nil {
		return nil, err
	}
	b, err := types.DecodeBlock(raw, height)
	if err != nil {
		return nil, fmt.Errorf("%w: block %s: %w", database.ErrDecode, hash, err)
	}
	return b, nil
}

// BlockByHeight returns the block at height on the indexed canonical chain.
func (s *Store) BlockByHeight(height uint32) (*types.Block, error) {
	hash, err := s.HashAt(height)
	if err != nil {
		return nil, err
	}
	return s.BlockByHash(hash)
}

// HashAt returns the indexed canonical hash at height.
func (s *Store) HashAt(height uint32) (chainhash.Hash, error) {
	if height > s.Tip().Height {
		return chainhash.Hash{}, database.ErrNotFound
	}
	return s.canonicalOrGenesis(height)
}

// ConcurrentHashAt returns the hash the concurrent track committed at height.
func (s *Store) ConcurrentHashAt(height uint32) (chainhash.Hash, error) {
	if height == 0 {
		return s.db.Genesis().Hash, nil
	}
	return s.hashAt(s.concPrefix, encoding.SubConcurrentHeight, height)
}

// ConnectOps advances the serial tip to b.
func (s *Store) ConnectOps(b *types.Block) []database.Operation {
	return []database.Operation{
		database.Put(encoding.HeightKey(s.prefix, encoding.SubBlockByHeight, b.Height), encoding.EncodeHash(b.Hash)),
		database.TipOp(s.prefix, ServiceName, b.Tip()),
	}
}

// DisconnectOps moves the serial tip from b back to its parent.
func (s *Store) DisconnectOps(b *types.Block) []database.Operation {
	return []database.Operation{
		database.Del(encoding.HeightKey(s.prefix, encoding.SubBlockByHeight, b.Height)),
		database.TipOp(s.prefix, ServiceName, parentTip(b)),
	}
}

// ConcurrentConnectOps persists the raw block and marks it on the
// concurrent height chain. The tip op is added once per flush.
func (s *Store) ConcurrentConnectOps(b *types.Block) ([]database.Operation, error) {
	raw, err := b.Serialize()
	if err != nil {
		return nil, err
	}
	return []database.Operation{
		database.Put(encoding.BlockKey(s.prefix, b.Hash), encoding.EncodeBlock(b.Height, raw)),
		database.Put(encoding.HeightKey(s.concPrefix, encoding.SubConcurrentHeight, b.Height), encoding.EncodeHash(b.Hash)),
	}, nil
}

// ConcurrentDisconnectOps unmarks b. The raw block is deleted as well when
// the serial track is already below it, since neither track references it
// afterwards. Otherwise it stays for the resolver to undo the serial track.
func (s *Store) ConcurrentDisconnectOps(b *types.Block) []database.Operation {
	ops := []database.Operation{
		database.Del(encoding.HeightKey(s.concPrefix, encoding.SubConcurrentHeight, b.Height)),
		database.TipOp(s.concPrefix, ConcurrentServiceName, parentTip(b)),
	}
	if s.Tip().Height < b.Height {
		ops = append(ops, database.Del(encoding.BlockKey(s.prefix, b.Hash)))
	}
	return ops
}

func (s *Store) ConcurrentTipOp(tip types.Tip) database.Operation {
	return database.TipOp(s.concPrefix, ConcurrentServiceName, tip)
}

// Connected updates memory after a committed serial connect.
func (s *Store) Connected(b *types.Block) {
	s.mu.Lock()
	s.tip = b.Tip()
	s.mu.Unlock()
	s.window.Remember(b.Hash, b.PrevHash())
	metrics.SetTip(ServiceName, b.Height)
}

// Disconnected updates memory after a committed serial disconnect.
func (s *Store) Disconnected(b *types.Block) {
	s.mu.Lock()
	s.tip = parentTip(b)
	s.mu.Unlock()
	s.window.Forget(b.Hash)
	metrics.SetTip(ServiceName, b.Height-1)
}

// SetConcurrentTip updates memory after a committed concurrent flush or
// rewind step.
func (s *Store) SetConcurrentTip(tip types.Tip) {
	s.mu.Lock()
	s.concTip = tip
	s.mu.Unlock()
	metrics.SetTip(ConcurrentServiceName, tip.Height)
}

func parentTip(b *types.Block) types.Tip {
	return types.Tip{Height: b.Height - 1, Hash: b.PrevHash()}
}
