// Package reorg rolls the indexes back to the last block shared with a
// heavier branch.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/blockstore"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/metrics"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

type State int32

const (
	Normal State = iota
	FindingAncestor
	RemovingBlocks
)

func (s State) String() string {
	switch s {
	case FindingAncestor:
		return "finding_ancestor"
	case RemovingBlocks:
		return "removing_blocks"
	default:
		return "normal"
	}
}

// ErrAncestorNotFound means the reorg is deeper than the ancestor window.
// Recovering needs a resync with a deeper window.
var ErrAncestorNotFound = errors.New("common ancestor not within the recent ancestor window")

// Headers reads headers of any known branch.
type Headers interface {
	HeaderByHash(hash chainhash.Hash) (*types.Header, error)
}

type Resolver struct {
	blocks  *blockstore.Store
	orch    *service.Orchestrator
	headers Headers
	state   atomic.Int32
}

func NewResolver(orch *service.Orchestrator, headers Headers) *Resolver {
	return &Resolver{blocks: orch.Blocks(), orch: orch, headers: headers}
}

func (r *Resolver) State() State { return State(r.state.Load()) }

// FindAncestor walks the window back from the serial tip and the header
// chain back from branch. The first hash found on both at the same height is
// the ancestor. removed lists the indexed blocks above it, newest first.
func (r *Resolver) FindAncestor(branch chainhash.Hash) (ancestor types.Tip, removed []chainhash.Hash, err error) {
	tip := r.blocks.Tip()
	path := r.blocks.Window().WalkBack(tip.Hash)
	lowest := tip.Height - uint32(len(path)-1)

	onPath := make(map[chainhash.Hash]uint32, len(path))
	for k, hash := range path {
		onPath[hash] = tip.Height - uint32(k)
	}

	hdr, err := r.headers.HeaderByHash(branch)
	if err != nil {
		return types.Tip{}, nil, fmt.Errorf("branch header %s: %w", branch, err)
	}
	for {
		if h, ok := onPath[hdr.Hash]; ok && h == hdr.Height {
			ancestor = types.Tip{Height: h, Hash: hdr.Hash}
			return ancestor, path[:tip.Height-h], nil
		}
		if hdr.Height <= lowest {
			break
		}
		prev := hdr.PrevHash
		if hdr, err = r.headers.HeaderByHash(prev); err != nil {
			return types.Tip{}, nil, fmt.Errorf("branch header %s: %w", prev, err)
		}
	}
	return types.Tip{}, nil, fmt.Errorf("%w: tip %d %s, branch %s, window reaches height %d",
		ErrAncestorNotFound, tip.Height, tip.Hash, branch, lowest)
}

// Resolve disconnects the serial track down to the common ancestor with
// branch, then rewinds the concurrent track to the same block. Any error
// leaves the indexes at a consistent intermediate tip and must stop the
// sync.
func (r *Resolver) Resolve(ctx context.Context, branch chainhash.Hash) (types.Tip, error) {
	defer r.state.Store(int32(Normal))

	r.state.Store(int32(FindingAncestor))
	ancestor, removed, err := r.FindAncestor(branch)
	if err != nil {
		logging.L.Err(err).Str("branch", branch.String()).Msg("reorg ancestor not found")
		return types.Tip{}, err
	}

	logging.L.Warn().
		Uint32("ancestor_height", ancestor.Height).
		Str("ancestor", ancestor.Hash.String()).
		Int("depth", len(removed)).
		Msg("reorg detected")

	r.state.Store(int32(RemovingBlocks))
	blocks := make([]*types.Block, len(removed))
	for k, hash := range removed {
		b, err := r.blocks.BlockByHash(hash)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				err = fmt.Errorf("indexed block %s: %w", hash, err)
			}
			logging.L.Err(err).Str("blockhash", hash.String()).Msg("failed to load block for disconnect")
			return types.Tip{}, err
		}
		blocks[k] = b
	}

	if err := r.orch.DisconnectBlocks(ctx, ancestor, blocks); err != nil {
		return types.Tip{}, fmt.Errorf("disconnect to %d %s: %w", ancestor.Height, ancestor.Hash, err)
	}
	if err := r.orch.RewindConcurrent(ctx, ancestor); err != nil {
		return types.Tip{}, fmt.Errorf("rewind concurrent to %d %s: %w", ancestor.Height, ancestor.Hash, err)
	}

	metrics.ObserveReorg(len(removed))
	logging.L.Info().Uint32("height", ancestor.Height).Int("removed", len(removed)).Msg("reorg resolved")
	return ancestor, nil
}
