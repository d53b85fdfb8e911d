// Package service runs pluggable indexers over connected and disconnected
// blocks and commits their operations together with the block store tips.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

// Indexer derives one index from block contents. Apply returns the forward
// operations of b when connecting and their exact inverse otherwise. It must
// not read data other indexers produce for the same block.
type Indexer interface {
	Name() string
	Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error)
}

// ReorgHandler is implemented by indexers that undo a whole reorg at once.
// blocks are ordered newest first and the result holds one operation set
// per block in the same order.
type ReorgHandler interface {
	OnReorg(ctx context.Context, ancestor types.Tip, blocks []*types.Block) ([][]database.Operation, error)
}

// Reseeder is implemented by indexers whose state follows the node rather
// than the blocks. Verify moves such an indexer to its track tip instead of
// failing, committing the returned operations with the new tip.
type Reseeder interface {
	Reseed(ctx context.Context, tip types.Tip) ([]database.Operation, error)
}

var (
	ErrAlreadyConnected = errors.New("block is already connected")
	ErrNotNextBlock     = errors.New("block does not extend the tip")
	ErrDuplicateIndexer = errors.New("indexer registered twice")
	ErrTipMismatch      = errors.New("indexer tip differs from its track")
)

// IndexerError aborts the block it was raised for.
type IndexerError struct {
	Indexer string
	Height  uint32
	Hash    chainhash.Hash
	Err     error
}

func (e *IndexerError) Error() string {
	return fmt.Sprintf("indexer %s failed at block %d %s: %v", e.Indexer, e.Height, e.Hash, e.Err)
}

func (e *IndexerError) Unwrap() error { return e.Err }
