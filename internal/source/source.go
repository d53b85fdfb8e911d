// Package source fetches blocks, headers and mempool data from a node.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/logging"
)

var ErrNotFound = errors.New("not found at source")

// Source is everything the indexer consumes from the node.
type Source interface {
	BestBlock(ctx context.Context) (uint32, chainhash.Hash, error)
	GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error)
	GetHeaders(ctx context.Context, locator []chainhash.Hash, max uint32) ([]*wire.BlockHeader, error)
	GetBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error)
	MempoolTxids(ctx context.Context) ([]chainhash.Hash, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	Subscribe(ctx context.Context, interval time.Duration) <-chan chainhash.Hash
}

type bestBlocker interface {
	BestBlock(ctx context.Context) (uint32, chainhash.Hash, error)
}

// Poll emits the best block hash every time it changes. The first value is
// sent right away. The channel closes with ctx.
func Poll(ctx context.Context, src bestBlocker, interval time.Duration) <-chan chainhash.Hash {
	out := make(chan chainhash.Hash, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last chainhash.Hash
		first := true
		for {
			_, hash, err := src.BestBlock(ctx)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					logging.L.Warn().Err(err).Msg("failed to poll best block")
				}
			case first || hash != last:
				first = false
				last = hash
				select {
				case out <- hash:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
