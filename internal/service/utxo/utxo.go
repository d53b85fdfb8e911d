// Package utxo keeps the set of unspent outputs and a per-block journal of
// the coins each block consumed.
package utxo

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const Name = "utxo"

var (
	ErrMissingPrevout = errors.New("spent output is not in the utxo set")
	ErrMissingJournal = errors.New("spend journal missing")
)

type Index struct {
	db      *database.Store
	prefix  []byte
	amounts encoding.Amounts
}

var _ service.Indexer = (*Index)(nil)

func New(db *database.Store, amounts encoding.Amounts) (*Index, error) {
	prefix, err := db.AllocatePrefix(Name)
	if err != nil {
		return nil, err
	}
	return &Index{db: db, prefix: prefix, amounts: amounts}, nil
}

func (i *Index) Name() string { return Name }

// Coin looks up a committed unspent output.
func (i *Index) Coin(op types.Outpoint) (types.Coin, error) {
	v, err := i.db.Get(encoding.OutpointKey(i.prefix, encoding.SubUTXO, op))
	if err != nil {
		return types.Coin{}, err
	}
	return encoding.DecodeCoin(i.amounts, v)
}

// SpentCoins returns the coins a connected block consumed, in input order.
func (i *Index) SpentCoins(blockHash chainhash.Hash) ([]types.SpentCoin, error) {
	v, err := i.db.Get(encoding.SpendJournalKey(i.prefix, blockHash))
	if err != nil {
		return nil, err
	}
	return encoding.DecodeSpendJournal(i.amounts, v)
}

// ForEach calls fn for every unspent output in outpoint order. Iteration
// stops at the first error fn returns.
func (i *Index) ForEach(fn func(types.Outpoint, types.Coin) error) error {
	sub := append(append([]byte(nil), i.prefix...), encoding.SubUTXO)
	it := i.db.ScanPrefix(sub)
	defer it.Close()

	for it.Next() {
		op, err := encoding.DecodeOutpointKey(i.prefix, encoding.SubUTXO, it.Key())
		if err != nil {
			return err
		}
		coin, err := encoding.DecodeCoin(i.amounts, it.Value())
		if err != nil {
			return fmt.Errorf("coin %s: %w", op, err)
		}
		if err := fn(op, coin); err != nil {
			return err
		}
	}
	return it.Err()
}

func outpoint(in *wire.TxIn) types.Outpoint {
	return types.Outpoint{Txid: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index}
}

func (i *Index) Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error) {
	if connecting {
		return i.connect(b)
	}
	return i.disconnect(b)
}

func (i *Index) connect(b *types.Block) ([]database.Operation, error) {
	var ops []database.Operation
	created := make(map[types.Outpoint]types.Coin)
	var spent []types.SpentCoin

	for pos, tx := range b.Msg.Transactions {
		coinbase := pos == 0
		if !coinbase {
			for _, in := range tx.TxIn {
				op := outpoint(in)
				coin, ok := created[op]
				if ok {
					delete(created, op)
				} else {
					var err error
					coin, err = i.Coin(op)
					if errors.Is(err, database.ErrNotFound) {
						return nil, fmt.Errorf("%w: %s in tx %s", ErrMissingPrevout, op, b.Txids[pos])
					}
					if err != nil {
						return nil, err
					}
				}
				ops = append(ops, database.Del(encoding.OutpointKey(i.prefix, encoding.SubUTXO, op)))
				spent = append(spent, types.SpentCoin{Outpoint: op, Coin: coin})
			}
		}

		for idx, out := range tx.TxOut {
			if txscript.IsUnspendable(out.PkScript) {
				continue
			}
			if !i.amounts.Exact(out.Value) {
				logging.L.Warn().
					Str("txid", b.Txids[pos].String()).
					Int("vout", idx).
					Int64("value", out.Value).
					Msg("amount is not exact in the configured encoding")
			}
			op := types.Outpoint{Txid: b.Txids[pos], Index: uint32(idx)}
			coin := types.Coin{Height: b.Height, Amount: out.Value, Coinbase: coinbase, Script: out.PkScript}
			created[op] = coin
			ops = append(ops, database.Put(
				encoding.OutpointKey(i.prefix, encoding.SubUTXO, op),
				encoding.EncodeCoin(i.amounts, coin),
			))
		}
	}

	ops = append(ops, database.Put(
		encoding.SpendJournalKey(i.prefix, b.Hash),
		encoding.EncodeSpendJournal(i.amounts, spent),
	))
	return ops, nil
}

// disconnect walks the block backwards so coins created and spent within it
// end up absent again.
func (i *Index) disconnect(b *types.Block) ([]database.Operation, error) {
	journal, err := i.SpentCoins(b.Hash)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: block %s", ErrMissingJournal, b.Hash)
	}
	if err != nil {
		return nil, err
	}
	restore := make(map[types.Outpoint]types.Coin, len(journal))
	for _, s := range journal {
		restore[s.Outpoint] = s.Coin
	}

	var ops []database.Operation
	for pos := len(b.Msg.Transactions) - 1; pos >= 0; pos-- {
		tx := b.Msg.Transactions[pos]
		for idx := len(tx.TxOut) - 1; idx >= 0; idx-- {
			if txscript.IsUnspendable(tx.TxOut[idx].PkScript) {
				continue
			}
			op := types.Outpoint{Txid: b.Txids[pos], Index: uint32(idx)}
			ops = append(ops, database.Del(encoding.OutpointKey(i.prefix, encoding.SubUTXO, op)))
		}
		if pos == 0 {
			continue
		}
		for n := len(tx.TxIn) - 1; n >= 0; n-- {
			op := outpoint(tx.TxIn[n])
			coin, ok := restore[op]
			if !ok {
				return nil, fmt.Errorf("%w: %s not in journal of %s", ErrMissingPrevout, op, b.Hash)
			}
			ops = append(ops, database.Put(
				encoding.OutpointKey(i.prefix, encoding.SubUTXO, op),
				encoding.EncodeCoin(i.amounts, coin),
			))
		}
	}

	ops = append(ops, database.Del(encoding.SpendJournalKey(i.prefix, b.Hash)))
	return ops, nil
}
