// Package address indexes the history and the unspent outputs of every
// address that appears in an output script.
package address

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/service/utxo"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const Name = "address"

// Coins is the committed utxo state the index reads prevouts from.
type Coins interface {
	Coin(op types.Outpoint) (types.Coin, error)
	SpentCoins(blockHash chainhash.Hash) ([]types.SpentCoin, error)
}

type Index struct {
	db      *database.Store
	prefix  []byte
	amounts encoding.Amounts
	params  *chaincfg.Params
	coins   Coins
}

var _ service.Indexer = (*Index)(nil)

func New(db *database.Store, amounts encoding.Amounts, params *chaincfg.Params, coins Coins) (*Index, error) {
	prefix, err := db.AllocatePrefix(Name)
	if err != nil {
		return nil, err
	}
	return &Index{db: db, prefix: prefix, amounts: amounts, params: params, coins: coins}, nil
}

func (i *Index) Name() string { return Name }

// ScriptAddress returns the address a script pays to. Scripts without
// exactly one address, such as bare multisig or OP_RETURN, have none.
func ScriptAddress(script []byte, params *chaincfg.Params) (string, bool) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil || len(addrs) != 1 {
		return "", false
	}
	a := addrs[0].EncodeAddress()
	if len(a) == 0 || len(a) > encoding.MaxStringLen {
		return "", false
	}
	return a, true
}

func (i *Index) Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error) {
	if connecting {
		return i.connect(b)
	}
	return i.disconnect(b)
}

func (i *Index) connect(b *types.Block) ([]database.Operation, error) {
	var ops []database.Operation
	ts := b.Timestamp()
	created := make(map[types.Outpoint]types.Coin)

	for pos, tx := range b.Msg.Transactions {
		txid := b.Txids[pos]
		if pos > 0 {
			for n, in := range tx.TxIn {
				op := types.Outpoint{Txid: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index}
				coin, ok := created[op]
				if !ok {
					var err error
					coin, err = i.coins.Coin(op)
					if errors.Is(err, database.ErrNotFound) {
						return nil, fmt.Errorf("%w: %s in tx %s", utxo.ErrMissingPrevout, op, txid)
					}
					if err != nil {
						return nil, err
					}
				}
				addr, ok := ScriptAddress(coin.Script, i.params)
				if !ok {
					continue
				}
				hk, err := encoding.AddressHistoryKey(i.prefix, types.HistoryEntry{
					Address: addr, Height: b.Height, Txid: txid, Index: uint32(n), Input: true, Timestamp: ts,
				})
				if err != nil {
					return nil, err
				}
				uk, err := encoding.AddressUTXOKey(i.prefix, addr, op.Txid, op.Index)
				if err != nil {
					return nil, err
				}
				ops = append(ops, database.Put(hk, nil), database.Del(uk))
			}
		}

		for idx, out := range tx.TxOut {
			op := types.Outpoint{Txid: txid, Index: uint32(idx)}
			created[op] = types.Coin{Height: b.Height, Amount: out.Value, Script: out.PkScript}
			addr, ok := ScriptAddress(out.PkScript, i.params)
			if !ok {
				continue
			}
			hk, err := encoding.AddressHistoryKey(i.prefix, types.HistoryEntry{
				Address: addr, Height: b.Height, Txid: txid, Index: uint32(idx), Timestamp: ts,
			})
			if err != nil {
				return nil, err
			}
			uk, err := encoding.AddressUTXOKey(i.prefix, addr, txid, uint32(idx))
			if err != nil {
				return nil, err
			}
			uv := encoding.EncodeAddressUTXO(i.amounts, types.AddressUTXO{
				Address: addr, Txid: txid, Index: uint32(idx),
				Height: b.Height, Amount: out.Value, Timestamp: ts, Script: out.PkScript,
			})
			ops = append(ops, database.Put(hk, nil), database.Put(uk, uv))
		}
	}
	return ops, nil
}

func (i *Index) disconnect(b *types.Block) ([]database.Operation, error) {
	journal, err := i.coins.SpentCoins(b.Hash)
	if err != nil {
		return nil, fmt.Errorf("spent coins of %s: %w", b.Hash, err)
	}
	restore := make(map[types.Outpoint]types.Coin, len(journal))
	for _, s := range journal {
		restore[s.Outpoint] = s.Coin
	}

	var ops []database.Operation
	ts := b.Timestamp()
	for pos := len(b.Msg.Transactions) - 1; pos >= 0; pos-- {
		tx := b.Msg.Transactions[pos]
		txid := b.Txids[pos]

		for idx := len(tx.TxOut) - 1; idx >= 0; idx-- {
			addr, ok := ScriptAddress(tx.TxOut[idx].PkScript, i.params)
			if !ok {
				continue
			}
			hk, err := encoding.AddressHistoryKey(i.prefix, types.HistoryEntry{
				Address: addr, Height: b.Height, Txid: txid, Index: uint32(idx), Timestamp: ts,
			})
			if err != nil {
				return nil, err
			}
			uk, err := encoding.AddressUTXOKey(i.prefix, addr, txid, uint32(idx))
			if err != nil {
				return nil, err
			}
			ops = append(ops, database.Del(uk), database.Del(hk))
		}
		if pos == 0 {
			continue
		}

		for n := len(tx.TxIn) - 1; n >= 0; n-- {
			in := tx.TxIn[n]
			op := types.Outpoint{Txid: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index}
			coin, ok := restore[op]
			if !ok {
				return nil, fmt.Errorf("%w: %s not in journal of %s", utxo.ErrMissingPrevout, op, b.Hash)
			}
			addr, ok := ScriptAddress(coin.Script, i.params)
			if !ok {
				continue
			}
			hk, err := encoding.AddressHistoryKey(i.prefix, types.HistoryEntry{
				Address: addr, Height: b.Height, Txid: txid, Index: uint32(n), Input: true, Timestamp: ts,
			})
			if err != nil {
				return nil, err
			}
			created, err := i.outputTimestamp(addr, coin.Height, op)
			if err != nil {
				return nil, err
			}
			uk, err := encoding.AddressUTXOKey(i.prefix, addr, op.Txid, op.Index)
			if err != nil {
				return nil, err
			}
			uv := encoding.EncodeAddressUTXO(i.amounts, types.AddressUTXO{
				Address: addr, Txid: op.Txid, Index: op.Index,
				Height: coin.Height, Amount: coin.Amount, Timestamp: created, Script: coin.Script,
			})
			ops = append(ops, database.Del(hk), database.Put(uk, uv))
		}
	}
	return ops, nil
}

// outputTimestamp recovers the block time recorded when op was created from
// its history entry.
func (i *Index) outputTimestamp(addr string, height uint32, op types.Outpoint) (uint32, error) {
	history, err := i.GetHistory(addr, height, height)
	if err != nil {
		return 0, err
	}
	for _, e := range history {
		if !e.Input && e.Txid == op.Txid && e.Index == op.Index {
			return e.Timestamp, nil
		}
	}
	return 0, fmt.Errorf("%w: history of output %s at %d", database.ErrNotFound, op, height)
}

// GetUnspentOutputs lists the unspent outputs paying addr ordered by
// outpoint.
func (i *Index) GetUnspentOutputs(addr string) ([]types.AddressUTXO, error) {
	group, err := encoding.AddressUTXOPrefix(i.prefix, addr)
	if err != nil {
		return nil, err
	}
	it := i.db.ScanPrefix(group)
	defer it.Close()

	var out []types.AddressUTXO
	for it.Next() {
		u, err := encoding.DecodeAddressUTXO(i.amounts, i.prefix, it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, it.Err()
}

// GetHistory lists entries of addr with from <= height <= to, oldest first.
func (i *Index) GetHistory(addr string, from, to uint32) ([]types.HistoryEntry, error) {
	lower, upper, err := encoding.AddressHistoryBounds(i.prefix, addr, from, to)
	if err != nil {
		return nil, err
	}
	it := i.db.Scan(database.Range{GTE: lower, LT: upper})
	defer it.Close()

	var out []types.HistoryEntry
	for it.Next() {
		e, err := encoding.DecodeAddressHistoryKey(i.prefix, it.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, it.Err()
}

// Balance sums the unspent outputs of addr in satoshis.
func (i *Index) Balance(addr string) (int64, error) {
	utxos, err := i.GetUnspentOutputs(addr)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, u := range utxos {
		sum += u.Amount
	}
	return sum, nil
}
