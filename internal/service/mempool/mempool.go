// Package mempool mirrors the node's unconfirmed transactions and indexes
// the addresses they touch.
package mempool

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/service/address"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const Name = "mempool"

// Source lists and fetches unconfirmed transactions.
type Source interface {
	MempoolTxids(ctx context.Context) ([]chainhash.Hash, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
}

type Index struct {
	db     *database.Store
	prefix []byte
	params *chaincfg.Params
	coins  address.Coins
	src    Source
}

var (
	_ service.Indexer      = (*Index)(nil)
	_ service.ReorgHandler = (*Index)(nil)
	_ service.Reseeder     = (*Index)(nil)
)

func New(db *database.Store, params *chaincfg.Params, coins address.Coins, src Source) (*Index, error) {
	prefix, err := db.AllocatePrefix(Name)
	if err != nil {
		return nil, err
	}
	return &Index{db: db, prefix: prefix, params: params, coins: coins, src: src}, nil
}

func (i *Index) Name() string { return Name }

// Apply drops confirmed transactions on connect, together with pool
// transactions spending the same inputs and their descendants. On
// disconnect the block's transactions return to the pool.
func (i *Index) Apply(ctx context.Context, b *types.Block, connecting bool) ([]database.Operation, error) {
	if !connecting {
		return i.readd(b)
	}
	var ops []database.Operation
	removed := make(map[chainhash.Hash]struct{})
	var evicted int
	for pos := 1; pos < len(b.Txids); pos++ {
		txid := b.Txids[pos]
		out, err := i.removeOps(txid)
		if err != nil {
			return nil, err
		}
		removed[txid] = struct{}{}
		ops = append(ops, out...)

		for _, in := range b.Msg.Transactions[pos].TxIn {
			spender, err := i.spender(types.Outpoint{Txid: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index})
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if spender == txid {
				continue
			}
			out, n, err := i.evictOps(spender, removed)
			if err != nil {
				return nil, err
			}
			ops = append(ops, out...)
			evicted += n
		}
	}
	if evicted > 0 {
		logging.L.Info().
			Uint32("height", b.Height).
			Str("blockhash", b.Hash.String()).
			Int("evicted", evicted).
			Msg("evicted mempool transactions conflicting with block")
	}
	return ops, nil
}

// evictOps removes txid and every pool transaction descending from it.
func (i *Index) evictOps(txid chainhash.Hash, removed map[chainhash.Hash]struct{}) ([]database.Operation, int, error) {
	if _, ok := removed[txid]; ok {
		return nil, 0, nil
	}
	removed[txid] = struct{}{}
	ops, err := i.removeOps(txid)
	if err != nil {
		return nil, 0, err
	}
	n := 1

	var children []chainhash.Hash
	it := i.db.ScanPrefix(encoding.MempoolSpendPrefix(i.prefix, txid))
	for it.Next() {
		child, err := encoding.DecodeMempoolSpender(it.Value())
		if err != nil {
			it.Close()
			return nil, 0, err
		}
		children = append(children, child)
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return nil, 0, err
	}
	for _, child := range children {
		out, m, err := i.evictOps(child, removed)
		if err != nil {
			return nil, 0, err
		}
		ops = append(ops, out...)
		n += m
	}
	return ops, n, nil
}

func (i *Index) spender(op types.Outpoint) (chainhash.Hash, error) {
	v, err := i.db.Get(encoding.MempoolSpendKey(i.prefix, op))
	if err != nil {
		return chainhash.Hash{}, err
	}
	return encoding.DecodeMempoolSpender(v)
}

// OnReorg returns every non-coinbase transaction of the removed blocks to
// the pool. Those conflicting with the new branch stay until the block
// spending their inputs connects.
func (i *Index) OnReorg(ctx context.Context, ancestor types.Tip, blocks []*types.Block) ([][]database.Operation, error) {
	out := make([][]database.Operation, len(blocks))
	var n int
	for k, b := range blocks {
		ops, err := i.readd(b)
		if err != nil {
			return nil, err
		}
		out[k] = ops
		n += len(b.Txids) - 1
	}
	logging.L.Info().
		Uint32("ancestor", ancestor.Height).
		Int("txs", n).
		Msg("returning transactions of removed blocks to the mempool")
	return out, nil
}

func (i *Index) readd(b *types.Block) ([]database.Operation, error) {
	journal, err := i.coins.SpentCoins(b.Hash)
	if err != nil {
		return nil, fmt.Errorf("spent coins of %s: %w", b.Hash, err)
	}
	prevouts := make(map[types.Outpoint][]byte, len(journal))
	for _, s := range journal {
		prevouts[s.Outpoint] = s.Coin.Script
	}

	var ops []database.Operation
	for pos := len(b.Msg.Transactions) - 1; pos >= 1; pos-- {
		tx := b.Msg.Transactions[pos]
		addrs := i.addresses(tx, func(op types.Outpoint) ([]byte, bool) {
			script, ok := prevouts[op]
			return script, ok
		})
		out, err := i.addOps(b.Txids[pos], tx, addrs)
		if err != nil {
			return nil, err
		}
		ops = append(ops, out...)
	}
	return ops, nil
}

// addresses lists the addresses paid by tx outputs and those owning its
// inputs when prevout can resolve them.
func (i *Index) addresses(tx *wire.MsgTx, prevout func(types.Outpoint) ([]byte, bool)) []encoding.MempoolAddress {
	var out []encoding.MempoolAddress
	for n, in := range tx.TxIn {
		script, ok := prevout(types.Outpoint{Txid: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index})
		if !ok {
			continue
		}
		if a, ok := address.ScriptAddress(script, i.params); ok {
			out = append(out, encoding.MempoolAddress{Address: a, Index: uint32(n), Input: true})
		}
	}
	for n, o := range tx.TxOut {
		if a, ok := address.ScriptAddress(o.PkScript, i.params); ok {
			out = append(out, encoding.MempoolAddress{Address: a, Index: uint32(n)})
		}
	}
	return out
}

func (i *Index) addOps(txid chainhash.Hash, tx *wire.MsgTx, addrs []encoding.MempoolAddress) ([]database.Operation, error) {
	var raw bytes.Buffer
	raw.Grow(tx.SerializeSize())
	if err := tx.Serialize(&raw); err != nil {
		return nil, err
	}
	v, err := encoding.EncodeMempoolTx(raw.Bytes(), addrs)
	if err != nil {
		return nil, err
	}
	ops := []database.Operation{database.Put(encoding.MempoolTxKey(i.prefix, txid), v)}
	for _, in := range tx.TxIn {
		op := types.Outpoint{Txid: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index}
		ops = append(ops, database.Put(encoding.MempoolSpendKey(i.prefix, op), txid[:]))
	}
	for _, a := range addrs {
		k, err := encoding.MempoolAddressKey(i.prefix, a.Address, txid, a.Index, a.Input)
		if err != nil {
			return nil, err
		}
		ops = append(ops, database.Put(k, nil))
	}
	return ops, nil
}

// removeOps deletes txid with its address and spend entries. Unknown
// txids yield nothing.
func (i *Index) removeOps(txid chainhash.Hash) ([]database.Operation, error) {
	v, err := i.db.Get(encoding.MempoolTxKey(i.prefix, txid))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, addrs, err := encoding.DecodeMempoolTx(v)
	if err != nil {
		return nil, err
	}
	tx, err := decodeTx(txid, raw)
	if err != nil {
		return nil, err
	}
	ops := []database.Operation{database.Del(encoding.MempoolTxKey(i.prefix, txid))}
	for _, in := range tx.TxIn {
		op := types.Outpoint{Txid: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index}
		// a conflicting tx may have taken the entry over
		spender, err := i.spender(op)
		if errors.Is(err, database.ErrNotFound) || (err == nil && spender != txid) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ops = append(ops, database.Del(encoding.MempoolSpendKey(i.prefix, op)))
	}
	for _, a := range addrs {
		k, err := encoding.MempoolAddressKey(i.prefix, a.Address, txid, a.Index, a.Input)
		if err != nil {
			return nil, err
		}
		ops = append(ops, database.Del(k))
	}
	return ops, nil
}

// Reseed empties the pool so it can start at tip, for stores that indexed
// blocks with the mempool disabled. The next Refresh fills it again.
func (i *Index) Reseed(ctx context.Context, tip types.Tip) ([]database.Operation, error) {
	var ops []database.Operation
	for _, sub := range []byte{encoding.SubMempoolTx, encoding.SubMempoolAddress, encoding.SubMempoolSpend} {
		it := i.db.ScanPrefix(append(append([]byte(nil), i.prefix...), sub))
		for it.Next() {
			ops = append(ops, database.Del(append([]byte(nil), it.Key()...)))
		}
		err := it.Err()
		it.Close()
		if err != nil {
			return nil, err
		}
	}
	logging.L.Info().Uint32("height", tip.Height).Int("entries", len(ops)).Msg("reseeding mempool")
	return ops, nil
}

// Refresh syncs the stored pool with the node: new transactions are added
// and vanished ones removed, in one batch.
func (i *Index) Refresh(ctx context.Context) error {
	txids, err := i.src.MempoolTxids(ctx)
	if err != nil {
		logging.L.Err(err).Msg("failed to pull mempool")
		return err
	}
	live := make(map[chainhash.Hash]struct{}, len(txids))
	for _, txid := range txids {
		live[txid] = struct{}{}
	}

	stored, err := i.Txids()
	if err != nil {
		return err
	}
	known := make(map[chainhash.Hash]struct{}, len(stored))
	var ops []database.Operation
	var removed, added int
	for _, txid := range stored {
		known[txid] = struct{}{}
		if _, ok := live[txid]; ok {
			continue
		}
		out, err := i.removeOps(txid)
		if err != nil {
			return err
		}
		ops = append(ops, out...)
		removed++
	}

	// parents fetched in this round, for chains of unconfirmed txs
	fetched := make(map[chainhash.Hash]*wire.MsgTx)
	for _, txid := range txids {
		if _, ok := known[txid]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tx, err := i.src.GetRawTransaction(ctx, txid)
		if err != nil {
			// evicted between listing and fetching
			logging.L.Debug().Err(err).Str("txid", txid.String()).Msg("skipping mempool tx")
			continue
		}
		fetched[txid] = tx
	}
	for txid, tx := range fetched {
		addrs := i.addresses(tx, func(op types.Outpoint) ([]byte, bool) {
			return i.prevoutScript(op, fetched)
		})
		out, err := i.addOps(txid, tx, addrs)
		if err != nil {
			return err
		}
		ops = append(ops, out...)
		added++
	}

	if err := i.db.Write(ops); err != nil {
		logging.L.Err(err).Msg("failed to write mempool")
		return err
	}
	logging.L.Debug().Int("added", added).Int("removed", removed).Int("size", len(txids)).Msg("mempool refreshed")
	return nil
}

func (i *Index) prevoutScript(op types.Outpoint, fetched map[chainhash.Hash]*wire.MsgTx) ([]byte, bool) {
	if coin, err := i.coins.Coin(op); err == nil {
		return coin.Script, true
	}
	parent, ok := fetched[op.Txid]
	if !ok {
		var err error
		if parent, err = i.Transaction(op.Txid); err != nil {
			return nil, false
		}
	}
	if int(op.Index) >= len(parent.TxOut) {
		return nil, false
	}
	return parent.TxOut[op.Index].PkScript, true
}

// Transaction returns an unconfirmed transaction.
func (i *Index) Transaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	v, err := i.db.Get(encoding.MempoolTxKey(i.prefix, txid))
	if err != nil {
		return nil, err
	}
	raw, _, err := encoding.DecodeMempoolTx(v)
	if err != nil {
		return nil, err
	}
	return decodeTx(txid, raw)
}

func decodeTx(txid chainhash.Hash, raw []byte) (*wire.MsgTx, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: mempool tx %s: %w", database.ErrDecode, txid, err)
	}
	return &tx, nil
}

// Txids lists every stored unconfirmed transaction.
func (i *Index) Txids() ([]chainhash.Hash, error) {
	group := append(append([]byte(nil), i.prefix...), encoding.SubMempoolTx)
	it := i.db.ScanPrefix(group)
	defer it.Close()

	var out []chainhash.Hash
	for it.Next() {
		txid, err := encoding.DecodeMempoolTxKey(i.prefix, it.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, txid)
	}
	return out, it.Err()
}

// TxidsByAddress lists unconfirmed transactions touching addr, each once.
func (i *Index) TxidsByAddress(addr string) ([]chainhash.Hash, error) {
	group, err := encoding.MempoolAddressPrefix(i.prefix, addr)
	if err != nil {
		return nil, err
	}
	it := i.db.ScanPrefix(group)
	defer it.Close()

	seen := make(map[chainhash.Hash]struct{})
	var out []chainhash.Hash
	for it.Next() {
		_, txid, _, _, err := encoding.DecodeMempoolAddressKey(i.prefix, it.Key())
		if err != nil {
			return nil, err
		}
		if _, ok := seen[txid]; ok {
			continue
		}
		seen[txid] = struct{}{}
		out = append(out, txid)
	}
	return out, it.Err()
}
