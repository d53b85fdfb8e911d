package dataexport

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/setavenger/blindbit-indexer/internal/blockstore"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/service/utxo"
)

// ExportAll writes the utxo set and the canonical block hashes as csv files
// into dir. The amount encoding is read from the store.
func ExportAll(ctx context.Context, db *database.Store, params *chaincfg.Params, dir string) ([]string, error) {
	// todo stream records into the csv writer instead of collecting them first
	logging.L.Info().Msg("Exporting data")
	timestamp := time.Now().Unix()

	setting, err := db.Setting("amount_encoding")
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	amounts, err := encoding.ParseAmounts(setting)
	if err != nil {
		return nil, err
	}

	coins, err := utxo.New(db, amounts)
	if err != nil {
		return nil, err
	}
	blocks := blockstore.New(db, 1)
	if err := blocks.Load(ctx); err != nil {
		return nil, err
	}

	utxoPath := filepath.Join(dir, fmt.Sprintf("utxos-%d.csv", timestamp))
	logging.L.Info().Msg("Exporting UTXOs")
	if err := ExportUTXOs(utxoPath, coins, params); err != nil {
		return nil, fmt.Errorf("exporting utxos: %w", err)
	}
	logging.L.Info().Msg("Finished UTXOs")

	hashPath := filepath.Join(dir, fmt.Sprintf("block-hashes-%d.csv", timestamp))
	logging.L.Info().Msg("Exporting block hashes")
	if err := ExportBlockHashes(hashPath, blocks); err != nil {
		return nil, fmt.Errorf("exporting block hashes: %w", err)
	}
	logging.L.Info().Msg("Finished block hashes")

	logging.L.Info().Msg("Export Done")
	return []string{utxoPath, hashPath}, nil
}
