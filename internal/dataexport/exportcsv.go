package dataexport

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/setavenger/blindbit-indexer/internal/blockstore"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/service/utxo"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

func writeToCSV(path string, records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	logging.L.Info().Msgf("Writing to %s", path)
	file, err := os.Create(path)
	if err != nil {
		logging.L.Err(err).Str("path", path).Msg("failed creating file")
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	return file.Sync()
}

/* UTXOS */

func ExportUTXOs(path string, coins *utxo.Index, params *chaincfg.Params) error {
	records, err := convertUTXOsToRecords(coins, params)
	if err != nil {
		logging.L.Err(err).Msg("error converting utxos to records")
		return err
	}
	return writeToCSV(path, records)
}

func convertUTXOsToRecords(coins *utxo.Index, params *chaincfg.Params) ([][]string, error) {
	records := [][]string{{
		"txid",
		"vout",
		"height",
		"coinbase",
		"scriptPubKey",
		"address",
		"value",
	}}
	err := coins.ForEach(func(op types.Outpoint, c types.Coin) error {
		// non-standard scripts have no address and get an empty column
		var address string
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(c.Script, params)
		if err == nil && len(addrs) == 1 {
			address = addrs[0].EncodeAddress()
		}
		records = append(records, []string{
			op.Txid.String(),
			strconv.FormatUint(uint64(op.Index), 10),
			strconv.FormatUint(uint64(c.Height), 10),
			strconv.FormatBool(c.Coinbase),
			hex.EncodeToString(c.Script),
			address,
			strconv.FormatInt(c.Amount, 10),
		})
		return nil
	})
	return records, err
}

/* Block hashes */

// ExportBlockHashes writes the canonical height to hash index up to the
// block store tip.
func ExportBlockHashes(path string, blocks *blockstore.Store) error {
	records, err := convertBlockHashesToRecords(blocks)
	if err != nil {
		logging.L.Err(err).Msg("error converting block hashes to records")
		return err
	}
	return writeToCSV(path, records)
}

func convertBlockHashesToRecords(blocks *blockstore.Store) ([][]string, error) {
	tip := blocks.Tip()
	records := make([][]string, 0, tip.Height+2)
	records = append(records, []string{
		"blockHeight",
		"blockHash",
	})
	for height := uint32(0); height <= tip.Height; height++ {
		hash, err := blocks.HashAt(height)
		if err != nil {
			return nil, fmt.Errorf("hash at %d: %w", height, err)
		}
		records = append(records, []string{
			strconv.FormatUint(uint64(height), 10),
			hash.String(),
		})
	}
	return records, nil
}
