package server

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"
	"github.com/setavenger/blindbit-indexer/internal/blockstore"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/service/address"
	"github.com/setavenger/blindbit-indexer/internal/service/mempool"
	"github.com/setavenger/blindbit-indexer/internal/service/spent"
	"github.com/setavenger/blindbit-indexer/internal/service/timestamp"
	"github.com/setavenger/blindbit-indexer/internal/service/txindex"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

// HeaderTip reports the best known header.
type HeaderTip interface {
	Tip() types.Header
}

type ApiHandler struct {
	Network string
	Params  *chaincfg.Params

	Blocks    *blockstore.Store
	Headers   HeaderTip
	Address   *address.Index
	Spent     *spent.Index
	TxIndex   *txindex.Index
	Timestamp *timestamp.Index
	// Mempool is nil when mempool indexing is disabled.
	Mempool *mempool.Index

	Synced <-chan struct{}
}

type InfoResponse struct {
	Network      string `json:"network"`
	Height       uint32 `json:"height"`
	BlockHash    string `json:"block_hash"`
	HeaderHeight uint32 `json:"header_height"`
	Synced       bool   `json:"synced"`
	Mempool      bool   `json:"mempool"`
}

type BlockHeightResponse struct {
	BlockHeight uint32 `json:"block_height"`
}

type BlockHashResponse struct {
	BlockHash string `json:"block_hash"`
}

type UTXOResponse struct {
	Txid      string  `json:"txid"`
	Vout      uint32  `json:"vout"`
	Value     int64   `json:"value"`
	Amount    float64 `json:"amount"`
	Height    uint32  `json:"height"`
	Timestamp uint32  `json:"timestamp"`
	Script    string  `json:"scriptpubkey"`
}

type HistoryResponse struct {
	Txid      string `json:"txid"`
	Vout      uint32 `json:"vout,omitempty"`
	Vin       uint32 `json:"vin,omitempty"`
	Input     bool   `json:"input"`
	Height    uint32 `json:"height"`
	Timestamp uint32 `json:"timestamp"`
}

type SpentResponse struct {
	Txid   string `json:"txid"`
	Vin    uint32 `json:"vin"`
	Height uint32 `json:"height"`
}

type TxResponse struct {
	Txid      string `json:"txid"`
	BlockHash string `json:"block_hash"`
	Height    uint32 `json:"height"`
	Position  uint32 `json:"position"`
	Timestamp uint32 `json:"timestamp"`
}

func (h *ApiHandler) synced() bool {
	select {
	case <-h.Synced:
		return true
	default:
		return false
	}
}

func (h *ApiHandler) GetInfo(c *gin.Context) {
	tip := h.Blocks.Tip()
	c.JSON(http.StatusOK, InfoResponse{
		Network:      h.Network,
		Height:       tip.Height,
		BlockHash:    tip.Hash.String(),
		HeaderHeight: h.Headers.Tip().Height,
		Synced:       h.synced(),
		Mempool:      h.Mempool != nil,
	})
}

func (h *ApiHandler) GetBestBlockHeight(c *gin.Context) {
	c.JSON(http.StatusOK, BlockHeightResponse{BlockHeight: h.Blocks.Tip().Height})
}

func (h *ApiHandler) GetBlockHashByHeight(c *gin.Context) {
	height := c.MustGet(ctxHeight).(uint32)
	hash, err := h.Blocks.HashAt(height)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "block height not indexed"})
		return
	}
	if err != nil {
		logging.L.Err(err).Uint32("height", height).Msg("error fetching block hash")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data from database"})
		return
	}
	c.JSON(http.StatusOK, BlockHashResponse{BlockHash: hash.String()})
}

func (h *ApiHandler) GetUtxosByAddress(c *gin.Context) {
	addr := c.GetString(ctxAddress)
	utxos, err := h.Address.GetUnspentOutputs(addr)
	if err != nil {
		logging.L.Err(err).Str("address", addr).Msg("error fetching utxos")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data from database"})
		return
	}

	out := make([]UTXOResponse, len(utxos))
	for i, u := range utxos {
		out[i] = UTXOResponse{
			Txid:      u.Txid.String(),
			Vout:      u.Index,
			Value:     u.Amount,
			Amount:    btcutil.Amount(u.Amount).ToBTC(),
			Height:    u.Height,
			Timestamp: u.Timestamp,
			Script:    hex.EncodeToString(u.Script),
		}
	}
	c.JSON(http.StatusOK, out)
}

func (h *ApiHandler) GetHistoryByAddress(c *gin.Context) {
	addr := c.GetString(ctxAddress)

	from, to := uint32(0), h.Blocks.Tip().Height
	if s := c.Query("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse from"})
			return
		}
		from = uint32(v)
	}
	if s := c.Query("to"); s != "" {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse to"})
			return
		}
		to = uint32(v)
	}
	if from > to {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from is above to"})
		return
	}

	history, err := h.Address.GetHistory(addr, from, to)
	if err != nil {
		logging.L.Err(err).Str("address", addr).Msg("error fetching history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data from database"})
		return
	}

	out := make([]HistoryResponse, len(history))
	for i, e := range history {
		r := HistoryResponse{
			Txid:      e.Txid.String(),
			Input:     e.Input,
			Height:    e.Height,
			Timestamp: e.Timestamp,
		}
		if e.Input {
			r.Vin = e.Index
		} else {
			r.Vout = e.Index
		}
		out[i] = r
	}
	c.JSON(http.StatusOK, out)
}

func (h *ApiHandler) GetSpentBy(c *gin.Context) {
	txid := c.MustGet(ctxTxid).(chainhash.Hash)
	vout, err := strconv.ParseUint(c.Param("vout"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse vout"})
		return
	}

	s, err := h.Spent.SpentBy(txid, uint32(vout))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "outpoint not spent"})
		return
	}
	if err != nil {
		logging.L.Err(err).Str("txid", txid.String()).Msg("error fetching spend")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data from database"})
		return
	}
	c.JSON(http.StatusOK, SpentResponse{Txid: s.Txid.String(), Vin: s.Input, Height: s.Height})
}

func (h *ApiHandler) GetTransaction(c *gin.Context) {
	txid := c.MustGet(ctxTxid).(chainhash.Hash)
	loc, err := h.TxIndex.Location(txid)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	if err != nil {
		logging.L.Err(err).Str("txid", txid.String()).Msg("error fetching tx location")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data from database"})
		return
	}

	// the concurrent track can be ahead of the timestamp index
	ts, err := h.Timestamp.TimestampOf(loc.BlockHash)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		logging.L.Err(err).Str("blockhash", loc.BlockHash.String()).Msg("error fetching block timestamp")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data from database"})
		return
	}

	c.JSON(http.StatusOK, TxResponse{
		Txid:      txid.String(),
		BlockHash: loc.BlockHash.String(),
		Height:    loc.Height,
		Position:  loc.Position,
		Timestamp: ts,
	})
}

func (h *ApiHandler) GetMempoolByAddress(c *gin.Context) {
	if h.Mempool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "mempool indexing is disabled"})
		return
	}
	addr := c.GetString(ctxAddress)
	txids, err := h.Mempool.TxidsByAddress(addr)
	if err != nil {
		logging.L.Err(err).Str("address", addr).Msg("error fetching mempool txids")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data from database"})
		return
	}
	out := make([]string, len(txids))
	for i, txid := range txids {
		out[i] = txid.String()
	}
	c.JSON(http.StatusOK, out)
}

func (h *ApiHandler) GetBlocksByTime(c *gin.Context) {
	from, err1 := strconv.ParseUint(c.Param("from"), 10, 32)
	to, err2 := strconv.ParseUint(c.Param("to"), 10, 32)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse time range"})
		return
	}
	if from > to {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from is above to"})
		return
	}

	hashes, err := h.Timestamp.BlockHashesByTime(uint32(from), uint32(to))
	if err != nil {
		logging.L.Err(err).Msg("error fetching blocks by time")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data from database"})
		return
	}
	out := make([]string, len(hashes))
	for i, hash := range hashes {
		out[i] = hash.String()
	}
	c.JSON(http.StatusOK, out)
}
