package server

import (
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"
	"github.com/setavenger/blindbit-indexer/internal/logging"
)

// gin context keys
const (
	ctxHeight  = "height"
	ctxAddress = "address"
	ctxTxid    = "txid"
)

func ParseHeightMiddleware(c *gin.Context) {
	heightStr := c.Param("blockheight")
	if heightStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "block height is required"})
		c.Abort()
		return
	}

	height, err := strconv.ParseUint(heightStr, 10, 32)
	if err != nil {
		logging.L.Debug().Err(err).Str("height", heightStr).Msg("could not parse block height")
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse block height"})
		c.Abort()
		return
	}

	c.Set(ctxHeight, uint32(height))
	c.Next()
}

// ParseAddressMiddleware rejects addresses that do not belong to the
// indexed network and stores the canonical encoding.
func ParseAddressMiddleware(params *chaincfg.Params) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("address")
		addr, err := btcutil.DecodeAddress(raw, params)
		if err != nil || !addr.IsForNet(params) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
			c.Abort()
			return
		}
		c.Set(ctxAddress, addr.EncodeAddress())
		c.Next()
	}
}

func ParseTxidMiddleware(c *gin.Context) {
	txid, err := chainhash.NewHashFromStr(c.Param("txid"))
	if err != nil || len(c.Param("txid")) != 2*chainhash.HashSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid txid"})
		c.Abort()
		return
	}
	c.Set(ctxTxid, *txid)
	c.Next()
}
