package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/setavenger/blindbit-indexer/internal/logging"
)

func NewRouter(api *ApiHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger)
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: true,
	}))

	address := ParseAddressMiddleware(api.Params)

	router.GET("/info", api.GetInfo)
	router.GET("/block-height", api.GetBestBlockHeight)
	router.GET("/block-hash/:blockheight", ParseHeightMiddleware, api.GetBlockHashByHeight)
	router.GET("/utxos/:address", address, api.GetUtxosByAddress)
	router.GET("/history/:address", address, api.GetHistoryByAddress)
	router.GET("/spent/:txid/:vout", ParseTxidMiddleware, api.GetSpentBy)
	router.GET("/tx/:txid", ParseTxidMiddleware, api.GetTransaction)
	router.GET("/mempool/:address", address, api.GetMempoolByAddress)
	router.GET("/blocks-by-time/:from/:to", api.GetBlocksByTime)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// requestLogger routes gin's access log through the process logger.
func requestLogger(c *gin.Context) {
	started := time.Now()
	c.Next()
	logging.L.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(started)).
		Msg("http request")
}

// RunServer serves the query api on host until ctx ends.
func RunServer(ctx context.Context, host string, api *ApiHandler) error {
	srv := &http.Server{
		Addr:              host,
		Handler:           NewRouter(api),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logging.L.Info().Str("host", host).Msg("starting http server")
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		logging.L.Err(err).Msg("could not run server")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
