package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/setavenger/blindbit-indexer/internal/blockstore"
	"github.com/setavenger/blindbit-indexer/internal/config"
	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/database/backend"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/headers"
	"github.com/setavenger/blindbit-indexer/internal/indexer"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/reorg"
	"github.com/setavenger/blindbit-indexer/internal/server"
	"github.com/setavenger/blindbit-indexer/internal/service"
	"github.com/setavenger/blindbit-indexer/internal/service/address"
	"github.com/setavenger/blindbit-indexer/internal/service/mempool"
	"github.com/setavenger/blindbit-indexer/internal/service/spent"
	"github.com/setavenger/blindbit-indexer/internal/service/timestamp"
	"github.com/setavenger/blindbit-indexer/internal/service/txindex"
	"github.com/setavenger/blindbit-indexer/internal/service/utxo"
	"github.com/setavenger/blindbit-indexer/internal/source"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"golang.org/x/sync/errgroup"
)

type app struct {
	db      *database.Store
	node    *source.Node
	builder *indexer.Builder
	api     *server.ApiHandler
}

// newApp opens the store and wires every component from the loaded config.
func newApp(ctx context.Context) (*app, error) {
	params := config.ChainParams()
	amounts, err := encoding.ParseAmounts(config.AmountEncoding)
	if err != nil {
		return nil, err
	}

	kv, err := backend.Open(config.DBBackend, config.DBPath)
	if err != nil {
		logging.L.Err(err).Str("backend", config.DBBackend).Msg("failed opening db")
		return nil, err
	}
	db := database.NewStore(kv, types.Tip{Height: 0, Hash: *params.GenesisHash})
	a := &app{db: db}

	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	if err := db.PinSetting("amount_encoding", amounts.String()); err != nil {
		return fail(err)
	}
	if err := db.PinSetting("chain", params.Name); err != nil {
		return fail(err)
	}

	a.node, err = source.NewNode(source.NodeConfig{
		RestEndpoint:      config.RestEndpoint,
		RPCHost:           config.RpcEndpoint,
		RPCUser:           config.RpcUser,
		RPCPass:           config.RpcPass,
		RequestsPerSecond: config.MaxRequestsPerSecond,
		RetryCount:        config.FetchRetryCount,
	})
	if err != nil {
		return fail(err)
	}

	tracker := headers.NewTracker(db, a.node, params, config.HeaderBatchSize)
	if err := tracker.Load(ctx); err != nil {
		return fail(err)
	}
	blocks := blockstore.New(db, config.ReorgWindowDepth)
	if err := blocks.Load(ctx); err != nil {
		return fail(err)
	}

	coins, err := utxo.New(db, amounts)
	if err != nil {
		return fail(err)
	}
	addr, err := address.New(db, amounts, params, coins)
	if err != nil {
		return fail(err)
	}
	times, err := timestamp.New(db, params)
	if err != nil {
		return fail(err)
	}
	spends, err := spent.New(db)
	if err != nil {
		return fail(err)
	}
	txs, err := txindex.New(db)
	if err != nil {
		return fail(err)
	}

	orch := service.NewOrchestrator(db, blocks)
	if err := orch.RegisterConcurrent(txs, spends); err != nil {
		return fail(err)
	}
	// address reads the utxo state of the parent block, so both run on the
	// serial track
	if err := orch.RegisterSerial(coins, addr, times); err != nil {
		return fail(err)
	}

	var pool *mempool.Index
	var refresher indexer.Refresher
	if config.MempoolEnabled {
		pool, err = mempool.New(db, params, coins, a.node)
		if err != nil {
			return fail(err)
		}
		if err := orch.RegisterSerial(pool); err != nil {
			return fail(err)
		}
		refresher = pool
	}

	if err := orch.Verify(ctx); err != nil {
		logging.L.Err(err).Msg("indexes disagree with the block store, resync required")
		return fail(err)
	}

	a.builder = indexer.NewBuilder(a.node, tracker, orch, reorg.NewResolver(orch, tracker), refresher, indexer.Options{
		FlushBlocks:  config.ConcurrentFlushBlocks,
		BlockBuffer:  config.BlockBuffer,
		PollInterval: config.PollInterval,
	})

	a.api = &server.ApiHandler{
		Network:   config.ChainToString(config.Chain),
		Params:    params,
		Blocks:    blocks,
		Headers:   tracker,
		Address:   addr,
		Spent:     spends,
		TxIndex:   txs,
		Timestamp: times,
		Mempool:   pool,
		Synced:    a.builder.Synced(),
	}
	return a, nil
}

// Run serves the api while syncing. The first failing part ends all of them.
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// so we can start fetching data while not fully synced.
	g.Go(func() error {
		return server.RunServer(gctx, config.HTTPHost, a.api)
	})

	// keep it optional for now
	if config.GRPCHost != "" {
		g.Go(func() error {
			return server.RunGRPCServer(gctx, config.GRPCHost, a.builder.Synced())
		})
	}

	g.Go(func() error {
		go func() {
			<-gctx.Done()
			a.builder.Stop()
		}()

		// do initial sync then move towards steady state sync
		if err := a.builder.InitialSyncToTip(gctx); err != nil {
			logging.L.Err(err).Msg("failed initial sync")
			return fmt.Errorf("initial sync: %w", err)
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}

		// do continuous scans
		if err := a.builder.ContinuousSync(gctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				logging.L.Err(err).Msg("error indexing blocks")
			}
			return err
		}
		return nil
	})

	return g.Wait()
}

func (a *app) Close() {
	if a.node != nil {
		a.node.Close()
	}
	if err := a.db.Close(); err != nil {
		logging.L.Err(err).Msg("db close failed")
		return
	}
	logging.L.Debug().Msg("db closed successfully")
}
