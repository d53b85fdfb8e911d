package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/metrics"
	"go.uber.org/ratelimit"
)

// bitcoind refuses larger header requests.
const maxRestHeaders = 2000

// pooling of api calls to potentially improve performance
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,

			// Pooling / reuse
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 100,
			MaxConnsPerHost:     0,

			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

type ChainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	Difficulty           float64 `json:"difficulty"`
	Time                 int64   `json:"time"`
	MedianTime           int64   `json:"mediantime"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
	ChainWork            string  `json:"chainwork"`
	Pruned               bool    `json:"pruned"`
}

type NodeConfig struct {
	// RestEndpoint is the base url of bitcoind's REST interface, e.g. http://127.0.0.1:8332
	RestEndpoint string
	// RPCHost is host:port of the JSON-RPC interface used for mempool calls.
	// Mempool calls fail when it is empty.
	RPCHost string
	RPCUser string
	RPCPass string

	RequestsPerSecond int
	RetryCount        int
	RetryWait         time.Duration
}

// Node reads the chain from bitcoind. Blocks and headers come from the REST
// interface, mempool data from JSON-RPC.
type Node struct {
	rest    string
	http    *http.Client
	rpc     *rpcclient.Client
	limiter ratelimit.Limiter
	retry   []RetryConfigOption
}

var _ Source = (*Node)(nil)

func NewNode(cfg NodeConfig) (*Node, error) {
	n := &Node{
		rest:    strings.TrimSuffix(cfg.RestEndpoint, "/"),
		http:    newHTTPClient(),
		limiter: ratelimit.NewUnlimited(),
	}
	if cfg.RequestsPerSecond > 0 {
		n.limiter = ratelimit.New(cfg.RequestsPerSecond)
	}
	if cfg.RetryCount > 0 {
		n.retry = append(n.retry, WithRetryCount(cfg.RetryCount))
	}
	if cfg.RetryWait > 0 {
		n.retry = append(n.retry, WithRetryWaitTime(cfg.RetryWait))
	}

	if cfg.RPCHost != "" {
		client, err := rpcclient.New(&rpcclient.ConnConfig{
			Host:         cfg.RPCHost,
			User:         cfg.RPCUser,
			Pass:         cfg.RPCPass,
			HTTPPostMode: true,
			DisableTLS:   true,
		}, nil)
		if err != nil {
			logging.L.Err(err).Str("host", cfg.RPCHost).Msg("failed to create rpc client")
			return nil, err
		}
		n.rpc = client
	}
	return n, nil
}

func (n *Node) Close() {
	if n.rpc != nil {
		n.rpc.Shutdown()
	}
	n.http.CloseIdleConnections()
}

// get fetches one REST resource. 404 maps to ErrNotFound.
func (n *Node) get(ctx context.Context, path string) ([]byte, error) {
	n.limiter.Take()

	url := n.rest + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := n.http.Do(req) // <-- reuse the shared client
	if err != nil {
		return nil, fmt.Errorf("error performing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}

// call wraps a source operation with retries and metrics.
func call[T any](ctx context.Context, n *Node, operation string, fn func(context.Context) (T, error)) (T, error) {
	started := time.Now()
	result, err := ExecuteWithRetry(ctx, fn, n.retry...)
	metrics.ObserveSource(operation, err, started)
	return result, err
}

func (n *Node) GetChainInfo(ctx context.Context) (*ChainInfo, error) {
	return call(ctx, n, "chain_info", func(ctx context.Context) (*ChainInfo, error) {
		body, err := n.get(ctx, "/rest/chaininfo.json")
		if err != nil {
			return nil, err
		}
		var chainInfo ChainInfo
		if err := json.Unmarshal(body, &chainInfo); err != nil {
			logging.L.Err(err).Msg("unable to decode chaininfo")
			return nil, err
		}
		return &chainInfo, nil
	})
}

func (n *Node) BestBlock(ctx context.Context) (uint32, chainhash.Hash, error) {
	info, err := n.GetChainInfo(ctx)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return 0, chainhash.Hash{}, fmt.Errorf("bestblockhash %q: %w", info.BestBlockHash, err)
	}
	return uint32(info.Blocks), *hash, nil
}

func (n *Node) GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error) {
	return call(ctx, n, "block_hash", func(ctx context.Context) (chainhash.Hash, error) {
		var blockhash chainhash.Hash
		body, err := n.get(ctx, fmt.Sprintf("/rest/blockhashbyheight/%d.bin", height))
		if err != nil {
			return blockhash, err
		}
		if len(body) != chainhash.HashSize {
			return blockhash, fmt.Errorf("blockhash of height %d: %w", height, io.ErrUnexpectedEOF)
		}
		copy(blockhash[:], body)
		return blockhash, nil
	})
}

// GetHeaders returns up to max headers following the first locator hash that
// is on the node's active chain. REST only serves the active chain, so a
// locator hash of a stale branch yields nothing and the next one is tried.
func (n *Node) GetHeaders(ctx context.Context, locator []chainhash.Hash, max uint32) ([]*wire.BlockHeader, error) {
	if max >= maxRestHeaders {
		max = maxRestHeaders - 1
	}
	return call(ctx, n, "headers", func(ctx context.Context) ([]*wire.BlockHeader, error) {
		for _, hash := range locator {
			body, err := n.get(ctx, fmt.Sprintf("/rest/headers/%d/%s.bin", max+1, hash))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if len(body)%wire.MaxBlockHeaderPayload != 0 {
				return nil, fmt.Errorf("headers from %s: %w", hash, io.ErrUnexpectedEOF)
			}
			if len(body) == 0 {
				continue
			}

			r := bytes.NewReader(body)
			headers := make([]*wire.BlockHeader, 0, len(body)/wire.MaxBlockHeaderPayload)
			for r.Len() > 0 {
				var hdr wire.BlockHeader
				if err := hdr.Deserialize(r); err != nil {
					return nil, err
				}
				headers = append(headers, &hdr)
			}
			if headers[0].BlockHash() != hash {
				return nil, fmt.Errorf("headers from %s start at %s", hash, headers[0].BlockHash())
			}
			return headers[1:], nil
		}
		return nil, nil
	})
}

func (n *Node) GetBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	return call(ctx, n, "block", func(ctx context.Context) (*wire.MsgBlock, error) {
		body, err := n.get(ctx, fmt.Sprintf("/rest/block/%s.bin", hash))
		if err != nil {
			return nil, err
		}
		block, err := btcutil.NewBlockFromBytes(body)
		if err != nil {
			return nil, fmt.Errorf("decode block %s: %w", hash, err)
		}
		if got := block.Hash(); *got != hash {
			return nil, fmt.Errorf("asked for block %s, got %s", hash, got)
		}
		return block.MsgBlock(), nil
	})
}

func (n *Node) MempoolTxids(ctx context.Context) ([]chainhash.Hash, error) {
	if n.rpc == nil {
		return nil, fmt.Errorf("mempool: no rpc host configured")
	}
	return call(ctx, n, "mempool", func(ctx context.Context) ([]chainhash.Hash, error) {
		n.limiter.Take()
		txids, err := n.rpc.GetRawMempool()
		if err != nil {
			return nil, err
		}
		out := make([]chainhash.Hash, len(txids))
		for i, txid := range txids {
			out[i] = *txid
		}
		return out, nil
	})
}

func (n *Node) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	if n.rpc == nil {
		return nil, fmt.Errorf("transaction %s: no rpc host configured", txid)
	}
	return call(ctx, n, "raw_transaction", func(ctx context.Context) (*wire.MsgTx, error) {
		n.limiter.Take()
		tx, err := n.rpc.GetRawTransaction(&txid)
		if err != nil {
			return nil, err
		}
		return tx.MsgTx(), nil
	})
}

func (n *Node) Subscribe(ctx context.Context, interval time.Duration) <-chan chainhash.Hash {
	return Poll(ctx, n, interval)
}
