package headers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-indexer/internal/source"
	"github.com/setavenger/blindbit-indexer/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// restChain serves headers the way bitcoind's REST interface does,
// including its limit of 2000 headers per request.
type restChain struct {
	chain  []*wire.MsgBlock
	height map[string]int
}

func newRestChain(n int) *restChain {
	genesis := testhelpers.Params.GenesisBlock
	r := &restChain{
		chain:  append([]*wire.MsgBlock{genesis}, testhelpers.Extend(genesis, 1, n, 0)...),
		height: make(map[string]int, n+1),
	}
	for i, b := range r.chain {
		r.height[b.BlockHash().String()] = i
	}
	return r
}

func (r *restChain) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path
	switch {
	case path == "/rest/chaininfo.json":
		tip := r.chain[len(r.chain)-1]
		_ = json.NewEncoder(w).Encode(map[string]any{
			"chain":         "regtest",
			"blocks":        len(r.chain) - 1,
			"bestblockhash": tip.BlockHash().String(),
		})

	case strings.HasPrefix(path, "/rest/headers/"):
		parts := strings.Split(strings.TrimPrefix(path, "/rest/headers/"), "/")
		var count int
		_, _ = fmt.Sscanf(parts[0], "%d", &count)
		if count < 1 || count > 2000 {
			http.Error(w, "Header count is invalid or out of acceptable range (1-2000)", http.StatusBadRequest)
			return
		}
		start, ok := r.height[strings.TrimSuffix(parts[1], ".bin")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var buf bytes.Buffer
		for i := start; i < len(r.chain) && i < start+count; i++ {
			_ = r.chain[i].Header.Serialize(&buf)
		}
		_, _ = w.Write(buf.Bytes())

	default:
		http.NotFound(w, req)
	}
}

func TestSyncFromNodePastHeaderLimit(t *testing.T) {
	rest := newRestChain(2500)
	srv := httptest.NewServer(rest)
	t.Cleanup(srv.Close)

	node, err := source.NewNode(source.NodeConfig{
		RestEndpoint: srv.URL,
		RetryCount:   2,
		RetryWait:    time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(node.Close)

	store := testhelpers.NewStore(t)
	tr := NewTracker(store, node, testhelpers.Params, 2000)
	require.NoError(t, tr.Load(context.Background()))
	require.NoError(t, tr.Sync(context.Background()))

	assert.Equal(t, Complete, tr.State())
	assert.Equal(t, uint32(2500), tr.BestHeight())
	assert.Equal(t, rest.chain[2500].BlockHash(), tr.Tip().Hash)
	hash, err := tr.HashAt(1999)
	require.NoError(t, err)
	assert.Equal(t, rest.chain[1999].BlockHash(), hash)

	// three more blocks arrive, a second sync picks them up
	rest.chain = append(rest.chain, testhelpers.Extend(rest.chain[2500], 2501, 3, 0)...)
	for i := 2501; i < len(rest.chain); i++ {
		rest.height[rest.chain[i].BlockHash().String()] = i
	}
	require.NoError(t, tr.Sync(context.Background()))
	assert.Equal(t, uint32(2503), tr.BestHeight())
}

// stubSource hands out fewer headers per call than asked for.
type stubSource struct {
	*testhelpers.FakeSource
	perCall uint32
}

func (s stubSource) GetHeaders(ctx context.Context, locator []chainhash.Hash, max uint32) ([]*wire.BlockHeader, error) {
	if max > s.perCall {
		max = s.perCall
	}
	return s.FakeSource.GetHeaders(ctx, locator, max)
}

func TestSyncFollowsBranchThatOvertakesLater(t *testing.T) {
	src := testhelpers.NewFakeSource()
	chainA := testhelpers.Extend(src.Genesis(), 1, 20, 'a')
	src.Extend(chainA...)

	store := testhelpers.NewStore(t)
	tr := NewTracker(store, stubSource{FakeSource: src, perCall: 5}, testhelpers.Params, 10)
	require.NoError(t, tr.Load(context.Background()))
	require.NoError(t, tr.Sync(context.Background()))
	require.Equal(t, chainA[19].BlockHash(), tr.Tip().Hash)

	// B forks at height 2. Its first chunks carry less work than A
	chainB := testhelpers.Extend(chainA[1], 3, 30, 'b')
	src.Extend(chainB...)
	require.NoError(t, tr.Sync(context.Background()))

	assert.Equal(t, Complete, tr.State())
	assert.Equal(t, uint32(32), tr.BestHeight())
	assert.Equal(t, chainB[29].BlockHash(), tr.Tip().Hash)
	hash, err := tr.HashAt(10)
	require.NoError(t, err)
	assert.Equal(t, chainB[7].BlockHash(), hash)
}
