// Package dbtest runs the same behaviour checks against every backend.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a fresh, empty backend.
type Opener func(t *testing.T) database.KV

func collect(t *testing.T, it database.Iterator) []string {
	t.Helper()
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	return keys
}

func Run(t *testing.T, open Opener) {
	t.Run("GetPut", func(t *testing.T) {
		kv := open(t)
		_, err := kv.Get([]byte("missing"))
		require.ErrorIs(t, err, database.ErrNotFound)

		require.NoError(t, kv.Put([]byte("k"), []byte("v")))
		v, err := kv.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)

		require.NoError(t, kv.Put([]byte("k"), []byte("w")))
		v, err = kv.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("w"), v)
	})

	t.Run("EmptyValue", func(t *testing.T) {
		kv := open(t)
		require.NoError(t, kv.Write([]database.Operation{database.Put([]byte("e"), []byte{})}))
		v, err := kv.Get([]byte("e"))
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("WriteBatch", func(t *testing.T) {
		kv := open(t)
		require.NoError(t, kv.Put([]byte("gone"), []byte("x")))
		require.NoError(t, kv.Write([]database.Operation{
			database.Put([]byte("a"), []byte("1")),
			database.Put([]byte("b"), []byte("2")),
			database.Del([]byte("gone")),
		}))
		_, err := kv.Get([]byte("gone"))
		assert.ErrorIs(t, err, database.ErrNotFound)
		v, err := kv.Get([]byte("b"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)
	})

	t.Run("ScanBounds", func(t *testing.T) {
		kv := open(t)
		var ops []database.Operation
		for _, k := range []string{"a", "b", "b\x00", "b\x01", "c", "d"} {
			ops = append(ops, database.Put([]byte(k), []byte(k)))
		}
		require.NoError(t, kv.Write(ops))

		assert.Equal(t, []string{"a", "b", "b\x00", "b\x01", "c", "d"}, collect(t, kv.Scan(nil, nil)))
		assert.Equal(t, []string{"b", "b\x00", "b\x01"}, collect(t, kv.Scan([]byte("b"), []byte("c"))))

		// gt b and lte c through Range
		lower, upper, err := database.Range{GT: []byte("b"), LTE: []byte("c")}.Bounds()
		require.NoError(t, err)
		assert.Equal(t, []string{"b\x00", "b\x01", "c"}, collect(t, kv.Scan(lower, upper)))

		assert.Empty(t, collect(t, kv.Scan([]byte("x"), nil)))
	})

	t.Run("ScanManyPages", func(t *testing.T) {
		kv := open(t)
		var ops []database.Operation
		// a whole number of pages, so the last page read comes back empty
		total := 4 * database.DefaultPageSize
		for i := 0; i < total; i++ {
			ops = append(ops, database.Put([]byte(fmt.Sprintf("key-%05d", i)), []byte{byte(i)}))
		}
		require.NoError(t, kv.Write(ops))

		keys := collect(t, kv.Scan([]byte("key-00010"), []byte("key-00800")))
		require.Len(t, keys, 790)
		assert.Equal(t, "key-00010", keys[0])
		assert.Equal(t, "key-00799", keys[len(keys)-1])

		all := collect(t, kv.Scan(nil, nil))
		require.Len(t, all, total)
		assert.Equal(t, fmt.Sprintf("key-%05d", total-1), all[total-1])
	})

	t.Run("WriteDuringScan", func(t *testing.T) {
		kv := open(t)
		require.NoError(t, kv.Write([]database.Operation{
			database.Put([]byte("a"), nil),
			database.Put([]byte("b"), nil),
		}))
		it := kv.Scan(nil, nil)
		defer it.Close()
		require.True(t, it.Next())
		require.NoError(t, kv.Put([]byte("z"), []byte("1")))
		v, err := kv.Get([]byte("a"))
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("Store", func(t *testing.T) {
		genesis := types.Tip{Height: 0, Hash: [32]byte{0x01}}
		s := database.NewStore(open(t), genesis)

		p1, err := s.AllocatePrefix("header")
		require.NoError(t, err)
		p2, err := s.AllocatePrefix("block")
		require.NoError(t, err)
		again, err := s.AllocatePrefix("header")
		require.NoError(t, err)

		assert.Equal(t, []byte{0x00, 0x01}, p1)
		assert.Equal(t, []byte{0x00, 0x02}, p2)
		assert.Equal(t, p1, again)

		tip, err := s.GetServiceTip("block")
		require.NoError(t, err)
		assert.Equal(t, genesis, tip)

		want := types.Tip{Height: 7, Hash: [32]byte{0x07}}
		require.NoError(t, s.Write([]database.Operation{database.TipOp(p2, "block", want)}))
		tip, err = s.GetServiceTip("block")
		require.NoError(t, err)
		assert.Equal(t, want, tip)

		all, err := s.Prefixes()
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"header": p1, "block": p2}, all)
	})
}
