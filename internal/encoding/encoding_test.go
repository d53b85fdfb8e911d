package encoding

import (
	"bytes"
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPrefix = []byte{0x00, 0x07}

func hashOf(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b + byte(i)
	}
	return h
}

func TestTerminalKey(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte{0x00, 0x01}, []byte{0x00, 0x02}},
		{[]byte{0x00, 0xff}, []byte{0x01}},
		{[]byte{0x01, 0xff, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
		{[]byte{}, nil},
	}
	for _, tt := range tests {
		got := TerminalKey(tt.in)
		assert.Equal(t, tt.want, got, "terminal key of %x", tt.in)
		if got != nil {
			assert.Equal(t, 1, bytes.Compare(got, tt.in))
		}
	}
}

func TestTerminalKeyDoesNotMutate(t *testing.T) {
	in := []byte{0x00, 0xff}
	_ = TerminalKey(in)
	assert.Equal(t, []byte{0x00, 0xff}, in)
}

func TestTipRoundTrip(t *testing.T) {
	for _, height := range []uint32{0, 1, math.MaxUint32} {
		tip := types.Tip{Height: height, Hash: hashOf(byte(height))}
		got, err := DecodeTip(EncodeTip(tip))
		require.NoError(t, err)
		assert.Equal(t, tip, got)
	}

	assert.Equal(t, append([]byte{0x00, 0x07}, []byte("tip-address")...), TipKey(testPrefix, "address"))

	_, err := DecodeTip([]byte{0x01})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestHeaderRoundTrip(t *testing.T) {
	work, ok := new(big.Int).SetString("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 16)
	require.True(t, ok)

	for _, h := range []*types.Header{
		{Hash: hashOf(1), PrevHash: hashOf(2), MerkleRoot: hashOf(3), Version: -1, Timestamp: 1231006505, Bits: 0x1d00ffff, Nonce: 7, Height: 0, Chainwork: big.NewInt(0)},
		{Hash: hashOf(9), PrevHash: hashOf(8), MerkleRoot: hashOf(7), Version: 0x20000000, Timestamp: math.MaxUint32, Bits: 0x207fffff, Nonce: math.MaxUint32, Height: math.MaxUint32, Chainwork: work},
	} {
		v, err := EncodeHeader(h)
		require.NoError(t, err)
		got, err := DecodeHeader(h.Hash, v)
		require.NoError(t, err)
		assert.Equal(t, 0, h.Chainwork.Cmp(got.Chainwork))
		got.Chainwork = h.Chainwork
		assert.Equal(t, h, got)
	}

	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err := EncodeHeader(&types.Header{Chainwork: tooBig})
	assert.Error(t, err)
}

func TestHeightKey(t *testing.T) {
	for _, height := range []uint32{0, 100, math.MaxUint32} {
		k := HeightKey(testPrefix, SubHeaderByHeight, height)
		got, err := DecodeHeightKey(testPrefix, SubHeaderByHeight, k)
		require.NoError(t, err)
		assert.Equal(t, height, got)
	}
	_, err := DecodeHeightKey(testPrefix, SubHeaderByHash, HeightKey(testPrefix, SubHeaderByHeight, 1))
	assert.ErrorIs(t, err, ErrDecode)

	assert.Equal(t, -1, bytes.Compare(
		HeightKey(testPrefix, SubBlockByHeight, 255),
		HeightKey(testPrefix, SubBlockByHeight, 256),
	))
}

func TestAddressHistoryRoundTrip(t *testing.T) {
	for _, addr := range []string{"", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", strings.Repeat("a", 255)} {
		for _, height := range []uint32{0, math.MaxUint32} {
			e := types.HistoryEntry{
				Address:   addr,
				Height:    height,
				Txid:      hashOf(4),
				Index:     3,
				Input:     height == 0,
				Timestamp: 1700000000,
			}
			k, err := AddressHistoryKey(testPrefix, e)
			require.NoError(t, err)
			got, err := DecodeAddressHistoryKey(testPrefix, k)
			require.NoError(t, err)
			assert.Equal(t, e, got)
		}
	}

	_, err := AddressHistoryKey(testPrefix, types.HistoryEntry{Address: strings.Repeat("a", 256)})
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestAddressHistoryOrderedByHeight(t *testing.T) {
	const addr = "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn"
	heights := []uint32{0, 1, 255, 256, 65536, 1 << 24, math.MaxUint32}
	for i := 0; i < len(heights); i++ {
		for j := 0; j < len(heights); j++ {
			a, err := AddressHistoryKey(testPrefix, types.HistoryEntry{Address: addr, Height: heights[i], Txid: hashOf(0xff)})
			require.NoError(t, err)
			b, err := AddressHistoryKey(testPrefix, types.HistoryEntry{Address: addr, Height: heights[j], Txid: hashOf(0x00)})
			require.NoError(t, err)
			assert.Equal(t, heights[i] < heights[j], bytes.Compare(a, b) < 0, "h1=%d h2=%d", heights[i], heights[j])
		}
	}
}

func TestAddressHistoryBounds(t *testing.T) {
	const addr = "addr"
	lower, upper, err := AddressHistoryBounds(testPrefix, addr, 10, 20)
	require.NoError(t, err)

	in := func(h uint32) bool {
		k, err := AddressHistoryKey(testPrefix, types.HistoryEntry{Address: addr, Height: h, Txid: hashOf(1), Index: math.MaxUint32, Input: true, Timestamp: math.MaxUint32})
		require.NoError(t, err)
		return bytes.Compare(k, lower) >= 0 && bytes.Compare(k, upper) < 0
	}
	assert.False(t, in(9))
	assert.True(t, in(10))
	assert.True(t, in(20))
	assert.False(t, in(21))

	// another address sharing the first bytes stays outside
	k, err := AddressHistoryKey(testPrefix, types.HistoryEntry{Address: "addr2", Height: 15})
	require.NoError(t, err)
	assert.False(t, bytes.Compare(k, lower) >= 0 && bytes.Compare(k, upper) < 0)
}

func TestAddressUTXORoundTrip(t *testing.T) {
	for _, a := range []Amounts{AmountsLegacyDouble, AmountsUint64} {
		u := types.AddressUTXO{
			Address:   "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
			Txid:      hashOf(5),
			Index:     1,
			Height:    100,
			Amount:    5000,
			Timestamp: 1600000000,
			Script:    []byte{0x00, 0x14, 0x01, 0x02},
		}
		k, err := AddressUTXOKey(testPrefix, u.Address, u.Txid, u.Index)
		require.NoError(t, err)
		got, err := DecodeAddressUTXO(a, testPrefix, k, EncodeAddressUTXO(a, u))
		require.NoError(t, err)
		assert.Equal(t, u, got)

		group, err := AddressUTXOPrefix(testPrefix, u.Address)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(k, group))
	}
}

func TestCoinRoundTrip(t *testing.T) {
	coins := []types.Coin{
		{Height: 0, Amount: 0, Coinbase: true, Script: []byte{}},
		{Height: math.MaxUint32, Amount: 21_000_000 * 100_000_000, Coinbase: false, Script: []byte{0x6a, 0x01, 0x02}},
	}
	for _, a := range []Amounts{AmountsLegacyDouble, AmountsUint64} {
		for _, c := range coins {
			got, err := DecodeCoin(a, EncodeCoin(a, c))
			require.NoError(t, err)
			assert.Equal(t, c, got)
		}
	}

	op := types.Outpoint{Txid: hashOf(3), Index: math.MaxUint32}
	got, err := DecodeOutpointKey(testPrefix, SubUTXO, OutpointKey(testPrefix, SubUTXO, op))
	require.NoError(t, err)
	assert.Equal(t, op, got)
}

func TestSpendJournalRoundTrip(t *testing.T) {
	spent := []types.SpentCoin{
		{Outpoint: types.Outpoint{Txid: hashOf(1), Index: 0}, Coin: types.Coin{Height: 5, Amount: 10, Script: []byte{0x51}}},
		{Outpoint: types.Outpoint{Txid: hashOf(2), Index: 9}, Coin: types.Coin{Height: 6, Amount: 20, Coinbase: true, Script: []byte{}}},
	}
	v := EncodeSpendJournal(AmountsUint64, spent)
	got, err := DecodeSpendJournal(AmountsUint64, v)
	require.NoError(t, err)
	assert.Equal(t, spent, got)

	empty, err := DecodeSpendJournal(AmountsUint64, EncodeSpendJournal(AmountsUint64, nil))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeSpendJournal(AmountsUint64, v[:len(v)-1])
	assert.ErrorIs(t, err, ErrDecode)

	_, err = DecodeSpendJournal(AmountsUint64, []byte{0xff, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestSpendAndTxLocationRoundTrip(t *testing.T) {
	s := types.Spend{Txid: hashOf(7), Input: math.MaxUint32, Height: 105}
	gotSpend, err := DecodeSpend(EncodeSpend(s))
	require.NoError(t, err)
	assert.Equal(t, s, gotSpend)

	l := types.TxLocation{BlockHash: hashOf(8), Height: 0, Position: 12}
	gotLoc, err := DecodeTxLocation(EncodeTxLocation(l))
	require.NoError(t, err)
	assert.Equal(t, l, gotLoc)
}

func TestTimestampKeys(t *testing.T) {
	k := TimestampKey(testPrefix, 1700000000, hashOf(2))
	ts, hash, err := DecodeTimestampKey(testPrefix, k)
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000000), ts)
	assert.Equal(t, hashOf(2), hash)

	lower, upper := TimestampBounds(testPrefix, 1700000000, 1700000000)
	assert.True(t, bytes.Compare(k, lower) >= 0)
	assert.True(t, bytes.Compare(k, upper) < 0)

	got, err := DecodeTime(EncodeTime(math.MaxUint32))
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), got)
}

func TestMempoolRoundTrip(t *testing.T) {
	raw := []byte{0x02, 0x00, 0x00, 0x00, 0x01}
	addrs := []MempoolAddress{
		{Address: "a", Index: 0, Input: true},
		{Address: strings.Repeat("b", 255), Index: 4},
	}
	v, err := EncodeMempoolTx(raw, addrs)
	require.NoError(t, err)
	gotRaw, gotAddrs, err := DecodeMempoolTx(v)
	require.NoError(t, err)
	assert.Equal(t, raw, gotRaw)
	assert.Equal(t, addrs, gotAddrs)

	k, err := MempoolAddressKey(testPrefix, "a", hashOf(1), 3, true)
	require.NoError(t, err)
	addr, txid, idx, input, err := DecodeMempoolAddressKey(testPrefix, k)
	require.NoError(t, err)
	assert.Equal(t, "a", addr)
	assert.Equal(t, hashOf(1), txid)
	assert.Equal(t, uint32(3), idx)
	assert.True(t, input)

	txid, err = DecodeMempoolTxKey(testPrefix, MempoolTxKey(testPrefix, hashOf(4)))
	require.NoError(t, err)
	assert.Equal(t, hashOf(4), txid)

	spend := MempoolSpendKey(testPrefix, types.Outpoint{Txid: hashOf(5), Index: 2})
	assert.True(t, bytes.HasPrefix(spend, MempoolSpendPrefix(testPrefix, hashOf(5))))
	assert.False(t, bytes.HasPrefix(spend, MempoolSpendPrefix(testPrefix, hashOf(6))))
	spender := hashOf(7)
	txid, err = DecodeMempoolSpender(spender[:])
	require.NoError(t, err)
	assert.Equal(t, hashOf(7), txid)
	_, err = DecodeMempoolSpender(spender[:5])
	assert.ErrorIs(t, err, ErrDecode)
}

func TestAmounts(t *testing.T) {
	a, err := ParseAmounts("")
	require.NoError(t, err)
	assert.Equal(t, AmountsLegacyDouble, a)

	_, err = ParseAmounts("float32")
	assert.Error(t, err)

	// beyond 2^53 the legacy layout rounds
	large := int64(1<<53 + 1)
	assert.False(t, AmountsLegacyDouble.Exact(large))
	assert.True(t, AmountsUint64.Exact(large))

	c := types.Coin{Amount: large, Script: []byte{}}
	got, err := DecodeCoin(AmountsUint64, EncodeCoin(AmountsUint64, c))
	require.NoError(t, err)
	assert.Equal(t, large, got.Amount)

	got, err = DecodeCoin(AmountsLegacyDouble, EncodeCoin(AmountsLegacyDouble, c))
	require.NoError(t, err)
	assert.NotEqual(t, large, got.Amount)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	v := append(EncodeTime(5), 0x00)
	_, err := DecodeTime(v)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = DecodeSpend(append(EncodeSpend(types.Spend{}), 0x01))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestBlockValueRoundTrip(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03}
	height, got, err := DecodeBlock(EncodeBlock(math.MaxUint32, raw))
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), height)
	assert.Equal(t, raw, got)

	_, _, err = DecodeBlock([]byte{0x00})
	assert.ErrorIs(t, err, ErrDecode)
}
