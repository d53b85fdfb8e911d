package encoding

import (
	"github.com/setavenger/blindbit-indexer/internal/types"
)

const tipMarker = "tip-"

// TipKey is prefix ++ "tip-" ++ name.
func TipKey(prefix []byte, name string) []byte {
	k := make([]byte, 0, SizePrefix+len(tipMarker)+len(name))
	k = append(k, prefix[:SizePrefix]...)
	k = append(k, tipMarker...)
	return append(k, name...)
}

func EncodeTip(tip types.Tip) []byte {
	v := make([]byte, SizeHeight+SizeHash)
	be32(tip.Height, v[:SizeHeight])
	copy(v[SizeHeight:], tip.Hash[:])
	return v
}

func DecodeTip(v []byte) (tip types.Tip, err error) {
	r := newReader(v)
	tip.Height = r.u32()
	tip.Hash = r.hash()
	return tip, r.done()
}
