package blockstore

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Window maps recently connected block hashes to their parents. When full,
// the oldest inserted entry is evicted.
type Window struct {
	mu     sync.Mutex
	depth  int
	parent map[chainhash.Hash]chainhash.Hash
	order  []chainhash.Hash
}

func NewWindow(depth int) *Window {
	if depth < 1 {
		depth = 1
	}
	return &Window{
		depth:  depth,
		parent: make(map[chainhash.Hash]chainhash.Hash, depth),
		order:  make([]chainhash.Hash, 0, depth),
	}
}

// Remember records hash → prev. Known hashes are ignored.
func (w *Window) Remember(hash, prev chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.parent[hash]; ok {
		return
	}
	if len(w.order) == w.depth {
		delete(w.parent, w.order[0])
		w.order = w.order[1:]
	}
	w.parent[hash] = prev
	w.order = append(w.order, hash)
}

// Forget removes hash. Disconnects remove the newest entry, so the search
// starts at the end.
func (w *Window) Forget(hash chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.parent[hash]; !ok {
		return
	}
	delete(w.parent, hash)
	for i := len(w.order) - 1; i >= 0; i-- {
		if w.order[i] == hash {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

func (w *Window) Parent(hash chainhash.Hash) (chainhash.Hash, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, ok := w.parent[hash]
	return prev, ok
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

func (w *Window) Depth() int { return w.depth }

// WalkBack lists the hashes reachable from tip through the window, tip
// first. The parent of the last known entry is included so a window of n
// entries yields up to n+1 hashes.
func (w *Window) WalkBack(tip chainhash.Hash) []chainhash.Hash {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := []chainhash.Hash{tip}
	cur := tip
	for len(path) <= w.depth {
		prev, ok := w.parent[cur]
		if !ok {
			break
		}
		path = append(path, prev)
		cur = prev
	}
	return path
}
