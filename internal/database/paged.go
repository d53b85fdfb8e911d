package database

// Pair is a single key and value read from a backend.
type Pair struct {
	Key   []byte
	Value []byte
}

// PageFunc returns up to limit pairs in ascending order. With after == nil
// it starts at the range's lower bound, otherwise strictly after that key.
type PageFunc func(after []byte, limit int) ([]Pair, error)

const DefaultPageSize = 256

// pagedIterator reads a range in pages so no read transaction or connection
// stays open between calls to Next.
type pagedIterator struct {
	fetch    PageFunc
	pageSize int

	page []Pair
	pos  int
	last []byte
	done bool
	err  error
	cur  Pair
}

func NewPagedIterator(fetch PageFunc, pageSize int) Iterator {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	return &pagedIterator{fetch: fetch, pageSize: pageSize}
}

func (it *pagedIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		page, err := it.fetch(it.last, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		it.page, it.pos = page, 0
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
		it.last = page[len(page)-1].Key
	}
	it.cur = it.page[it.pos]
	it.pos++
	return true
}

func (it *pagedIterator) Key() []byte   { return it.cur.Key }
func (it *pagedIterator) Value() []byte { return it.cur.Value }
func (it *pagedIterator) Err() error    { return it.err }

func (it *pagedIterator) Close() error {
	it.page = nil
	it.done = true
	return nil
}
