package dbpebble

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/setavenger/blindbit-indexer/internal/database"
)

// Store implements database.KV on pebble.
type Store struct {
	DB *pebble.DB
}

func NewStore(db *pebble.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) Get(key []byte) ([]byte, error) {
	val, closer, err := s.DB.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, database.ErrNotFound
		}
		return nil, database.IOError("get", err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *Store) Put(key, value []byte) error {
	return database.IOError("put", s.DB.Set(key, value, pebble.Sync))
}

func (s *Store) Write(ops []database.Operation) error {
	b := s.DB.NewBatch()
	defer b.Close()

	for _, op := range ops {
		var err error
		switch op.Kind {
		case database.OpPut:
			err = b.Set(op.Key, op.Value, nil)
		case database.OpDel:
			err = b.Delete(op.Key, nil)
		}
		if err != nil {
			return database.IOError("batch", err)
		}
	}
	return database.IOError("commit", b.Commit(pebble.Sync))
}

func (s *Store) Scan(lower, upper []byte) database.Iterator {
	it, err := s.DB.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return database.ErrorIterator(database.IOError("iter", err))
	}
	return &iterator{it: it}
}

func (s *Store) Metrics() *pebble.Metrics {
	return s.DB.Metrics()
}

func (s *Store) Close() error {
	return database.IOError("close", s.DB.Close())
}

type iterator struct {
	it      *pebble.Iterator
	started bool
}

func (i *iterator) Next() bool {
	if !i.started {
		i.started = true
		return i.it.First()
	}
	return i.it.Next()
}

func (i *iterator) Key() []byte {
	return append([]byte(nil), i.it.Key()...)
}

func (i *iterator) Value() []byte {
	return append([]byte{}, i.it.Value()...)
}

func (i *iterator) Err() error {
	return database.IOError("iter", i.it.Error())
}

func (i *iterator) Close() error {
	return database.IOError("iter close", i.it.Close())
}
