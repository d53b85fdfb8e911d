package dblevel

import (
	"errors"

	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// Store implements database.KV on goleveldb.
type Store struct {
	DB *leveldb.DB
}

// OpenDBConnection opens a leveldb database at path.
func OpenDBConnection(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		logging.L.Err(err).Str("path", path).Msg("error opening db connection")
		return nil, err
	}
	return &Store{DB: db}, nil
}

// OpenInMemory is backed by leveldb's memory storage. Used by tests.
func OpenInMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.DB.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, database.ErrNotFound
		}
		return nil, database.IOError("get", err)
	}
	return v, nil
}

func (s *Store) Put(key, value []byte) error {
	return database.IOError("put", s.DB.Put(key, value, syncWrite))
}

func (s *Store) Write(ops []database.Operation) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.Kind {
		case database.OpPut:
			batch.Put(op.Key, op.Value)
		case database.OpDel:
			batch.Delete(op.Key)
		}
	}
	err := s.DB.Write(batch, syncWrite)
	if err != nil {
		logging.L.Err(err).Int("ops", len(ops)).Msg("error writing batch")
	}
	return database.IOError("batch", err)
}

func (s *Store) Scan(lower, upper []byte) database.Iterator {
	return &levelIterator{it: s.DB.NewIterator(&util.Range{Start: lower, Limit: upper}, nil)}
}

func (s *Store) Close() error {
	return database.IOError("close", s.DB.Close())
}

type levelIterator struct {
	it iterator.Iterator
}

func (l *levelIterator) Next() bool { return l.it.Next() }

func (l *levelIterator) Key() []byte {
	return append([]byte(nil), l.it.Key()...)
}

func (l *levelIterator) Value() []byte {
	return append([]byte{}, l.it.Value()...)
}

func (l *levelIterator) Err() error {
	return database.IOError("iter", l.it.Error())
}

func (l *levelIterator) Close() error {
	l.it.Release()
	return database.IOError("iter", l.it.Error())
}
