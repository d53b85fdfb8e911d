package dbbolt

import (
	"bytes"
	"time"

	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("kv")

// Store implements database.KV on a single bbolt bucket.
type Store struct {
	DB *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		logging.L.Err(err).Str("path", path).Msg("failed to open bbolt")
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Get(key []byte) (value []byte, err error) {
	err = s.DB.View(func(tx *bolt.Tx) error {
		// a cursor tells empty values apart from absent keys
		k, v := tx.Bucket(bucketName).Cursor().Seek(key)
		if k == nil || !bytes.Equal(k, key) {
			return database.ErrNotFound
		}
		value = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, database.IOError("get", err)
	}
	return value, nil
}

func (s *Store) Put(key, value []byte) error {
	return database.IOError("put", s.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	}))
}

func (s *Store) Write(ops []database.Operation) error {
	return database.IOError("batch", s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, op := range ops {
			var err error
			switch op.Kind {
			case database.OpPut:
				err = b.Put(op.Key, op.Value)
			case database.OpDel:
				err = b.Delete(op.Key)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

// Scan reads one page per read transaction. Holding a read transaction open
// across Next calls would block writers in the same goroutine.
func (s *Store) Scan(lower, upper []byte) database.Iterator {
	return database.NewPagedIterator(func(after []byte, limit int) ([]database.Pair, error) {
		var page []database.Pair
		err := s.DB.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketName).Cursor()
			var k, v []byte
			switch {
			case after != nil:
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			case lower != nil:
				k, v = c.Seek(lower)
			default:
				k, v = c.First()
			}
			for ; k != nil && len(page) < limit; k, v = c.Next() {
				if upper != nil && bytes.Compare(k, upper) >= 0 {
					break
				}
				page = append(page, database.Pair{
					Key:   append([]byte(nil), k...),
					Value: append([]byte{}, v...),
				})
			}
			return nil
		})
		return page, database.IOError("iter", err)
	}, database.DefaultPageSize)
}

func (s *Store) Close() error {
	return database.IOError("close", s.DB.Close())
}
