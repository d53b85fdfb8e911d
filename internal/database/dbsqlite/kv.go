package dbsqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/setavenger/blindbit-indexer/internal/database"
)

const (
	getStmt    = `SELECT value FROM kv WHERE key = ?`
	upsertStmt = `INSERT INTO kv(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	deleteStmt = `DELETE FROM kv WHERE key = ?`
)

// Store implements database.KV on a single WITHOUT ROWID table. SQLite
// compares BLOBs with memcmp so ORDER BY key is byte order.
type Store struct {
	DB *sql.DB
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var v []byte
	err := s.DB.QueryRow(getStmt, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, database.IOError("get", err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *Store) Put(key, value []byte) error {
	_, err := s.DB.Exec(upsertStmt, key, nonNil(value))
	return database.IOError("put", err)
}

func (s *Store) Write(ops []database.Operation) (err error) {
	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return database.IOError("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	upsert, err := tx.PrepareContext(ctx, upsertStmt)
	if err != nil {
		return database.IOError("prepare", err)
	}
	defer upsert.Close()
	del, err := tx.PrepareContext(ctx, deleteStmt)
	if err != nil {
		return database.IOError("prepare", err)
	}
	defer del.Close()

	for _, op := range ops {
		switch op.Kind {
		case database.OpPut:
			_, err = upsert.ExecContext(ctx, op.Key, nonNil(op.Value))
		case database.OpDel:
			_, err = del.ExecContext(ctx, op.Key)
		}
		if err != nil {
			return database.IOError("batch", err)
		}
	}
	return database.IOError("commit", tx.Commit())
}

// Scan pages through the table so the single connection is released
// between pages.
func (s *Store) Scan(lower, upper []byte) database.Iterator {
	return database.NewPagedIterator(func(after []byte, limit int) ([]database.Pair, error) {
		var (
			where []string
			args  []any
		)
		switch {
		case after != nil:
			where = append(where, "key > ?")
			args = append(args, after)
		case lower != nil:
			where = append(where, "key >= ?")
			args = append(args, lower)
		}
		if upper != nil {
			where = append(where, "key < ?")
			args = append(args, upper)
		}
		query := "SELECT key, value FROM kv"
		if len(where) > 0 {
			query += " WHERE " + strings.Join(where, " AND ")
		}
		query += " ORDER BY key LIMIT ?"
		args = append(args, limit)

		rows, err := s.DB.Query(query, args...)
		if err != nil {
			return nil, database.IOError("iter", err)
		}
		defer rows.Close()

		var page []database.Pair
		for rows.Next() {
			var p database.Pair
			if err := rows.Scan(&p.Key, &p.Value); err != nil {
				return nil, database.IOError("iter", err)
			}
			if p.Value == nil {
				p.Value = []byte{}
			}
			page = append(page, p)
		}
		return page, database.IOError("iter", rows.Err())
	}, database.DefaultPageSize)
}

func (s *Store) Close() error {
	return database.IOError("close", s.DB.Close())
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
