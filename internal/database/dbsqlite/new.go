package dbsqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/setavenger/blindbit-indexer/internal/logging"
	_ "modernc.org/sqlite" // driver
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
  key   BLOB PRIMARY KEY,
  value BLOB NOT NULL
) STRICT, WITHOUT ROWID;
`

func OpenDB(path string) (*sql.DB, error) {
	// DSN with PRAGMAs: WAL, NORMAL sync, 5s busy timeout
	dsn := "file:" + path +
		"?_txlock=immediate" + // BEGIN IMMEDIATE-style txns
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Keep the pool simple: SQLite shines with a single connection and it
	// avoids SQLITE_BUSY during initial sync.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		logging.L.Err(err).Str("path", path).Msg("failed to create schema")
		db.Close()
		return nil, err
	}
	return db, nil
}

func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}
