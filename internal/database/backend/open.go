// Package backend opens the configured storage backend.
package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/database/dbbolt"
	"github.com/setavenger/blindbit-indexer/internal/database/dblevel"
	"github.com/setavenger/blindbit-indexer/internal/database/dbpebble"
	"github.com/setavenger/blindbit-indexer/internal/database/dbsqlite"
)

const (
	Pebble  = "pebble"
	LevelDB = "leveldb"
	Bolt    = "bbolt"
	SQLite  = "sqlite"
)

// Path is where a backend keeps its files below dataDir.
func Path(kind, dataDir string) string {
	switch kind {
	case Bolt:
		return filepath.Join(dataDir, "bbolt", "index.db")
	case SQLite:
		return filepath.Join(dataDir, "sqlite", "index.sqlite")
	default:
		return filepath.Join(dataDir, kind, "db")
	}
}

func Open(kind, dataDir string) (database.KV, error) {
	path := Path(kind, dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}

	switch kind {
	case Pebble:
		return dbpebble.Open(path)
	case LevelDB:
		return dblevel.OpenDBConnection(path)
	case Bolt:
		return dbbolt.Open(path)
	case SQLite:
		return dbsqlite.Open(path)
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}
