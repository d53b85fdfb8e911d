package dbpebble

import (
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/setavenger/blindbit-indexer/internal/logging"
)

func OpenDB(dbPath string) (*pebble.DB, error) {
	opts := (&pebble.Options{}).EnsureDefaults()
	opts.Cache = pebble.NewCache(512 << 20) // 512 MiB
	defer opts.Cache.Unref()
	opts.BytesPerSync = 1 << 22 // smoother background flushes
	opts.MaxConcurrentCompactions = func() int { return 4 }
	opts.EventListener = &pebble.EventListener{
		WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
			logging.L.Debug().Str("reason", info.Reason).Msg("write_stall_begin")
		},
		WriteStallEnd: func() {
			logging.L.Debug().Msg("write_stall_end")
		},
	}

	return pebble.Open(dbPath, opts)
}

// Open returns a Store on a pebble database in dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		logging.L.Err(err).Str("path", dbPath).Msg("failed to open pebble")
		return nil, err
	}
	return NewStore(db), nil
}

// OpenInMemory is backed by an in-memory filesystem. Used by tests.
func OpenInMemory() (*Store, error) {
	opts := (&pebble.Options{FS: vfs.NewMem()}).EnsureDefaults()
	db, err := pebble.Open("", opts)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}
