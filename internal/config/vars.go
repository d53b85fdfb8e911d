package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	LogLevel     = "info"
	LogToConsole = true
)

const (
	ConfigFileName       string = "blindbit.toml"
	DefaultBaseDirectory string = "~/.blindbit-indexer"
)

var (
	RestEndpoint = "http://127.0.0.1:8332" // default local node
	RpcEndpoint  = "127.0.0.1:8332"
	CookiePath   = ""
	RpcUser      = ""
	RpcPass      = ""

	BaseDirectory = ""
	DBPath        = ""
	LogsPath      = ""

	HTTPHost = "127.0.0.1:8000"
	GRPCHost = "" // default value is empty (deactivated)
)

type chain int

const (
	Unknown chain = iota
	Mainnet
	Signet
	Regtest
	Testnet3
)

// Storage backends accepted by db_backend.
const (
	BackendPebble  = "pebble"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bbolt"
	BackendSQLite  = "sqlite"
)

// control vars
var (
	Chain = Unknown

	DBBackend = BackendPebble

	// AmountEncoding is fixed for the lifetime of a data directory.
	// "legacy-double" or "uint64".
	AmountEncoding = "legacy-double"

	// HeaderBatchSize is the upper bound of headers requested per locator call
	HeaderBatchSize uint32 = 2_000

	// ReorgWindowDepth bounds how deep a reorg can be before the indexer halts
	ReorgWindowDepth = 50

	// ConcurrentFlushBlocks how many blocks the concurrent track buffers before it commits
	ConcurrentFlushBlocks = 10

	// BlockBuffer size of the channels between the block producer and the two tracks
	BlockBuffer = 32

	PollInterval = 3 * time.Second

	MaxRequestsPerSecond = 100

	FetchRetryCount = 10

	MempoolEnabled = true
)

// SetDirectories has to be called before DBPath and LogsPath are used.
func SetDirectories() {
	BaseDirectory = ResolvePath(BaseDirectory)

	DBPath = filepath.Join(BaseDirectory, "data")
	if LogsPath == "" {
		LogsPath = filepath.Join(BaseDirectory, "logs")
	}
}

// ResolvePath expands a leading ~ to the users home directory.
func ResolvePath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func ChainToString(c chain) string {
	switch c {
	case Mainnet:
		return "main"
	case Signet:
		return "signet"
	case Regtest:
		return "regtest"
	case Testnet3:
		return "testnet"
	default:
		return "unknown"
	}
}
