package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/spf13/viper"
)

func LoadConfigs(pathToConfig string) error {
	// Set the file name of the configurations file
	viper.SetConfigFile(pathToConfig)

	// Handle errors reading the config file
	if err := viper.ReadInConfig(); err != nil {
		logging.L.Warn().Err(err).Msg("No config file detected")
	}

	/* set defaults */
	viper.SetDefault("http_host", HTTPHost)
	viper.SetDefault("grpc_host", GRPCHost)
	viper.SetDefault("chain", "signet")

	viper.SetDefault("rpc_endpoint", RpcEndpoint)
	viper.SetDefault("rest_endpoint", RestEndpoint)

	viper.SetDefault("db_backend", DBBackend)
	viper.SetDefault("amount_encoding", AmountEncoding)
	viper.SetDefault("reorg_window_depth", ReorgWindowDepth)
	viper.SetDefault("header_batch_size", HeaderBatchSize)
	viper.SetDefault("concurrent_flush_blocks", ConcurrentFlushBlocks)
	viper.SetDefault("block_buffer", BlockBuffer)
	viper.SetDefault("poll_interval", PollInterval)
	viper.SetDefault("max_requests_per_second", MaxRequestsPerSecond)
	viper.SetDefault("fetch_retry_count", FetchRetryCount)
	viper.SetDefault("mempool_enabled", MempoolEnabled)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_path", "")
	viper.SetDefault("log_to_console", true)

	// Bind viper keys to environment variables (optional, for backup)
	viper.AutomaticEnv()
	viper.BindEnv("http_host", "HTTP_HOST")
	viper.BindEnv("grpc_host", "GRPC_HOST")
	viper.BindEnv("chain", "CHAIN")
	viper.BindEnv("rpc_endpoint", "CORE_RPC_ENDPOINT")
	viper.BindEnv("rest_endpoint", "CORE_REST_ENDPOINT")
	viper.BindEnv("cookie_path", "COOKIE_PATH")
	viper.BindEnv("rpc_pass", "RPC_PASS")
	viper.BindEnv("rpc_user", "RPC_USER")
	viper.BindEnv("db_backend", "DB_BACKEND")
	viper.BindEnv("amount_encoding", "AMOUNT_ENCODING")
	viper.BindEnv("reorg_window_depth", "REORG_WINDOW_DEPTH")
	viper.BindEnv("header_batch_size", "HEADER_BATCH_SIZE")
	viper.BindEnv("concurrent_flush_blocks", "CONCURRENT_FLUSH_BLOCKS")
	viper.BindEnv("mempool_enabled", "MEMPOOL_ENABLED")
	viper.BindEnv("log_level", "LOG_LEVEL")

	/* read and set config variables */
	// General
	HTTPHost = viper.GetString("http_host")
	GRPCHost = viper.GetString("grpc_host")
	LogLevel = viper.GetString("log_level")
	if p := viper.GetString("log_path"); p != "" {
		LogsPath = p
	}
	LogToConsole = viper.GetBool("log_to_console")

	// Storage
	DBBackend = viper.GetString("db_backend")
	AmountEncoding = viper.GetString("amount_encoding")

	// Sync
	ReorgWindowDepth = viper.GetInt("reorg_window_depth")
	HeaderBatchSize = viper.GetUint32("header_batch_size")
	ConcurrentFlushBlocks = viper.GetInt("concurrent_flush_blocks")
	BlockBuffer = viper.GetInt("block_buffer")
	PollInterval = viper.GetDuration("poll_interval")
	MaxRequestsPerSecond = viper.GetInt("max_requests_per_second")
	FetchRetryCount = viper.GetInt("fetch_retry_count")
	MempoolEnabled = viper.GetBool("mempool_enabled")

	// RPC
	RpcEndpoint = viper.GetString("rpc_endpoint")
	RestEndpoint = viper.GetString("rest_endpoint")
	CookiePath = viper.GetString("cookie_path")
	RpcPass = viper.GetString("rpc_pass")
	RpcUser = viper.GetString("rpc_user")

	switch viper.GetString("chain") {
	case "main":
		Chain = Mainnet
	case "signet":
		Chain = Signet
	case "regtest":
		Chain = Regtest
	case "testnet":
		Chain = Testnet3
	default:
		return errors.New("chain undefined")
	}

	switch LogLevel {
	case "trace":
		logging.SetLogLevel(zerolog.TraceLevel)
	case "info":
		logging.SetLogLevel(zerolog.InfoLevel)
	case "debug":
		logging.SetLogLevel(zerolog.DebugLevel)
	case "warn":
		logging.SetLogLevel(zerolog.WarnLevel)
	case "error":
		logging.SetLogLevel(zerolog.ErrorLevel)
	}

	if err := validate(); err != nil {
		return err
	}

	if CookiePath != "" {
		data, err := os.ReadFile(CookiePath)
		if err != nil {
			logging.L.Err(err).Msg("error reading cookie file")
			return err
		}

		credentials := strings.Split(strings.TrimSpace(string(data)), ":")
		if len(credentials) != 2 {
			return errors.New("cookie file is invalid")
		}
		RpcUser = credentials[0]
		RpcPass = credentials[1]
	}

	logging.L.Info().
		Str("chain", ChainToString(Chain)).
		Str("db_backend", DBBackend).
		Str("amount_encoding", AmountEncoding).
		Int("reorg_window_depth", ReorgWindowDepth).
		Bool("mempool_enabled", MempoolEnabled).
		Msg("config loaded")

	return nil
}

func validate() error {
	switch DBBackend {
	case BackendPebble, BackendLevelDB, BackendBolt, BackendSQLite:
	default:
		return fmt.Errorf("unknown db_backend %q", DBBackend)
	}

	switch AmountEncoding {
	case "legacy-double":
	case "uint64":
		logging.L.Warn().Msg("uint64 amount encoding is not compatible with legacy data directories")
	default:
		return fmt.Errorf("unknown amount_encoding %q", AmountEncoding)
	}

	if ReorgWindowDepth < 1 {
		return fmt.Errorf("reorg_window_depth must be positive, got %d", ReorgWindowDepth)
	}
	if HeaderBatchSize == 0 {
		return errors.New("header_batch_size must be positive")
	}
	if ConcurrentFlushBlocks < 1 {
		ConcurrentFlushBlocks = 1
	}
	return nil
}

// ChainParams maps the configured chain onto btcd network parameters.
func ChainParams() *chaincfg.Params {
	switch Chain {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet3:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.SigNetParams
	}
}
