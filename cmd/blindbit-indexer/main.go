package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/setavenger/blindbit-indexer/internal/config"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/spf13/cobra"
)

var (
	Version = "0.0.0"

	datadir    string
	configFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(
		&datadir,
		"datadir",
		config.DefaultBaseDirectory,
		"Set the base directory for blindbit indexer. Default directory is ~/.blindbit-indexer",
	)
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Path to config file (default: datadir/blindbit.toml)",
	)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "blindbit-indexer",
	Short: "Bitcoin address, utxo and transaction indexer",
	Long: `blindbit-indexer follows a bitcoind node and maintains address, utxo,
spent-outpoint, transaction and block time indexes that survive reorgs.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runIndexer,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync the indexes and serve the query api",
	RunE:  runIndexer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("blindbit-indexer version:", Version) // using fmt because loggers are not initialised
	},
}

func setup() error {
	config.BaseDirectory = datadir
	config.SetDirectories()

	err := os.MkdirAll(config.BaseDirectory, 0750)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("error creating base directory: %w", err)
	}
	logging.L.Info().Msgf("base directory %s", config.BaseDirectory)

	if configFile == "" {
		configFile = path.Join(config.BaseDirectory, config.ConfigFileName)
	}
	if err := config.LoadConfigs(configFile); err != nil {
		return err
	}

	if config.LogsPath != "" {
		if err := logging.SetLogOutput(config.LogsPath, "blindbit-indexer.log"); err != nil {
			logging.L.Warn().Err(err).Msg("Failed to initialize file logging")
		}
		logging.SetConsoleOutput(config.LogToConsole)
	}
	return nil
}

func runIndexer(cmd *cobra.Command, args []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logging.Close()
	defer logging.L.Info().Msg("Program shut down")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.L.Info().Str("version", Version).Msg("Program Started")

	app, err := newApp(ctx)
	if err != nil {
		logging.L.Err(err).Msg("startup failed")
		return err
	}
	defer app.Close()

	err = app.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.L.Err(err).Msg("program failed")
		return err
	}
	logging.L.Info().Msg("Program interrupted")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
