package main

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/setavenger/blindbit-indexer/internal/config"
	"github.com/setavenger/blindbit-indexer/internal/dataexport"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/types"
	"github.com/spf13/cobra"
)

var (
	Version = "0.0.0"

	// Global flags
	datadir    string
	configFile string
	dbBackend  string

	// Count command flags
	serviceName string

	// Export command flags
	exportDir string
)

func init() {
	// Global flags
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
	rootCmd.PersistentFlags().StringVar(
		&dbBackend,
		"backend",
		"",
		"Storage backend to open (default: db_backend of the config)",
	)

	// Count command flags
	countCmd.Flags().StringVar(
		&serviceName,
		"service",
		"",
		"Service whose keys are counted, e.g. utxo, address, block",
	)
	_ = countCmd.MarkFlagRequired("service")

	// Export command flags
	exportCmd.Flags().StringVar(
		&exportDir,
		"out",
		"",
		"Directory the csv files are written to (default: datadir/data-export)",
	)
}

var rootCmd = &cobra.Command{
	Use:   "db-explorer",
	Short: "BlindBit Indexer Database Explorer",
	Long: `BlindBit Indexer Database Explorer shows service prefixes, tips and key
counts of the store used by blindbit-indexer, for any storage backend.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set directories and initialize config
		config.BaseDirectory = datadir
		config.SetDirectories()

		logging.L.Info().Msgf("base directory %s", config.BaseDirectory)

		// Load config
		if configFile == "" {
			configFile = path.Join(config.BaseDirectory, config.ConfigFileName)
		}
		if err := config.LoadConfigs(configFile); err != nil {
			return err
		}
		if dbBackend == "" {
			dbBackend = config.DBBackend
		}
		return nil
	},
}

func openExplorer() (*DatabaseExplorer, error) {
	fmt.Printf("Opening %s database in: %s\n", dbBackend, config.DBPath)
	params := config.ChainParams()
	explorer, err := NewDatabaseExplorer(dbBackend, config.DBPath, types.Tip{Hash: *params.GenesisHash})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return explorer, nil
}

// withExplorer runs fn against an opened explorer and closes it afterwards.
func withExplorer(fn func(*DatabaseExplorer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		explorer, err := openExplorer()
		if err != nil {
			return err
		}
		defer explorer.Close()
		return fn(explorer)
	}
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show database information",
	Long: `Show every service with its prefix, committed tip and number of keys.`,
	RunE: withExplorer(func(de *DatabaseExplorer) error {
		return de.PrintDatabaseInfo()
	}),
}

var tipsCmd = &cobra.Command{
	Use:   "tips",
	Short: "Show the committed tip of every service",
	RunE: withExplorer(func(de *DatabaseExplorer) error {
		return de.PrintTips()
	}),
}

var prefixesCmd = &cobra.Command{
	Use:   "prefixes",
	Short: "List the allocated service prefixes",
	RunE: withExplorer(func(de *DatabaseExplorer) error {
		return de.PrintPrefixes()
	}),
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count keys of a service",
	Long: `Count the keys of one service, grouped by the sub-type byte that follows
the service prefix.`,
	RunE: withExplorer(func(de *DatabaseExplorer) error {
		return de.PrintCounts(serviceName)
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the utxo set and block hashes as csv",
	RunE: withExplorer(func(de *DatabaseExplorer) error {
		if exportDir == "" {
			exportDir = path.Join(config.BaseDirectory, "data-export")
		}
		paths, err := dataexport.ExportAll(context.Background(), de.db, config.ChainParams(), exportDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println("wrote", p)
		}
		return nil
	}),
}

func main() {
	// Add subcommands
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(tipsCmd)
	rootCmd.AddCommand(prefixesCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(exportCmd)

	// Execute the root command
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
