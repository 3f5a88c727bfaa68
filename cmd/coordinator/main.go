package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose    bool
	configPath string
	dbPath     string
	presetName string
	headless   bool
	chromeBin  string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Background coordination core: lifecycle, navigation and test-replay orchestration for a browser extension host",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newZapLogger(verbose)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (optional)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "coordinator.sqlite", "Path to the sqlite state/project database")
	rootCmd.PersistentFlags().StringVar(&presetName, "preset", "production", "Config preset: development|production|testing")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "Run Chrome headless")
	rootCmd.PersistentFlags().StringVar(&chromeBin, "chrome-bin", "", "Path to a Chrome/Chromium binary (optional; launcher discovers one otherwise)")

	rootCmd.AddCommand(serveCmd, runCmd, inspectCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
