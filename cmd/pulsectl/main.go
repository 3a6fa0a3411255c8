// Command pulsectl is the pulsedb admin CLI (§6): export/import snapshots,
// deploy function bundles, run a function directly, manage environment
// variables, and tail the usage/log fan-out — grounded on
// cuemby-warren/cmd/warren/main.go's rootCmd/subcommand-group registration
// pattern. Exit codes follow spec.md §6: 0 success, 1 user error, 2
// internal error.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	addr    string
	token   string
	dataDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "pulsectl",
	Short: "Admin CLI for a pulsedb deployment",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "ws://127.0.0.1:8080/sync", "pulsedb sync-worker WebSocket address")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Admin JWT for authenticated commands")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Data directory for offline export/import")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(logsCmd)
}
