package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pulsedb/pulse/pkg/persistence/boltdb"
	"github.com/spf13/cobra"
)

var importIn string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Replay an export snapshot into a data directory (offline)",
	Long: "import writes each record straight into --data-dir's BoltDB file, bypassing\n" +
		"the commit coordinator and writer lease. Run it only against a data directory\n" +
		"with no pulsed process attached, and only with a snapshot produced by export\n" +
		"from the same pulsedb version.",
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importIn, "in", "", "Input file (default: stdin)")
}

func runImport(cmd *cobra.Command, _ []string) error {
	store, err := boltdb.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	defer store.Close()

	r := os.Stdin
	if importIn != "" {
		f, err := os.Open(importIn)
		if err != nil {
			return fmt.Errorf("open %s: %w", importIn, err)
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(bufio.NewReader(r))
	count := 0
	for {
		var rec boltdb.SnapshotRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode record %d: %w", count, err)
		}
		if err := store.Load(rec); err != nil {
			return fmt.Errorf("load record %d: %w", count, err)
		}
		count++
	}
	fmt.Fprintf(os.Stderr, "imported %d records\n", count)
	return nil
}
