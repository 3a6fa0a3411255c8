package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pulsedb/pulse/pkg/persistence/boltdb"
	"github.com/spf13/cobra"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Snapshot a data directory to a newline-delimited JSON file (offline)",
	Long: "export reads --data-dir's BoltDB file directly, the way etcdctl snapshot save\n" +
		"reads bbolt directly, rather than going through the live server's write path.\n" +
		"Run it against a data directory that is not currently owned by a running pulsed.",
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output file (default: stdout)")
}

func runExport(cmd *cobra.Command, _ []string) error {
	store, err := boltdb.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	defer store.Close()

	w := os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", exportOut, err)
		}
		defer f.Close()
		w = f
	}

	buf := bufio.NewWriter(w)
	defer buf.Flush()
	enc := json.NewEncoder(buf)

	count := 0
	err = store.Dump(func(rec boltdb.SnapshotRecord) error {
		count++
		return enc.Encode(rec)
	})
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d records\n", count)
	return nil
}
