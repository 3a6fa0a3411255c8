package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var logsHealthAddr string

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Usage/log event streams",
}

var logsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream function log lines as they happen",
	RunE:  runLogsTail,
}

func init() {
	logsTailCmd.Flags().StringVar(&logsHealthAddr, "health-addr", "http://127.0.0.1:8081", "pulsedb health/metrics HTTP address")
	logsCmd.AddCommand(logsTailCmd)
}

func runLogsTail(cmd *cobra.Command, _ []string) error {
	resp, err := http.Get(logsHealthAddr + "/logs/tail")
	if err != nil {
		return fmt.Errorf("connect to %s: %w", logsHealthAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("logs tail: server returned %s", resp.Status)
	}

	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var event map[string]interface{}
		if err := dec.Decode(&event); err != nil {
			return nil
		}
		line, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
}
