package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runComponent string
	runKind      string
	runArgsJSON  string
)

var runCmd = &cobra.Command{
	Use:   "run <udf-path>",
	Short: "Invoke a deployed function directly",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runComponent, "component", "", "Component path the function belongs to")
	runCmd.Flags().StringVar(&runKind, "kind", "action", "Function kind: action or mutation")
	runCmd.Flags().StringVar(&runArgsJSON, "args", "[]", "JSON array of arguments")
}

func runRun(cmd *cobra.Command, args []string) error {
	var callArgs []interface{}
	if err := json.Unmarshal([]byte(runArgsJSON), &callArgs); err != nil {
		return fmt.Errorf("--args is not a JSON array: %w", err)
	}

	c, err := dial(addr, token)
	if err != nil {
		return err
	}
	defer c.close()

	requestID := uuid.NewString()
	var result interface{}
	switch runKind {
	case "mutation":
		result, err = c.callMutation(requestID, args[0], runComponent, callArgs)
	case "action":
		result, err = c.callAction(requestID, args[0], runComponent, callArgs)
	default:
		return fmt.Errorf("--kind must be \"action\" or \"mutation\", got %q", runKind)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
