package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	deployComponent string
	deployPath      string
)

var deployCmd = &cobra.Command{
	Use:   "deploy <source-file>",
	Short: "Push a function bundle's source to the running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployComponent, "component", "", "Component path the function belongs to")
	deployCmd.Flags().StringVar(&deployPath, "path", "", "Module path within the component (default: the source-file argument as given)")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	path := deployPath
	if path == "" {
		path = args[0]
	}

	c, err := dial(addr, token)
	if err != nil {
		return err
	}
	defer c.close()

	commitTS, err := c.callDeploy(uuid.NewString(), deployComponent, path, string(source))
	if err != nil {
		return err
	}
	fmt.Printf("deployed %s at commit_ts=%d\n", path, commitTS)
	return nil
}
