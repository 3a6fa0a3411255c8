package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var envSetSecret bool

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage sealed environment variables",
}

var envSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Set an environment variable",
	Args:  cobra.ExactArgs(2),
	RunE:  runEnvSet,
}

var envUnsetCmd = &cobra.Command{
	Use:   "unset <name>",
	Short: "Remove an environment variable",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvUnset,
}

func init() {
	envSetCmd.Flags().BoolVar(&envSetSecret, "secret", false, "Mark this variable as a secret")
	envCmd.AddCommand(envSetCmd)
	envCmd.AddCommand(envUnsetCmd)
}

func runEnvSet(cmd *cobra.Command, args []string) error {
	c, err := dial(addr, token)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.callEnvSet(uuid.NewString(), args[0], args[1], envSetSecret); err != nil {
		return err
	}
	fmt.Printf("set %s\n", args[0])
	return nil
}

func runEnvUnset(cmd *cobra.Command, args []string) error {
	c, err := dial(addr, token)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.callEnvUnset(uuid.NewString(), args[0]); err != nil {
		return err
	}
	fmt.Printf("unset %s\n", args[0])
	return nil
}
