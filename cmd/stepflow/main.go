// Command stepflow runs the workflow orchestration service over HTTP or MCP
// and validates workflow definition files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Plan, run and resume multi-step workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", settingsPath(), "settings file")
	registerFlags(root)

	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}
