// tpmjs — dynamic tool execution for AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tpmjs",
	Short: "tpmjs — run npm packages as AI agent tools in ephemeral sandboxes.",
	Long: `tpmjs executes tools published as npm packages inside hardened, ephemeral
sandboxes. Each invocation installs the package fresh, runs a single exported
tool, and destroys the sandbox. The HTTP gateway exposes execution, schema
extraction, executor verification, and per-collection MCP endpoints.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, executeCmd, schemaCmd, verifyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
