package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/batchpub/cmd/batchpub/commands"
)

var rootCmd = &cobra.Command{
	Use:   "batchpub",
	Short: "batchpub - batched and composite document publications",
	Long: `batchpub - publishes live query results over WebSocket.

Clients subscribe to named publications and receive the initial result
followed by batched added/changed/removed updates. Composite publications
follow references from parent documents into child collections.

Available commands:
  serve   - Start the publication server
  version - Show version information

Examples:
  batchpub serve                          # Use batchpub.toml from the project
  batchpub serve --config ./prod.toml -v  # Explicit config, info logging`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: batchpub.toml searched upward from cwd)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
