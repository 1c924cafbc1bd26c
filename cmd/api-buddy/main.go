// api-buddy is a local caching proxy for development against rate-limited
// or slow third-party APIs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// For testing
var osExit = os.Exit

var rootCmd = &cobra.Command{
	Use:   "api-buddy",
	Short: "A caching proxy for development against third-party APIs",
	Long: `api-buddy sits between your application and the APIs it consumes,
caching responses, rate limiting outbound traffic per domain, and optionally
requiring a shared secret from clients.`,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}
