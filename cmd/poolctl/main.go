// Command poolctl is the admin CLI for the sandboxed worker pool: load
// config and warm a pool or run one execution on it directly, or
// inspect/dispose a running enclave-server over HTTP.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "poolctl",
		Short: "Sandboxed worker pool admin CLI",
		Long:  `Command-line interface for the enclave sandboxed worker pool.`,
	}

	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8080", "enclave-server URL")
	rootCmd.PersistentFlags().StringP("token", "t", "", "Authentication token")

	rootCmd.AddCommand(newWarmCmd())
	rootCmd.AddCommand(newExecCmd())
	rootCmd.AddCommand(newMetricsCmd())
	rootCmd.AddCommand(newDisposeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
