package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// NewRootCmd creates the root command for portcullis
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "portcullis",
		Short: "portcullis - identity-aware request-authorization gateway",
		Long: `portcullis sits in front of backend services and decides, per request:
given a bearer token, should the request be forwarded, to which backend,
and what gets recorded?

It verifies token signatures against the identity provider's key set,
evaluates an ordered fail-closed policy against the verified claims, routes
allowed requests by path prefix, and emits one audit record per request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ./configs/portcullis.yaml)")

	// Add subcommands
	rootCmd.AddCommand(NewServeCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
