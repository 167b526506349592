// Package main is the entry point for the procedure gateway CLI application
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmartinol/procgate/cmd/procgate/app"
	"github.com/dmartinol/procgate/internal/versions"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "procgate",
		Short: "Multi-protocol procedure gateway",
		Long: `procgate exposes one set of declared procedures through three wire
protocols - typed direct calls, JSON-RPC 2.0, and MCP tool calls - while
enforcing a single scope-based authorization policy across all of them.`,
		Version: versions.GetVersionInfo().Version,
	}

	rootCmd.AddCommand(app.ServeCmd())
	rootCmd.AddCommand(app.VersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
		os.Exit(1)
	}
}
