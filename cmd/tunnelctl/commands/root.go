// Package commands implements the tunnelctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// httpClient is the control API client, shared by all subcommands.
var httpClient = &http.Client{Timeout: 5 * time.Second}

var (
	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the tunneld control API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for tunnelctl.
var rootCmd = &cobra.Command{
	Use:   "tunnelctl",
	Short: "CLI client for the tunnel daemon",
	Long:  "tunnelctl talks to the tunneld control API to inspect and mutate daemon state.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:8898",
		"tunneld control API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(setLocalPortCmd())
	rootCmd.AddCommand(setRoleCmd())
	rootCmd.AddCommand(versionCmd())
}

func controlURL(path string) string {
	return "http://" + serverAddr + path
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
