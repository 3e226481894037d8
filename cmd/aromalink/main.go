// Aroma-Link Core - cloud diffuser client
//
// This is the main entry point for the Aroma-Link core. It keeps one
// account's diffusers in sync with the vendor cloud and serves their state
// over a local HTTP API and, optionally, an MQTT bridge.
//
// Commands:
//   - run:     long-running service (push connection, API, MQTT bridge)
//   - devices: list the account's devices and exit
//   - send:    send one command and print the acknowledgement
//   - db:      show migration status or roll back the latest migration
//   - version: print build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/nerrad567/aromalink-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

var configPath string

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. A fresh tree per call keeps tests
// independent of each other's flags.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aromalink",
		Short:         "Aroma-Link cloud diffuser client",
		Long:          "Keeps Aroma-Link diffusers in sync with the vendor cloud and serves their state locally.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(), "Configuration file path")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List the account's devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listDevices(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "send <device-id> <command-json>",
		Short: "Send one command to a device",
		Long: `Send one command to a device and print the cloud's acknowledgement.

Examples:
  aromalink send 1001 '{"command":"set_power","on":true}'
  aromalink send 1001 '{"command":"set_durations","work":10,"pause":120}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd.Context(), configPath, args[0], []byte(args[1]), cmd.OutOrStdout())
		},
	})

	root.AddCommand(newDBCmd())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(map[string]string{"version": version, "commit": commit, "date": date})
		},
	})

	return root
}

// getConfigPath returns the configuration file path.
// Uses AROMALINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("AROMALINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// resolveConfigPath drops the default path when no file exists there, so
// a deployment can run on defaults and environment overrides alone.
func resolveConfigPath(path string) string {
	if path != defaultConfigPath {
		return path
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ""
	}
	return path
}
