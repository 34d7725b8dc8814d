// Castctl discovers cast devices and controls applications running on them.
//
// It wraps the castlink packages: SSDP/mDNS discovery, the WebSocket link
// driver and the HTTP application session controller.
//
// Usage:
//
//	castctl [command] [flags]
//
// See 'castctl --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/castlink/internal/config"
	"github.com/muurk/castlink/internal/logging"
	"github.com/muurk/castlink/internal/version"
)

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Global flags
var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "castctl",
	Short: "Cast device discovery and application control",
	Long: `Discover cast devices on the local network and control the
applications running on them.

Devices found by 'castctl scan' are remembered in the config file and can be
addressed by id, reported name or nickname. Any command also accepts a raw
IP address or host:port.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := os.Setenv(config.PathEnvVar, configPath); err != nil {
				return fmt.Errorf("failed to set config path: %w", err)
			}
		}
		return logging.Initialize(logLevel)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default is the platform config dir, or $"+config.PathEnvVar+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); silent when unset")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("castctl %s\n", version.Full())
	},
}
