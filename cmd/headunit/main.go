// Headunit is a wireless projection head unit.
//
// It finds phones on the local network, connects to one, completes the
// secure link start-up and decodes the projected video into a file, a
// browser viewer, or both.
//
// Usage:
//
//	headunit [command] [flags]
//
// See 'headunit --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/headunit/internal/config"
	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
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
	Use:   "headunit",
	Short: "Wireless projection head unit",
	Long: `A head unit for phone projection over Wi-Fi.

Discovers phones running a projection server on the local network, connects,
performs the encrypted link start-up and reassembles the projected video
stream into H.264/H.265 access units.

Settings are read from the configuration file (see 'headunit config path').
The video section is reloaded while connected.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(logLevel)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to $HEADUNIT_LOG_LEVEL")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config or the default file. The returned path is
// where the configuration lives, whether or not the file exists yet.
func loadConfig() (*config.Config, string, error) {
	if configPath == "" {
		return config.LoadDefault()
	}
	cfg, err := config.Load(configPath)
	return cfg, configPath, err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("headunit %s\n", version.Full())
	},
}
