// Package main implements the rollguard CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rollguard/rollguard/internal/config"
)

// Version can be set at build time
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rollguard",
	Short: "Deployment safety control plane",
	Long: `rollguard manages safe rollouts: checksum-verified workspace
checkpoints, canary traffic shifting, health probing, and automatic
rollback triggers.`,
	Version: Version,
}

func main() {
	config.AppVersion = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// loadConfig builds the server configuration from defaults, optional
// config file, and environment
func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.NewServerConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
