// Package commands implements the metald CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openrack/metalagent/pkg/config"
)

var (
	// Global flags
	configPath string
	logLevel   string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "metald",
		Short: "Metalagent - baremetal provisioning agent",
		Long: `Metalagent runs inside a provisioning ramdisk and exposes the machine's
hardware to a provisioning controller.

Features:
  - Hardware provider dispatch with vendor override levels
  - Async command execution with a single in-flight slot
  - Clean, deploy and service step workflows
  - Hardware inventory over /proc and /sys
  - Policy gating of destructive operations via OPA
  - Controller heartbeats with jittered intervals`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newInventoryCommand())
	rootCmd.AddCommand(newStepsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig resolves the effective configuration for a command run,
// applying the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
