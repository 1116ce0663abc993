package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openrack/metalagent/pkg/hardware"
	"github.com/openrack/metalagent/pkg/telemetry"
)

func newInventoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Collect and print the hardware inventory",
		Long: `Probe the hardware providers once, collect the machine inventory and
print it as JSON. Useful for enrolling machines and for debugging what
the agent would report to the controller.`,
		Example: `  # Collect the local machine's inventory
  metald inventory

  # Collect against a staged sysfs tree
  metald inventory --config test-config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
			if err != nil {
				return err
			}
			zl := logger.Zerolog()

			providers := []hardware.Provider{
				hardware.NewGenericProvider(cfg.Agent.SysRoot, cfg.Agent.ProcRoot, nil, zl),
			}
			registry, err := hardware.BuildRegistry(cmd.Context(), providers, zl)
			if err != nil {
				return err
			}

			dispatcher := hardware.NewDispatcher(registry, zl, nil, nil)
			inv, err := hardware.CollectInventory(cmd.Context(), dispatcher)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(inv); err != nil {
				return fmt.Errorf("failed to encode inventory: %w", err)
			}
			return nil
		},
	}
	return cmd
}
