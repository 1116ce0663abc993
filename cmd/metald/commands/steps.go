package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/openrack/metalagent/pkg/hardware"
	"github.com/openrack/metalagent/pkg/telemetry"
)

func newStepsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps <category>",
		Short: "Print the step catalog for a category",
		Long: `Probe the hardware providers once and print the merged step catalog
for a category (clean, deploy or service) as JSON, ordered the way a
workflow would execute them.`,
		Example: `  # Show the cleaning steps this machine supports
  metald steps clean

  # Show the deploy steps
  metald steps deploy`,
		Args: cobra.ExactArgs(1),
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

			catalog, err := hardware.BuildCatalog(registry, hardware.StepCategory(args[0]))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"category": args[0],
				"steps":    catalog.Steps(),
			})
		},
	}
	return cmd
}
