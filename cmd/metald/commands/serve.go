package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/openrack/metalagent/pkg/agent"
	"github.com/openrack/metalagent/pkg/api"
	"github.com/openrack/metalagent/pkg/config"
	"github.com/openrack/metalagent/pkg/hardware"
	"github.com/openrack/metalagent/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning agent",
		Long: `Start the agent and serve until interrupted.

Brings up the REST API, the local control socket, controller heartbeats
when a controller URL is configured, and a config watcher that applies
log level changes without a restart.`,
		Example: `  # Run with the built-in defaults
  metald serve

  # Run against a config file
  metald serve --config /etc/metalagent/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, version)
		},
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, version string) error {
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	zl := logger.Zerolog()

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to build metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, version)
	if err != nil {
		return fmt.Errorf("failed to build tracer: %w", err)
	}

	providers := []hardware.Provider{
		hardware.NewGenericProvider(cfg.Agent.SysRoot, cfg.Agent.ProcRoot, nil, zl),
	}

	core, err := agent.New(ctx, cfg, logger, metrics, tracer, providers, version)
	if err != nil {
		return err
	}
	defer core.Close()

	server := api.NewServer(core, cfg.API, zl)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server failed: %w", err)
			cancel()
		}
	}()

	if cfg.API.SocketPath != "" {
		channel := api.NewChannel(core, cfg.API.SocketPath, zl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := channel.ListenAndServe(runCtx); err != nil {
				errCh <- fmt.Errorf("control channel failed: %w", err)
				cancel()
			}
		}()
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, zl, func(next *config.Config) {
			logger.SetLevel(next.Telemetry.Logging.Level)
		})
		if err != nil {
			zl.Warn().Err(err).Msg("Config watcher unavailable, continuing without live reload")
		} else {
			defer watcher.Close()
			wg.Add(1)
			go func() {
				defer wg.Done()
				watcher.Run(runCtx)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		core.Run(runCtx)
	}()

	zl.Info().Str("version", version).Msg("Agent started")
	<-runCtx.Done()
	zl.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout.Std())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn().Err(err).Msg("API shutdown did not drain cleanly")
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		zl.Warn().Err(err).Msg("Tracer shutdown failed")
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
