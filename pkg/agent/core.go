// Package agent wires the provider registry, command executor, workflow
// runner, journal, policy gate and heartbeater into the single object
// the API surfaces expose.
package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openrack/metalagent/pkg/command"
	"github.com/openrack/metalagent/pkg/config"
	"github.com/openrack/metalagent/pkg/hardware"
	"github.com/openrack/metalagent/pkg/heartbeat"
	"github.com/openrack/metalagent/pkg/journal"
	"github.com/openrack/metalagent/pkg/policy"
	"github.com/openrack/metalagent/pkg/telemetry"
	"github.com/openrack/metalagent/pkg/workflow"
)

// Core owns the agent's moving parts and exposes the operations the
// REST API and control channel call.
type Core struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	registry   *hardware.Registry
	dispatcher *hardware.Dispatcher
	executor   *command.Executor
	runner     *workflow.Runner
	journal    *journal.Journal
	gate       *policy.Gate

	heartbeater *heartbeat.Heartbeater

	version   string
	startedAt time.Time
}

// Status is the agent self-description reported to the controller and
// over the API.
type Status struct {
	Version     string            `json:"version"`
	Hostname    string            `json:"hostname"`
	StartedAt   time.Time         `json:"started_at"`
	Busy        bool              `json:"busy"`
	Providers   map[string]string `json:"providers"`
	Fingerprint string            `json:"fingerprint"`
}

// New probes the providers and assembles the agent core.
func New(ctx context.Context, cfg *config.Config, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, providers []hardware.Provider, version string) (*Core, error) {
	zl := logger.Zerolog()

	registry, err := hardware.BuildRegistry(ctx, providers, zl)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		registry:   registry,
		dispatcher: hardware.NewDispatcher(registry, zl, metrics, tracer),
		version:    version,
		startedAt:  time.Now().UTC(),
	}

	opts := []command.Option{
		command.WithTelemetry(metrics, tracer),
		command.WithCompletionCallback(func(command.View) { c.ForceHeartbeat() }),
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open command journal: %w", err)
		}
		c.journal = j
		opts = append(opts, command.WithJournal(j))
	}

	if cfg.Policy.Enabled {
		gate, err := policy.NewGate(zl)
		if err != nil {
			return nil, fmt.Errorf("failed to build policy gate: %w", err)
		}
		if cfg.Policy.Dir != "" {
			if err := gate.LoadDir(ctx, cfg.Policy.Dir); err != nil {
				return nil, err
			}
		}
		c.gate = gate
		opts = append(opts, command.WithGate(gate))
	}

	c.executor = command.NewExecutor(c.dispatcher, zl, opts...)
	c.runner = workflow.NewRunner(registry, c.executor, zl,
		workflow.WithTelemetry(metrics, tracer))

	if cfg.Heartbeat.ControllerURL != "" {
		notifier := newControllerNotifier(cfg.Heartbeat.ControllerURL, cfg.Heartbeat.Token, c)
		c.heartbeater = heartbeat.NewHeartbeater(notifier, cfg.Heartbeat.Timeout.Std(), zl,
			heartbeat.WithMetrics(metrics))
	}

	zl.Info().
		Int("providers", len(registry.Providers())).
		Str("fingerprint", registry.Fingerprint().String()).
		Msg("Agent core assembled")
	return c, nil
}

// Run drives the background loops until the context is cancelled.
func (c *Core) Run(ctx context.Context) {
	if c.heartbeater != nil {
		c.heartbeater.Run(ctx)
		return
	}
	<-ctx.Done()
}

// Close releases held resources.
func (c *Core) Close() error {
	if c.journal != nil {
		return c.journal.Close()
	}
	return nil
}

// SubmitCommand executes a named operation as a tracked command. The
// returned view is terminal for sync commands and RUNNING for async
// ones.
func (c *Core) SubmitCommand(ctx context.Context, name string, params hardware.Params) (command.View, error) {
	rec, err := c.executor.Submit(ctx, name, params)
	if err != nil {
		return command.View{}, err
	}
	return rec.View(), nil
}

// WaitCommand submits and blocks until the command reaches a terminal
// state, regardless of its declared mode.
func (c *Core) WaitCommand(ctx context.Context, name string, params hardware.Params) (command.View, error) {
	rec, err := c.executor.Submit(ctx, name, params)
	if err != nil {
		return command.View{}, err
	}
	select {
	case <-rec.Done():
	case <-ctx.Done():
		return command.View{}, ctx.Err()
	}
	return rec.View(), nil
}

// PollCommand returns the snapshot of a tracked command.
func (c *Core) PollCommand(id string) (command.View, error) {
	return c.executor.Poll(id)
}

// ListCommands returns all tracked commands in submission order.
func (c *Core) ListCommands() []command.View {
	return c.executor.List()
}

// Steps returns the merged step catalog for a category, ordered by
// descending priority.
func (c *Core) Steps(category hardware.StepCategory) ([]hardware.StepDescriptor, error) {
	catalog, err := hardware.BuildCatalog(c.registry, category)
	if err != nil {
		return nil, err
	}
	return catalog.Steps(), nil
}

// RunWorkflow validates and executes a step batch.
func (c *Core) RunWorkflow(ctx context.Context, category hardware.StepCategory, steps []hardware.StepRequest) (*workflow.Result, error) {
	return c.runner.Run(ctx, category, steps)
}

// Inventory aggregates the machine inventory from every capable
// provider.
func (c *Core) Inventory(ctx context.Context) (hardware.Inventory, error) {
	return hardware.CollectInventory(ctx, c.dispatcher)
}

// Status reports the agent's identity and load state.
func (c *Core) Status() Status {
	hostname, _ := os.Hostname()
	return Status{
		Version:     c.version,
		Hostname:    hostname,
		StartedAt:   c.startedAt,
		Busy:        c.executor.Busy(),
		Providers:   c.registry.Versions(),
		Fingerprint: c.registry.Fingerprint().String(),
	}
}

// ForceHeartbeat requests an immediate controller heartbeat, if the
// agent has a controller.
func (c *Core) ForceHeartbeat() {
	if c.heartbeater != nil {
		c.heartbeater.Force()
	}
}

// Gate returns the policy gate, nil when policy is disabled.
func (c *Core) Gate() *policy.Gate {
	return c.gate
}

// Journal returns the command journal, nil when journaling is disabled.
func (c *Core) Journal() *journal.Journal {
	return c.journal
}

// Metrics returns the telemetry metrics instance.
func (c *Core) Metrics() *telemetry.Metrics {
	return c.metrics
}
