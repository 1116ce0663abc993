// Package workflow runs controller-ordered step batches against the
// provider registry: clean, deploy and service workflows. Steps run
// strictly sequentially; a step failure or a provider-set change aborts
// the run.
package workflow

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openrack/metalagent/pkg/command"
	"github.com/openrack/metalagent/pkg/hardware"
	"github.com/openrack/metalagent/pkg/telemetry"
)

// Outcome classifies how a workflow run ended.
type Outcome string

const (
	// OutcomeCompleted means every requested step succeeded.
	OutcomeCompleted Outcome = "COMPLETED"

	// OutcomeStepFailed means a step failed and the remainder was not run.
	OutcomeStepFailed Outcome = "STEP_FAILED"

	// OutcomeInvalidated means the active provider set changed mid-run.
	// The controller must re-fetch the catalog and restart the workflow;
	// no step failed.
	OutcomeInvalidated Outcome = "INVALIDATED"
)

// StepOutcome is the result of one executed step.
type StepOutcome struct {
	Index           int            `json:"index"`
	Name            string         `json:"name"`
	Status          command.Status `json:"status"`
	Result          any            `json:"result,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	RebootRequested bool           `json:"reboot_requested"`
}

// Result is the terminal report of a workflow run.
type Result struct {
	Category     hardware.StepCategory `json:"category"`
	Outcome      Outcome               `json:"outcome"`
	Fingerprint  hardware.Fingerprint  `json:"fingerprint"`
	Steps        []StepOutcome         `json:"steps"`
	ErrorCode    string                `json:"error_code,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

// FingerprintFunc returns the current provider-set fingerprint. The
// runner re-reads it before each step to detect drift.
type FingerprintFunc func() hardware.Fingerprint

// Runner executes workflows over the registry and executor.
type Runner struct {
	registry    *hardware.Registry
	executor    *command.Executor
	fingerprint FingerprintFunc
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithFingerprintFunc overrides the drift source. The default reads the
// registry's fingerprint.
func WithFingerprintFunc(fn FingerprintFunc) Option {
	return func(r *Runner) { r.fingerprint = fn }
}

// WithTelemetry wires metrics and tracing. Either may be nil.
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) Option {
	return func(r *Runner) {
		r.metrics = m
		r.tracer = t
	}
}

// NewRunner creates a workflow runner.
func NewRunner(registry *hardware.Registry, executor *command.Executor, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		executor: executor,
		logger:   logger.With().Str("component", "workflow").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fingerprint == nil {
		r.fingerprint = registry.Fingerprint
	}
	return r
}

// Run validates and executes a step batch. Validation failures reject
// the whole batch with an error before any step runs. Once started, the
// run always returns a Result: step failures and provider drift are
// outcomes, not errors.
func (r *Runner) Run(ctx context.Context, category hardware.StepCategory, steps []hardware.StepRequest) (*Result, error) {
	catalog, err := hardware.BuildCatalog(r.registry, category)
	if err != nil {
		return nil, err
	}
	if err := catalog.ValidateRequested(steps); err != nil {
		return nil, err
	}

	baseline := r.fingerprint()
	result := &Result{
		Category:    category,
		Fingerprint: baseline,
		Steps:       make([]StepOutcome, 0, len(steps)),
	}

	r.logger.Info().
		Str("category", string(category)).
		Int("steps", len(steps)).
		Str("fingerprint", baseline.String()).
		Msg("Workflow started")

	for i, req := range steps {
		if current := r.fingerprint(); !baseline.Equal(current) {
			r.logger.Warn().
				Str("category", string(category)).
				Int("step_index", i).
				Str("was", baseline.String()).
				Str("now", current.String()).
				Msg("Provider set changed mid-workflow, invalidating run")
			if r.metrics != nil {
				r.metrics.RecordWorkflowInvalidated()
			}
			result.Outcome = OutcomeInvalidated
			result.ErrorCode = hardware.CodeVersionMismatch
			result.ErrorMessage = "hardware provider set changed during workflow"
			return result, nil
		}

		outcome := r.runStep(ctx, catalog, category, i, req)
		result.Steps = append(result.Steps, outcome)
		if r.metrics != nil {
			r.metrics.RecordStepExecuted(string(category), string(outcome.Status))
		}

		if outcome.Status == command.StatusFailed {
			r.logger.Error().
				Str("category", string(category)).
				Str("step", req.Name).
				Int("step_index", i).
				Str("error_code", outcome.ErrorCode).
				Msg("Step failed, aborting workflow")
			result.Outcome = OutcomeStepFailed
			result.ErrorCode = outcome.ErrorCode
			result.ErrorMessage = outcome.ErrorMessage
			return result, nil
		}
	}

	result.Outcome = OutcomeCompleted
	r.logger.Info().
		Str("category", string(category)).
		Int("steps", len(result.Steps)).
		Msg("Workflow completed")
	return result, nil
}

// runStep submits one step through the executor and waits for its
// terminal state. Async steps hold the single async slot for their whole
// duration, so within a workflow steps never overlap.
func (r *Runner) runStep(ctx context.Context, catalog *hardware.Catalog, category hardware.StepCategory, index int, req hardware.StepRequest) StepOutcome {
	desc, _ := catalog.Lookup(req.Name)
	outcome := StepOutcome{
		Index:           index,
		Name:            req.Name,
		RebootRequested: desc.RebootRequested,
	}

	stepCtx := ctx
	var finish func(error)
	if r.tracer != nil {
		sctx, span := r.tracer.StartStepSpan(ctx, string(category), req.Name, index)
		stepCtx = sctx
		finish = func(err error) {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
	}

	rec, err := r.executor.Submit(stepCtx, req.Name, req.Args)
	if err != nil {
		outcome.Status = command.StatusFailed
		outcome.ErrorCode = hardware.CodeOf(err)
		outcome.ErrorMessage = err.Error()
		if finish != nil {
			finish(err)
		}
		return outcome
	}

	<-rec.Done()
	view := rec.View()
	outcome.Status = view.Status
	outcome.Result = view.Result
	outcome.ErrorCode = view.ErrorCode
	outcome.ErrorMessage = view.ErrorMessage

	if finish != nil {
		if view.Status == command.StatusFailed {
			finish(hardware.NewError(view.ErrorCode, view.ErrorMessage, nil))
		} else {
			finish(nil)
		}
	}
	return outcome
}
