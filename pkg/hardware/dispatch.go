package hardware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrack/metalagent/pkg/telemetry"
)

// Dispatcher resolves named operations against the provider registry.
type Dispatcher struct {
	registry *Registry
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewDispatcher creates a dispatcher over the given registry. Metrics and
// tracer may be nil.
func NewDispatcher(registry *Registry, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Registry returns the registry this dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch invokes the named operation on the best-suited provider. The
// registry is walked in support order; a provider returning the
// not-applicable signal is skipped, any other failure halts dispatch and
// is surfaced as-is. There is deliberately no fallback after a real
// failure: a partial hardware-mutating failure must not be retried
// against a different implementation.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params Params) (any, error) {
	declared := false

	for _, entry := range d.registry.Providers() {
		op, ok := entry.Provider.Operations()[name]
		if !ok {
			d.logger.Debug().
				Str("provider", entry.Identity.String()).
				Str("operation", name).
				Msg("Provider does not declare operation")
			continue
		}
		declared = true

		result, err := d.invoke(ctx, entry, name, op, params)
		if err != nil {
			if IsNotApplicable(err) {
				d.logger.Debug().
					Str("provider", entry.Identity.String()).
					Str("operation", name).
					Msg("Provider reports operation not applicable, trying next")
				continue
			}
			return nil, d.providerFailure(entry, name, err)
		}
		return result, nil
	}

	return nil, d.notFound(name, declared)
}

// DispatchAll invokes the named operation on every provider that declares
// it and returns the responses keyed by provider name. Not-applicable
// providers are skipped; a real failure from any provider aborts the
// whole dispatch, since aggregating operations must not return a partial
// catalog.
func (d *Dispatcher) DispatchAll(ctx context.Context, name string, params Params) (map[string]any, error) {
	responses := make(map[string]any)
	declared := false

	for _, entry := range d.registry.Providers() {
		op, ok := entry.Provider.Operations()[name]
		if !ok {
			continue
		}
		declared = true

		result, err := d.invoke(ctx, entry, name, op, params)
		if err != nil {
			if IsNotApplicable(err) {
				continue
			}
			return nil, d.providerFailure(entry, name, err)
		}
		responses[entry.Identity.Name] = result
	}

	if len(responses) == 0 {
		return nil, d.notFound(name, declared)
	}
	return responses, nil
}

func (d *Dispatcher) invoke(ctx context.Context, entry ActiveProvider, name string, op Operation, params Params) (any, error) {
	start := time.Now()
	if d.tracer != nil {
		spanCtx, span := d.tracer.StartProviderSpan(ctx, entry.Identity.Name, name)
		defer span.End()
		result, err := op.Handler(spanCtx, params)
		d.record(entry, name, start, err)
		if err != nil && !IsNotApplicable(err) {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		return result, err
	}

	result, err := op.Handler(ctx, params)
	d.record(entry, name, start, err)
	return result, err
}

func (d *Dispatcher) record(entry ActiveProvider, name string, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordProviderCall(entry.Identity.Name, name, time.Since(start))
	if err != nil && !IsNotApplicable(err) {
		d.metrics.RecordProviderError(entry.Identity.Name, name)
	}
}

func (d *Dispatcher) providerFailure(entry ActiveProvider, name string, err error) error {
	d.logger.Error().
		Str("provider", entry.Identity.String()).
		Str("operation", name).
		Err(err).
		Msg("Provider operation failed, halting dispatch")
	return NewError(CodeProviderFailed, "provider operation failed", err).
		WithOperation(name).
		WithProvider(entry.Identity.Name)
}

func (d *Dispatcher) notFound(name string, declared bool) error {
	msg := "no active provider implements operation"
	if declared {
		msg = "no provider could service operation on this hardware"
	}
	d.logger.Error().Str("operation", name).Msg(msg)
	return NewError(CodeOperationNotFound, msg, nil).WithOperation(name)
}
