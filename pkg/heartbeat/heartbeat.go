// Package heartbeat keeps the controller informed that the agent is
// alive. Heartbeats fire at a randomized fraction of the controller's
// timeout so a fleet of agents booted together does not thunder in sync,
// and any component can force an immediate beat when something the
// controller cares about happens.
package heartbeat

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrack/metalagent/pkg/telemetry"
)

// Notifier delivers one heartbeat to the controller.
type Notifier interface {
	Heartbeat(ctx context.Context) error
}

// Fractions of the controller timeout bounding the jittered interval.
const (
	intervalMin = 0.3
	intervalMax = 0.6
)

// failureRetry is how quickly the agent retries after a failed beat,
// unless the jittered interval is already shorter.
const failureRetry = 5 * time.Second

// Heartbeater periodically notifies the controller.
type Heartbeater struct {
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	force chan struct{}
	rand  func() float64
}

// Option configures a Heartbeater.
type Option func(*Heartbeater)

// WithMetrics wires heartbeat metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Heartbeater) { h.metrics = m }
}

// NewHeartbeater creates a heartbeater that beats within [0.3, 0.6] of
// the controller timeout.
func NewHeartbeater(notifier Notifier, timeout time.Duration, logger zerolog.Logger, opts ...Option) *Heartbeater {
	h := &Heartbeater{
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
		force:    make(chan struct{}, 1),
		rand:     rand.Float64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// interval returns the next jittered wait.
func (h *Heartbeater) interval() time.Duration {
	fraction := intervalMin + h.rand()*(intervalMax-intervalMin)
	return time.Duration(float64(h.timeout) * fraction)
}

// Force requests an immediate heartbeat. Safe to call from any
// goroutine; requests arriving while one is already pending coalesce.
func (h *Heartbeater) Force() {
	select {
	case h.force <- struct{}{}:
	default:
	}
}

// Run beats until the context is cancelled. It never returns an error:
// heartbeat failures are retried, not fatal.
func (h *Heartbeater) Run(ctx context.Context) {
	h.logger.Info().
		Dur("timeout", h.timeout).
		Msg("Heartbeater started")

	failed := false
	for {
		wait := h.interval()
		if failed && failureRetry < wait {
			wait = failureRetry
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.logger.Info().Msg("Heartbeater stopped")
			return
		case <-timer.C:
		case <-h.force:
			timer.Stop()
		}

		failed = h.beat(ctx) != nil
	}
}

func (h *Heartbeater) beat(ctx context.Context) error {
	start := time.Now()
	err := h.notifier.Heartbeat(ctx)
	latency := time.Since(start)

	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordHeartbeat("error", latency)
		}
		h.logger.Warn().Err(err).Msg("Heartbeat failed, will retry")
		return err
	}

	if h.metrics != nil {
		h.metrics.RecordHeartbeat("ok", latency)
	}
	h.logger.Debug().Dur("latency", latency).Msg("Heartbeat sent")
	return nil
}
