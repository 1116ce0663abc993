// Package telemetry provides the agent's observability stack: structured
// logging via zerolog, Prometheus metrics for commands, dispatch and
// heartbeats, and optional OpenTelemetry tracing of provider operations.
package telemetry
