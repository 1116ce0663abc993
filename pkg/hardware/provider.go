// Package hardware implements the provider dispatch core of the agent:
// the capability provider contract, the support-level-ordered registry,
// single- and multi-result dispatch, the per-category step catalog, and
// inventory aggregation.
package hardware

import (
	"context"
	"fmt"
	"sort"
)

// SupportLevel is a provider's self-assessed compatibility with the
// machine the agent is running on. Higher levels win dispatch.
type SupportLevel int

const (
	// SupportNone means the provider cannot operate this hardware at all.
	// Providers at this level are excluded from the registry.
	SupportNone SupportLevel = iota

	// SupportGeneric is the fallback level for providers that work on any
	// machine using generic kernel interfaces.
	SupportGeneric

	// SupportMainstream is for providers tuned to a common hardware family
	// (a mainstream vendor's servers).
	SupportMainstream

	// SupportServiceProvider is the highest level, for providers built for
	// a specific fleet operator's exact hardware.
	SupportServiceProvider
)

// String returns the support level name.
func (s SupportLevel) String() string {
	switch s {
	case SupportNone:
		return "none"
	case SupportGeneric:
		return "generic"
	case SupportMainstream:
		return "mainstream"
	case SupportServiceProvider:
		return "service_provider"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Identity is a provider's immutable (name, version) pair. Versions are
// opaque and compared only for equality.
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// String returns the canonical name@version form.
func (id Identity) String() string {
	return id.Name + "@" + id.Version
}

// Params is the argument bag passed to provider operations.
type Params map[string]any

// String returns the named parameter as a string, reporting whether it was
// present and of string type.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the named parameter as a bool, defaulting to false.
func (p Params) Bool(key string) bool {
	v, ok := p[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// OperationFunc is the callable contract for a single named operation.
// Returning ErrNotApplicable (or any AgentError with code NOT_APPLICABLE)
// tells the dispatcher to try the next provider; any other error halts
// dispatch and is surfaced to the caller.
type OperationFunc func(ctx context.Context, params Params) (any, error)

// Operation is a named capability a provider declares: the handler plus
// the execution metadata the engine needs to route it.
type Operation struct {
	// Handler performs the operation.
	Handler OperationFunc

	// Async marks operations that take meaningful time and must run
	// through the asynchronous command path.
	Async bool

	// Destructive marks operations that mutate hardware state. The policy
	// gate is consulted before these are dispatched.
	Destructive bool
}

// StepCategory is the workflow a step belongs to.
type StepCategory string

const (
	CategoryClean   StepCategory = "clean"
	CategoryDeploy  StepCategory = "deploy"
	CategoryService StepCategory = "service"
)

// Valid reports whether the category is one of the known workflows.
func (c StepCategory) Valid() bool {
	switch c {
	case CategoryClean, CategoryDeploy, CategoryService:
		return true
	}
	return false
}

// ArgInfo describes one argument a step accepts.
type ArgInfo struct {
	// Description is the human-readable argument description.
	Description string `json:"description"`

	// Required marks arguments that must be present in a step request.
	Required bool `json:"required"`
}

// StepDescriptor describes one step a provider declares for a workflow
// category.
type StepDescriptor struct {
	// Step is the operation name executed for this step.
	Step string `json:"step"`

	// Priority orders steps when the controller asks for the default run
	// order. Zero means the step only runs on explicit request.
	Priority int `json:"priority"`

	// Category is the workflow this step belongs to.
	Category StepCategory `json:"interface"`

	// RebootRequested asks the controller to reboot the machine after the
	// step completes. The agent never reboots itself.
	RebootRequested bool `json:"reboot_requested"`

	// Abortable marks steps that are safe to abandon mid-flight.
	Abortable bool `json:"abortable"`

	// ArgsInfo declares the arguments the step accepts.
	ArgsInfo map[string]ArgInfo `json:"argsinfo,omitempty"`
}

// Provider is the capability contract a hardware plugin implements. The
// operation set is enumerated explicitly at construction; the dispatcher
// never probes for methods by name.
type Provider interface {
	// Identity returns the provider's immutable (name, version) pair.
	Identity() Identity

	// EvaluateSupport self-assesses compatibility with the running
	// hardware. Called exactly once per provider per process lifetime.
	EvaluateSupport(ctx context.Context) (SupportLevel, error)

	// Operations returns the operation-name to callable mapping this
	// provider declares.
	Operations() map[string]Operation

	// Steps returns the steps this provider declares for the category.
	Steps(category StepCategory) []StepDescriptor
}

// progressKey carries the progress callback through the context into
// provider operations.
type progressKey struct{}

// Progress is a provider-reported completion estimate for a long
// operation. The engine relays the latest value to pollers without
// interpreting it.
type Progress struct {
	// Percent is the completion estimate in [0, 100].
	Percent float64 `json:"percent"`

	// ETASeconds is the provider's estimate of seconds remaining, or zero
	// when unknown.
	ETASeconds int `json:"eta_seconds,omitempty"`
}

// ProgressFunc receives progress reports from a provider mid-operation.
type ProgressFunc func(Progress)

// WithProgress returns a context that delivers provider progress reports
// to fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress delivers a progress report to the engine, if the caller
// asked for one. Providers call this from long operations; it is a no-op
// otherwise.
func ReportProgress(ctx context.Context, p Progress) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(p)
	}
}

// Fingerprint is a snapshot of every active provider's identity, taken
// when a workflow begins. A fingerprint mismatch mid-workflow invalidates
// the run: step priorities and availability may have changed.
type Fingerprint []Identity

// Equal reports whether two fingerprints contain exactly the same
// identities.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// String returns a stable textual form for logging.
func (f Fingerprint) String() string {
	parts := make([]string, len(f))
	for i, id := range f {
		parts[i] = id.String()
	}
	sort.Strings(parts)
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
