package hardware

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
)

// ActiveProvider is a registry entry: a provider together with the
// support level it reported during the startup probe. The level is never
// re-evaluated for the life of the process.
type ActiveProvider struct {
	Provider Provider
	Identity Identity
	Support  SupportLevel
}

// Registry holds the ordered, deduplicated set of active providers,
// sorted descending by support level with registration order breaking
// ties. It is immutable after BuildRegistry returns and safe for
// concurrent reads without locking.
type Registry struct {
	entries     []ActiveProvider
	fingerprint Fingerprint
}

// BuildRegistry probes every supplied provider against the running
// hardware and assembles the registry. A provider that errors during its
// probe is treated as SupportNone and excluded; that is logged but not
// fatal. The only fatal condition is zero providers surviving the probe:
// no provider can operate this hardware.
func BuildRegistry(ctx context.Context, providers []Provider, logger zerolog.Logger) (*Registry, error) {
	entries := make([]ActiveProvider, 0, len(providers))

	for _, p := range providers {
		id := p.Identity()
		level, err := p.EvaluateSupport(ctx)
		if err != nil {
			logger.Warn().
				Str("provider", id.String()).
				Err(err).
				Msg("Provider failed hardware support probe, excluding")
			continue
		}
		if level <= SupportNone {
			logger.Debug().
				Str("provider", id.String()).
				Msg("Provider reports no support for this hardware, excluding")
			continue
		}

		logger.Info().
			Str("provider", id.String()).
			Str("support", level.String()).
			Msg("Hardware provider active")
		entries = append(entries, ActiveProvider{Provider: p, Identity: id, Support: level})
	}

	if len(entries) == 0 {
		return nil, NewError(CodeNoProviders,
			"no hardware provider supports this machine", nil)
	}

	// Stable sort keeps registration order for equal support levels.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Support > entries[j].Support
	})

	fp := make(Fingerprint, len(entries))
	for i, e := range entries {
		fp[i] = e.Identity
	}
	sort.Slice(fp, func(i, j int) bool { return fp[i].Name < fp[j].Name })

	return &Registry{entries: entries, fingerprint: fp}, nil
}

// Providers returns the registry entries in dispatch order.
func (r *Registry) Providers() []ActiveProvider {
	return r.entries
}

// Fingerprint returns the snapshot of every active provider's identity,
// sorted by provider name.
func (r *Registry) Fingerprint() Fingerprint {
	return r.fingerprint
}

// Versions returns the name-to-version mapping of active providers, the
// form reported to the controller alongside step catalogs.
func (r *Registry) Versions() map[string]string {
	versions := make(map[string]string, len(r.entries))
	for _, e := range r.entries {
		versions[e.Identity.Name] = e.Identity.Version
	}
	return versions
}

// OperationInfo returns the operation metadata from the highest-support
// provider that declares the operation.
func (r *Registry) OperationInfo(name string) (Operation, bool) {
	for _, e := range r.entries {
		if op, ok := e.Provider.Operations()[name]; ok {
			return op, true
		}
	}
	return Operation{}, false
}
