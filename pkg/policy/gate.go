// Package policy gates destructive hardware operations behind Rego
// policies. The built-in rules protect devices that must never be wiped;
// operators ship additional .rego files to encode site rules.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openrack/metalagent/pkg/hardware"
)

// Severity classifies a policy denial.
type Severity string

const (
	// SeverityWarning denials are logged but do not block the operation.
	SeverityWarning Severity = "warning"

	// SeverityError denials block the operation.
	SeverityError Severity = "error"
)

// Policy is one Rego rule set applied to destructive operations.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is the human-readable purpose.
	Description string `json:"description"`

	// Rego contains the policy source. Denials come from the package's
	// deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for denials the policy does not
	// classify itself.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled"`
}

// Denial is one policy objection to an operation.
type Denial struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Input is the document policies evaluate against.
type Input struct {
	Operation string          `json:"operation"`
	Params    hardware.Params `json:"params"`
	Context   InputContext    `json:"context"`
}

// InputContext carries evaluation metadata into the policy.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// Gate evaluates destructive operations against the loaded policies.
// Implements the executor's Gate interface.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// NewGate creates a gate with the built-in policies loaded.
func NewGate(logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-gate").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := g.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return g, nil
}

// LoadDir loads every .rego file in dir as an enabled error-severity
// policy named after the file.
func (g *Gate) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read policy directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		source, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", entry.Name(), err)
		}
		p := Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Rego:     string(source),
			Severity: SeverityError,
			Enabled:  true,
		}
		if err := g.compile(ctx, p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		loaded++
	}

	g.logger.Info().Int("count", loaded).Str("dir", dir).Msg("Policies loaded")
	return nil
}

func (g *Gate) compile(ctx context.Context, p Policy) error {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))
	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	g.mu.Lock()
	g.policies[p.Name] = &compiledPolicy{policy: p, query: prepared}
	g.mu.Unlock()

	g.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// packageName extracts the package path from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "metalagent.policies"
}

// CheckOperation evaluates the operation against every enabled policy.
// An error-severity denial rejects the operation with POLICY_DENIED;
// warning denials are logged and the operation proceeds.
func (g *Gate) CheckOperation(ctx context.Context, name string, params hardware.Params) error {
	denials, err := g.Evaluate(ctx, Input{
		Operation: name,
		Params:    params,
		Context:   InputContext{Timestamp: time.Now().UTC()},
	})
	if err != nil {
		return hardware.NewError(hardware.CodePolicyDenied,
			"policy evaluation failed", err).WithOperation(name)
	}

	var blocking []string
	for _, d := range denials {
		if d.Severity == SeverityWarning {
			g.logger.Warn().
				Str("policy", d.Policy).
				Str("operation", name).
				Msg(d.Message)
			continue
		}
		blocking = append(blocking, d.Message)
	}

	if len(blocking) > 0 {
		return hardware.NewError(hardware.CodePolicyDenied,
			strings.Join(blocking, "; "), nil).WithOperation(name)
	}
	return nil
}

// Evaluate runs every enabled policy and returns the raw denials.
func (g *Gate) Evaluate(ctx context.Context, input Input) ([]Denial, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var denials []Denial
	for _, cp := range g.policies {
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}

		for _, result := range results {
			for _, expr := range result.Expressions {
				denySet, ok := expr.Value.([]interface{})
				if !ok {
					continue
				}
				for _, d := range denySet {
					denials = append(denials, g.toDenial(cp.policy, d))
				}
			}
		}
	}
	return denials, nil
}

func (g *Gate) toDenial(p Policy, result interface{}) Denial {
	denial := Denial{Policy: p.Name, Severity: p.Severity}
	switch v := result.(type) {
	case string:
		denial.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			denial.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			denial.Severity = Severity(sev)
		}
	default:
		denial.Message = fmt.Sprintf("%v", result)
	}
	return denial
}

// Policies returns the loaded policies.
func (g *Gate) Policies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		out = append(out, cp.policy)
	}
	return out
}

// SetEnabled toggles a policy by name.
func (g *Gate) SetEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, ok := g.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
