package hardware

import (
	"fmt"
	"sort"
)

// StepRequest is one entry in a controller-ordered workflow: the step
// name plus the arguments to run it with.
type StepRequest struct {
	Name string `json:"name"`
	Args Params `json:"args,omitempty"`
}

// Catalog is the merged per-category step catalog: exactly one descriptor
// per step name, with provider conflicts already resolved.
type Catalog struct {
	Category StepCategory
	steps    map[string]StepDescriptor
}

// catalogCandidate tracks which provider contributed a descriptor so
// conflicts can be resolved by support level.
type catalogCandidate struct {
	desc    StepDescriptor
	support SupportLevel
}

// BuildCatalog queries every active provider for its declared steps in
// the category and merges them. When two providers declare the same step
// name, the descriptor from the higher-support provider wins; for equal
// support the higher declared priority wins, and an exact tie keeps the
// earlier registry entry.
func BuildCatalog(registry *Registry, category StepCategory) (*Catalog, error) {
	if !category.Valid() {
		return nil, NewError(CodeInvalidStep,
			fmt.Sprintf("unknown step category %q", category), nil)
	}

	merged := make(map[string]catalogCandidate)
	for _, entry := range registry.Providers() {
		for _, desc := range entry.Provider.Steps(category) {
			current, exists := merged[desc.Step]
			if !exists {
				merged[desc.Step] = catalogCandidate{desc: desc, support: entry.Support}
				continue
			}
			// Registry order is descending support, so an existing entry
			// never has lower support. Replace only on an equal-support
			// higher-priority declaration.
			if entry.Support == current.support && desc.Priority > current.desc.Priority {
				merged[desc.Step] = catalogCandidate{desc: desc, support: entry.Support}
			}
		}
	}

	steps := make(map[string]StepDescriptor, len(merged))
	for name, cand := range merged {
		steps[name] = cand.desc
	}
	return &Catalog{Category: category, steps: steps}, nil
}

// Steps returns the merged descriptors sorted by descending priority,
// names breaking ties. Priority is advisory ordering information for the
// controller; the controller's requested order is authoritative when a
// workflow runs.
func (c *Catalog) Steps() []StepDescriptor {
	out := make([]StepDescriptor, 0, len(c.steps))
	for _, d := range c.steps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Step < out[j].Step
	})
	return out
}

// Lookup returns the descriptor for a step name.
func (c *Catalog) Lookup(name string) (StepDescriptor, bool) {
	d, ok := c.steps[name]
	return d, ok
}

// ValidateRequested checks a controller-supplied step list against the
// catalog before any execution begins: every step name must exist in the
// category and every argument the descriptor marks required must be
// present. An invalid batch is rejected whole, with no partial
// side effects.
func (c *Catalog) ValidateRequested(steps []StepRequest) error {
	for i, req := range steps {
		desc, ok := c.steps[req.Name]
		if !ok {
			return NewError(CodeInvalidStep,
				fmt.Sprintf("step %d: %q is not a %s step on this hardware",
					i, req.Name, c.Category), nil)
		}
		for argName, info := range desc.ArgsInfo {
			if !info.Required {
				continue
			}
			if _, present := req.Args[argName]; !present {
				return NewError(CodeInvalidStep,
					fmt.Sprintf("step %d: %q requires argument %q (%s)",
						i, req.Name, argName, info.Description), nil)
			}
		}
	}
	return nil
}
