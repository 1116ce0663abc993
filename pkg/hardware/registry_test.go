package hardware

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

// fakeProvider is a scriptable provider for dispatch and registry tests.
type fakeProvider struct {
	id       Identity
	support  SupportLevel
	probeErr error

	ops   map[string]Operation
	steps map[StepCategory][]StepDescriptor

	probes int
	calls  map[string]int
}

func newFakeProvider(name string, support SupportLevel) *fakeProvider {
	return &fakeProvider{
		id:      Identity{Name: name, Version: "1.0"},
		support: support,
		ops:     make(map[string]Operation),
		steps:   make(map[StepCategory][]StepDescriptor),
		calls:   make(map[string]int),
	}
}

// on registers an operation whose handler counts invocations and then
// delegates to fn.
func (f *fakeProvider) on(name string, fn OperationFunc) *fakeProvider {
	f.ops[name] = Operation{Handler: func(ctx context.Context, params Params) (any, error) {
		f.calls[name]++
		return fn(ctx, params)
	}}
	return f
}

func (f *fakeProvider) declareStep(d StepDescriptor) *fakeProvider {
	f.steps[d.Category] = append(f.steps[d.Category], d)
	return f
}

func (f *fakeProvider) Identity() Identity { return f.id }

func (f *fakeProvider) EvaluateSupport(ctx context.Context) (SupportLevel, error) {
	f.probes++
	if f.probeErr != nil {
		return SupportNone, f.probeErr
	}
	return f.support, nil
}

func (f *fakeProvider) Operations() map[string]Operation { return f.ops }

func (f *fakeProvider) Steps(category StepCategory) []StepDescriptor {
	return f.steps[category]
}

func mustRegistry(t *testing.T, providers ...Provider) *Registry {
	t.Helper()
	reg, err := BuildRegistry(context.Background(), providers, zerolog.Nop())
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	return reg
}

func TestBuildRegistryOrdersBySupportDescending(t *testing.T) {
	generic := newFakeProvider("generic", SupportGeneric)
	vendor := newFakeProvider("vendor", SupportMainstream)
	fleet := newFakeProvider("fleet", SupportServiceProvider)

	reg := mustRegistry(t, generic, fleet, vendor)

	got := make([]string, 0, 3)
	for _, e := range reg.Providers() {
		got = append(got, e.Identity.Name)
	}
	want := []string{"fleet", "vendor", "generic"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("provider order = %v, want %v", got, want)
		}
	}
}

func TestBuildRegistryStableTieBreak(t *testing.T) {
	first := newFakeProvider("first", SupportMainstream)
	second := newFakeProvider("second", SupportMainstream)

	reg := mustRegistry(t, first, second)

	entries := reg.Providers()
	if entries[0].Identity.Name != "first" || entries[1].Identity.Name != "second" {
		t.Fatalf("equal-support providers reordered: %s, %s",
			entries[0].Identity.Name, entries[1].Identity.Name)
	}
}

func TestBuildRegistryExcludesUnsupportedAndFailedProbes(t *testing.T) {
	ok := newFakeProvider("ok", SupportGeneric)
	none := newFakeProvider("none", SupportNone)
	broken := newFakeProvider("broken", SupportMainstream)
	broken.probeErr = errors.New("ipmi unreachable")

	reg := mustRegistry(t, none, broken, ok)

	if len(reg.Providers()) != 1 {
		t.Fatalf("expected 1 active provider, got %d", len(reg.Providers()))
	}
	if reg.Providers()[0].Identity.Name != "ok" {
		t.Fatalf("wrong survivor: %s", reg.Providers()[0].Identity.Name)
	}
}

func TestBuildRegistryNoSurvivorsIsFatal(t *testing.T) {
	none := newFakeProvider("none", SupportNone)

	_, err := BuildRegistry(context.Background(), []Provider{none}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for empty registry")
	}
	if CodeOf(err) != CodeNoProviders {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeNoProviders)
	}
}

func TestBuildRegistryProbesEachProviderOnce(t *testing.T) {
	p := newFakeProvider("p", SupportGeneric)
	reg := mustRegistry(t, p)

	// Dispatching must not trigger re-probing.
	p.on("noop", func(ctx context.Context, params Params) (any, error) {
		return nil, nil
	})
	d := NewDispatcher(reg, zerolog.Nop(), nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(context.Background(), "noop", nil); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if p.probes != 1 {
		t.Fatalf("EvaluateSupport called %d times, want 1", p.probes)
	}
}

func TestFingerprintSortedByName(t *testing.T) {
	b := newFakeProvider("bravo", SupportServiceProvider)
	a := newFakeProvider("alpha", SupportGeneric)

	reg := mustRegistry(t, b, a)

	fp := reg.Fingerprint()
	if fp[0].Name != "alpha" || fp[1].Name != "bravo" {
		t.Fatalf("fingerprint not sorted by name: %v", fp)
	}
}

func TestFingerprintEqual(t *testing.T) {
	fp := Fingerprint{{Name: "a", Version: "1"}, {Name: "b", Version: "2"}}
	same := Fingerprint{{Name: "a", Version: "1"}, {Name: "b", Version: "2"}}
	bumped := Fingerprint{{Name: "a", Version: "1"}, {Name: "b", Version: "3"}}
	shorter := Fingerprint{{Name: "a", Version: "1"}}

	if !fp.Equal(same) {
		t.Error("identical fingerprints reported unequal")
	}
	if fp.Equal(bumped) {
		t.Error("version bump not detected")
	}
	if fp.Equal(shorter) {
		t.Error("length change not detected")
	}
}

func TestRegistryVersions(t *testing.T) {
	p := newFakeProvider("p", SupportGeneric)
	p.id.Version = "2.3"
	reg := mustRegistry(t, p)

	versions := reg.Versions()
	if versions["p"] != "2.3" {
		t.Fatalf("versions = %v", versions)
	}
}

func TestRegistryOperationInfoPrefersHigherSupport(t *testing.T) {
	low := newFakeProvider("low", SupportGeneric)
	low.ops["erase"] = Operation{Handler: nilHandler}
	high := newFakeProvider("high", SupportMainstream)
	high.ops["erase"] = Operation{Handler: nilHandler, Async: true, Destructive: true}

	reg := mustRegistry(t, low, high)

	op, ok := reg.OperationInfo("erase")
	if !ok {
		t.Fatal("operation not found")
	}
	if !op.Async || !op.Destructive {
		t.Fatal("metadata taken from lower-support provider")
	}
	if _, ok := reg.OperationInfo("missing"); ok {
		t.Fatal("unknown operation reported present")
	}
}

func nilHandler(ctx context.Context, params Params) (any, error) {
	return nil, nil
}

func TestSupportLevelString(t *testing.T) {
	cases := map[SupportLevel]string{
		SupportNone:            "none",
		SupportGeneric:         "generic",
		SupportMainstream:      "mainstream",
		SupportServiceProvider: "service_provider",
		SupportLevel(9):        fmt.Sprintf("unknown(%d)", 9),
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("SupportLevel(%d).String() = %q, want %q", level, got, want)
		}
	}
}
