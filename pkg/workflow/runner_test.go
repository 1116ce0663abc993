package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrack/metalagent/pkg/command"
	"github.com/openrack/metalagent/pkg/hardware"
)

// stepProvider declares scripted steps and operations for runner tests.
type stepProvider struct {
	name  string
	ops   map[string]hardware.Operation
	steps map[hardware.StepCategory][]hardware.StepDescriptor
	calls map[string]int
}

func newStepProvider(name string) *stepProvider {
	return &stepProvider{
		name:  name,
		ops:   make(map[string]hardware.Operation),
		steps: make(map[hardware.StepCategory][]hardware.StepDescriptor),
		calls: make(map[string]int),
	}
}

func (p *stepProvider) step(d hardware.StepDescriptor, async bool, fn hardware.OperationFunc) *stepProvider {
	p.steps[d.Category] = append(p.steps[d.Category], d)
	p.ops[d.Step] = hardware.Operation{
		Async: async,
		Handler: func(ctx context.Context, params hardware.Params) (any, error) {
			p.calls[d.Step]++
			return fn(ctx, params)
		},
	}
	return p
}

func (p *stepProvider) Identity() hardware.Identity {
	return hardware.Identity{Name: p.name, Version: "1.0"}
}

func (p *stepProvider) EvaluateSupport(ctx context.Context) (hardware.SupportLevel, error) {
	return hardware.SupportGeneric, nil
}

func (p *stepProvider) Operations() map[string]hardware.Operation { return p.ops }

func (p *stepProvider) Steps(category hardware.StepCategory) []hardware.StepDescriptor {
	return p.steps[category]
}

func newRunner(t *testing.T, provider hardware.Provider, opts ...Option) *Runner {
	t.Helper()
	reg, err := hardware.BuildRegistry(context.Background(),
		[]hardware.Provider{provider}, zerolog.Nop())
	require.NoError(t, err)
	d := hardware.NewDispatcher(reg, zerolog.Nop(), nil, nil)
	e := command.NewExecutor(d, zerolog.Nop())
	return NewRunner(reg, e, zerolog.Nop(), opts...)
}

func succeedWith(result any) hardware.OperationFunc {
	return func(ctx context.Context, params hardware.Params) (any, error) {
		return result, nil
	}
}

func TestRunCompletesAllSteps(t *testing.T) {
	p := newStepProvider("p").
		step(hardware.StepDescriptor{
			Step: "erase_devices_metadata", Priority: 99, Category: hardware.CategoryClean,
		}, true, succeedWith("wiped")).
		step(hardware.StepDescriptor{
			Step: "update_firmware", Priority: 10, Category: hardware.CategoryClean,
		}, false, succeedWith("flashed"))

	r := newRunner(t, p)

	result, err := r.Run(context.Background(), hardware.CategoryClean, []hardware.StepRequest{
		{Name: "erase_devices_metadata"},
		{Name: "update_firmware"},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "erase_devices_metadata", result.Steps[0].Name)
	assert.Equal(t, command.StatusSucceeded, result.Steps[0].Status)
	assert.Equal(t, "wiped", result.Steps[0].Result)
	assert.Equal(t, "flashed", result.Steps[1].Result)
}

func TestRunRejectsUnknownCategory(t *testing.T) {
	r := newRunner(t, newStepProvider("p").step(hardware.StepDescriptor{
		Step: "noop", Category: hardware.CategoryClean,
	}, false, succeedWith(nil)))

	_, err := r.Run(context.Background(), hardware.StepCategory("rescue"), nil)
	assert.Equal(t, hardware.CodeInvalidStep, hardware.CodeOf(err))
}

func TestRunRejectsInvalidBatchBeforeExecuting(t *testing.T) {
	p := newStepProvider("p").step(hardware.StepDescriptor{
		Step: "erase", Priority: 10, Category: hardware.CategoryClean,
	}, false, succeedWith(nil))

	r := newRunner(t, p)

	_, err := r.Run(context.Background(), hardware.CategoryClean, []hardware.StepRequest{
		{Name: "erase"},
		{Name: "bogus_step"},
	})
	assert.Equal(t, hardware.CodeInvalidStep, hardware.CodeOf(err))
	assert.Zero(t, p.calls["erase"], "rejected batch must execute nothing")
}

func TestRunRejectsMissingRequiredArg(t *testing.T) {
	p := newStepProvider("p").step(hardware.StepDescriptor{
		Step: "write_image", Priority: 80, Category: hardware.CategoryDeploy,
		ArgsInfo: map[string]hardware.ArgInfo{
			"image_path": {Description: "image to write", Required: true},
		},
	}, true, succeedWith(nil))

	r := newRunner(t, p)

	_, err := r.Run(context.Background(), hardware.CategoryDeploy, []hardware.StepRequest{
		{Name: "write_image"},
	})
	assert.Equal(t, hardware.CodeInvalidStep, hardware.CodeOf(err))
}

func TestRunStepFailureAbortsRemainder(t *testing.T) {
	p := newStepProvider("p").
		step(hardware.StepDescriptor{
			Step: "first", Priority: 20, Category: hardware.CategoryClean,
		}, true, func(ctx context.Context, params hardware.Params) (any, error) {
			return nil, errors.New("controller reset mid-erase")
		}).
		step(hardware.StepDescriptor{
			Step: "second", Priority: 10, Category: hardware.CategoryClean,
		}, false, succeedWith(nil))

	r := newRunner(t, p)

	result, err := r.Run(context.Background(), hardware.CategoryClean, []hardware.StepRequest{
		{Name: "first"},
		{Name: "second"},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeStepFailed, result.Outcome)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, command.StatusFailed, result.Steps[0].Status)
	assert.Equal(t, hardware.CodeProviderFailed, result.Steps[0].ErrorCode)
	assert.Equal(t, hardware.CodeProviderFailed, result.ErrorCode)
	assert.Zero(t, p.calls["second"], "steps after a failure must not run")
}

func TestRunFingerprintDriftInvalidates(t *testing.T) {
	p := newStepProvider("p").
		step(hardware.StepDescriptor{
			Step: "first", Priority: 20, Category: hardware.CategoryClean,
		}, false, succeedWith("ok")).
		step(hardware.StepDescriptor{
			Step: "second", Priority: 10, Category: hardware.CategoryClean,
		}, false, succeedWith("ok"))

	// The provider set "changes" after the first step completes.
	fingerprints := []hardware.Fingerprint{
		{{Name: "p", Version: "1.0"}}, // baseline
		{{Name: "p", Version: "1.0"}}, // check before step 0
		{{Name: "p", Version: "2.0"}}, // check before step 1: drift
	}
	next := 0
	r := newRunner(t, p, WithFingerprintFunc(func() hardware.Fingerprint {
		fp := fingerprints[next]
		if next < len(fingerprints)-1 {
			next++
		}
		return fp
	}))

	result, err := r.Run(context.Background(), hardware.CategoryClean, []hardware.StepRequest{
		{Name: "first"},
		{Name: "second"},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeInvalidated, result.Outcome)
	assert.Equal(t, hardware.CodeVersionMismatch, result.ErrorCode)
	require.Len(t, result.Steps, 1, "only the pre-drift step ran")
	assert.Equal(t, command.StatusSucceeded, result.Steps[0].Status)
	assert.Zero(t, p.calls["second"])
}

func TestRunSurfacesRebootRequest(t *testing.T) {
	p := newStepProvider("p").
		step(hardware.StepDescriptor{
			Step: "flash_bios", Priority: 30, Category: hardware.CategoryClean,
			RebootRequested: true,
		}, false, succeedWith(nil)).
		step(hardware.StepDescriptor{
			Step: "verify", Priority: 10, Category: hardware.CategoryClean,
		}, false, succeedWith(nil))

	r := newRunner(t, p)

	result, err := r.Run(context.Background(), hardware.CategoryClean, []hardware.StepRequest{
		{Name: "flash_bios"},
		{Name: "verify"},
	})
	require.NoError(t, err)

	// The reboot request is reported to the controller; the agent itself
	// keeps going.
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[0].RebootRequested)
	assert.False(t, result.Steps[1].RebootRequested)
}

func TestRunStepArgsReachProvider(t *testing.T) {
	var got hardware.Params
	p := newStepProvider("p").step(hardware.StepDescriptor{
		Step: "write_image", Priority: 80, Category: hardware.CategoryDeploy,
		ArgsInfo: map[string]hardware.ArgInfo{
			"image_path": {Required: true},
		},
	}, true, func(ctx context.Context, params hardware.Params) (any, error) {
		got = params
		return nil, nil
	})

	r := newRunner(t, p)

	_, err := r.Run(context.Background(), hardware.CategoryDeploy, []hardware.StepRequest{
		{Name: "write_image", Args: hardware.Params{"image_path": "/images/base.img"}},
	})
	require.NoError(t, err)

	path, ok := got.String("image_path")
	require.True(t, ok)
	assert.Equal(t, "/images/base.img", path)
}

func TestRunEmptyBatchCompletes(t *testing.T) {
	r := newRunner(t, newStepProvider("p").step(hardware.StepDescriptor{
		Step: "noop", Category: hardware.CategoryClean,
	}, false, succeedWith(nil)))

	result, err := r.Run(context.Background(), hardware.CategoryClean, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Empty(t, result.Steps)
}
