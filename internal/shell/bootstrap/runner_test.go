package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(RunnerConfig{Ports: newMockPorts(1)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewRunner(RunnerConfig{Engine: newMockEngine()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewRunner_Defaults(t *testing.T) {
	r, err := NewRunner(RunnerConfig{Engine: newMockEngine(), Ports: newMockPorts(1)})
	require.NoError(t, err)

	assert.NotEmpty(t, r.Session())
	assert.NotNil(t, r.Registry())
	assert.Equal(t, defaultStopTimeout, r.stopTimeout)
}

// =============================================================================
// Start Tests
// =============================================================================

func TestRunner_Start_Plain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := domain.NewDescriptor("alpine", "3.20").
		WithName("plain").
		WithEnv("FOO", "bar").
		WithExposedPorts(8080, 9090)

	started, err := f.runner.Start(ctx, d, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StateRunning, d.State())
	assert.Equal(t, "plain", started.Name())
	assert.Equal(t, "docker.test", started.Host())
	assert.Same(t, d, started.Descriptor())
	assert.Empty(t, started.Auxiliary())

	p8080, err := started.MappedPort(8080)
	require.NoError(t, err)
	p9090, err := started.MappedPort(9090)
	require.NoError(t, err)
	assert.NotEqual(t, p8080, p9090)

	_, err = started.MappedPort(1234)
	assert.ErrorIs(t, err, domain.ErrPortNotBound)

	specs := f.engine.containerCreates()
	require.Len(t, specs, 1)
	spec := specs[0]
	assert.Equal(t, "alpine:3.20", spec.Image)
	assert.Equal(t, "bar", spec.Env["FOO"])
	assert.Equal(t, "true", spec.Labels[docker.LabelManaged])
	assert.Equal(t, "test-session", spec.Labels[docker.LabelSession])
	assert.Empty(t, spec.NetworkMode)
	assert.Len(t, spec.Ports, 2)
	assert.Empty(t, f.engine.networkCreates())

	require.NoError(t, started.Stop(ctx))
	assert.Equal(t, domain.StateStopped, d.State())
	assert.Empty(t, f.engine.liveContainers())
	assert.Zero(t, f.ports.outstanding())
}

func TestRunner_Start_AssignsName(t *testing.T) {
	f := newFixture(t)

	d := domain.NewDescriptor("alpine", "")
	started, err := f.runner.Start(context.Background(), d, nil)
	require.NoError(t, err)

	assert.Equal(t, "id-1", d.Name())
	assert.Equal(t, "id-1", f.engine.containerCreates()[0].Name)
	require.NoError(t, started.Stop(context.Background()))
}

func TestRunner_Start_InvalidDescriptor(t *testing.T) {
	f := newFixture(t)

	d := domain.NewDescriptor("", "")
	_, err := f.runner.Start(context.Background(), d, nil)

	var bErr *BootstrapError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, StepValidate, bErr.Step)
	assert.ErrorIs(t, err, domain.ErrMissingImage)
	assert.Empty(t, f.engine.containerCreates())
}

func TestRunner_Start_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := domain.NewDescriptor("alpine", "").WithName("once")
	started, err := f.runner.Start(ctx, d, nil)
	require.NoError(t, err)
	defer started.Stop(ctx)

	_, err = f.runner.Start(ctx, d, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Len(t, f.engine.containerCreates(), 1)
}

func TestRunner_Start_AllocationFailure(t *testing.T) {
	f := newFixture(t)
	f.ports.failFrom = 2

	d := domain.NewDescriptor("alpine", "").WithName("ports").WithExposedPorts(1, 2, 3)
	_, err := f.runner.Start(context.Background(), d, nil)

	var bErr *BootstrapError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, StepReserve, bErr.Step)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, domain.StateFailed, d.State())
	assert.Zero(t, f.ports.outstanding(), "the port acquired before the failure is released")
	assert.Empty(t, f.engine.containerCreates())
}

func TestRunner_Start_HookReceivesBoundPorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen domain.BoundPorts
	hook := PreCreateFunc(func(ctx context.Context, key string, owner *domain.Descriptor, bound domain.BoundPorts) error {
		seen = bound
		assert.Equal(t, domain.StatePreCreating, owner.State())
		return owner.SetLaunchEnv("HOOK", "ran")
	})

	d := domain.NewDescriptor("alpine", "").WithName("hooked").WithExposedPorts(9093)
	started, err := f.runner.Start(ctx, d, hook)
	require.NoError(t, err)
	defer started.Stop(ctx)

	host, err := seen.Lookup(9093)
	require.NoError(t, err)
	mapped, err := started.MappedPort(9093)
	require.NoError(t, err)
	assert.Equal(t, host, mapped)
	assert.Equal(t, "ran", f.engine.containerCreates()[0].Env["HOOK"])
}

func TestRunner_Start_HookFailure(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("hook exploded")

	hook := PreCreateFunc(func(context.Context, string, *domain.Descriptor, domain.BoundPorts) error {
		return cause
	})

	d := domain.NewDescriptor("alpine", "").WithName("hooked").WithExposedPorts(9093)
	_, err := f.runner.Start(context.Background(), d, hook)

	var bErr *BootstrapError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, StepDependency, bErr.Step)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, domain.StateFailed, d.State())
	assert.Zero(t, f.ports.outstanding())
	assert.Empty(t, f.engine.containerCreates())
}

func TestRunner_Start_CreateFailure(t *testing.T) {
	f := newFixture(t)
	f.engine.createErr["broken"] = errors.New("no such image")

	d := domain.NewDescriptor("alpine", "").WithName("broken").WithExposedPorts(80)
	_, err := f.runner.Start(context.Background(), d, nil)

	var bErr *BootstrapError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, StepCreate, bErr.Step)
	assert.ErrorIs(t, err, ErrContainerCreate)
	assert.Equal(t, domain.StateFailed, d.State())
	assert.Zero(t, f.ports.outstanding())
}

func TestRunner_Start_StartFailureRemovesContainer(t *testing.T) {
	f := newFixture(t)
	f.engine.startErrImage["alpine:latest"] = docker.ErrPortAlreadyAllocated

	d := domain.NewDescriptor("alpine", "").WithName("conflict").WithExposedPorts(80)
	_, err := f.runner.Start(context.Background(), d, nil)

	var bErr *BootstrapError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, StepStart, bErr.Step)
	assert.ErrorIs(t, err, ErrContainerStart)
	assert.ErrorIs(t, err, docker.ErrPortAlreadyAllocated)
	assert.Equal(t, domain.StateFailed, d.State())
	assert.Empty(t, f.engine.liveContainers())
	assert.Zero(t, f.ports.outstanding())
}

func TestRunner_Start_PortMismatch(t *testing.T) {
	f := newFixture(t)
	f.engine.dropPorts = true

	d := domain.NewDescriptor("alpine", "").WithName("unpublished").WithExposedPorts(80)
	_, err := f.runner.Start(context.Background(), d, nil)

	var bErr *BootstrapError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, StepVerify, bErr.Step)
	assert.ErrorIs(t, err, ErrPortMismatch)
	assert.Empty(t, f.engine.liveContainers())
}

func TestRunner_Start_PullsMissingImage(t *testing.T) {
	engine := newMockEngine()
	engine.images["present:latest"] = true
	r, err := NewRunner(RunnerConfig{
		Engine:     engine,
		Ports:      newMockPorts(40000),
		Logger:     setupTestLogger(),
		PullImages: true,
		Session:    "s",
	})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := r.Start(ctx, domain.NewDescriptor("present", "").WithName("present-image"), nil)
	require.NoError(t, err)
	b, err := r.Start(ctx, domain.NewDescriptor("missing", "1.0").WithName("missing-image"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"missing:1.0"}, engine.pulled)
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, b.Stop(ctx))
}

// =============================================================================
// Stop Tests
// =============================================================================

func TestStarted_Stop_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.runner.Start(ctx, domain.NewDescriptor("alpine", "").WithName("twice"), nil)
	require.NoError(t, err)

	require.NoError(t, started.Stop(ctx))
	require.NoError(t, started.Stop(ctx))
	assert.Equal(t, domain.StateStopped, started.Descriptor().State())
}

func TestStarted_Stop_ContainerAlreadyGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.runner.Start(ctx, domain.NewDescriptor("alpine", "").WithName("gone"), nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.RemoveContainer(ctx, started.ID(), docker.RemoveOptions{Force: true}))

	assert.NoError(t, started.Stop(ctx))
	assert.Equal(t, domain.StateStopped, started.Descriptor().State())
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
}
