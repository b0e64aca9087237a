package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/listeners"
	"github.com/artpar/stackup/internal/shell/docker"
	"github.com/artpar/stackup/internal/shell/lifecycle"
)

// =============================================================================
// Profile
// =============================================================================

// Profile describes how a service type wires its listeners and dependency.
type Profile struct {
	Listeners     listeners.Config
	ListenersKey  string // env key receiving the bind listener list
	AdvertisedKey string // env key receiving the advertised listener list
	ConnectKey    string // env key receiving the dependency host:port

	// NewDependency builds the dependency descriptor for a self-provisioned
	// dependency named name and listening on port.
	NewDependency func(name string, port int) *domain.Descriptor
}

// Validate checks the profile is usable.
func (p Profile) Validate() error {
	switch {
	case p.ListenersKey == "" || p.AdvertisedKey == "" || p.ConnectKey == "":
		return fmt.Errorf("%w: profile env keys are required", ErrInvalidConfig)
	case p.NewDependency == nil:
		return fmt.Errorf("%w: profile has no dependency builder", ErrInvalidConfig)
	case !domain.ValidPort(p.Listeners.ExternalPort) || !domain.ValidPort(p.Listeners.InternalPort):
		return fmt.Errorf("%w: profile listener ports out of range", ErrInvalidConfig)
	}
	return nil
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator is the pre-creation hook for services with a dependency slot.
// It holds no per-descriptor state, so one Orchestrator may serve concurrent
// bootstraps of independent descriptors.
type Orchestrator struct {
	profile  Profile
	runner   *Runner
	engine   docker.Client
	ids      domain.IdentifierGenerator
	ports    PortAllocator
	registry *lifecycle.Registry
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator that provisions through runner.
func NewOrchestrator(runner *Runner, profile Profile) (*Orchestrator, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner is required", ErrInvalidConfig)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		profile:  profile,
		runner:   runner,
		engine:   runner.engine,
		ids:      runner.ids,
		ports:    runner.ports,
		registry: runner.registry,
		logger:   runner.logger,
	}, nil
}

// PreCreate finalizes owner's launch configuration.
//
// It writes the bind and advertised listeners, then resolves the dependency:
// an externally supplied one only yields a connect string; a self-provisioned
// one gets a fresh name and port, a network unless owner already has a
// network mode, and a started container. Everything created is registered
// under key. On failure everything registered under key is released before
// the error is returned.
func (o *Orchestrator) PreCreate(ctx context.Context, key string, owner *domain.Descriptor, bound domain.BoundPorts) error {
	name := owner.Name()

	plan, err := listeners.Plan(o.profile.Listeners, o.engine.Host(), name, bound)
	if err != nil {
		return o.fail(ctx, key, StepListeners, name, "", err)
	}
	if err := owner.SetLaunchEnv(o.profile.ListenersKey, plan.Bind); err != nil {
		return o.fail(ctx, key, StepListeners, name, "", err)
	}
	if err := owner.SetLaunchEnv(o.profile.AdvertisedKey, plan.Advertised); err != nil {
		return o.fail(ctx, key, StepListeners, name, "", err)
	}

	switch dep := owner.Dependency().(type) {
	case domain.ExternallySupplied:
		o.logger.Debug("using external dependency", "owner", name, "address", dep.Address())
		if err := owner.SetLaunchEnv(o.profile.ConnectKey, dep.Address()); err != nil {
			return o.fail(ctx, key, StepListeners, name, "", err)
		}
		return nil
	case domain.SelfProvisioned:
		return o.provision(ctx, key, owner)
	default:
		return o.fail(ctx, key, StepValidate, name, "", fmt.Errorf("%w: %T", ErrUnknownDepMode, dep))
	}
}

func (o *Orchestrator) provision(ctx context.Context, key string, owner *domain.Descriptor) error {
	name := owner.Name()

	depName := o.ids.Next()
	depPort, err := o.ports.Acquire(ctx)
	if err != nil {
		return o.fail(ctx, key, StepAllocate, name, depName, fmt.Errorf("%w: %w", ErrAllocation, err))
	}
	o.registry.Register(key, lifecycle.Entry{Kind: lifecycle.KindPort, Name: depName, Port: depPort})

	connect := domain.JoinHostPort(depName, depPort)
	if err := owner.SetLaunchEnv(o.profile.ConnectKey, connect); err != nil {
		return o.fail(ctx, key, StepAllocate, name, depName, err)
	}

	dep := o.profile.NewDependency(depName, depPort).
		WithLabel(docker.LabelOwner, name).
		WithLabel(docker.LabelRole, "dependency")

	if mode := owner.NetworkMode(); mode != "" {
		o.logger.Debug("reusing network", "owner", name, "network", mode)
		dep.WithNetworkMode(mode)
	} else {
		netName := o.ids.Next()
		handle, err := o.engine.CreateNetwork(ctx, docker.NetworkSpec{
			Name:   netName,
			Driver: "bridge",
			Labels: map[string]string{
				docker.LabelManaged: "true",
				docker.LabelSession: o.runner.session,
				docker.LabelOwner:   name,
			},
		})
		if err != nil {
			return o.fail(ctx, key, StepNetwork, name, netName, fmt.Errorf("%w: %w", ErrNetworkCreation, err))
		}
		o.registry.Register(key, lifecycle.Entry{Kind: lifecycle.KindNetwork, ID: handle.ID, Name: handle.Name})
		o.logger.Debug("created network", "owner", name, "network", handle.Name)

		if err := owner.SetNetworkMode(handle.Name); err != nil {
			return o.fail(ctx, key, StepNetwork, name, netName, err)
		}
		dep.WithNetworkMode(handle.Name)
	}

	started, err := o.runner.Start(ctx, dep, nil)
	if err != nil {
		return o.fail(ctx, key, StepDependency, name, depName, fmt.Errorf("%w: %w", ErrDependencyStart, err))
	}
	o.registry.Register(key, lifecycle.Entry{Kind: lifecycle.KindContainer, ID: started.ID(), Name: depName})

	o.logger.Info("dependency running",
		"owner", name,
		"dependency", depName,
		"connect", connect,
		"network", owner.NetworkMode(),
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, key string, step Step, owner, resource string, err error) error {
	o.registry.ReleaseAll(context.WithoutCancel(ctx), key)
	o.logger.Warn("bootstrap failed", "owner", owner, "key", key, "step", step, "resource", resource, "error", err)
	return newBootstrapError(step, owner, resource, err)
}
