package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/docker"
	"github.com/artpar/stackup/internal/shell/lifecycle"
)

// =============================================================================
// Collaborators
// =============================================================================

// PortAllocator issues host ports.
type PortAllocator interface {
	Acquire(ctx context.Context) (int, error)
	Release(port int)
}

// PreCreateHook runs after host ports are reserved and before the engine
// creates the container. It may finalize owner through its Set* methods.
// Resources it creates are registered under key, which is unique to this
// bootstrap attempt even when two descriptors share a name.
type PreCreateHook interface {
	PreCreate(ctx context.Context, key string, owner *domain.Descriptor, bound domain.BoundPorts) error
}

// PreCreateFunc adapts a function to PreCreateHook.
type PreCreateFunc func(ctx context.Context, key string, owner *domain.Descriptor, bound domain.BoundPorts) error

func (f PreCreateFunc) PreCreate(ctx context.Context, key string, owner *domain.Descriptor, bound domain.BoundPorts) error {
	return f(ctx, key, owner, bound)
}

// =============================================================================
// Runner
// =============================================================================

const defaultStopTimeout = 10 * time.Second

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Engine      docker.Client
	Ports       PortAllocator
	Identifiers domain.IdentifierGenerator // defaults to domain.RandomIdentifiers
	Logger      *slog.Logger
	StopTimeout time.Duration // defaults to 10s
	PullImages  bool          // pull images that are missing locally
	Session     string        // label value for every created resource; generated if empty
}

// Runner creates, starts and stops containers described by descriptors.
// A Runner is safe for concurrent use by independent descriptors; a single
// descriptor must not be started from two goroutines.
type Runner struct {
	engine      docker.Client
	ports       PortAllocator
	ids         domain.IdentifierGenerator
	registry    *lifecycle.Registry
	logger      *slog.Logger
	stopTimeout time.Duration
	pullImages  bool
	session     string

	attempts atomic.Uint64
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%w: engine is required", ErrInvalidConfig)
	}
	if cfg.Ports == nil {
		return nil, fmt.Errorf("%w: port allocator is required", ErrInvalidConfig)
	}
	if cfg.Identifiers == nil {
		cfg.Identifiers = domain.RandomIdentifiers{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Session == "" {
		cfg.Session = cfg.Identifiers.Next()
	}

	registry := lifecycle.NewRegistry(cfg.Engine, cfg.Logger, cfg.StopTimeout)
	registry.UsePorts(cfg.Ports)

	return &Runner{
		engine:      cfg.Engine,
		ports:       cfg.Ports,
		ids:         cfg.Identifiers,
		registry:    registry,
		logger:      cfg.Logger,
		stopTimeout: cfg.StopTimeout,
		pullImages:  cfg.PullImages,
		session:     cfg.Session,
	}, nil
}

// Registry returns the registry holding auxiliary resources per owner.
func (r *Runner) Registry() *lifecycle.Registry { return r.registry }

// Session returns the session label value.
func (r *Runner) Session() string { return r.session }

// Start bootstraps d: it reserves a host port per exposed port, runs hook
// (which may be nil), then creates and starts the container. On any failure
// everything created for d is released before the error is returned.
func (r *Runner) Start(ctx context.Context, d *domain.Descriptor, hook PreCreateHook) (*Started, error) {
	if err := d.Validate(); err != nil {
		return nil, newBootstrapError(StepValidate, d.Name(), "", err)
	}
	if d.Name() == "" {
		d.WithName(r.ids.Next())
	}
	owner := d.Name()
	if err := d.Transition(domain.StatePreCreating); err != nil {
		return nil, newBootstrapError(StepValidate, owner, "", err)
	}
	key := r.ownerKey(owner)

	log := r.logger.With("owner", owner, "key", key, "image", d.ImageRef())
	log.Info("bootstrapping container")

	bound, hostPorts, err := r.reservePorts(ctx, d)
	if err != nil {
		r.fail(ctx, d, key, hostPorts, "")
		return nil, newBootstrapError(StepReserve, owner, "", fmt.Errorf("%w: %w", ErrAllocation, err))
	}

	if hook != nil {
		if err := hook.PreCreate(ctx, key, d, bound); err != nil {
			r.fail(ctx, d, key, hostPorts, "")
			var bErr *BootstrapError
			if errors.As(err, &bErr) {
				return nil, err
			}
			return nil, newBootstrapError(StepDependency, owner, "", err)
		}
	}

	if err := r.ensureImage(ctx, d.ImageRef()); err != nil {
		r.fail(ctx, d, key, hostPorts, "")
		return nil, newBootstrapError(StepImage, owner, d.ImageRef(), err)
	}

	containerID, err := r.engine.CreateContainer(ctx, r.containerSpec(d, bound))
	if err != nil {
		r.fail(ctx, d, key, hostPorts, "")
		return nil, newBootstrapError(StepCreate, owner, d.ImageRef(), fmt.Errorf("%w: %w", ErrContainerCreate, err))
	}
	if err := d.Transition(domain.StateCreated); err != nil {
		r.fail(ctx, d, key, hostPorts, containerID)
		return nil, newBootstrapError(StepCreate, owner, containerID, err)
	}
	log.Debug("created container", "container_id", shortID(containerID))

	if err := r.engine.StartContainer(ctx, containerID); err != nil && !errors.Is(err, docker.ErrContainerAlreadyRunning) {
		r.fail(ctx, d, key, hostPorts, containerID)
		return nil, newBootstrapError(StepStart, owner, containerID, fmt.Errorf("%w: %w", ErrContainerStart, err))
	}

	if err := r.verifyPorts(ctx, containerID, bound); err != nil {
		r.fail(ctx, d, key, hostPorts, containerID)
		return nil, newBootstrapError(StepVerify, owner, containerID, err)
	}

	if err := d.Transition(domain.StateRunning); err != nil {
		r.fail(ctx, d, key, hostPorts, containerID)
		return nil, newBootstrapError(StepStart, owner, containerID, err)
	}

	log.Info("container running",
		"container_id", shortID(containerID),
		"network", d.NetworkMode(),
		"auxiliary", len(r.registry.Entries(key)),
	)

	return &Started{
		runner:     r,
		key:        key,
		descriptor: d,
		id:         containerID,
		bound:      bound,
		hostPorts:  hostPorts,
	}, nil
}

func (r *Runner) reservePorts(ctx context.Context, d *domain.Descriptor) (domain.BoundPorts, []int, error) {
	exposed := d.ExposedPorts()
	bindings := make(map[int]int, len(exposed))
	hostPorts := make([]int, 0, len(exposed))

	for _, internal := range exposed {
		hostPort, err := r.ports.Acquire(ctx)
		if err != nil {
			return domain.BoundPorts{}, hostPorts, fmt.Errorf("internal port %d: %w", internal, err)
		}
		bindings[internal] = hostPort
		hostPorts = append(hostPorts, hostPort)
	}

	return domain.NewBoundPorts(bindings), hostPorts, nil
}

func (r *Runner) ensureImage(ctx context.Context, ref string) error {
	if !r.pullImages {
		return nil
	}
	exists, err := r.engine.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	r.logger.Info("pulling image", "image", ref)
	if err := r.engine.PullImage(ctx, ref, docker.PullOptions{}); err != nil {
		r.logger.Warn("failed to pull image, trying anyway", "image", ref, "error", err)
	}
	return nil
}

func (r *Runner) containerSpec(d *domain.Descriptor, bound domain.BoundPorts) docker.ContainerSpec {
	labels := d.Labels()
	labels[docker.LabelManaged] = "true"
	labels[docker.LabelSession] = r.session

	spec := docker.ContainerSpec{
		Name:        d.Name(),
		Image:       d.ImageRef(),
		Command:     d.Command(),
		Env:         d.Env(),
		Labels:      labels,
		NetworkMode: d.NetworkMode(),
	}
	for _, internal := range bound.InternalPorts() {
		hostPort, _ := bound.Lookup(internal)
		spec.Ports = append(spec.Ports, docker.PortBinding{
			ContainerPort: internal,
			HostPort:      hostPort,
			Protocol:      "tcp",
		})
	}
	return spec
}

// verifyPorts checks the engine published every reserved binding.
func (r *Runner) verifyPorts(ctx context.Context, containerID string, bound domain.BoundPorts) error {
	if bound.Len() == 0 {
		return nil
	}
	info, err := r.engine.InspectContainer(ctx, containerID)
	if err != nil {
		return err
	}
	for _, internal := range bound.InternalPorts() {
		want, _ := bound.Lookup(internal)
		if got := info.HostPort(internal); got != want {
			return fmt.Errorf("%w: internal %d want host %d got %d", ErrPortMismatch, internal, want, got)
		}
	}
	return nil
}

// ownerKey returns the registry key for one bootstrap of the container
// named name.
func (r *Runner) ownerKey(name string) string {
	return name + "#" + strconv.FormatUint(r.attempts.Add(1), 10)
}

// fail releases everything created under key during a failed Start. It runs
// even when ctx is already done.
func (r *Runner) fail(ctx context.Context, d *domain.Descriptor, key string, hostPorts []int, containerID string) {
	ctx = context.WithoutCancel(ctx)
	owner := d.Name()
	if containerID != "" {
		r.removeContainer(ctx, owner, containerID)
	}
	r.registry.ReleaseAll(ctx, key)
	for _, p := range hostPorts {
		r.ports.Release(p)
	}
	if err := d.Transition(domain.StateFailed); err != nil {
		r.logger.Debug("descriptor not moved to failed", "owner", owner, "state", d.State())
	}
}

func (r *Runner) removeContainer(ctx context.Context, owner, containerID string) {
	timeout := r.stopTimeout
	if err := r.engine.StopContainer(ctx, containerID, &timeout); err != nil && !docker.IsGone(err) {
		r.logger.Debug("stop failed, forcing removal", "owner", owner, "container_id", shortID(containerID), "error", err)
	}
	if err := r.engine.RemoveContainer(ctx, containerID, docker.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !docker.IsGone(err) {
		r.logger.Warn("failed to remove container", "owner", owner, "container_id", shortID(containerID), "error", err)
	}
}

// =============================================================================
// Started Container
// =============================================================================

// Started is a running container created by a Runner.
type Started struct {
	runner     *Runner
	key        string
	descriptor *domain.Descriptor
	id         string
	bound      domain.BoundPorts
	hostPorts  []int

	stopOnce sync.Once
}

// ID returns the engine container ID.
func (s *Started) ID() string { return s.id }

// Key returns the registry key the container's auxiliary resources are
// registered under.
func (s *Started) Key() string { return s.key }

// Name returns the container name, which is also its in-network hostname.
func (s *Started) Name() string { return s.descriptor.Name() }

// Host returns the host under which mapped ports are reachable.
func (s *Started) Host() string { return s.runner.engine.Host() }

// Descriptor returns the frozen descriptor.
func (s *Started) Descriptor() *domain.Descriptor { return s.descriptor }

// MappedPort returns the host port bound to internalPort.
func (s *Started) MappedPort(internalPort int) (int, error) {
	return s.bound.Lookup(internalPort)
}

// Auxiliary returns the resources registered for this container.
func (s *Started) Auxiliary() []lifecycle.Entry {
	return s.runner.registry.Entries(s.key)
}

// Stop stops and removes the container, then releases its auxiliary
// resources. Teardown failures are logged, not returned; Stop only fails
// when called on a descriptor in an unexpected state. Repeated calls are
// no-ops.
func (s *Started) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		d := s.descriptor
		if tErr := d.Transition(domain.StateStopping); tErr != nil {
			err = fmt.Errorf("stop %s: %w: %w", d.Name(), ErrInvalidLifecycle, tErr)
			return
		}
		s.runner.logger.Info("stopping container", "owner", d.Name(), "container_id", shortID(s.id))

		ctx := context.WithoutCancel(ctx)
		s.runner.removeContainer(ctx, d.Name(), s.id)
		s.runner.registry.ReleaseAll(ctx, s.key)
		for _, p := range s.hostPorts {
			s.runner.ports.Release(p)
		}

		if tErr := d.Transition(domain.StateStopped); tErr != nil {
			err = fmt.Errorf("stop %s: %w: %w", d.Name(), ErrInvalidLifecycle, tErr)
		}
	})
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
