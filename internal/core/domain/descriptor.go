package domain

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
)

// =============================================================================
// Descriptor Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDescriptorFrozen  = errors.New("descriptor can no longer be modified")
	ErrInvalidPort       = errors.New("port out of range")
	ErrMissingImage      = errors.New("descriptor has no image")
)

// =============================================================================
// Service State
// =============================================================================

type ServiceState string

const (
	StateConfiguring ServiceState = "configuring"
	StatePreCreating ServiceState = "pre_creating"
	StateCreated     ServiceState = "created"
	StateRunning     ServiceState = "running"
	StateStopping    ServiceState = "stopping"
	StateStopped     ServiceState = "stopped"
	StateFailed      ServiceState = "failed"
)

// =============================================================================
// Dependency Mode
// =============================================================================

// Dependency selects how a descriptor's single dependency slot is satisfied.
// The only implementations are SelfProvisioned and ExternallySupplied.
type Dependency interface {
	isDependency()
}

// SelfProvisioned asks the orchestrator to start the dependency itself.
type SelfProvisioned struct{}

// ExternallySupplied points at a dependency the caller already runs.
type ExternallySupplied struct {
	Host string
	Port int
}

func (SelfProvisioned) isDependency()    {}
func (ExternallySupplied) isDependency() {}

// Address returns the dependency connection string in host:port form.
func (e ExternallySupplied) Address() string {
	return JoinHostPort(e.Host, e.Port)
}

// JoinHostPort formats a host and numeric port as a connection string.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ValidPort reports whether port is a usable TCP port number.
func ValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// =============================================================================
// Descriptor
// =============================================================================

// Descriptor is the launch description of a single requested container.
//
// With* setters are only honoured while the descriptor is Configuring. A
// setter called later records ErrDescriptorFrozen, which Err reports and the
// runner returns from the next lifecycle operation. Set* methods are reserved
// for the pre-creation hook and only work while PreCreating.
type Descriptor struct {
	image        string
	tag          string
	name         string
	command      []string
	env          map[string]string
	labels       map[string]string
	exposedPorts []int
	networkMode  string
	dependency   Dependency
	state        ServiceState
	err          error
}

// NewDescriptor creates a descriptor for image:tag in the Configuring state.
// An empty tag means "latest".
func NewDescriptor(image, tag string) *Descriptor {
	if tag == "" {
		tag = "latest"
	}
	return &Descriptor{
		image:      image,
		tag:        tag,
		env:        make(map[string]string),
		labels:     make(map[string]string),
		dependency: SelfProvisioned{},
		state:      StateConfiguring,
	}
}

func (d *Descriptor) Image() string       { return d.image }
func (d *Descriptor) Tag() string         { return d.tag }
func (d *Descriptor) Name() string        { return d.name }
func (d *Descriptor) NetworkMode() string { return d.networkMode }
func (d *Descriptor) State() ServiceState { return d.state }
func (d *Descriptor) Command() []string   { return slices.Clone(d.command) }
func (d *Descriptor) ExposedPorts() []int { return slices.Clone(d.exposedPorts) }

// Dependency returns the configured dependency mode.
func (d *Descriptor) Dependency() Dependency { return d.dependency }

// ImageRef returns the image reference in image:tag form.
func (d *Descriptor) ImageRef() string {
	return fmt.Sprintf("%s:%s", d.image, d.tag)
}

// Env returns a copy of the environment map.
func (d *Descriptor) Env() map[string]string { return maps.Clone(d.env) }

// Labels returns a copy of the label map.
func (d *Descriptor) Labels() map[string]string { return maps.Clone(d.labels) }

// Err returns the first configuration error recorded by a setter.
func (d *Descriptor) Err() error { return d.err }

func (d *Descriptor) configurable(op string) bool {
	if d.state == StateConfiguring {
		return true
	}
	if d.err == nil {
		d.err = fmt.Errorf("%s in state %s: %w", op, d.state, ErrDescriptorFrozen)
	}
	return false
}

// WithName sets the container name, which doubles as its in-network hostname.
func (d *Descriptor) WithName(name string) *Descriptor {
	if d.configurable("WithName") {
		d.name = name
	}
	return d
}

// WithEnv sets an environment variable.
func (d *Descriptor) WithEnv(key, value string) *Descriptor {
	if d.configurable("WithEnv") {
		d.env[key] = value
	}
	return d
}

// WithLabel sets a container label.
func (d *Descriptor) WithLabel(key, value string) *Descriptor {
	if d.configurable("WithLabel") {
		d.labels[key] = value
	}
	return d
}

// WithCommand overrides the image command.
func (d *Descriptor) WithCommand(cmd ...string) *Descriptor {
	if d.configurable("WithCommand") {
		d.command = slices.Clone(cmd)
	}
	return d
}

// WithExposedPorts declares internal ports to publish on the host.
func (d *Descriptor) WithExposedPorts(ports ...int) *Descriptor {
	if !d.configurable("WithExposedPorts") {
		return d
	}
	for _, p := range ports {
		if !ValidPort(p) {
			if d.err == nil {
				d.err = fmt.Errorf("exposed port %d: %w", p, ErrInvalidPort)
			}
			continue
		}
		if !slices.Contains(d.exposedPorts, p) {
			d.exposedPorts = append(d.exposedPorts, p)
		}
	}
	return d
}

// WithNetworkMode attaches the container to an existing network.
func (d *Descriptor) WithNetworkMode(mode string) *Descriptor {
	if d.configurable("WithNetworkMode") {
		d.networkMode = mode
	}
	return d
}

// WithExternalDependency points the dependency slot at host:port instead of
// provisioning a dependency container.
func (d *Descriptor) WithExternalDependency(host string, port int) *Descriptor {
	if !d.configurable("WithExternalDependency") {
		return d
	}
	if !ValidPort(port) {
		if d.err == nil {
			d.err = fmt.Errorf("dependency port %d: %w", port, ErrInvalidPort)
		}
		return d
	}
	d.dependency = ExternallySupplied{Host: host, Port: port}
	return d
}

// SetLaunchEnv writes a computed variable during pre-creation.
func (d *Descriptor) SetLaunchEnv(key, value string) error {
	if d.state != StatePreCreating {
		return fmt.Errorf("SetLaunchEnv in state %s: %w", d.state, ErrDescriptorFrozen)
	}
	d.env[key] = value
	return nil
}

// SetNetworkMode fixes the network during pre-creation.
func (d *Descriptor) SetNetworkMode(mode string) error {
	if d.state != StatePreCreating {
		return fmt.Errorf("SetNetworkMode in state %s: %w", d.state, ErrDescriptorFrozen)
	}
	d.networkMode = mode
	return nil
}

// Validate checks the descriptor is ready to leave Configuring.
func (d *Descriptor) Validate() error {
	if d.err != nil {
		return d.err
	}
	if d.image == "" {
		return ErrMissingImage
	}
	return checkName(d.name)
}

// Transition moves the descriptor to a new lifecycle state.
func (d *Descriptor) Transition(to ServiceState) error {
	if err := ValidateTransition(d.state, to); err != nil {
		return fmt.Errorf("%s -> %s: %w", d.state, to, err)
	}
	d.state = to
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

var validTransitions = map[ServiceState][]ServiceState{
	StateConfiguring: {StatePreCreating},
	StatePreCreating: {StateCreated, StateFailed},
	StateCreated:     {StateRunning, StateStopping, StateFailed},
	StateRunning:     {StateStopping},
	StateStopping:    {StateStopped},
	StateFailed:      {StateStopping},
	StateStopped:     {}, // Terminal state
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to ServiceState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	if slices.Contains(allowed, to) {
		return nil
	}
	return ErrInvalidTransition
}
