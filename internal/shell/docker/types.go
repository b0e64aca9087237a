// Package docker provides a Docker client for container lifecycle management.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Labels      map[string]string
	Ports       []PortBinding
	NetworkMode string // network name; "" for the engine default
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerInfo is what the bootstrap reads back from an inspected container.
type ContainerInfo struct {
	ID          string
	Name        string
	NetworkMode string
	Ports       []PortBinding
}

// HostPort returns the host port published for containerPort, or 0.
func (c ContainerInfo) HostPort(containerPort int) int {
	for _, p := range c.Ports {
		if p.ContainerPort == containerPort && p.HostPort != 0 {
			return p.HostPort
		}
	}
	return 0
}

// =============================================================================
// Network Types
// =============================================================================

// NetworkSpec defines the specification for creating a network.
type NetworkSpec struct {
	Name   string
	Driver string // "bridge", "overlay", etc.
	Labels map[string]string
}

// NetworkHandle identifies a created network.
type NetworkHandle struct {
	ID   string
	Name string
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)

	// Network operations
	CreateNetwork(ctx context.Context, spec NetworkSpec) (NetworkHandle, error)
	RemoveNetwork(ctx context.Context, networkID string) error

	// Image operations
	PullImage(ctx context.Context, image string, opts PullOptions) error
	ImageExists(ctx context.Context, image string) (bool, error)

	// Host returns the address under which published ports are reachable.
	Host() string

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "com.stackup.managed"
	LabelSession = "com.stackup.session"
	LabelOwner   = "com.stackup.owner"
	LabelRole    = "com.stackup.role"
)
