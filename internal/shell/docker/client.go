// Package docker provides a Docker client for container lifecycle management.
package docker

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli  *client.Client
	host string
}

// NewDockerClient creates a client for host, or for the engine named by the
// DOCKER_* environment when host is empty. It does not contact the daemon;
// call Ping for that.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", err.Error(), ErrConnectionFailed)
	}
	return &DockerClient{cli: cli, host: engineHost(cli.DaemonHost())}, nil
}

// engineHost derives the host under which published ports are reachable
// from the daemon address. Local sockets publish on localhost.
func engineHost(daemonHost string) string {
	u, err := url.Parse(daemonHost)
	if err != nil {
		return "localhost"
	}
	switch u.Scheme {
	case "tcp", "http", "https":
		if h := u.Hostname(); h != "" {
			return h
		}
	}
	return "localhost"
}

// classify maps an SDK error for entity onto the package sentinels. Errors
// that match none of them are returned as the cause unchanged.
func classify(entity string, err error) (string, error) {
	msg := err.Error()
	switch {
	case cerrdefs.IsNotFound(err):
		if entity == "network" {
			return "network not found", ErrNetworkNotFound
		}
		if entity == "image" {
			return "image not found", ErrImageNotFound
		}
		return "container not found", ErrContainerNotFound
	case strings.Contains(msg, "has active endpoints"):
		return "network has active endpoints", ErrNetworkInUse
	case strings.Contains(msg, "is not running"):
		return "container is not running", ErrContainerNotRunning
	case strings.Contains(msg, "is already running"):
		return "container is already running", ErrContainerAlreadyRunning
	case strings.Contains(msg, "port is already allocated"), strings.Contains(msg, "address already in use"):
		return msg, ErrPortAlreadyAllocated
	case cerrdefs.IsConflict(err), cerrdefs.IsAlreadyExists(err):
		if entity == "network" {
			return "network already exists", ErrNetworkAlreadyExists
		}
		return "container already exists", ErrContainerAlreadyExists
	}
	return msg, err
}

func wrap(op, entity, id string, err error) error {
	msg, cause := classify(entity, err)
	return NewDockerError(op, entity, id, msg, cause)
}

// Host returns the address under which published ports are reachable.
func (d *DockerClient) Host() string {
	return d.host
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a container publishing each requested port.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Labels: spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, k+"="+v)
	}

	hostConfig := &container.HostConfig{NetworkMode: container.NetworkMode(spec.NetworkMode)}
	if len(spec.Ports) > 0 {
		config.ExposedPorts = nat.PortSet{}
		hostConfig.PortBindings = nat.PortMap{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
			if err != nil {
				return "", NewDockerError("CreateContainer", "container", spec.Name, err.Error(), err)
			}
			binding := nat.PortBinding{HostIP: p.HostIP}
			if p.HostPort != 0 {
				binding.HostPort = strconv.Itoa(p.HostPort)
			}
			config.ExposedPorts[port] = struct{}{}
			hostConfig.PortBindings[port] = []nat.PortBinding{binding}
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", wrap("CreateContainer", "container", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container. Port conflicts surface here,
// when the engine actually binds the host ports.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return wrap("StartContainer", "container", containerID, err)
	}
	return nil
}

// StopContainer stops a running container.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	var opts container.StopOptions
	if timeout != nil {
		seconds := int(timeout.Seconds())
		opts.Timeout = &seconds
	}
	if err := d.cli.ContainerStop(ctx, containerID, opts); err != nil {
		return wrap("StopContainer", "container", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		return wrap("RemoveContainer", "container", containerID, err)
	}
	return nil
}

// InspectContainer returns the container's name, network and published ports.
func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, wrap("InspectContainer", "container", containerID, err)
	}

	info := &ContainerInfo{ID: containerID}
	if base := resp.ContainerJSONBase; base != nil {
		info.ID = base.ID
		info.Name = strings.TrimPrefix(base.Name, "/")
		if base.HostConfig != nil {
			info.NetworkMode = string(base.HostConfig.NetworkMode)
		}
	}
	if resp.NetworkSettings != nil {
		info.Ports = publishedPorts(resp.NetworkSettings.Ports)
	}
	return info, nil
}

func publishedPorts(pm nat.PortMap) []PortBinding {
	var ports []PortBinding
	for port, bindings := range pm {
		for _, b := range bindings {
			hostPort, _ := strconv.Atoi(b.HostPort)
			ports = append(ports, PortBinding{
				ContainerPort: port.Int(),
				HostPort:      hostPort,
				Protocol:      port.Proto(),
				HostIP:        b.HostIP,
			})
		}
	}
	return ports
}

// =============================================================================
// Network Operations
// =============================================================================

// CreateNetwork creates a network, bridged unless spec names a driver.
func (d *DockerClient) CreateNetwork(ctx context.Context, spec NetworkSpec) (NetworkHandle, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}

	resp, err := d.cli.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return NetworkHandle{}, wrap("CreateNetwork", "network", spec.Name, err)
	}
	return NetworkHandle{ID: resp.ID, Name: spec.Name}, nil
}

// RemoveNetwork removes a network.
func (d *DockerClient) RemoveNetwork(ctx context.Context, networkID string) error {
	if err := d.cli.NetworkRemove(ctx, networkID); err != nil {
		return wrap("RemoveNetwork", "network", networkID, err)
	}
	return nil
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls ref and waits for the pull to finish.
func (d *DockerClient) PullImage(ctx context.Context, ref string, opts PullOptions) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{Platform: opts.Platform})
	if err != nil {
		if cerrdefs.IsNotFound(err) || cerrdefs.IsUnauthorized(err) || strings.Contains(err.Error(), "pull access denied") {
			return NewDockerError("PullImage", "image", ref, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PullImage", "image", ref, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	// The pull runs as long as the progress stream is read.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewDockerError("PullImage", "image", ref, err.Error(), ErrImagePullFailed)
	}
	return nil
}

// ImageExists reports whether ref is present locally.
func (d *DockerClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := d.cli.ImageInspect(ctx, ref); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, wrap("ImageExists", "image", ref, err)
	}
	return true, nil
}
