package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/listeners"
	"github.com/artpar/stackup/internal/shell/docker"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Engine
// =============================================================================

type mockContainer struct {
	spec    docker.ContainerSpec
	running bool
}

type mockEngine struct {
	docker.Client // Embed interface for default implementations

	mu         sync.Mutex
	host       string
	seq        int
	containers map[string]*mockContainer     // id -> container
	networks   map[string]docker.NetworkSpec // id -> spec
	calls      []string

	createdContainers []docker.ContainerSpec
	createdNetworks   []docker.NetworkSpec

	createErr     map[string]error // by container name
	startErrImage map[string]error // by image reference
	networkErr    error
	dropPorts     bool
	images        map[string]bool
	pulled        []string

	// honourContext fails every call on a done context, like the Docker SDK.
	honourContext bool
	// beforeCreate runs ahead of CreateContainer without the lock held.
	beforeCreate func(name string)
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		host:          "docker.test",
		containers:    make(map[string]*mockContainer),
		networks:      make(map[string]docker.NetworkSpec),
		createErr:     make(map[string]error),
		startErrImage: make(map[string]error),
		images:        make(map[string]bool),
	}
}

func (m *mockEngine) Host() string { return m.host }

func (m *mockEngine) ctxErr(ctx context.Context) error {
	if m.honourContext {
		return ctx.Err()
	}
	return nil
}

func (m *mockEngine) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	if m.beforeCreate != nil {
		m.beforeCreate(spec.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create:"+spec.Name)
	if err := m.ctxErr(ctx); err != nil {
		return "", err
	}
	if err := m.createErr[spec.Name]; err != nil {
		return "", docker.NewDockerError("CreateContainer", "container", spec.Name, err.Error(), err)
	}
	m.seq++
	id := fmt.Sprintf("container%012d", m.seq)
	m.containers[id] = &mockContainer{spec: spec}
	m.createdContainers = append(m.createdContainers, spec)
	return id, nil
}

func (m *mockEngine) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "start:"+id)
	if err := m.ctxErr(ctx); err != nil {
		return err
	}
	c, ok := m.containers[id]
	if !ok {
		return docker.NewDockerError("StartContainer", "container", id, "container not found", docker.ErrContainerNotFound)
	}
	if err := m.startErrImage[c.spec.Image]; err != nil {
		return docker.NewDockerError("StartContainer", "container", id, err.Error(), err)
	}
	c.running = true
	return nil
}

func (m *mockEngine) StopContainer(ctx context.Context, id string, timeout *time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "stop:"+id)
	if err := m.ctxErr(ctx); err != nil {
		return err
	}
	c, ok := m.containers[id]
	if !ok {
		return docker.NewDockerError("StopContainer", "container", id, "container not found", docker.ErrContainerNotFound)
	}
	if !c.running {
		return docker.NewDockerError("StopContainer", "container", id, "container is not running", docker.ErrContainerNotRunning)
	}
	c.running = false
	return nil
}

func (m *mockEngine) RemoveContainer(ctx context.Context, id string, opts docker.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "remove:"+id)
	if err := m.ctxErr(ctx); err != nil {
		return err
	}
	if _, ok := m.containers[id]; !ok {
		return docker.NewDockerError("RemoveContainer", "container", id, "container not found", docker.ErrContainerNotFound)
	}
	delete(m.containers, id)
	return nil
}

func (m *mockEngine) InspectContainer(ctx context.Context, id string) (*docker.ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, docker.NewDockerError("InspectContainer", "container", id, "container not found", docker.ErrContainerNotFound)
	}
	info := &docker.ContainerInfo{
		ID:          id,
		Name:        c.spec.Name,
		NetworkMode: c.spec.NetworkMode,
	}
	if !m.dropPorts {
		info.Ports = c.spec.Ports
	}
	return info, nil
}

func (m *mockEngine) CreateNetwork(ctx context.Context, spec docker.NetworkSpec) (docker.NetworkHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create-network:"+spec.Name)
	if err := m.ctxErr(ctx); err != nil {
		return docker.NetworkHandle{}, err
	}
	if m.networkErr != nil {
		return docker.NetworkHandle{}, docker.NewDockerError("CreateNetwork", "network", spec.Name, m.networkErr.Error(), m.networkErr)
	}
	m.seq++
	id := fmt.Sprintf("network%012d", m.seq)
	m.networks[id] = spec
	m.createdNetworks = append(m.createdNetworks, spec)
	return docker.NetworkHandle{ID: id, Name: spec.Name}, nil
}

func (m *mockEngine) RemoveNetwork(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "remove-network:"+id)
	if err := m.ctxErr(ctx); err != nil {
		return err
	}
	spec, ok := m.networks[id]
	if !ok {
		return docker.NewDockerError("RemoveNetwork", "network", id, "network not found", docker.ErrNetworkNotFound)
	}
	for _, c := range m.containers {
		if c.spec.NetworkMode == spec.Name {
			return docker.NewDockerError("RemoveNetwork", "network", id, "network has active endpoints", docker.ErrNetworkInUse)
		}
	}
	delete(m.networks, id)
	return nil
}

func (m *mockEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images[ref], nil
}

func (m *mockEngine) PullImage(ctx context.Context, ref string, opts docker.PullOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, ref)
	m.images[ref] = true
	return nil
}

func (m *mockEngine) Ping(ctx context.Context) error { return nil }
func (m *mockEngine) Close() error                   { return nil }

func (m *mockEngine) liveContainers() []docker.ContainerSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]docker.ContainerSpec, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *mockEngine) liveNetworks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.networks)
}

func (m *mockEngine) networkCreates() []docker.NetworkSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]docker.NetworkSpec(nil), m.createdNetworks...)
}

func (m *mockEngine) containerCreates() []docker.ContainerSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]docker.ContainerSpec(nil), m.createdContainers...)
}

// =============================================================================
// Mock Collaborators
// =============================================================================

// mockPorts issues sequential ports from base.
type mockPorts struct {
	mu       sync.Mutex
	next     int
	issued   map[int]bool
	failFrom int // fail the Nth and later Acquire calls; 0 never fails
	calls    int
}

func newMockPorts(base int) *mockPorts {
	return &mockPorts{next: base, issued: make(map[int]bool)}
}

func (p *mockPorts) Acquire(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failFrom > 0 && p.calls >= p.failFrom {
		return 0, fmt.Errorf("no free port found after 10 attempts")
	}
	port := p.next
	p.next++
	p.issued[port] = true
	return port, nil
}

func (p *mockPorts) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.issued, port)
}

func (p *mockPorts) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.issued)
}

// sequentialIDs yields id-1, id-2, ...
type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "id-" + strconv.Itoa(s.n)
}

// =============================================================================
// Test Helpers
// =============================================================================

const (
	testOwnerImage = "broker-test"
	testDepImage   = "coordinator-test"
	testDepPortKey = "COORDINATOR_PORT"
)

func testProfile() Profile {
	return Profile{
		Listeners:     listeners.KafkaDefaults(),
		ListenersKey:  "KAFKA_LISTENERS",
		AdvertisedKey: "KAFKA_ADVERTISED_LISTENERS",
		ConnectKey:    "KAFKA_ZOOKEEPER_CONNECT",
		NewDependency: func(name string, port int) *domain.Descriptor {
			return domain.NewDescriptor(testDepImage, "").
				WithName(name).
				WithEnv(testDepPortKey, strconv.Itoa(port))
		},
	}
}

type fixture struct {
	engine *mockEngine
	ports  *mockPorts
	runner *Runner
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := newMockEngine()
	ports := newMockPorts(40000)
	runner, err := NewRunner(RunnerConfig{
		Engine:      engine,
		Ports:       ports,
		Identifiers: &sequentialIDs{},
		Logger:      setupTestLogger(),
		StopTimeout: time.Second,
		Session:     "test-session",
	})
	require.NoError(t, err)
	orch, err := NewOrchestrator(runner, testProfile())
	require.NoError(t, err)
	return &fixture{engine: engine, ports: ports, runner: runner, orch: orch}
}

func ownerDescriptor(name string) *domain.Descriptor {
	return domain.NewDescriptor(testOwnerImage, "").
		WithName(name).
		WithExposedPorts(9093)
}

// setupTestLogger creates a logger for tests that discards output
func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
