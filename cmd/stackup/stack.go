package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/modules/kafka"
	"github.com/artpar/stackup/internal/shell/bootstrap"
	"github.com/artpar/stackup/internal/shell/docker"
	"github.com/artpar/stackup/internal/shell/portalloc"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitDockerError = 3
	ExitStartError  = 4
)

// =============================================================================
// Stack
// =============================================================================

// Stack is the set of configured services started by one stackup run.
type Stack struct {
	config *Config
	docker docker.Client
	runner *bootstrap.Runner
	logger *slog.Logger

	mu      sync.Mutex
	brokers []*kafka.Container
}

// NewStack connects to Docker and prepares a stack for cfg.
func NewStack(cfg *Config, logger *slog.Logger) (*Stack, error) {
	d, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		return nil, &StackError{Op: "NewStack", Err: err, ExitCode: ExitDockerError}
	}

	// Verify Docker connection
	if err := d.Ping(context.Background()); err != nil {
		d.Close()
		return nil, &StackError{Op: "NewStack", Err: err, ExitCode: ExitDockerError}
	}

	s, err := newStack(cfg, d, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func newStack(cfg *Config, d docker.Client, logger *slog.Logger) (*Stack, error) {
	ports, err := portalloc.New(portalloc.Config{
		Range:       portalloc.Range{Start: cfg.Ports.RangeStart, End: cfg.Ports.RangeEnd},
		MaxAttempts: cfg.Ports.MaxAttempts,
	})
	if err != nil {
		return nil, &StackError{Op: "NewStack", Err: err, ExitCode: ExitConfigError}
	}
	return newStackWithPorts(cfg, d, ports, logger)
}

func newStackWithPorts(cfg *Config, d docker.Client, ports bootstrap.PortAllocator, logger *slog.Logger) (*Stack, error) {
	runner, err := bootstrap.NewRunner(bootstrap.RunnerConfig{
		Engine:      d,
		Ports:       ports,
		Logger:      logger,
		StopTimeout: cfg.StopTimeout,
		PullImages:  cfg.PullImages,
	})
	if err != nil {
		return nil, &StackError{Op: "NewStack", Err: err, ExitCode: ExitConfigError}
	}

	return &Stack{
		config: cfg,
		docker: d,
		runner: runner,
		logger: logger,
	}, nil
}

// Up starts every configured service concurrently. If any service fails,
// the ones that did start are stopped again and the first error is returned.
func (s *Stack) Up(ctx context.Context) error {
	brokers := make([]*kafka.Container, len(s.config.Services))

	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range s.config.Services {
		g.Go(func() error {
			broker, err := kafka.Start(gctx, s.runner, serviceOptions(svc)...)
			if err != nil {
				return fmt.Errorf("services[%d]: %w", i, err)
			}
			brokers[i] = broker
			return nil
		})
	}
	err := g.Wait()

	s.mu.Lock()
	for _, b := range brokers {
		if b != nil {
			s.brokers = append(s.brokers, b)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("stack failed to start", "error", err)
		s.Down(context.Background())
		return &StackError{Op: "Up", Err: err, ExitCode: ExitStartError}
	}

	s.logger.Info("stack started", "services", len(brokers), "session", s.runner.Session())
	return nil
}

func serviceOptions(svc ServiceConfig) []kafka.Option {
	opts := []kafka.Option{kafka.WithImage(svc.Image, svc.Tag)}
	if svc.Name != "" {
		opts = append(opts, kafka.WithHost(svc.Name))
	}
	if svc.ZooKeeper.External() {
		opts = append(opts, kafka.WithZooKeeper(svc.ZooKeeper.Host, svc.ZooKeeper.Port))
	}
	if svc.NetworkMode != "" {
		opts = append(opts, kafka.WithNetworkMode(svc.NetworkMode))
	}
	for k, v := range svc.Env {
		opts = append(opts, kafka.WithEnv(k, v))
	}
	return opts
}

// Down stops every started service and anything still registered.
func (s *Stack) Down(ctx context.Context) {
	s.mu.Lock()
	brokers := s.brokers
	s.brokers = nil
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range brokers {
		wg.Add(1)
		go func(b *kafka.Container) {
			defer wg.Done()
			if err := b.Stop(ctx); err != nil {
				s.logger.Warn("failed to stop service", "owner", b.Name(), "error", err)
			}
		}(b)
	}
	wg.Wait()

	s.runner.Registry().ReleaseEverything(ctx)
	s.logger.Info("stack stopped", "services", len(brokers))
}

// Run starts the stack, writes the manifest, and blocks until a shutdown
// signal or ctx is cancelled, then stops the stack.
func (s *Stack) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.Up(ctx); err != nil {
		return err
	}

	if err := s.writeManifest(); err != nil {
		s.Down(context.Background())
		return &StackError{Op: "Run", Err: err, ExitCode: ExitStartError}
	}

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	s.Down(context.Background())
	return nil
}

// Close releases the Docker client.
func (s *Stack) Close() error {
	return s.docker.Close()
}

// =============================================================================
// Manifest
// =============================================================================

// Manifest describes a started stack.
type Manifest struct {
	Session  string            `yaml:"session"`
	Host     string            `yaml:"host"`
	Services []ServiceManifest `yaml:"services"`
}

// ServiceManifest describes one started service.
type ServiceManifest struct {
	Name             string            `yaml:"name"`
	Kind             string            `yaml:"kind"`
	ContainerID      string            `yaml:"container_id"`
	BootstrapServers string            `yaml:"bootstrap_servers"`
	InternalAddress  string            `yaml:"internal_address"`
	ZooKeeperConnect string            `yaml:"zookeeper_connect"`
	Listeners        []ListenerRecord  `yaml:"advertised_listeners"`
	Network          string            `yaml:"network,omitempty"`
	Auxiliary        []AuxiliaryRecord `yaml:"auxiliary,omitempty"`
}

// ListenerRecord is one advertised broker listener.
type ListenerRecord struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// AuxiliaryRecord is a resource created on a service's behalf.
type AuxiliaryRecord struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	ID   string `yaml:"id,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// Manifest returns the manifest of the started services.
func (s *Stack) Manifest() (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Manifest{Session: s.runner.Session(), Host: s.docker.Host()}
	for _, b := range s.brokers {
		servers, err := b.BootstrapServers()
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest %s: %w", b.Name(), err)
		}
		advertised, err := b.AdvertisedListeners()
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest %s: %w", b.Name(), err)
		}
		entry := ServiceManifest{
			Name:             b.Name(),
			Kind:             KindKafka,
			ContainerID:      b.ID(),
			BootstrapServers: servers,
			InternalAddress:  b.InternalAddress(),
			ZooKeeperConnect: b.ZooKeeperConnect(),
			Network:          b.Descriptor().NetworkMode(),
		}
		for _, l := range advertised {
			entry.Listeners = append(entry.Listeners, ListenerRecord{
				Name:    l.Name,
				Address: domain.JoinHostPort(l.Host, l.Port),
			})
		}
		for _, e := range b.Auxiliary() {
			entry.Auxiliary = append(entry.Auxiliary, AuxiliaryRecord{
				Kind: string(e.Kind),
				Name: e.Name,
				ID:   e.ID,
				Port: e.Port,
			})
		}
		m.Services = append(m.Services, entry)
	}
	return m, nil
}

// EncodeManifest writes m as YAML.
func EncodeManifest(w io.Writer, m Manifest) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	return enc.Close()
}

func (s *Stack) writeManifest() error {
	m, err := s.Manifest()
	if err != nil {
		return err
	}

	path := s.config.Manifest.Path
	if path == "" {
		return EncodeManifest(os.Stdout, m)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if err := EncodeManifest(f, m); err != nil {
		f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	s.logger.Info("wrote manifest", "path", path)
	return nil
}

// =============================================================================
// Stack Error
// =============================================================================

// StackError represents an error during a stackup run.
type StackError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *StackError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// exitCode maps err to a process exit code.
func exitCode(err error) int {
	var sErr *StackError
	if errors.As(err, &sErr) {
		return sErr.ExitCode
	}
	return ExitConfigError
}
