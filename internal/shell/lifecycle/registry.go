// Package lifecycle tracks the auxiliary resources created on behalf of a
// service so they can be released together.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/artpar/stackup/internal/shell/docker"
)

// =============================================================================
// Entry Types
// =============================================================================

// Kind is the kind of a registered resource.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindContainer Kind = "container"
	KindPort      Kind = "port"
)

// Entry is one registered resource. Port is only set for KindPort entries.
type Entry struct {
	Kind Kind
	ID   string
	Name string
	Port int
}

// TeardownError describes a resource that could not be released. It is only
// ever logged.
type TeardownError struct {
	Owner string
	Entry Entry
	Err   error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("release %s %s (%s) for %s: %v", e.Entry.Kind, e.Entry.Name, e.Entry.ID, e.Owner, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// Engine is the part of the engine client the registry releases through.
type Engine interface {
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts docker.RemoveOptions) error
	RemoveNetwork(ctx context.Context, networkID string) error
}

// PortReleaser returns host ports to their allocator.
type PortReleaser interface {
	Release(port int)
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds entries per owner identifier. It is safe for concurrent use;
// entries of different owners never mix.
type Registry struct {
	engine      Engine
	logger      *slog.Logger
	stopTimeout time.Duration
	ports       PortReleaser

	mu      sync.Mutex
	entries map[string][]Entry
}

// NewRegistry creates a registry that releases through engine.
func NewRegistry(engine Engine, logger *slog.Logger, stopTimeout time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Registry{
		engine:      engine,
		logger:      logger,
		stopTimeout: stopTimeout,
		entries:     make(map[string][]Entry),
	}
}

// UsePorts sets the allocator KindPort entries are returned to.
func (r *Registry) UsePorts(ports PortReleaser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = ports
}

// Register records entry under owner.
func (r *Registry) Register(owner string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[owner] = append(r.entries[owner], entry)

	r.logger.Debug("registered resource",
		"owner", owner,
		"kind", entry.Kind,
		"name", entry.Name,
		"id", entry.ID,
	)
}

// Entries returns a copy of the entries registered under owner.
func (r *Registry) Entries(owner string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries[owner])
}

// Owners returns every owner with registered entries.
func (r *Registry) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	owners := make([]string, 0, len(r.entries))
	for owner := range r.entries {
		owners = append(owners, owner)
	}
	slices.Sort(owners)
	return owners
}

// ReleaseAll releases every entry of owner in reverse registration order, so
// dependent containers go before the network they are attached to. Failures
// are logged and do not stop the remaining releases; entries that could not
// be released stay registered so a later call can retry them. Calling it
// again after a clean release is a no-op.
//
// Teardown ignores cancellation of ctx: a bootstrap that timed out still has
// to remove what it created.
func (r *Registry) ReleaseAll(ctx context.Context, owner string) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	entries := r.entries[owner]
	delete(r.entries, owner)
	ports := r.ports
	r.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	r.logger.Debug("releasing resources", "owner", owner, "count", len(entries))

	var kept []Entry
	for i := len(entries) - 1; i >= 0; i-- {
		if err := r.release(ctx, ports, entries[i]); err != nil {
			kept = append(kept, entries[i])
			tErr := &TeardownError{Owner: owner, Entry: entries[i], Err: err}
			r.logger.Warn("failed to release resource",
				"owner", owner,
				"kind", entries[i].Kind,
				"name", entries[i].Name,
				"error", tErr,
			)
		}
	}

	if len(kept) > 0 {
		slices.Reverse(kept)
		r.mu.Lock()
		r.entries[owner] = append(kept, r.entries[owner]...)
		r.mu.Unlock()
	}

	r.logger.Debug("released resources", "owner", owner, "released", len(entries)-len(kept), "failed", len(kept))
}

// ReleaseEverything releases the entries of every owner.
func (r *Registry) ReleaseEverything(ctx context.Context) {
	for _, owner := range r.Owners() {
		r.ReleaseAll(ctx, owner)
	}
}

func (r *Registry) release(ctx context.Context, ports PortReleaser, e Entry) error {
	switch e.Kind {
	case KindPort:
		if ports == nil {
			return fmt.Errorf("no port releaser for port %d", e.Port)
		}
		ports.Release(e.Port)
		return nil
	case KindContainer:
		timeout := r.stopTimeout
		stopErr := r.engine.StopContainer(ctx, e.ID, &timeout)
		if stopErr != nil && !docker.IsGone(stopErr) {
			r.logger.Debug("stop failed, forcing removal", "container_id", e.ID, "error", stopErr)
		}
		if err := r.engine.RemoveContainer(ctx, e.ID, docker.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !docker.IsGone(err) {
			return err
		}
		return nil
	case KindNetwork:
		if err := r.engine.RemoveNetwork(ctx, e.ID); err != nil && !docker.IsGone(err) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown resource kind %q", e.Kind)
	}
}
