// Package portalloc hands out host ports that were free when probed.
//
// An Allocator remembers every port it issued and never issues one twice
// until it is released. It cannot see ports taken by other processes after
// the probe, so a later bind can still fail; that failure belongs to the
// container start that performs the bind.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoFreePort is returned when every probe attempt failed.
var ErrNoFreePort = errors.New("no free port found")

// AllocationError reports an exhausted allocation.
type AllocationError struct {
	Attempts int
	Range    Range
	LastErr  error
}

func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("%s after %d attempts", ErrNoFreePort, e.Attempts)
	if !e.Range.IsZero() {
		msg += fmt.Sprintf(" in range %d-%d", e.Range.Start, e.Range.End)
	}
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *AllocationError) Unwrap() error {
	return ErrNoFreePort
}

// Range defines an inclusive port range. The zero Range means "let the
// kernel pick an ephemeral port".
type Range struct {
	Start int
	End   int
}

// IsZero reports whether no range is configured.
func (r Range) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

// Size returns the number of ports in the range.
func (r Range) Size() int {
	if r.IsZero() || r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Config configures an Allocator.
type Config struct {
	Range       Range
	MaxAttempts int    // 0 means 10 for ephemeral ports, the range size otherwise
	Host        string // interface to probe on; "" means 127.0.0.1
}

// DefaultConfig returns an ephemeral-port configuration.
func DefaultConfig() Config {
	return Config{MaxAttempts: 10, Host: "127.0.0.1"}
}

// ProbeFunc binds host:port, releases it, and returns the bound port.
// Port 0 asks the kernel for any free port.
type ProbeFunc func(ctx context.Context, host string, port int) (int, error)

// Allocator issues host ports. It is safe for concurrent use.
type Allocator struct {
	cfg    Config
	probe  ProbeFunc
	mu     sync.Mutex
	issued map[int]struct{}
}

// New creates an allocator that probes by binding a TCP listener.
func New(cfg Config) (*Allocator, error) {
	return NewWithProbe(cfg, ListenProbe)
}

// NewWithProbe creates an allocator with a custom probe.
func NewWithProbe(cfg Config, probe ProbeFunc) (*Allocator, error) {
	if !cfg.Range.IsZero() {
		if cfg.Range.Start < 1 || cfg.Range.End > 65535 || cfg.Range.End < cfg.Range.Start {
			return nil, fmt.Errorf("invalid port range %d-%d", cfg.Range.Start, cfg.Range.End)
		}
	}
	if cfg.MaxAttempts <= 0 {
		if cfg.Range.IsZero() {
			cfg.MaxAttempts = 10
		} else {
			cfg.MaxAttempts = cfg.Range.Size()
		}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Allocator{
		cfg:    cfg,
		probe:  probe,
		issued: make(map[int]struct{}),
	}, nil
}

// Acquire returns a port not currently issued by this allocator.
func (a *Allocator) Acquire(ctx context.Context) (int, error) {
	var lastErr error
	attempts := 0

	for _, candidate := range a.candidates() {
		if attempts >= a.cfg.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		attempts++

		port, err := a.probe(ctx, a.cfg.Host, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if a.claim(port) {
			return port, nil
		}
	}

	return 0, &AllocationError{Attempts: attempts, Range: a.cfg.Range, LastErr: lastErr}
}

// candidates lists the ports to probe. In ephemeral mode every candidate
// is 0; in range mode it is the unissued ports in ascending order.
func (a *Allocator) candidates() []int {
	if a.cfg.Range.IsZero() {
		return make([]int, a.cfg.MaxAttempts)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, a.cfg.Range.Size())
	for p := a.cfg.Range.Start; p <= a.cfg.Range.End; p++ {
		if _, taken := a.issued[p]; !taken {
			out = append(out, p)
		}
	}
	return out
}

func (a *Allocator) claim(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.issued[port]; taken {
		return false
	}
	a.issued[port] = struct{}{}
	return true
}

// Release forgets an issued port so it can be handed out again.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.issued, port)
}

// Issued returns how many ports are currently issued.
func (a *Allocator) Issued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.issued)
}

// ListenProbe binds a TCP listener on host:port and closes it.
func ListenProbe(ctx context.Context, host string, port int) (int, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %v", ln.Addr())
	}
	return addr.Port, nil
}
