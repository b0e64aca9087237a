package domain

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrPortNotBound is returned when an internal port has no host binding.
var ErrPortNotBound = errors.New("port not bound")

// PortNotBoundError names the internal port that was looked up.
type PortNotBoundError struct {
	Port int
}

func (e *PortNotBoundError) Error() string {
	return fmt.Sprintf("internal port %d: %s", e.Port, ErrPortNotBound)
}

func (e *PortNotBoundError) Unwrap() error {
	return ErrPortNotBound
}

// BoundPorts maps a container's declared internal ports to the host ports
// the engine bound them to. It is read-only once built.
type BoundPorts struct {
	bindings map[int]int
}

// NewBoundPorts copies bindings (internal port -> host port).
func NewBoundPorts(bindings map[int]int) BoundPorts {
	return BoundPorts{bindings: maps.Clone(bindings)}
}

// Lookup returns the host port bound to internalPort.
func (b BoundPorts) Lookup(internalPort int) (int, error) {
	hostPort, ok := b.bindings[internalPort]
	if !ok {
		return 0, &PortNotBoundError{Port: internalPort}
	}
	return hostPort, nil
}

// InternalPorts returns the bound internal ports in ascending order.
func (b BoundPorts) InternalPorts() []int {
	return slices.Sorted(maps.Keys(b.bindings))
}

// Len returns the number of bindings.
func (b BoundPorts) Len() int {
	return len(b.bindings)
}
