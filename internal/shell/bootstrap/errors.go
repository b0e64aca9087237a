package bootstrap

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrAllocation       = errors.New("port allocation failed")
	ErrNetworkCreation  = errors.New("network creation failed")
	ErrDependencyStart  = errors.New("dependency start failed")
	ErrContainerCreate  = errors.New("container creation failed")
	ErrContainerStart   = errors.New("container start failed")
	ErrPortMismatch     = errors.New("engine did not publish the reserved port")
	ErrUnknownDepMode   = errors.New("unknown dependency mode")
	ErrInvalidConfig    = errors.New("invalid bootstrap configuration")
	ErrInvalidLifecycle = errors.New("invalid lifecycle operation")
)

// Step names the bootstrap step that failed.
type Step string

const (
	StepValidate   Step = "validate"
	StepReserve    Step = "reserve_ports"
	StepListeners  Step = "listeners"
	StepAllocate   Step = "allocate_dependency_port"
	StepNetwork    Step = "create_network"
	StepDependency Step = "start_dependency"
	StepImage      Step = "pull_image"
	StepCreate     Step = "create_container"
	StepStart      Step = "start_container"
	StepVerify     Step = "verify_ports"
)

// BootstrapError is the single terminal error of a failed bootstrap.
type BootstrapError struct {
	Step     Step
	Owner    string // name of the descriptor being bootstrapped
	Resource string // resource the step was working on, if any
	Err      error
}

func (e *BootstrapError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("bootstrap %s: %s %s: %v", e.Owner, e.Step, e.Resource, e.Err)
	}
	return fmt.Sprintf("bootstrap %s: %s: %v", e.Owner, e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

func newBootstrapError(step Step, owner, resource string, err error) *BootstrapError {
	return &BootstrapError{
		Step:     step,
		Owner:    owner,
		Resource: resource,
		Err:      err,
	}
}
