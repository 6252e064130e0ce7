package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrContextNotFound   = errors.New("execution context not found")
	ErrCyclicWorkflow    = errors.New("workflow contains a cycle")
	ErrDependencyFailed  = errors.New("dependency failed")
	ErrDependencyTimeout = errors.New("timed out waiting for dependencies")
	ErrInvalidGraph      = errors.New("invalid workflow graph")
)

// ContextNotFoundError is returned by every coordinator operation on an
// execution id that was never initialized or has been cleaned up
type ContextNotFoundError struct {
	ExecutionID string
}

func (e *ContextNotFoundError) Error() string {
	return fmt.Sprintf("execution context not found: %s", e.ExecutionID)
}

func (e *ContextNotFoundError) Unwrap() error { return ErrContextNotFound }

// CycleError names one cycle found in the graph, first node repeated last
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow contains a cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicWorkflow }

// DependencyFailedError is returned when a node waits on a failed dependency
type DependencyFailedError struct {
	NodeID     string
	Dependency string
	Reason     string
}

func (e *DependencyFailedError) Error() string {
	msg := fmt.Sprintf("node %s: dependency %s failed", e.NodeID, e.Dependency)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *DependencyFailedError) Unwrap() error { return ErrDependencyFailed }

// DependencyTimeoutError is returned when dependencies are still unresolved
// after the wait timeout
type DependencyTimeoutError struct {
	NodeID  string
	Pending []string
	Timeout time.Duration
}

func (e *DependencyTimeoutError) Error() string {
	return fmt.Sprintf("node %s timed out after %s waiting for: %s", e.NodeID, e.Timeout, strings.Join(e.Pending, ", "))
}

func (e *DependencyTimeoutError) Unwrap() error { return ErrDependencyTimeout }
