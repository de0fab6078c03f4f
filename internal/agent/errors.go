package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

// ConfigError is returned by New for a structurally invalid config.
type ConfigError = models.InvalidConfigError

// InitError wraps a failure of the initialization hook or client factory.
type InitError struct {
	Agent string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("agent %s: initialization failed: %v", e.Agent, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// ExecutionError wraps a non-timeout failure of the task hook.
type ExecutionError struct {
	Agent string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent %s: execution failed: %v", e.Agent, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports that the task hook outlived the configured timeout.
type TimeoutError struct {
	Agent   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s: execution timed out after %s", e.Agent, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// CleanupError wraps a failure of the cleanup hook.
type CleanupError struct {
	Agent string
	Err   error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("agent %s: cleanup failed: %v", e.Agent, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// PanicError is the cause recorded when a hook panics.
type PanicError struct {
	Phase string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s hook: %v", e.Phase, e.Value)
}
