package tactile

import (
	"context"
	"errors"
	"fmt"
)

// Executor is the interface for command execution.
// All executor implementations must satisfy this interface.
type Executor interface {
	// Execute runs a command and returns its result. A non-zero exit code or a
	// timeout is reported in the result with a nil error; the error is reserved
	// for invocations that never started (see SpawnError).
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	// Validate checks if a command can be executed by this executor.
	// Returns nil if valid, or an error explaining why not.
	Validate(cmd Command) error
}

// AuditedExecutorInterface wraps an executor to provide audit event generation.
type AuditedExecutorInterface interface {
	Executor

	// SetAuditCallback sets the callback for audit events.
	SetAuditCallback(callback func(AuditEvent))
}

// ErrSpawn marks errors where the external process could not be started.
var ErrSpawn = errors.New("spawn failed")

// SpawnError reports that a tool could not be started at all (missing
// executable, bad working directory, invalid command). It is distinct from a
// tool that ran and failed.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}
