package tactile

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolFailure marks a tool that ran but exited non-zero or was killed.
var ErrToolFailure = errors.New("tool failed")

// ToolFailureError carries the result of a failed invocation.
type ToolFailureError struct {
	Tool   string
	Result *ExecutionResult
}

func (e *ToolFailureError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Tool, FailureReason(e.Result))
}

func (e *ToolFailureError) Unwrap() error {
	return ErrToolFailure
}

// FailureReason is the human-readable reason recorded for a failed result:
// the captured stderr, verbatim, when there is any; otherwise a synthesized
// summary.
func FailureReason(r *ExecutionResult) string {
	if r == nil {
		return "no result"
	}
	if strings.TrimSpace(r.Stderr) != "" {
		return r.Stderr
	}
	switch {
	case r.TimedOut:
		timeout := r.Duration
		if r.Command != nil && r.Command.Timeout > 0 {
			timeout = r.Command.Timeout
		}
		return fmt.Sprintf("timed out after %s", timeout)
	case r.Killed:
		if r.KillReason != "" {
			return "killed: " + r.KillReason
		}
		return "killed"
	default:
		return fmt.Sprintf("exited with code %d", r.ExitCode)
	}
}
