// Package tactile is the process-execution layer every pipeline stage shares.
// It spawns one external tool per call, enforces the call's timeout by killing
// the whole process group, captures stdout and stderr, and returns a structured
// result. A non-zero exit or a timeout is an ordinary result; only a failure to
// spawn the process is reported as an error.
package tactile

import (
	"strings"
	"time"
)

// Command represents one external-tool invocation.
// It is built per call and never reused.
type Command struct {
	// Binary is the executable to run (e.g., "jadx", "gradle").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the executor's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format).
	// These are merged with the executor's allowed environment.
	Environment []string `json:"environment,omitempty"`

	// Timeout bounds the wall-clock runtime. Zero means the executor default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RequestID correlates audit events and logs (usually the artifact id).
	RequestID string `json:"request_id,omitempty"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ExecutionResult is the outcome of one invocation.
type ExecutionResult struct {
	// ExitCode is the process exit code, or -1 when the process did not exit
	// on its own (timeout, cancellation).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Duration is the wall-clock time from start to reap.
	Duration time.Duration `json:"duration"`

	// StartedAt is when the process was started.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the process was reaped.
	FinishedAt time.Time `json:"finished_at"`

	// TimedOut is set when the command's timeout elapsed and the process was killed.
	TimedOut bool `json:"timed_out"`

	// Killed indicates the process was forcibly terminated (timeout or cancellation).
	Killed bool `json:"killed"`

	// KillReason explains why the command was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was truncated due to MaxOutputBytes.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// Command is a copy of the command that was executed (for audit).
	Command *Command `json:"command,omitempty"`
}

// Succeeded reports whether the process exited on its own with code 0.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && !r.Killed && r.ExitCode == 0
}

// Output returns stdout and stderr joined by a newline when both are present.
func (r *ExecutionResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent represents one execution lifecycle event.
type AuditEvent struct {
	Type      AuditEventType   `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Command   Command          `json:"command"`
	Result    *ExecutionResult `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values (0 = uncapped).
	MaxTimeout time.Duration `json:"max_timeout"`

	// KillGrace bounds how long Wait blocks on inherited pipes after the
	// process group has been killed.
	KillGrace time.Duration `json:"kill_grace"`

	// AllowedEnvironment lists host environment variables to pass through.
	AllowedEnvironment []string `json:"allowed_environment"`

	// MaxOutputBytes caps capture per stream; 0 captures everything.
	MaxOutputBytes int64 `json:"max_output_bytes"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:  "",
		DefaultTimeout:     10 * time.Minute,
		MaxTimeout:         time.Hour,
		KillGrace:          2 * time.Second,
		AllowedEnvironment: []string{"PATH", "HOME", "JAVA_HOME", "ANDROID_HOME", "ANDROID_SDK_ROOT", "USER", "LANG", "LC_ALL", "TMPDIR"},
	}
}

// Merge fills command fields left empty from config defaults.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd
	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}
	if result.Timeout <= 0 {
		result.Timeout = c.DefaultTimeout
	}
	if c.MaxTimeout > 0 && result.Timeout > c.MaxTimeout {
		result.Timeout = c.MaxTimeout
	}
	return result
}
