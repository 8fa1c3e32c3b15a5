package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"apkforge/internal/logging"
)

// DirectExecutor executes commands directly on the host using os/exec.
// Each invocation owns exactly one process handle; the timeout is the only
// thing that terminates it.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("Creating DirectExecutor: timeout=%s, maxTimeout=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.MaxTimeout, config.MaxOutputBytes)
	return &DirectExecutor{
		config: config,
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

// emitAudit emits an audit event if a callback is registered.
func (e *DirectExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Validate checks if a command can be executed.
func (e *DirectExecutor) Validate(cmd Command) error {
	if strings.TrimSpace(cmd.Binary) == "" {
		return fmt.Errorf("binary is required")
	}
	for _, arg := range cmd.Arguments {
		if strings.ContainsRune(arg, 0) {
			return fmt.Errorf("argument contains NUL byte")
		}
	}
	return nil
}

// Execute runs a command directly on the host.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryTactile, "Direct command execution")
	defer timer.Stop()

	if err := e.Validate(cmd); err != nil {
		logging.TactileWarn("Command validation failed: %s %v - %v", cmd.Binary, cmd.Arguments, err)
		return nil, &SpawnError{Binary: cmd.Binary, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	logging.Tactile("Executing command: %s (dir=%s, timeout=%s)", cmd.CommandString(), cmd.WorkingDirectory, cmd.Timeout)

	result := &ExecutionResult{
		ExitCode: -1,
		Command:  &cmd,
	}

	execCtx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cmd.Environment)
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error {
		return killProcessGroup(execCmd)
	}
	execCmd.WaitDelay = e.config.KillGrace

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: e.config.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: e.config.MaxOutputBytes}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	e.emitAudit(AuditEvent{
		Type:      AuditEventStart,
		Timestamp: time.Now(),
		Command:   cmd,
	})

	result.StartedAt = time.Now()
	if err := execCmd.Start(); err != nil {
		spawnErr := &SpawnError{Binary: cmd.Binary, Err: err}
		logging.TactileError("Command failed to start: %s - %v", cmd.Binary, err)
		e.emitAudit(AuditEvent{
			Type:      AuditEventError,
			Timestamp: time.Now(),
			Command:   cmd,
			Error:     spawnErr.Error(),
		})
		return nil, spawnErr
	}
	logging.TactileDebug("Started process %d: %s", execCmd.Process.Pid, cmd.Binary)

	// Wait reaps the process and, after KillGrace, closes pipes held open by
	// orphaned grandchildren, so every handle is released when it returns.
	waitErr := execCmd.Wait()

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.TactileWarn("Command output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case execCtx.Err() != nil:
		result.Killed = true
		if ctx.Err() == nil {
			result.TimedOut = true
			result.KillReason = fmt.Sprintf("timeout after %s", cmd.Timeout)
			logging.TactileWarn("Command killed (timeout): %s after %s", cmd.Binary, cmd.Timeout)
		} else {
			result.KillReason = "context canceled"
			logging.TactileDebug("Command canceled: %s", cmd.Binary)
		}
		e.emitAudit(AuditEvent{
			Type:      AuditEventKilled,
			Timestamp: time.Now(),
			Command:   cmd,
			Result:    result,
		})
		return result, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else if execCmd.ProcessState != nil {
			// ErrWaitDelay: the process exited but a descendant kept the pipes open.
			result.ExitCode = execCmd.ProcessState.ExitCode()
			logging.TactileWarn("Command %s left output pipes open: %v", cmd.Binary, waitErr)
		}
		logging.TactileDebug("Command exited: %s -> %d", cmd.Binary, result.ExitCode)
	}

	e.emitAudit(AuditEvent{
		Type:      AuditEventComplete,
		Timestamp: time.Now(),
		Command:   cmd,
		Result:    result,
	})

	logging.Tactile("Command completed: %s -> exit=%d, duration=%s, stdout=%d bytes, stderr=%d bytes",
		cmd.Binary, result.ExitCode, result.Duration, len(result.Stdout), len(result.Stderr))

	return result, nil
}

// buildEnvironment creates the environment variable list.
func (e *DirectExecutor) buildEnvironment(cmdEnv []string) []string {
	env := make([]string, 0, len(e.config.AllowedEnvironment)+len(cmdEnv))

	for _, key := range e.config.AllowedEnvironment {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}

	return append(env, cmdEnv...)
}

// limitedWriter is an io.Writer that limits total bytes written.
// A max of zero or less disables the limit.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.max <= 0 {
		written, err := lw.w.Write(p)
		lw.written += int64(written)
		return written, err
	}

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
