// Package rebuild invokes the external build tool for a modified source file.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"apkforge/internal/logging"
	"apkforge/internal/tactile"
)

// ErrInvalidPath rejects source paths that are not absolute and clean.
var ErrInvalidPath = errors.New("invalid source path")

// Config describes the rebuild invocation.
type Config struct {
	Binary string

	// Args may use {path} (the source file) and {dir} (its directory).
	Args []string

	Timeout time.Duration

	// WorkingDirectory defaults to the source file's directory.
	WorkingDirectory string
}

// Stage runs the rebuild tool. It holds no artifact state.
type Stage struct {
	exec tactile.Executor
	cfg  Config
}

// NewStage creates a rebuild stage.
func NewStage(exec tactile.Executor, cfg Config) *Stage {
	return &Stage{exec: exec, cfg: cfg}
}

// ValidatePath checks that p can be handed to the rebuild tool.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	case strings.ContainsRune(p, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidPath)
	case !filepath.IsAbs(p):
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	case filepath.Clean(p) != p:
		return fmt.Errorf("%w: %q is not clean", ErrInvalidPath, p)
	}
	return nil
}

// Rebuild runs the build tool against sourcePath and returns its result.
// A non-zero exit is reported in the result, not as an error.
func (s *Stage) Rebuild(ctx context.Context, sourcePath string) (*tactile.ExecutionResult, error) {
	if err := ValidatePath(sourcePath); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryRebuild, "Rebuild")
	defer timer.Stop()

	cmd := s.command(sourcePath)
	logging.Rebuild("Running rebuild: %s", cmd.CommandString())

	result, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	logging.Rebuild("Rebuild of %s finished: exit=%d, timedOut=%v, duration=%s",
		sourcePath, result.ExitCode, result.TimedOut, result.Duration)
	return result, nil
}

func (s *Stage) command(sourcePath string) tactile.Command {
	dir := filepath.Dir(sourcePath)
	replacer := strings.NewReplacer("{path}", sourcePath, "{dir}", dir)

	args := make([]string, len(s.cfg.Args))
	for i, arg := range s.cfg.Args {
		args[i] = replacer.Replace(arg)
	}

	wd := s.cfg.WorkingDirectory
	if wd == "" {
		wd = dir
	}
	return tactile.Command{
		Binary:           s.cfg.Binary,
		Arguments:        args,
		WorkingDirectory: wd,
		Timeout:          s.cfg.Timeout,
	}
}
