// Package decompile runs the external decompiler for one artifact and
// reconciles the tool's cache into the artifact's output directory.
package decompile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"apkforge/internal/artifact"
	"apkforge/internal/logging"
	"apkforge/internal/tactile"
)

// ErrIO marks filesystem failures while preparing the output directory.
var ErrIO = errors.New("io error")

// Config describes the decompiler invocation.
type Config struct {
	Binary           string
	Args             []string
	Timeout          time.Duration
	WorkingDirectory string

	// OutputsRoot holds one output directory per artifact id.
	OutputsRoot string

	// CacheDir is reconciled into the output dir after a successful run.
	CacheDir string

	// Token derives {token} from the original filename.
	Token func(logicalName string) string
}

// Stage runs decompilation. It is safe for concurrent use on different ids.
type Stage struct {
	exec  tactile.Executor
	store *artifact.Store
	cfg   Config
}

// NewStage creates a decompilation stage.
func NewStage(exec tactile.Executor, store *artifact.Store, cfg Config) *Stage {
	return &Stage{exec: exec, store: store, cfg: cfg}
}

// OutputDir is the deterministic output location for an artifact id.
func (s *Stage) OutputDir(id string) string {
	return filepath.Join(s.cfg.OutputsRoot, id)
}

// Decompile moves the artifact through Decompiling to Decompiled.
//
// The artifact must be in Uploaded; otherwise the transition error is
// returned and nothing else happens. A spawn error or failed tool run marks
// the artifact Failed and is returned. Cache reconciliation never fails the
// stage.
func (s *Stage) Decompile(ctx context.Context, id string) (artifact.Artifact, error) {
	timer := logging.StartTimer(logging.CategoryDecompile, "Decompile")
	defer timer.Stop()

	a, err := s.store.Advance(id, artifact.StateDecompiling, artifact.Fields{})
	if err != nil {
		return artifact.Artifact{}, err
	}
	log := logging.Get(logging.CategoryDecompile).With("artifact", id)

	outputDir := s.OutputDir(id)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		err = fmt.Errorf("%w: create output dir: %w", ErrIO, err)
		s.fail(id, err.Error())
		return artifact.Artifact{}, err
	}

	cmd := s.command(a, outputDir)
	log.Info("Running decompiler: %s", cmd.CommandString())

	result, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		s.fail(id, err.Error())
		return artifact.Artifact{}, err
	}
	if !result.Succeeded() {
		reason := tactile.FailureReason(result)
		log.Warn("Decompiler failed (exit=%d, timedOut=%v): %s", result.ExitCode, result.TimedOut, strings.TrimSpace(reason))
		s.fail(id, reason)
		return artifact.Artifact{}, &tactile.ToolFailureError{Tool: "decompiler", Result: result}
	}

	Reconcile(ctx, s.cfg.CacheDir, outputDir)

	a, err = s.store.Advance(id, artifact.StateDecompiled, artifact.Fields{OutputDir: outputDir})
	if err != nil {
		return artifact.Artifact{}, err
	}
	log.Info("Decompiled into %s in %s", outputDir, result.Duration)
	return a, nil
}

func (s *Stage) fail(id, reason string) {
	if _, err := s.store.Fail(id, reason); err != nil {
		logging.DecompileWarn("Could not mark %s failed: %v", id, err)
	}
}

func (s *Stage) command(a artifact.Artifact, outputDir string) tactile.Command {
	token := ""
	if s.cfg.Token != nil {
		token = s.cfg.Token(a.OriginalFilename)
	}
	replacer := strings.NewReplacer(
		"{input}", a.UploadPath,
		"{output}", outputDir,
		"{token}", token,
	)
	args := make([]string, len(s.cfg.Args))
	for i, arg := range s.cfg.Args {
		args[i] = replacer.Replace(arg)
	}
	return tactile.Command{
		Binary:           s.cfg.Binary,
		Arguments:        args,
		WorkingDirectory: s.cfg.WorkingDirectory,
		Timeout:          s.cfg.Timeout,
		RequestID:        a.ID,
	}
}
