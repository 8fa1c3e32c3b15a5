package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"apkforge/internal/artifact"
	"apkforge/internal/config"
	"apkforge/internal/feature"
	"apkforge/internal/locator"
	"apkforge/internal/tactile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Decompiler fake: $1 input, $2 output dir, $3 token.
const decompileOK = `mkdir -p "$2/$3-project/app/src/main/java/com/example" &&
printf 'public class MainActivity {}\n' > "$2/$3-project/app/src/main/java/com/example/MainActivity.java"`

type harness struct {
	p       *Pipeline
	cfg     *config.Config
	uploads string
	// rebuildLog receives the argument of every rebuild invocation.
	rebuildLog string
}

func script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newHarness(t *testing.T, decompileBody, rebuildBody string, tweak ...func(*config.Config)) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}

	h := &harness{
		uploads:    t.TempDir(),
		rebuildLog: filepath.Join(t.TempDir(), "rebuild.log"),
	}
	if rebuildBody == "" {
		rebuildBody = `echo "$1" >> "` + h.rebuildLog + `"`
	}

	cfg := config.DefaultConfig()
	cfg.Workspace.OutputsDir = t.TempDir()
	cfg.Decompiler.Binary = script(t, "decompile.sh", decompileBody)
	cfg.Decompiler.Args = []string{"{input}", "{output}", "{token}"}
	cfg.Decompiler.CacheDir = ""
	cfg.Decompiler.Timeout = "10s"
	cfg.Rebuild.Binary = script(t, "rebuild.sh", rebuildBody)
	cfg.Rebuild.Args = []string{"{path}"}
	cfg.Rebuild.Timeout = "10s"
	cfg.Execution.KillGrace = "200ms"
	for _, fn := range tweak {
		fn(cfg)
	}
	h.cfg = cfg

	comps, err := Build(cfg, artifact.NewStore())
	require.NoError(t, err)
	h.p = New(comps)
	t.Cleanup(h.p.Close)
	return h
}

func (h *harness) upload(t *testing.T, name string) artifact.Artifact {
	t.Helper()
	path := filepath.Join(h.uploads, name)
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04"), 0644))
	a, err := h.p.Intake(context.Background(), name, path, "")
	require.NoError(t, err)
	return a
}

func (h *harness) rebuildCalls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.rebuildLog)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

type countingLocator struct {
	inner sourceLocator
	calls atomic.Int32
}

func (c *countingLocator) Locate(outputDir, logicalName string) (string, error) {
	c.calls.Add(1)
	return c.inner.Locate(outputDir, logicalName)
}

func (c *countingLocator) Invalidate(outputDir string) { c.inner.Invalidate(outputDir) }

func TestScenarioA_EndToEnd(t *testing.T) {
	h := newHarness(t, decompileOK, "")
	ctx := context.Background()
	a := h.upload(t, "app.apk")
	assert.Equal(t, artifact.StateUploaded, a.State)

	a, err := h.p.Process(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateDecompiled, a.State)

	entries, err := os.ReadDir(a.OutputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "app")

	a, res, err := h.p.Inject(ctx, a.ID, feature.AppPermissions)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateFeatureInjected, a.State)
	assert.Equal(t, []string{feature.AppPermissions}, a.Features)
	assert.True(t, strings.HasSuffix(a.SourcePath, ".java"))
	assert.Equal(t, a.SourcePath, res.Path)

	tmpl, ok := h.p.Catalog().Lookup(feature.AppPermissions)
	require.True(t, ok)
	content, err := os.ReadFile(a.SourcePath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "public class MainActivity {}\n"))
	assert.True(t, strings.HasSuffix(string(content), tmpl.Body))

	a, err = h.p.Rebuild(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateRebuilt, a.State)
	assert.Equal(t, []string{a.SourcePath}, h.rebuildCalls(t))
}

func TestScenarioB_DecompilerFails(t *testing.T) {
	h := newHarness(t, `echo "jadx: input file is corrupt" >&2; exit 3`, "")
	spy := &countingLocator{inner: h.p.locator}
	h.p.locator = spy
	a := h.upload(t, "app.apk")

	_, err := h.p.Process(context.Background(), a.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, tactile.ErrToolFailure)

	a, err = h.p.Store().Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateFailed, a.State)
	assert.Equal(t, "jadx: input file is corrupt\n", a.FailureReason)
	assert.Zero(t, spy.calls.Load(), "locator must not run after a failed decompile")
}

func TestScenarioC_NoMatchingProject(t *testing.T) {
	h := newHarness(t, `mkdir -p "$2/unrelated/app/src/main/java" && touch "$2/unrelated/app/src/main/java/A.java"`, "")
	a := h.upload(t, "app.apk")

	_, err := h.p.Process(context.Background(), a.ID)
	assert.ErrorIs(t, err, locator.ErrNotFound)

	a, err = h.p.Store().Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateFailed, a.State)
	assert.Contains(t, a.FailureReason, "no project directory")
	assert.NotEmpty(t, a.OutputDir, "output dir was recorded before the locate step")
}

func TestInject_Rules(t *testing.T) {
	h := newHarness(t, decompileOK, "")
	ctx := context.Background()
	a := h.upload(t, "Calculator.apk")

	_, _, err := h.p.Inject(ctx, a.ID, feature.ToastMessage)
	assert.ErrorIs(t, err, artifact.ErrInvalidTransition, "cannot inject before decompile")

	_, err = h.p.Process(ctx, a.ID)
	require.NoError(t, err)

	_, _, err = h.p.Inject(ctx, a.ID, "Crypto miner")
	assert.ErrorIs(t, err, feature.ErrUnknownFeature)
	got, _ := h.p.Store().Get(a.ID)
	assert.Equal(t, artifact.StateDecompiled, got.State, "unknown feature changes nothing")

	first, _, err := h.p.Inject(ctx, a.ID, feature.ToastMessage)
	require.NoError(t, err)
	second, _, err := h.p.Inject(ctx, a.ID, feature.DeviceInfo)
	require.NoError(t, err)

	assert.Equal(t, first.SourcePath, second.SourcePath)
	assert.Equal(t, []string{feature.ToastMessage, feature.DeviceInfo}, second.Features)
	assert.Equal(t, artifact.StateFeatureInjected, second.State)

	_, _, err = h.p.Inject(ctx, "nope", feature.ToastMessage)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestInject_SourceReplacedFailsArtifact(t *testing.T) {
	h := newHarness(t, decompileOK, "")
	ctx := context.Background()
	a := h.upload(t, "app.apk")

	_, err := h.p.Process(ctx, a.ID)
	require.NoError(t, err)
	a, _, err = h.p.Inject(ctx, a.ID, feature.ToastMessage)
	require.NoError(t, err)

	require.NoError(t, os.Remove(a.SourcePath))
	require.NoError(t, os.Mkdir(a.SourcePath, 0o755))

	_, _, err = h.p.Inject(ctx, a.ID, feature.DeviceInfo)
	assert.ErrorIs(t, err, feature.ErrNotRegularFile)

	a, err = h.p.Store().Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateFailed, a.State)
	assert.Equal(t, []string{feature.ToastMessage}, a.Features)
}

func TestInject_SkipMode(t *testing.T) {
	h := newHarness(t, decompileOK, "", func(c *config.Config) {
		c.Features.Idempotence = config.IdempotenceSkip
	})
	ctx := context.Background()
	a := h.upload(t, "app.apk")
	_, err := h.p.Process(ctx, a.ID)
	require.NoError(t, err)

	_, _, err = h.p.Inject(ctx, a.ID, feature.ToastMessage)
	require.NoError(t, err)
	a, res, err := h.p.Inject(ctx, a.ID, feature.ToastMessage)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, []string{feature.ToastMessage}, a.Features)
}

func TestRebuild_Rules(t *testing.T) {
	h := newHarness(t, decompileOK, `echo "error: cannot find symbol" >&2; exit 1`)
	ctx := context.Background()
	a := h.upload(t, "app.apk")
	_, err := h.p.Process(ctx, a.ID)
	require.NoError(t, err)

	_, err = h.p.Rebuild(ctx, a.ID)
	assert.ErrorIs(t, err, artifact.ErrInvalidTransition, "rebuild requires an injected feature")

	_, _, err = h.p.Inject(ctx, a.ID, feature.InternetCheck)
	require.NoError(t, err)

	_, err = h.p.Rebuild(ctx, a.ID)
	assert.ErrorIs(t, err, tactile.ErrToolFailure)

	a, _ = h.p.Store().Get(a.ID)
	assert.Equal(t, artifact.StateFailed, a.State)
	assert.Equal(t, "error: cannot find symbol\n", a.FailureReason)
}

func TestSubmit_CloseCancelsRunningTool(t *testing.T) {
	started := filepath.Join(t.TempDir(), "started")
	h := newHarness(t, `touch "`+started+`"; sleep 30`, "")
	a := h.upload(t, "app.apk")

	require.NoError(t, h.p.Submit(a.ID))
	require.Eventually(t, func() bool {
		_, err := os.Stat(started)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.p.Stats().Slots["in_flight"])

	start := time.Now()
	h.p.Close()
	assert.Less(t, time.Since(start), 5*time.Second)

	got, _ := h.p.Store().Get(a.ID)
	assert.Equal(t, artifact.StateFailed, got.State)
	assert.Equal(t, "killed: context canceled", got.FailureReason)

	assert.ErrorIs(t, h.p.Submit(a.ID), ErrClosed)
	assert.ErrorIs(t, h.p.SubmitRebuild(a.ID), ErrClosed)
}

func TestSubmitRebuild(t *testing.T) {
	h := newHarness(t, decompileOK, "")
	ctx := context.Background()
	a := h.upload(t, "app.apk")
	_, err := h.p.Process(ctx, a.ID)
	require.NoError(t, err)
	_, _, err = h.p.Inject(ctx, a.ID, feature.ToastMessage)
	require.NoError(t, err)

	require.NoError(t, h.p.SubmitRebuild(a.ID))
	require.Eventually(t, func() bool {
		got, _ := h.p.Store().Get(a.ID)
		return got.State == artifact.StateRebuilt
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunFiles_ConcurrencyCap(t *testing.T) {
	active := t.TempDir()
	peak := filepath.Join(t.TempDir(), "peak")
	body := `mkdir "` + active + `/$$"
ls "` + active + `" | wc -l >> "` + peak + `"
sleep 0.2
rmdir "` + active + `/$$"
` + decompileOK

	h := newHarness(t, body, "", func(c *config.Config) {
		c.Execution.MaxConcurrent = 2
	})

	var paths []string
	for i := 0; i < 6; i++ {
		p := filepath.Join(h.uploads, fmt.Sprintf("game%d.apk", i))
		require.NoError(t, os.WriteFile(p, []byte("PK"), 0644))
		paths = append(paths, p)
	}

	results, err := h.p.RunFiles(context.Background(), paths, RunOptions{Feature: feature.ToastMessage, Rebuild: true})
	require.NoError(t, err)
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, paths[i], r.Path)
		assert.Equal(t, artifact.StateRebuilt, r.Artifact.State, r.Path)
	}
	assert.Len(t, h.rebuildCalls(t), 6)

	data, err := os.ReadFile(peak)
	require.NoError(t, err)
	for _, line := range strings.Fields(string(data)) {
		n, err := strconv.Atoi(line)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 2, "more tools ran at once than the cap allows")
	}
}

func TestRunFiles_PartialFailure(t *testing.T) {
	h := newHarness(t, `case "$3" in bad*) echo "broken" >&2; exit 1;; esac
`+decompileOK, "")

	good := filepath.Join(h.uploads, "good.apk")
	bad := filepath.Join(h.uploads, "bad.apk")
	for _, p := range []string{good, bad} {
		require.NoError(t, os.WriteFile(p, []byte("PK"), 0644))
	}

	results, err := h.p.RunFiles(context.Background(), []string{good, bad}, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tactile.ErrToolFailure))
	assert.Equal(t, artifact.StateDecompiled, results[0].Artifact.State)
	assert.Equal(t, artifact.StateFailed, results[1].Artifact.State)
	assert.Equal(t, "broken\n", results[1].Artifact.FailureReason)

	_, err = h.p.RunFiles(context.Background(), []string{good}, RunOptions{Rebuild: true})
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	h := newHarness(t, decompileOK, "", func(c *config.Config) {
		c.Execution.MaxConcurrent = 3
	})
	a := h.upload(t, "app.apk")
	_, err := h.p.Process(context.Background(), a.ID)
	require.NoError(t, err)

	s := h.p.Stats()
	assert.Equal(t, int64(3), s.Slots["max"])
	require.NotNil(t, s.Executions)
	assert.Equal(t, int64(1), s.Executions.TotalExecutions)
	assert.Equal(t, int64(1), s.Executions.Succeeded)
}
