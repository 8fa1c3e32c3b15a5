// Package pipeline sequences the stages an uploaded package goes through:
// decompile, locate, inject, rebuild. Each operation advances the artifact
// in the store; any stage failure moves it to Failed with a reason. There are
// no automatic retries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"apkforge/internal/artifact"
	"apkforge/internal/decompile"
	"apkforge/internal/feature"
	"apkforge/internal/logging"
	"apkforge/internal/rebuild"
	"apkforge/internal/tactile"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline closed")

type sourceLocator interface {
	Locate(outputDir, logicalName string) (string, error)
	Invalidate(outputDir string)
}

// Pipeline drives artifacts through the stages. It is safe for concurrent
// use; operations on different artifacts never block each other except on
// the shared process cap.
type Pipeline struct {
	store      *artifact.Store
	exec       *tactile.BoundedExecutor
	audit      *tactile.AuditLogger
	decompiler *decompile.Stage
	locator    sourceLocator
	injector   *feature.Injector
	rebuilder  *rebuild.Stage

	// ops serializes injection and the start of a rebuild per artifact.
	ops sync.Map // id -> *sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pipeline over the given components.
func New(c *Components) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:      c.Store,
		exec:       c.Executor,
		audit:      c.Audit,
		decompiler: c.Decompiler,
		locator:    c.Locator,
		injector:   c.Injector,
		rebuilder:  c.Rebuilder,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Store returns the artifact store.
func (p *Pipeline) Store() *artifact.Store { return p.store }

// Catalog returns the feature catalog.
func (p *Pipeline) Catalog() *feature.Catalog { return p.injector.Catalog() }

// Stats reports process-slot usage and, when audited, execution metrics.
func (p *Pipeline) Stats() Stats {
	s := Stats{Slots: p.exec.Stats()}
	if p.audit != nil {
		m := p.audit.GetMetrics()
		s.Executions = &m
	}
	return s
}

// Stats is a point-in-time view of pipeline activity.
type Stats struct {
	Slots      map[string]int64                  `json:"slots"`
	Executions *tactile.ExecutionMetricsSnapshot `json:"executions,omitempty"`
}

// Intake registers a stored upload as a new artifact in Uploaded.
func (p *Pipeline) Intake(ctx context.Context, filename, uploadPath, ownerID string) (artifact.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Artifact{}, err
	}
	var opts []artifact.CreateOption
	if ownerID != "" {
		opts = append(opts, artifact.WithOwner(ownerID))
	}
	a, err := p.store.Create(filename, uploadPath, opts...)
	if err != nil {
		return artifact.Artifact{}, err
	}
	logging.Pipeline("Intake %s: %s (%s)", a.ID, filename, uploadPath)
	return a, nil
}

// Process decompiles the artifact and confirms a source file can be found
// in the output. An artifact whose output holds no matching source ends up
// Failed.
func (p *Pipeline) Process(ctx context.Context, id string) (artifact.Artifact, error) {
	a, err := p.decompiler.Decompile(ctx, id)
	if err != nil {
		return artifact.Artifact{}, err
	}

	path, err := p.locator.Locate(a.OutputDir, a.OriginalFilename)
	if err != nil {
		logging.PipelineWarn("Artifact %s: %v", id, err)
		p.fail(id, err.Error())
		return artifact.Artifact{}, err
	}
	logging.Pipeline("Artifact %s decompiled, source %s", id, path)
	return a, nil
}

// Inject appends the named feature to the artifact's source file. The first
// injection resolves the source file and advances the artifact to
// FeatureInjected; later injections reuse the recorded path.
func (p *Pipeline) Inject(ctx context.Context, id, name string) (artifact.Artifact, feature.Result, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Artifact{}, feature.Result{}, err
	}
	if _, ok := p.injector.Catalog().Lookup(name); !ok {
		return artifact.Artifact{}, feature.Result{}, fmt.Errorf("%w: %q", feature.ErrUnknownFeature, name)
	}

	unlock := p.lock(id)
	defer unlock()

	a, err := p.store.Get(id)
	if err != nil {
		return artifact.Artifact{}, feature.Result{}, err
	}
	if a.State != artifact.StateDecompiled && a.State != artifact.StateFeatureInjected {
		return artifact.Artifact{}, feature.Result{}, &artifact.TransitionError{
			ID: id, From: a.State, To: artifact.StateFeatureInjected,
			Reason: "injection requires Decompiled or FeatureInjected",
		}
	}

	path := a.SourcePath
	if path == "" {
		path, err = p.locator.Locate(a.OutputDir, a.OriginalFilename)
		if err != nil {
			p.fail(id, err.Error())
			return artifact.Artifact{}, feature.Result{}, err
		}
	}

	res, err := p.injector.Inject(path, name)
	if err != nil {
		if errors.Is(err, feature.ErrNotRegularFile) || errors.Is(err, feature.ErrIO) {
			p.locator.Invalidate(a.OutputDir)
			p.fail(id, err.Error())
		}
		return artifact.Artifact{}, res, err
	}

	if a.State == artifact.StateDecompiled {
		fields := artifact.Fields{SourcePath: path}
		if !res.Skipped {
			fields.Feature = name
		}
		a, err = p.store.Advance(id, artifact.StateFeatureInjected, fields)
	} else if !res.Skipped {
		a, err = p.store.RecordFeature(id, name)
	} else {
		a, err = p.store.Get(id)
	}
	if err != nil {
		return artifact.Artifact{}, res, err
	}
	logging.Pipeline("Artifact %s: feature %q applied to %s", id, name, path)
	return a, res, nil
}

// Rebuild runs the build tool against the artifact's modified source file.
func (p *Pipeline) Rebuild(ctx context.Context, id string) (artifact.Artifact, error) {
	unlock := p.lock(id)
	a, err := p.store.Advance(id, artifact.StateRebuilding, artifact.Fields{})
	unlock()
	if err != nil {
		return artifact.Artifact{}, err
	}

	result, err := p.rebuilder.Rebuild(ctx, a.SourcePath)
	if err != nil {
		p.fail(id, err.Error())
		return artifact.Artifact{}, err
	}
	if !result.Succeeded() {
		p.fail(id, tactile.FailureReason(result))
		return artifact.Artifact{}, &tactile.ToolFailureError{Tool: "rebuild", Result: result}
	}

	a, err = p.store.Advance(id, artifact.StateRebuilt, artifact.Fields{})
	if err != nil {
		return artifact.Artifact{}, err
	}
	logging.Pipeline("Artifact %s rebuilt in %s", id, result.Duration)
	return a, nil
}

// Submit runs Process in the background. Errors are recorded on the
// artifact, not returned.
func (p *Pipeline) Submit(id string) error {
	return p.goTracked("process", id, func(ctx context.Context) error {
		_, err := p.Process(ctx, id)
		return err
	})
}

// SubmitRebuild runs Rebuild in the background.
func (p *Pipeline) SubmitRebuild(id string) error {
	return p.goTracked("rebuild", id, func(ctx context.Context) error {
		_, err := p.Rebuild(ctx, id)
		return err
	})
}

func (p *Pipeline) goTracked(op, id string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := fn(p.ctx); err != nil {
			logging.PipelineWarn("Background %s of %s failed: %v", op, id, err)
		}
	}()
	logging.PipelineDebug("Submitted %s of %s", op, id)
	return nil
}

// Close cancels background work and waits for it to finish. Tools still
// running are killed through their context.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	logging.Pipeline("Pipeline closed")
}

func (p *Pipeline) fail(id, reason string) {
	if _, err := p.store.Fail(id, reason); err != nil {
		logging.PipelineWarn("Could not mark %s failed: %v", id, err)
	}
}

func (p *Pipeline) lock(id string) func() {
	v, _ := p.ops.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
