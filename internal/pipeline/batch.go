package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"apkforge/internal/artifact"
	"apkforge/internal/logging"
)

// FileResult is the outcome of one file in a batch run.
type FileResult struct {
	Path     string            `json:"path"`
	Artifact artifact.Artifact `json:"artifact"`
	Err      error             `json:"-"`
}

// RunOptions selects the stages a batch run goes through after Process.
type RunOptions struct {
	Feature string
	Rebuild bool
	OwnerID string
}

// RunFiles processes each file to completion concurrently. A failing file
// does not stop the others; the returned error joins every failure. The
// process cap still bounds how many tools run at once.
func (p *Pipeline) RunFiles(ctx context.Context, paths []string, opts RunOptions) ([]FileResult, error) {
	if opts.Rebuild && opts.Feature == "" {
		return nil, errors.New("rebuild requires a feature to inject")
	}

	results := make([]FileResult, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			results[i] = p.runFile(ctx, path, opts)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Path, r.Err))
		}
	}
	logging.Pipeline("Batch finished: %d files, %d failed", len(paths), len(errs))
	return results, errors.Join(errs...)
}

func (p *Pipeline) runFile(ctx context.Context, path string, opts RunOptions) FileResult {
	res := FileResult{Path: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		res.Err = err
		return res
	}

	a, err := p.Intake(ctx, filepath.Base(abs), abs, opts.OwnerID)
	if err != nil {
		res.Err = err
		return res
	}
	res.Artifact = a

	finish := func(err error) FileResult {
		res.Err = err
		if latest, gerr := p.store.Get(a.ID); gerr == nil {
			res.Artifact = latest
		}
		return res
	}

	if _, err := p.Process(ctx, a.ID); err != nil {
		return finish(err)
	}
	if opts.Feature != "" {
		if _, _, err := p.Inject(ctx, a.ID, opts.Feature); err != nil {
			return finish(err)
		}
	}
	if opts.Rebuild {
		if _, err := p.Rebuild(ctx, a.ID); err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}
