package decompile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"apkforge/internal/logging"
)

// ReconcileReport lists what happened to each top-level cache entry.
type ReconcileReport struct {
	Copied  []string          `json:"copied,omitempty"`
	Skipped map[string]string `json:"skipped,omitempty"`
}

// Reconcile mirrors every top-level entry of cacheDir into dst, recursively.
// It is best-effort: a failed entry is logged and recorded in the report but
// never stops the remaining entries, and a missing cacheDir is not an error.
func Reconcile(ctx context.Context, cacheDir, dst string) ReconcileReport {
	report := ReconcileReport{}
	if cacheDir == "" {
		return report
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.DecompileDebug("Tool cache %s absent, nothing to reconcile", cacheDir)
		} else {
			logging.DecompileWarn("Tool cache %s unreadable: %v", cacheDir, err)
		}
		return report
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			logging.DecompileWarn("Reconciliation of %s stopped: %v", cacheDir, ctx.Err())
			break
		}
		src := filepath.Join(cacheDir, e.Name())
		if err := copyTree(src, filepath.Join(dst, e.Name())); err != nil {
			logging.DecompileWarn("Cache entry %s not copied: %v", src, err)
			if report.Skipped == nil {
				report.Skipped = make(map[string]string)
			}
			report.Skipped[e.Name()] = err.Error()
			continue
		}
		report.Copied = append(report.Copied, e.Name())
	}

	logging.Decompile("Reconciled tool cache %s into %s: %d copied, %d skipped",
		cacheDir, dst, len(report.Copied), len(report.Skipped))
	return report
}

func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		_ = os.Remove(dst)
		return os.Symlink(target, dst)

	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()|0700); err != nil {
			return err
		}
		children, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := copyTree(filepath.Join(src, c.Name()), filepath.Join(dst, c.Name())); err != nil {
				return err
			}
		}
		return nil

	case info.Mode().IsRegular():
		return copyFile(src, dst, info.Mode().Perm())

	default:
		return fmt.Errorf("unsupported file type %s", info.Mode().Type())
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
