// Package intake watches a drop directory and feeds new packages into the
// pipeline, as an alternative to HTTP upload.
package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"apkforge/internal/artifact"
	"apkforge/internal/logging"
)

// Sink receives ingested packages. *pipeline.Pipeline satisfies it.
type Sink interface {
	Intake(ctx context.Context, filename, uploadPath, ownerID string) (artifact.Artifact, error)
	Submit(id string) error
}

// Extensions accepted from the drop directory.
var Extensions = []string{".apk", ".apks", ".aab", ".xapk"}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Ingested      int
	Ignored       int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// Watcher moves packages dropped into dropDir into uploadsDir and registers
// them with the sink. Files are picked up once writes to them have been
// quiet for the debounce period.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	sink        Sink
	dropDir     string
	uploadsDir  string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	now         func() time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// NewWatcher creates a watcher for dropDir.
func NewWatcher(dropDir, uploadsDir string, sink Sink) (*Watcher, error) {
	if dropDir == "" || uploadsDir == "" {
		return nil, fmt.Errorf("drop and uploads directories are required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		sink:        sink,
		dropDir:     dropDir,
		uploadsDir:  uploadsDir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		now:         time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Packages already present in the drop directory are
// queued immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.prepare(); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Intake("Watching %s for packages", w.dropDir)

	entries, err := os.ReadDir(w.dropDir)
	if err == nil {
		w.mu.Lock()
		for _, e := range entries {
			if e.Type().IsRegular() && accepted(e.Name()) {
				w.debounceMap[filepath.Join(w.dropDir, e.Name())] = time.Time{}
			}
		}
		w.mu.Unlock()
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) prepare() error {
	for _, dir := range []string{w.dropDir, w.uploadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := w.watcher.Add(w.dropDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dropDir, err)
	}
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryIntake).Error("Error closing watcher: %v", err)
	}
	logging.Intake("Watcher stopped")
}

// Stats returns a copy of the current statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIntake).Error("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processDebounced(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if !accepted(event.Name) {
		w.stats.Ignored++
		logging.IntakeDebug("Ignoring %s", event.Name)
		return
	}
	w.stats.LastEventTime = w.now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[event.Name] = w.now()
}

func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	now := w.now()
	ready := make([]string, 0)
	for path, t := range w.debounceMap {
		if now.Sub(t) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if err := w.ingest(ctx, path); err != nil {
			logging.Get(logging.CategoryIntake).Warn("Ingest of %s failed: %v", path, err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	name := filepath.Base(path)
	dest, err := filepath.Abs(filepath.Join(w.uploadsDir, fmt.Sprintf("file-%d-%s", w.now().UnixMilli(), name)))
	if err != nil {
		return err
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move into uploads: %w", err)
	}

	a, err := w.sink.Intake(ctx, name, dest, "")
	if err != nil {
		return err
	}
	if err := w.sink.Submit(a.ID); err != nil {
		return err
	}

	w.mu.Lock()
	w.stats.Ingested++
	w.mu.Unlock()
	logging.Intake("Ingested %s as artifact %s", name, a.ID)
	return nil
}

func accepted(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
