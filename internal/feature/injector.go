package feature

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"apkforge/internal/logging"
)

var (
	// ErrUnknownFeature is returned for a name missing from the catalog.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrNotRegularFile is returned when the target is missing or not a plain file.
	ErrNotRegularFile = errors.New("target is not a regular file")

	// ErrAlreadyInjected is returned in reject mode when the body is present.
	ErrAlreadyInjected = errors.New("feature already injected")

	// ErrIO wraps filesystem failures during injection.
	ErrIO = errors.New("io error")
)

// Mode decides what repeated injection of the same feature does.
type Mode string

const (
	// ModeDuplicate appends the template again.
	ModeDuplicate Mode = "duplicate"
	// ModeSkip leaves the file untouched when the body is already present.
	ModeSkip Mode = "skip"
	// ModeReject fails with ErrAlreadyInjected when the body is already present.
	ModeReject Mode = "reject"
)

// ParseMode converts a config value into a Mode. Empty means ModeDuplicate.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDuplicate, nil
	case ModeDuplicate, ModeSkip, ModeReject:
		return m, nil
	default:
		return "", fmt.Errorf("unknown idempotence mode %q", s)
	}
}

// Result describes one injection.
type Result struct {
	Path         string `json:"path"`
	Feature      string `json:"feature"`
	BytesWritten int    `json:"bytesWritten"`
	Skipped      bool   `json:"skipped"`
}

// Injector appends catalog templates to source files.
type Injector struct {
	catalog *Catalog
	mode    Mode

	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewInjector creates an injector over catalog.
func NewInjector(catalog *Catalog, mode Mode) *Injector {
	if mode == "" {
		mode = ModeDuplicate
	}
	return &Injector{
		catalog: catalog,
		mode:    mode,
		locks:   make(map[string]*pathLock),
	}
}

// Catalog returns the catalog the injector draws from.
func (i *Injector) Catalog() *Catalog {
	return i.catalog
}

// Mode returns the configured idempotence mode.
func (i *Injector) Mode() Mode {
	return i.mode
}

// Inject appends the named template to the file at path. An unknown name
// fails before the filesystem is touched. The file must already exist as a
// regular file; it is never created or truncated.
func (i *Injector) Inject(path, name string) (Result, error) {
	tmpl, ok := i.catalog.Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
	}

	unlock := i.lock(path)
	defer unlock()

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, fmt.Errorf("%w: %s does not exist", ErrNotRegularFile, path)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("%w: %s (%s)", ErrNotRegularFile, path, info.Mode().Type())
	}

	res := Result{Path: path, Feature: name}

	if i.mode != ModeDuplicate {
		present, err := containsBody(path, tmpl.Body)
		if err != nil {
			return Result{}, err
		}
		if present {
			if i.mode == ModeReject {
				return Result{}, fmt.Errorf("%w: %q in %s", ErrAlreadyInjected, name, path)
			}
			logging.Feature("Feature %q already present in %s, skipping", name, path)
			res.Skipped = true
			return res, nil
		}
	}

	payload := "\n" + tmpl.Body
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	n, err := f.WriteString(payload)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: append to %s: %w", ErrIO, path, err)
	}

	res.BytesWritten = n
	logging.Feature("Injected %q into %s (%d bytes)", name, path, n)
	return res, nil
}

func containsBody(path, body string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return strings.Contains(string(data), strings.TrimSpace(body)), nil
}

// lock serializes appends to one path within this process.
func (i *Injector) lock(path string) func() {
	i.mu.Lock()
	l, ok := i.locks[path]
	if !ok {
		l = &pathLock{}
		i.locks[path] = l
	}
	l.refs++
	i.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		i.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(i.locks, path)
		}
		i.mu.Unlock()
	}
}
