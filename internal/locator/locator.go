// Package locator resolves the source file to modify inside a decompiled tree.
//
// Resolution has two deterministic steps. The logical name (usually the
// original upload filename) is reduced to a token by stripping its package
// suffix. The first immediate child directory of the output dir, in lexical
// order, whose name contains the token (case-insensitive) is the project. The
// first regular source file found by a lexical depth-first search of the
// project's sources subpath is the result.
package locator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"apkforge/internal/logging"
)

var (
	// ErrNotFound is returned when no project directory or source file matches.
	ErrNotFound = errors.New("source not found")

	// ErrSearchLimit is joined with ErrNotFound when the entry cap ends a search.
	ErrSearchLimit = errors.New("search limit exceeded")
)

// Config bounds and parameterizes the search.
type Config struct {
	SuffixPattern  string
	SourcesSubpath string
	Extensions     []string
	MaxDepth       int
	MaxEntries     int
	CacheSize      int
}

// DefaultConfig returns the settings used for Android decompiler output.
func DefaultConfig() Config {
	return Config{
		SuffixPattern:  `(?i)(\.(apk|apks|aab|xapk))+$`,
		SourcesSubpath: "app/src/main/java",
		Extensions:     []string{".java", ".kt"},
		MaxDepth:       32,
		MaxEntries:     50000,
		CacheSize:      256,
	}
}

type cacheKey struct {
	outputDir string
	token     string
}

// Locator finds source files. It is safe for concurrent use.
type Locator struct {
	cfg    Config
	suffix *regexp.Regexp
	exts   map[string]bool
	cache  *lru.Cache[cacheKey, string]
}

// New builds a Locator from cfg. Zero limits fall back to the defaults.
func New(cfg Config) (*Locator, error) {
	def := DefaultConfig()
	if cfg.SuffixPattern == "" {
		cfg.SuffixPattern = def.SuffixPattern
	}
	if cfg.SourcesSubpath == "" {
		cfg.SourcesSubpath = def.SourcesSubpath
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = def.Extensions
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	suffix, err := regexp.Compile(cfg.SuffixPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid suffix pattern: %w", err)
	}

	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}

	cache, err := lru.New[cacheKey, string](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Locator{cfg: cfg, suffix: suffix, exts: exts, cache: cache}, nil
}

// Token derives the matching token from a logical name: its base name with
// the package suffix stripped.
func (l *Locator) Token(logicalName string) string {
	base := filepath.Base(strings.TrimSpace(logicalName))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return l.suffix.ReplaceAllString(base, "")
}

// Locate returns the source file for logicalName inside outputDir.
// Repeated calls on an unmodified tree return the same path.
func (l *Locator) Locate(outputDir, logicalName string) (string, error) {
	timer := logging.StartTimer(logging.CategoryLocator, "Locate")
	defer timer.Stop()

	token := l.Token(logicalName)
	if token == "" {
		return "", fmt.Errorf("%w: empty token for %q", ErrNotFound, logicalName)
	}

	key := cacheKey{outputDir: outputDir, token: strings.ToLower(token)}
	if path, ok := l.cache.Get(key); ok {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			logging.LocatorDebug("Cache hit for %s in %s: %s", token, outputDir, path)
			return path, nil
		}
		l.cache.Remove(key)
	}

	project, err := l.findProject(outputDir, key.token)
	if err != nil {
		return "", err
	}

	root := filepath.Join(project, filepath.FromSlash(l.cfg.SourcesSubpath))
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: sources root %s missing", ErrNotFound, root)
	}

	s := &search{l: l}
	path, err := s.walk(root, 0)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("%w: no %v file under %s", ErrNotFound, l.cfg.Extensions, root)
	}

	l.cache.Add(key, path)
	logging.Get(logging.CategoryLocator).Info("Located %s for %q after %d entries", path, logicalName, s.entries)
	return path, nil
}

// Invalidate drops memoized results for outputDir.
func (l *Locator) Invalidate(outputDir string) {
	for _, key := range l.cache.Keys() {
		if key.outputDir == outputDir {
			l.cache.Remove(key)
		}
	}
}

func (l *Locator) findProject(outputDir, token string) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: output dir %s does not exist", ErrNotFound, outputDir)
		}
		return "", fmt.Errorf("read output dir %s: %w", outputDir, err)
	}

	// os.ReadDir sorts by name, so the first match is the lexical first.
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.Contains(strings.ToLower(e.Name()), token) {
			logging.LocatorDebug("Project directory for %q: %s", token, e.Name())
			return filepath.Join(outputDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: no project directory in %s matches %q", ErrNotFound, outputDir, token)
}

// search carries the entry budget of one Locate call.
type search struct {
	l       *Locator
	entries int
}

// walk is a pre-order depth-first search in lexical order. Directories deeper
// than MaxDepth are not entered; visiting more than MaxEntries entries aborts.
func (s *search) walk(dir string, depth int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.LocatorDebug("Skipping unreadable directory %s: %v", dir, err)
		return "", nil
	}

	for _, e := range entries {
		s.entries++
		if s.entries > s.l.cfg.MaxEntries {
			return "", fmt.Errorf("%w: %w: more than %d entries", ErrNotFound, ErrSearchLimit, s.l.cfg.MaxEntries)
		}

		path := filepath.Join(dir, e.Name())
		switch {
		case e.Type().IsRegular():
			if s.l.exts[strings.ToLower(filepath.Ext(e.Name()))] {
				return path, nil
			}
		case e.IsDir():
			if depth+1 > s.l.cfg.MaxDepth {
				logging.LocatorDebug("Depth limit %d reached at %s", s.l.cfg.MaxDepth, path)
				continue
			}
			found, err := s.walk(path, depth+1)
			if err != nil || found != "" {
				return found, err
			}
		}
	}
	return "", nil
}
