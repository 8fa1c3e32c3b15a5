package locator

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mkfiles creates every path under root; names ending in "/" are directories.
func mkfiles(t *testing.T, root string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, filepath.FromSlash(p))
		if p[len(p)-1] == '/' {
			require.NoError(t, os.MkdirAll(full, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("class X {}\n"), 0644))
	}
}

func newLocator(t *testing.T, mutate func(*Config)) *Locator {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func TestToken(t *testing.T) {
	l := newLocator(t, nil)

	tests := []struct {
		in, want string
	}{
		{"app.apk", "app"},
		{"MyGame.APK", "MyGame"},
		{"/uploads/shop.xapk", "shop"},
		{"bundle.aab", "bundle"},
		{"double.apk.apk", "double"},
		{"notes.txt", "notes.txt"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Token(tt.in))
		})
	}
}

func TestLocate_Basic(t *testing.T) {
	out := t.TempDir()
	mkfiles(t, out,
		"resources/",
		"app-release/app/src/main/java/com/example/MainActivity.java",
		"app-release/app/src/main/java/com/example/Util.java",
	)
	l := newLocator(t, nil)

	path, err := l.Locate(out, "app.apk")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "app-release/app/src/main/java/com/example/MainActivity.java"), path)
}

func TestLocate_Deterministic(t *testing.T) {
	out := t.TempDir()
	mkfiles(t, out,
		"zeta-app/app/src/main/java/A.java",
		"beta-app/app/src/main/java/z/Z.java",
		"beta-app/app/src/main/java/b/B.kt",
		"beta-app/app/src/main/java/b/A.txt",
		"alpha-app/app/src/main/res/layout.xml",
	)
	l := newLocator(t, nil)

	// alpha-app matches first lexically but has no sources root.
	_, err := l.Locate(out, "app.apk")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.RemoveAll(filepath.Join(out, "alpha-app")))

	first, err := l.Locate(out, "app.apk")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "beta-app/app/src/main/java/b/B.kt"), first)

	l.Invalidate(out)
	for i := 0; i < 5; i++ {
		again, err := l.Locate(out, "app.apk")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestLocate_CaseInsensitiveMatch(t *testing.T) {
	out := t.TempDir()
	mkfiles(t, out, "MYGAME_decompiled/app/src/main/java/Game.java")
	l := newLocator(t, nil)

	path, err := l.Locate(out, "mygame.apk")
	require.NoError(t, err)
	assert.Equal(t, "Game.java", filepath.Base(path))
}

func TestLocate_NotFound(t *testing.T) {
	l := newLocator(t, nil)

	t.Run("no matching project", func(t *testing.T) {
		out := t.TempDir()
		mkfiles(t, out, "other/app/src/main/java/A.java")
		_, err := l.Locate(out, "app.apk")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("project is a file not a directory", func(t *testing.T) {
		out := t.TempDir()
		mkfiles(t, out, "app.txt")
		_, err := l.Locate(out, "app.apk")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no qualifying file", func(t *testing.T) {
		out := t.TempDir()
		mkfiles(t, out, "app/app/src/main/java/README.md", "app/app/src/main/java/empty/")
		_, err := l.Locate(out, "app.apk")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing output dir", func(t *testing.T) {
		_, err := l.Locate(filepath.Join(t.TempDir(), "gone"), "app.apk")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := l.Locate(t.TempDir(), ".apk")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLocate_DepthLimit(t *testing.T) {
	out := t.TempDir()
	mkfiles(t, out,
		"app/app/src/main/java/a/b/c/d/Deep.java",
		"app/app/src/main/java/z/Shallow.java",
	)

	l := newLocator(t, func(c *Config) { c.MaxDepth = 2 })
	path, err := l.Locate(out, "app.apk")
	require.NoError(t, err)
	assert.Equal(t, "Shallow.java", filepath.Base(path), "subtrees past max depth are pruned")
}

func TestLocate_EntryLimit(t *testing.T) {
	out := t.TempDir()
	var paths []string
	for i := 0; i < 20; i++ {
		paths = append(paths, fmt.Sprintf("app/app/src/main/java/d%02d/", i))
	}
	paths = append(paths, "app/app/src/main/java/zz/Late.java")
	mkfiles(t, out, paths...)

	l := newLocator(t, func(c *Config) { c.MaxEntries = 10 })
	_, err := l.Locate(out, "app.apk")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrSearchLimit)

	roomy := newLocator(t, func(c *Config) { c.MaxEntries = 100 })
	path, err := roomy.Locate(out, "app.apk")
	require.NoError(t, err)
	assert.Equal(t, "Late.java", filepath.Base(path))
}

func TestLocate_CacheRevalidates(t *testing.T) {
	out := t.TempDir()
	mkfiles(t, out,
		"app/app/src/main/java/A.java",
		"app/app/src/main/java/B.java",
	)
	l := newLocator(t, nil)

	first, err := l.Locate(out, "app.apk")
	require.NoError(t, err)
	assert.Equal(t, "A.java", filepath.Base(first))

	require.NoError(t, os.Remove(first))

	second, err := l.Locate(out, "app.apk")
	require.NoError(t, err)
	assert.Equal(t, "B.java", filepath.Base(second), "stale cache entry must be dropped")
}

func TestLocate_SymlinkedFileIgnored(t *testing.T) {
	out := t.TempDir()
	mkfiles(t, out, "app/app/src/main/java/b/Real.java")
	target := filepath.Join(out, "app/app/src/main/java/b/Real.java")
	if err := os.Symlink(target, filepath.Join(out, "app/app/src/main/java/A.java")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	l := newLocator(t, nil)

	path, err := l.Locate(out, "app.apk")
	require.NoError(t, err)
	assert.Equal(t, target, path)
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(Config{SuffixPattern: "("})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Config{Extensions: []string{"java"}})
	require.NoError(t, err)
	assert.True(t, l.exts[".java"])
	assert.Equal(t, DefaultConfig().MaxDepth, l.cfg.MaxDepth)
}
