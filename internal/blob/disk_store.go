package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskStore persists blobs under a local root directory by artifactID/name.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: strings.TrimSpace(root)}
}

func (s *DiskStore) Put(_ context.Context, artifactID, name string, content []byte) error {
	fullPath, err := s.pathFor(artifactID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(fullPath, content, 0o644)
}

func (s *DiskStore) PutFile(_ context.Context, artifactID, name, path string) error {
	fullPath, err := s.pathFor(artifactID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}
	in, _, err := openWithSize(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (s *DiskStore) Get(_ context.Context, artifactID, name string) ([]byte, error) {
	fullPath, err := s.pathFor(artifactID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *DiskStore) List(_ context.Context, artifactID string) ([]string, error) {
	root, err := s.artifactRoot(artifactID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, 4)
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		if os.IsNotExist(walkErr) {
			return []string{}, nil
		}
		return nil, walkErr
	}
	sort.Strings(names)
	return names, nil
}

func (s *DiskStore) artifactRoot(artifactID string) (string, error) {
	if s == nil || s.root == "" {
		return "", fmt.Errorf("root is required")
	}
	artifactID, _, err := validateKey(artifactID, "x")
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, artifactID), nil
}

func (s *DiskStore) pathFor(artifactID, name string) (string, error) {
	root, err := s.artifactRoot(artifactID)
	if err != nil {
		return "", err
	}
	_, name, err = validateKey(artifactID, name)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(name)), nil
}
