// Package blob archives original uploads outside the working directory,
// keyed by artifact id.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"apkforge/internal/config"
	"apkforge/internal/logging"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("blob not found")

// Store persists upload copies by artifact id and name.
type Store interface {
	Put(ctx context.Context, artifactID, name string, content []byte) error
	PutFile(ctx context.Context, artifactID, name, path string) error
	Get(ctx context.Context, artifactID, name string) ([]byte, error)
	List(ctx context.Context, artifactID string) ([]string, error)
}

// FromConfig builds the configured store. It returns nil when archiving is
// disabled. An endpoint of the form file://<dir> selects a DiskStore.
func FromConfig(cfg config.BlobConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if dir, ok := strings.CutPrefix(cfg.Endpoint, "file://"); ok {
		logging.Get(logging.CategoryBlob).Info("Archiving uploads to directory %s", dir)
		return NewDiskStore(config.ExpandPath(dir)), nil
	}
	s, err := NewS3Store(S3Config{
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryBlob).Info("Archiving uploads to bucket %s at %s", cfg.Bucket, cfg.Endpoint)
	return s, nil
}

func validateKey(artifactID, name string) (string, string, error) {
	artifactID = strings.TrimSpace(artifactID)
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if artifactID == "" {
		return "", "", fmt.Errorf("artifact id is required")
	}
	if name == "" {
		return "", "", fmt.Errorf("name is required")
	}
	if strings.Contains(artifactID, "/") || strings.Contains(artifactID, "..") {
		return "", "", fmt.Errorf("invalid artifact id %q", artifactID)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", "", fmt.Errorf("invalid name %q", name)
		}
	}
	return artifactID, name, nil
}

func openWithSize(path string) (*os.File, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
