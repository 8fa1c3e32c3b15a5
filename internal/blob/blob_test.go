package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkforge/internal/config"
)

func TestDiskStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewDiskStore(t.TempDir())

	require.NoError(t, s.Put(ctx, "a1", "app.apk", []byte("PK")))
	src := filepath.Join(t.TempDir(), "upload.apk")
	require.NoError(t, os.WriteFile(src, []byte("PK\x03\x04"), 0644))
	require.NoError(t, s.PutFile(ctx, "a1", "meta/original.apk", src))

	data, err := s.Get(ctx, "a1", "app.apk")
	require.NoError(t, err)
	assert.Equal(t, []byte("PK"), data)

	data, err = s.Get(ctx, "a1", "/meta/original.apk")
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), data)

	names, err := s.List(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"app.apk", "meta/original.apk"}, names)

	names, err = s.List(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = s.Get(ctx, "a1", "missing.apk")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStore_RejectsEscapes(t *testing.T) {
	ctx := context.Background()
	s := NewDiskStore(t.TempDir())

	assert.Error(t, s.Put(ctx, "", "x", nil))
	assert.Error(t, s.Put(ctx, "a1", "", nil))
	assert.Error(t, s.Put(ctx, "../a1", "x", nil))
	assert.Error(t, s.Put(ctx, "a1", "../../etc/passwd", nil))
	assert.Error(t, NewDiskStore("").Put(ctx, "a1", "x", nil))
	assert.Error(t, s.PutFile(ctx, "a1", "x", filepath.Join(t.TempDir(), "missing")))
}

func TestFromConfig(t *testing.T) {
	s, err := FromConfig(config.BlobConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)

	dir := t.TempDir()
	s, err = FromConfig(config.BlobConfig{Enabled: true, Endpoint: "file://" + dir})
	require.NoError(t, err)
	disk, ok := s.(*DiskStore)
	require.True(t, ok)
	assert.Equal(t, dir, disk.root)

	_, err = FromConfig(config.BlobConfig{Enabled: true, Endpoint: "minio:9000", Bucket: "b"})
	assert.Error(t, err, "credentials are required")

	s, err = FromConfig(config.BlobConfig{
		Enabled: true, Endpoint: "minio:9000", AccessKey: "k", SecretKey: "s",
		Bucket: "apkforge-uploads", Prefix: "/uploads/",
	})
	require.NoError(t, err)
	s3, ok := s.(*S3Store)
	require.True(t, ok)
	assert.Equal(t, "us-east-1", s3.region)

	key, err := s3.objectKey("a1", "/app.apk")
	require.NoError(t, err)
	assert.Equal(t, "uploads/a1/app.apk", key)
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(S3Config{AccessKey: "k", SecretKey: "s", Bucket: "b"})
	assert.Error(t, err)
	_, err = NewS3Store(S3Config{Endpoint: "e:9000", AccessKey: "k", SecretKey: "s"})
	assert.Error(t, err)
}

func TestNormalizePrefix(t *testing.T) {
	for in, want := range map[string]string{"": "", "/": "", "uploads": "uploads/", "/a/b/": "a/b/"} {
		assert.Equal(t, want, normalizePrefix(in), in)
	}
}
