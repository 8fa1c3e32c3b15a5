package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkforge/internal/artifact"
	"apkforge/internal/blob"
	"apkforge/internal/config"
	"apkforge/internal/feature"
	"apkforge/internal/pipeline"
	"apkforge/internal/store"
)

const decompileOK = `mkdir -p "$2/$3/app/src/main/java/com/example" &&
printf 'public class MainActivity {}\n' > "$2/$3/app/src/main/java/com/example/MainActivity.java"`

type testEnv struct {
	srv     *Server
	p       *pipeline.Pipeline
	users   *store.UserStore
	archive *blob.DiskStore
	cfg     Config
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}

	cfg := config.DefaultConfig()
	cfg.Workspace.OutputsDir = t.TempDir()
	cfg.Decompiler.Binary = writeScript(t, "decompile.sh", decompileOK)
	cfg.Decompiler.Args = []string{"{input}", "{output}", "{token}"}
	cfg.Decompiler.CacheDir = ""
	cfg.Rebuild.Binary = writeScript(t, "rebuild.sh", "exit 0")
	cfg.Rebuild.Args = []string{"{path}"}

	comps, err := pipeline.Build(cfg, artifact.NewStore())
	require.NoError(t, err)
	p := pipeline.New(comps)
	t.Cleanup(p.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "apkforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		p:       p,
		users:   store.NewUserStore(db),
		archive: blob.NewDiskStore(t.TempDir()),
		cfg: Config{
			UploadsDir:     t.TempDir(),
			OutputsDir:     cfg.Workspace.OutputsDir,
			MaxUploadBytes: 1 << 20,
		},
	}
	env.srv, err = New(p, env.users, env.archive, env.cfg)
	require.NoError(t, err)
	env.srv.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) waitState(t *testing.T, id string, want artifact.State) artifact.Artifact {
	t.Helper()
	var a artifact.Artifact
	require.Eventually(t, func() bool {
		a, _ = e.p.Store().Get(id)
		return a.State == want || a.State == artifact.StateFailed
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, want, a.State, a.FailureReason)
	return a
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "pipeline")
}

func TestUpload_NoFile(t *testing.T) {
	e := newEnv(t)
	rec := e.upload(t, "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file uploaded.", decode[messageResponse](t, rec).Message)
}

func TestUpload_UnknownUser(t *testing.T) {
	e := newEnv(t)
	rec := e.upload(t, "app.apk", []byte("PK"), map[string]string{"userId": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "User not found.", decode[messageResponse](t, rec).Message)
	assert.Empty(t, e.p.Store().List())
}

func TestUpload_TooLarge(t *testing.T) {
	e := newEnv(t)
	rec := e.upload(t, "big.apk", bytes.Repeat([]byte("x"), 2<<20), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadInjectRebuild(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/users", map[string]string{
		"email": "dev@example.com", "username": "dev", "phoneNumber": "555-0100",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		User store.User `json:"user"`
	}](t, rec)

	rec = e.upload(t, `C:\phone\Calculator.apk`, []byte("PK\x03\x04"), map[string]string{"userId": created.User.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	up := decode[uploadResponse](t, rec)

	assert.Equal(t, "Calculator.apk", up.Artifact.OriginalFilename)
	assert.Equal(t, created.User.ID, up.Artifact.OwnerID)
	assert.Equal(t, "file-1700000000000-Calculator.apk", filepath.Base(up.FilePath))
	assert.FileExists(t, up.FilePath)

	archived, err := e.archive.Get(t.Context(), up.Artifact.ID, "Calculator.apk")
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), archived)

	e.waitState(t, up.Artifact.ID, artifact.StateDecompiled)

	rec = e.do(t, http.MethodPost, "/api/artifacts/"+up.Artifact.ID+"/rebuild", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "rebuild before injection")

	rec = e.do(t, http.MethodPost, "/api/artifacts/"+up.Artifact.ID+"/features", injectRequest{Feature: "Nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/artifacts/"+up.Artifact.ID+"/features", injectRequest{Feature: feature.AppPermissions})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inj := decode[injectResponse](t, rec)
	assert.Equal(t, artifact.StateFeatureInjected, inj.Artifact.State)
	assert.True(t, strings.HasSuffix(inj.Artifact.SourcePath, "MainActivity.java"))

	rel, err := filepath.Rel(e.cfg.OutputsDir, inj.Artifact.SourcePath)
	require.NoError(t, err)
	rec = e.do(t, http.MethodGet, "/outputs/"+filepath.ToSlash(rel), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AppPermissionsHelper")

	rec = e.do(t, http.MethodPost, "/api/artifacts/"+up.Artifact.ID+"/rebuild", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	e.waitState(t, up.Artifact.ID, artifact.StateRebuilt)

	rec = e.do(t, http.MethodGet, "/api/artifacts?userId="+created.User.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]artifact.Artifact](t, rec), 1)

	rec = e.do(t, http.MethodGet, "/api/artifacts?userId=someone-else", nil)
	assert.Empty(t, decode[[]artifact.Artifact](t, rec))
}

func TestArtifactNotFound(t *testing.T) {
	e := newEnv(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/artifacts/missing"},
		{http.MethodPost, "/api/artifacts/missing/rebuild"},
	} {
		rec := e.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
	rec := e.do(t, http.MethodPost, "/api/artifacts/missing/features", injectRequest{Feature: feature.ToastMessage})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsers(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/users/register", map[string]string{"email": "a@example.com", "username": "a"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[struct {
		User store.User `json:"user"`
	}](t, rec).User.ID

	rec = e.do(t, http.MethodPost, "/api/users", map[string]string{"email": "a@example.com", "username": "b"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/users", map[string]string{"email": "c@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/users/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", decode[store.User](t, rec).Username)

	rec = e.do(t, http.MethodDelete, "/api/users/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User deleted successfully", decode[messageResponse](t, rec).Message)

	rec = e.do(t, http.MethodDelete, "/api/users/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/users/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeatureList(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/features", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]string](t, rec)
	assert.Equal(t, feature.DefaultCatalog().Names(), body["features"])
}

func TestRecoverJSON(t *testing.T) {
	h := recoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgServerError, decode[messageResponse](t, rec).Message)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodOptions, "/api/upload", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, nil, nil, Config{})
	assert.Error(t, err)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	env := newEnv(t)
	env.srv.cfg.MaxConnections = 4

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.ListenAndServe(ctx, "127.0.0.1:0", time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestListenAndServe_BadAddr(t *testing.T) {
	env := newEnv(t)
	err := env.srv.ListenAndServe(context.Background(), "256.0.0.1:bad", time.Second)
	assert.Error(t, err)
}
