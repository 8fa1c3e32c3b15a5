// Package server exposes upload intake, artifact status, feature injection,
// rebuild triggering, the user collaborator, and static pipeline outputs over
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"apkforge/internal/blob"
	"apkforge/internal/logging"
	"apkforge/internal/pipeline"
	"apkforge/internal/store"
)

// Config holds the server's filesystem and size settings.
type Config struct {
	UploadsDir     string
	OutputsDir     string
	MaxUploadBytes int64

	// MaxConnections caps simultaneously accepted connections, 0 = unlimited.
	MaxConnections int
}

// Server holds the chi router and the collaborators handlers call into.
type Server struct {
	router   chi.Router
	pipeline *pipeline.Pipeline
	users    *store.UserStore
	archive  blob.Store
	cfg      Config
	now      func() time.Time
}

// New creates a Server with all routes configured. archive may be nil when
// upload archiving is disabled.
func New(p *pipeline.Pipeline, users *store.UserStore, archive blob.Store, cfg Config) (*Server, error) {
	if p == nil || users == nil {
		return nil, fmt.Errorf("pipeline and user store are required")
	}
	if cfg.UploadsDir == "" || cfg.OutputsDir == "" {
		return nil, fmt.Errorf("uploads and outputs directories are required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	for _, dir := range []string{cfg.UploadsDir, cfg.OutputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	s := &Server{
		pipeline: p,
		users:    users,
		archive:  archive,
		cfg:      cfg,
		now:      time.Now,
	}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then drains in-flight
// requests for up to shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Server("Listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Server("Shutting down HTTP server (timeout %s)", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverJSON)
	r.Use(allowCORS)

	r.Get("/health", s.handleHealth)

	// Pipeline outputs, served read-only.
	r.Handle("/outputs/*", http.StripPrefix("/outputs/", http.FileServer(http.Dir(s.cfg.OutputsDir))))

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", s.handleUserList)
			r.Post("/", s.handleUserCreate)
			r.Post("/register", s.handleUserCreate)
			r.Get("/{id}", s.handleUserGet)
			r.Delete("/{id}", s.handleUserDelete)
		})

		r.Get("/features", s.handleFeatureList)

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/", s.handleArtifactList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleArtifactGet)
				r.Post("/features", s.handleInject)
				r.Post("/rebuild", s.handleRebuild)
			})
		})
	})

	return r
}
