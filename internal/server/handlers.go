package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"apkforge/internal/artifact"
	"apkforge/internal/feature"
	"apkforge/internal/locator"
	"apkforge/internal/logging"
	"apkforge/internal/store"
)

const msgServerError = "Server error. Please try again later."

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryServer).Warn("encode response: %v", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

// writeError maps domain errors to status codes. Anything unrecognized is
// logged and answered with the generic 500 message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Artifact not found.")
		return
	case errors.Is(err, store.ErrUserNotFound):
		writeMessage(w, http.StatusNotFound, "User not found.")
		return
	case errors.Is(err, feature.ErrUnknownFeature), errors.Is(err, store.ErrInvalidUser):
		status = http.StatusBadRequest
	case errors.Is(err, artifact.ErrInvalidTransition), errors.Is(err, feature.ErrAlreadyInjected),
		errors.Is(err, store.ErrUserExists):
		status = http.StatusConflict
	case errors.Is(err, locator.ErrNotFound), errors.Is(err, feature.ErrNotRegularFile):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		logging.Get(logging.CategoryServer).Error("%s %s: %v", r.Method, r.URL.Path, err)
		writeMessage(w, status, msgServerError)
		return
	}
	writeMessage(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"artifacts": s.pipeline.Store().Len(),
		"pipeline":  s.pipeline.Stats(),
	})
}

type uploadResponse struct {
	Message  string            `json:"message"`
	FilePath string            `json:"filePath"`
	Artifact artifact.Artifact `json:"artifact"`
}

// handleUpload stores a multipart "file" under the uploads directory,
// registers an artifact for it, and starts decompilation in the background.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		if isMaxBytesError(err) {
			writeMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload too large (max %d bytes).", s.cfg.MaxUploadBytes))
			return
		}
		writeMessage(w, http.StatusBadRequest, "No file uploaded.")
		return
	}
	defer file.Close()

	ownerID := strings.TrimSpace(r.FormValue("userId"))
	if ownerID != "" {
		if _, err := s.users.Get(r.Context(), ownerID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(header.Filename, `\`, "/")))
	if name == "/" || name == "." {
		writeMessage(w, http.StatusBadRequest, "No file uploaded.")
		return
	}

	dest, err := filepath.Abs(filepath.Join(s.cfg.UploadsDir, fmt.Sprintf("file-%d-%s", s.now().UnixMilli(), name)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := saveUpload(dest, file); err != nil {
		writeError(w, r, err)
		return
	}

	a, err := s.pipeline.Intake(r.Context(), name, dest, ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if s.archive != nil {
		if err := s.archive.PutFile(r.Context(), a.ID, name, dest); err != nil {
			logging.Get(logging.CategoryServer).Warn("Archiving upload %s failed: %v", a.ID, err)
		}
	}

	if err := s.pipeline.Submit(a.ID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Message:  "File uploaded successfully.",
		FilePath: dest,
		Artifact: a,
	})
}

// isMaxBytesError reports whether err came from the request body limit.
// Some multipart paths flatten the error, so the message is checked too.
func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func saveUpload(dest string, src io.Reader) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req store.User
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	u, err := s.users.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User registered successfully",
		"user":    u,
	})
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	u, err := s.users.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.users.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "User deleted successfully")
}

func (s *Server) handleFeatureList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"features": s.pipeline.Catalog().Names(),
	})
}

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	all := s.pipeline.Store().List()
	if owner := r.URL.Query().Get("userId"); owner != "" {
		filtered := make([]artifact.Artifact, 0, len(all))
		for _, a := range all {
			if a.OwnerID == owner {
				filtered = append(filtered, a)
			}
		}
		all = filtered
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.pipeline.Store().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type injectRequest struct {
	Feature string `json:"feature"`
}

type injectResponse struct {
	Artifact artifact.Artifact `json:"artifact"`
	Result   feature.Result    `json:"result"`
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Feature) == "" {
		writeMessage(w, http.StatusBadRequest, "A feature name is required.")
		return
	}
	a, res, err := s.pipeline.Inject(r.Context(), chi.URLParam(r, "id"), req.Feature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, injectResponse{Artifact: a, Result: res})
}

// handleRebuild starts a rebuild in the background; clients poll the
// artifact for the outcome.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.pipeline.Store().Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if a.State != artifact.StateFeatureInjected {
		writeError(w, r, &artifact.TransitionError{
			ID: id, From: a.State, To: artifact.StateRebuilding,
			Reason: "rebuild requires FeatureInjected",
		})
		return
	}
	if err := s.pipeline.SubmitRebuild(id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}
