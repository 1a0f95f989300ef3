package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/imagekiln/kiln/lib/builds"
)

// CreateBuild starts a new image build.
func (s *ApiService) CreateBuild(w http.ResponseWriter, r *http.Request) {
	var req builds.CreateBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: "invalid request body"})
		return
	}

	build, err := s.BuildManager.CreateBuild(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, build)
}

// ListBuilds lists all builds, newest first.
func (s *ApiService) ListBuilds(w http.ResponseWriter, r *http.Request) {
	list, err := s.BuildManager.ListBuilds(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// GetBuild returns build details.
func (s *ApiService) GetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := s.BuildManager.GetBuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, build)
}

// GetBuildLogs returns the build log as plain text.
func (s *ApiService) GetBuildLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.BuildManager.GetBuildLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(logs)
}

// CancelBuild cancels a queued or running build.
func (s *ApiService) CancelBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.BuildManager.CancelBuild(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	build, err := s.BuildManager.GetBuild(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, build)
}
