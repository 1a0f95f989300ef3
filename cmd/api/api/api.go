// Package api exposes the build and image managers over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/imagekiln/kiln/cmd/api/config"
	"github.com/imagekiln/kiln/lib/builds"
	"github.com/imagekiln/kiln/lib/images"
	mw "github.com/imagekiln/kiln/lib/middleware"
	"github.com/imagekiln/kiln/lib/registry"
)

// ApiService wires the managers into HTTP handlers.
type ApiService struct {
	Config       *config.Config
	BuildManager builds.Manager
	ImageStore   *images.Store
	Registry     *registry.Registry
	Logger       *slog.Logger
	HTTPMetrics  *mw.HTTPMetrics
}

// New creates a new ApiService.
func New(
	cfg *config.Config,
	buildManager builds.Manager,
	imageStore *images.Store,
	reg *registry.Registry,
	logger *slog.Logger,
	httpMetrics *mw.HTTPMetrics,
) *ApiService {
	return &ApiService{
		Config:       cfg,
		BuildManager: buildManager,
		ImageStore:   imageStore,
		Registry:     reg,
		Logger:       logger,
		HTTPMetrics:  httpMetrics,
	}
}

// Router builds the HTTP routes.
func (s *ApiService) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.AccessLogger(s.Logger))
	r.Use(middleware.Recoverer)
	r.Use(otelchi.Middleware("kiln-api"))
	if s.HTTPMetrics != nil {
		r.Use(s.HTTPMetrics.Middleware)
	}
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/builds", func(r chi.Router) {
		r.Get("/", s.ListBuilds)
		r.Post("/", s.CreateBuild)
		r.Get("/{id}", s.GetBuild)
		r.Get("/{id}/logs", s.GetBuildLogs)
		r.Post("/{id}/cancel", s.CancelBuild)
	})

	r.Route("/images", func(r chi.Router) {
		r.Get("/", s.ListImages)
		r.Get("/{id}", s.GetImage)
		r.Get("/{id}/export", s.ExportImage)
		r.Delete("/{id}", s.DeleteImage)
	})

	// OCI distribution endpoints for the embedded registry
	r.Mount("/v2", s.Registry.Handler())

	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *ApiService) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("encode response", "error", err)
	}
}

func (s *ApiService) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, builds.ErrNotFound), errors.Is(err, images.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Code: "not_found", Message: err.Error()})
	case errors.Is(err, images.ErrInvalidName),
		errors.Is(err, builds.ErrInvalidRuntime),
		errors.Is(err, builds.ErrNotCancellable):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: err.Error()})
	case errors.Is(err, images.ErrAlreadyExists):
		s.writeJSON(w, http.StatusConflict, errorResponse{Code: "conflict", Message: err.Error()})
	default:
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "error", Message: err.Error()})
	}
}
