package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/imagekiln/kiln/lib/images"
)

// ListImages lists all published images.
func (s *ApiService) ListImages(w http.ResponseWriter, r *http.Request) {
	list, err := s.ImageStore.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lo.Map(list, func(img *images.Image, _ int) images.Image {
		return *img
	}))
}

// GetImage returns image details.
func (s *ApiService) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.ImageStore.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, img)
}

// ExportImage streams the image as a docker-style tarball.
func (s *ApiService) ExportImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ImageStore.Get(id); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition", "attachment; filename="+id+".tar")
	if err := s.ImageStore.ExportTarball(id, w); err != nil {
		// Headers are already sent, the broken stream is all we can signal
		s.Logger.Error("export image", "id", id, "error", err)
	}
}

// DeleteImage deletes a published image.
func (s *ApiService) DeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.ImageStore.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
