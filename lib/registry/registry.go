// Package registry embeds an OCI Distribution Spec registry so built images
// can be pushed locally and pulled by an external orchestrator without a
// separate registry deployment.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/google/go-containerregistry/pkg/registry"

	"github.com/imagekiln/kiln/lib/paths"
)

// manifestPutPattern matches PUT requests to /v2/{name}/manifests/{reference}.
var manifestPutPattern = regexp.MustCompile(`^/v2/(.+)/manifests/(.+)$`)

// Registry wraps go-containerregistry's in-memory distribution registry and
// keeps a persisted index of pushed manifests. Blob contents live in memory;
// the index records what was pushed so the catalog can be inspected.
type Registry struct {
	paths   *paths.Paths
	logger  *slog.Logger
	handler http.Handler

	mu   sync.Mutex
	tags map[string]string // "repo:reference" -> digest
}

// New creates an embedded registry.
func New(p *paths.Paths, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		paths:   p,
		logger:  logger,
		handler: registry.New(registry.Logger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))),
		tags:    make(map[string]string),
	}

	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

// Handler returns the http.Handler for the /v2/ distribution endpoints.
// Manifest PUTs are intercepted to record the pushed reference in the index.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPut {
			if matches := manifestPutPattern.FindStringSubmatch(req.URL.Path); matches != nil {
				repo, reference := matches[1], matches[2]

				wrapper := &responseWrapper{ResponseWriter: w}
				r.handler.ServeHTTP(wrapper, req)

				if wrapper.statusCode == http.StatusCreated {
					digest := wrapper.Header().Get("Docker-Content-Digest")
					r.record(repo, reference, digest)
					r.logger.Info("manifest pushed", "repo", repo, "reference", reference, "digest", digest)
				}
				return
			}
		}

		r.handler.ServeHTTP(w, req)
	})
}

// Repositories returns the pushed "repo:reference" entries, sorted.
func (r *Registry) Repositories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]string, 0, len(r.tags))
	for key := range r.tags {
		entries = append(entries, key)
	}
	sort.Strings(entries)
	return entries
}

func (r *Registry) record(repo, reference, digest string) {
	r.mu.Lock()
	r.tags[repo+":"+reference] = digest
	r.mu.Unlock()

	if err := r.saveIndex(); err != nil {
		r.logger.Warn("persist registry index", "error", err)
	}
}

func (r *Registry) loadIndex() error {
	data, err := os.ReadFile(r.paths.RegistryIndex())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry index: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := json.Unmarshal(data, &r.tags); err != nil {
		return fmt.Errorf("parse registry index: %w", err)
	}
	return nil
}

func (r *Registry) saveIndex() error {
	r.mu.Lock()
	data, err := json.MarshalIndent(r.tags, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal registry index: %w", err)
	}

	path := r.paths.RegistryIndex()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write registry index: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename registry index: %w", err)
	}
	return nil
}

// responseWrapper captures the status code from the response.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
