package images

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/imagekiln/kiln/lib/paths"
)

// LayerCache stores built dependency layers keyed by what produced them, so a
// rebuild that only changes application source reuses the cached layer and
// never re-runs dependency installation.
type LayerCache struct {
	paths *paths.Paths
}

// NewLayerCache creates a cache rooted at the given paths.
func NewLayerCache(p *paths.Paths) *LayerCache {
	return &LayerCache{paths: p}
}

// CacheKey derives the cache key for a dependency layer: the base image
// digest plus the canonical manifest bytes. Any change to either invalidates
// the cached layer; a source-tree change does not.
func CacheKey(baseDigest string, canonicalManifest []byte) string {
	h := sha256.New()
	h.Write([]byte(baseDigest))
	h.Write([]byte("\n"))
	h.Write(canonicalManifest)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached layer for key, or false if absent.
func (c *LayerCache) Get(key string) (v1.Layer, bool) {
	path := c.paths.LayerCacheBlob(key)
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	layer, err := tarball.LayerFromFile(path)
	if err != nil {
		// Unreadable cache entry, treat as a miss
		return nil, false
	}
	return layer, true
}

// Put stores a layer under key. The compressed blob is written to a temp file
// and renamed so concurrent readers never see a partial entry.
func (c *LayerCache) Put(key string, layer v1.Layer) error {
	if err := os.MkdirAll(c.paths.LayerCacheDir(), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	rc, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("read layer: %w", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(c.paths.LayerCacheDir(), "layer-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return fmt.Errorf("write layer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), c.paths.LayerCacheBlob(key)); err != nil {
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}
