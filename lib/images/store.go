package images

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"

	"github.com/imagekiln/kiln/lib/paths"
)

// Store holds published images as OCI layouts plus JSON metadata under the
// data directory. Publication is atomic: an image is assembled in a staging
// directory and renamed into place, so the store never contains a partially
// built image.
type Store struct {
	paths *paths.Paths
}

// NewStore creates a store rooted at the given paths.
func NewStore(p *paths.Paths) *Store {
	return &Store{paths: p}
}

// Publish writes the image and its metadata to the store. The metadata's
// Digest, SizeBytes and Layers fields are filled in from the image.
func (s *Store) Publish(img v1.Image, meta *Image) (*Image, error) {
	if s.Exists(meta.ID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, meta.ID)
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("image digest: %w", err)
	}
	meta.Digest = digest.String()

	size, layers, err := imageSize(img)
	if err != nil {
		return nil, fmt.Errorf("image size: %w", err)
	}
	meta.SizeBytes = size
	meta.Layers = layers

	staging := s.paths.ImageStagingDir(meta.ID)
	defer os.RemoveAll(staging)

	layoutDir := staging + "/oci"
	lp, err := layout.Write(layoutDir, empty.Index)
	if err != nil {
		return nil, fmt.Errorf("write oci layout: %w", err)
	}
	if err := lp.AppendImage(img); err != nil {
		return nil, fmt.Errorf("append image: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(staging+"/metadata.json", data, 0644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	if err := os.MkdirAll(s.paths.ImagesDir(), 0755); err != nil {
		return nil, fmt.Errorf("create images dir: %w", err)
	}
	if err := os.Rename(staging, s.paths.ImageDir(meta.ID)); err != nil {
		return nil, fmt.Errorf("publish image: %w", err)
	}

	return meta, nil
}

// Get returns metadata for a published image.
func (s *Store) Get(id string) (*Image, error) {
	return s.readMetadata(id)
}

// Exists reports whether an image is published under the given ID.
func (s *Store) Exists(id string) bool {
	_, err := s.readMetadata(id)
	return err == nil
}

// List returns all published images, newest first.
func (s *Store) List() ([]*Image, error) {
	entries, err := os.ReadDir(s.paths.ImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*Image{}, nil
		}
		return nil, fmt.Errorf("read images directory: %w", err)
	}

	var metas []*Image
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		meta, err := s.readMetadata(entry.Name())
		if err != nil {
			// Skip invalid entries rather than failing the listing
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Delete removes a published image and its metadata.
func (s *Store) Delete(id string) error {
	dir := s.paths.ImageDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat image directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove image directory: %w", err)
	}
	return nil
}

// LoadImage loads a published image back from its OCI layout.
func (s *Store) LoadImage(id string) (v1.Image, error) {
	meta, err := s.readMetadata(id)
	if err != nil {
		return nil, err
	}

	lp, err := layout.FromPath(s.paths.ImageLayout(id))
	if err != nil {
		return nil, fmt.Errorf("open oci layout: %w", err)
	}

	digest, err := v1.NewHash(meta.Digest)
	if err != nil {
		return nil, fmt.Errorf("parse digest: %w", err)
	}

	img, err := lp.Image(digest)
	if err != nil {
		return nil, fmt.Errorf("load image from layout: %w", err)
	}
	return img, nil
}

func (s *Store) readMetadata(id string) (*Image, error) {
	data, err := os.ReadFile(s.paths.ImageMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta Image
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// imageSize totals the manifest, config and layer sizes.
func imageSize(img v1.Image) (int64, int, error) {
	manifest, err := img.Manifest()
	if err != nil {
		return 0, 0, err
	}
	raw, err := img.RawManifest()
	if err != nil {
		return 0, 0, err
	}

	size := int64(len(raw)) + manifest.Config.Size
	for _, l := range manifest.Layers {
		size += l.Size
	}
	return size, len(manifest.Layers), nil
}

var idSanitizePattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// GenerateID derives a store ID from an image reference.
// Example: docker.io/library/python:3.12-alpine3.18 -> img-python-3-12-alpine3-18
func GenerateID(imageName string) string {
	parts := strings.Split(imageName, "/")
	nameTag := parts[len(parts)-1]

	sanitized := idSanitizePattern.ReplaceAllString(nameTag, "-")
	sanitized = strings.Trim(sanitized, "-")

	return "img-" + sanitized
}
