// Package paths centralizes the on-disk layout of the kiln data directory.
package paths

import "path/filepath"

// Paths resolves locations inside the data directory. All managers go through
// this type so the layout lives in one place.
type Paths struct {
	dataDir string
}

// New creates a Paths rooted at dataDir.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// ImagesDir returns the directory holding published images.
func (p *Paths) ImagesDir() string {
	return filepath.Join(p.dataDir, "images")
}

// ImageDir returns the directory for a single published image.
func (p *Paths) ImageDir(imageID string) string {
	return filepath.Join(p.ImagesDir(), imageID)
}

// ImageLayout returns the OCI layout directory for a published image.
func (p *Paths) ImageLayout(imageID string) string {
	return filepath.Join(p.ImageDir(imageID), "oci")
}

// ImageMetadata returns the metadata file for a published image.
func (p *Paths) ImageMetadata(imageID string) string {
	return filepath.Join(p.ImageDir(imageID), "metadata.json")
}

// ImageStagingDir returns the temp directory an image is assembled in before
// it is atomically renamed into ImagesDir.
func (p *Paths) ImageStagingDir(imageID string) string {
	return filepath.Join(p.ImagesDir(), ".staging-"+imageID)
}

// BuildsDir returns the directory holding build job state.
func (p *Paths) BuildsDir() string {
	return filepath.Join(p.dataDir, "builds")
}

// BuildDir returns the directory for a single build job.
func (p *Paths) BuildDir(buildID string) string {
	return filepath.Join(p.BuildsDir(), buildID)
}

// BuildMetadata returns the metadata file for a build job.
func (p *Paths) BuildMetadata(buildID string) string {
	return filepath.Join(p.BuildDir(buildID), "metadata.json")
}

// BuildLog returns the log file for a build job.
func (p *Paths) BuildLog(buildID string) string {
	return filepath.Join(p.BuildDir(buildID), "build.log")
}

// BuildScratchDir returns the scratch directory used while a build is running
// (dependency staging, layer tarballs). Removed when the build finishes.
func (p *Paths) BuildScratchDir(buildID string) string {
	return filepath.Join(p.BuildDir(buildID), "scratch")
}

// LayerCacheDir returns the directory holding cached dependency layers.
func (p *Paths) LayerCacheDir() string {
	return filepath.Join(p.dataDir, "cache", "layers")
}

// LayerCacheBlob returns the cached compressed layer for a cache key.
func (p *Paths) LayerCacheBlob(key string) string {
	return filepath.Join(p.LayerCacheDir(), key+".tar.gz")
}

// RegistryIndex returns the file the embedded registry records pushed
// manifests in.
func (p *Paths) RegistryIndex() string {
	return filepath.Join(p.dataDir, "registry", "index.json")
}
