package images

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// NormalizedRef is a validated and normalized image reference, either tagged
// (e.g. "docker.io/library/python:3.12-alpine3.18") or pinned by digest
// (e.g. "docker.io/library/python@sha256:abc...").
type NormalizedRef struct {
	raw        string
	repository string
	tag        string // empty if digest ref
	digest     string // empty if tag ref
	isDigest   bool
}

// ParseNormalizedRef validates and normalizes a user-provided image reference.
// Examples:
//   - "python" -> "docker.io/library/python:latest"
//   - "python:3.12-alpine3.18" -> "docker.io/library/python:3.12-alpine3.18"
//   - "python@sha256:abc..." -> "docker.io/library/python@sha256:abc..."
func ParseNormalizedRef(s string) (*NormalizedRef, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
	}

	ref := &NormalizedRef{
		repository: reference.Domain(named) + "/" + reference.Path(named),
	}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.isDigest = true
		ref.digest = canonical.Digest().String()
		ref.raw = canonical.String()
		return ref, nil
	}

	// Tagged reference, add :latest if no tag was given
	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	ref.raw = tagged.String()

	return ref, nil
}

// String returns the full normalized reference.
func (r *NormalizedRef) String() string {
	return r.raw
}

// IsDigest reports whether this reference pins a digest (@sha256:...).
func (r *NormalizedRef) IsDigest() bool {
	return r.isDigest
}

// Repository returns the repository path without tag or digest,
// e.g. "docker.io/library/python".
func (r *NormalizedRef) Repository() string {
	return r.repository
}

// Tag returns the tag for tagged references, empty otherwise.
func (r *NormalizedRef) Tag() string {
	return r.tag
}

// Digest returns the digest for digest references, empty otherwise.
func (r *NormalizedRef) Digest() string {
	return r.digest
}

// ResolvedRef is a NormalizedRef resolved against the registry: the manifest
// digest is always populated, so the build is pinned even when the user gave
// a floating tag.
type ResolvedRef struct {
	normalized *NormalizedRef
	digest     string // always "sha256:..."
}

// NewResolvedRef pairs a normalized reference with its resolved digest.
func NewResolvedRef(normalized *NormalizedRef, digest string) *ResolvedRef {
	return &ResolvedRef{normalized: normalized, digest: digest}
}

// String returns the original normalized reference.
func (r *ResolvedRef) String() string {
	return r.normalized.String()
}

// Repository returns the repository path.
func (r *ResolvedRef) Repository() string {
	return r.normalized.Repository()
}

// Digest returns the resolved manifest digest.
func (r *ResolvedRef) Digest() string {
	return r.digest
}

// DigestHex returns the hex portion of the digest without the algorithm
// prefix.
func (r *ResolvedRef) DigestHex() string {
	parts := strings.SplitN(r.digest, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// Pinned returns the repository pinned by digest, the form used when pulling
// the exact resolved manifest.
func (r *ResolvedRef) Pinned() string {
	return r.Repository() + "@" + r.digest
}
