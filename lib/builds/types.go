package builds

import "time"

// Build statuses. The pipeline is a strict linear sequence; Failed and
// Cancelled are absorbing, there are no retries.
const (
	StatusQueued         = "queued"
	StatusResolvingBase  = "resolving-base"
	StatusConfiguring    = "configuring"
	StatusInstallingDeps = "installing-deps"
	StatusCopyingSource  = "copying-source"
	StatusPublishing     = "publishing"
	StatusReady          = "ready"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
)

// Runtime identifies the dependency toolchain baked into the image.
const RuntimePython = "python"

// CreateBuildRequest describes one image build.
type CreateBuildRequest struct {
	// BaseImage is the base runtime reference, e.g. "python:3.12-alpine3.18".
	BaseImage string `json:"base_image"`

	// Manifest is the path of the dependency manifest (requirements-style or
	// JSON). Empty means the image has no dependency layer.
	Manifest string `json:"manifest,omitempty"`

	// Source is the path of the application source tree. The tree is copied
	// verbatim; an empty directory is fine.
	Source string `json:"source"`

	// Env entries are baked into the image config on top of the runtime
	// defaults.
	Env map[string]string `json:"env,omitempty"`

	// Runtime selects the installer toolchain. Defaults to "python".
	Runtime string `json:"runtime,omitempty"`

	// ImageID overrides the generated store ID for the result.
	ImageID string `json:"image_id,omitempty"`

	// TimeoutSeconds overrides the default build timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Build is the externally visible state of a build job.
type Build struct {
	ID            string              `json:"id"`
	Status        string              `json:"status"`
	QueuePosition *int                `json:"queue_position,omitempty"`
	Request       *CreateBuildRequest `json:"request,omitempty"`
	ImageID       *string             `json:"image_id,omitempty"`
	ImageDigest   *string             `json:"image_digest,omitempty"`
	Error         *string             `json:"error,omitempty"`
	DepsCached    bool                `json:"deps_cached"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	DurationMS    *int64              `json:"duration_ms,omitempty"`
}

// IsTerminal reports whether the build reached an absorbing state.
func IsTerminal(status string) bool {
	switch status {
	case StatusReady, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
