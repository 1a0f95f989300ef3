package images

import "time"

// Image is a published image in the local store.
type Image struct {
	ID         string            `json:"id"`
	BaseImage  string            `json:"base_image"` // normalized base ref
	BaseDigest string            `json:"base_digest"`
	Digest     string            `json:"digest"` // manifest digest of the built image
	SizeBytes  int64             `json:"size_bytes"`
	Env        map[string]string `json:"env,omitempty"`
	Layers     int               `json:"layers"`
	CreatedAt  time.Time         `json:"created_at"`
}
