package builds

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/imagekiln/kiln/lib/paths"
)

// buildMetadata is the on-disk record for a build job.
type buildMetadata struct {
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

func (m *buildMetadata) toBuild() *Build {
	return &Build{
		ID:            m.ID,
		Status:        m.Status,
		QueuePosition: m.QueuePosition,
		Request:       m.Request,
		ImageID:       m.ImageID,
		ImageDigest:   m.ImageDigest,
		Error:         m.Error,
		DepsCached:    m.DepsCached,
		CreatedAt:     m.CreatedAt,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		DurationMS:    m.DurationMS,
	}
}

// writeMetadata writes metadata atomically using temp file + rename.
func writeMetadata(p *paths.Paths, meta *buildMetadata) error {
	dir := p.BuildDir(meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tempPath := p.BuildMetadata(meta.ID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}

	if err := os.Rename(tempPath, p.BuildMetadata(meta.ID)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}

	return nil
}

func readMetadata(p *paths.Paths, id string) (*buildMetadata, error) {
	data, err := os.ReadFile(p.BuildMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta buildMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// listAllBuilds scans the builds directory, newest first.
func listAllBuilds(p *paths.Paths) ([]*buildMetadata, error) {
	entries, err := os.ReadDir(p.BuildsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*buildMetadata{}, nil
		}
		return nil, fmt.Errorf("read builds directory: %w", err)
	}

	var metas []*buildMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := readMetadata(p, entry.Name())
		if err != nil {
			// Skip invalid entries, the listing should not fail on one
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

func readLog(p *paths.Paths, id string) ([]byte, error) {
	data, err := os.ReadFile(p.BuildLog(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("read build log: %w", err)
	}
	return data, nil
}
