package images

import (
	"fmt"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// AssembleOptions describes how to extend a base image into the final
// artifact.
type AssembleOptions struct {
	// BaseRef is the resolved base reference, recorded in annotations.
	BaseRef *ResolvedRef

	// Layers are appended on top of the base layers in order. Layer order is
	// part of the contract: the dependency layer comes before the source
	// layer so dependency installation caches independently of source edits.
	Layers []v1.Layer

	// Env entries are merged into the base config. An entry whose key already
	// exists in the base replaces it; new keys are appended sorted.
	Env map[string]string

	// CreatedAt is stamped as the image creation time.
	CreatedAt time.Time
}

// Assemble appends the layers and environment onto the base image and returns
// the final image. Nothing is written anywhere; publication is the store's
// job.
func Assemble(base v1.Image, opts AssembleOptions) (v1.Image, error) {
	img, err := mutate.AppendLayers(base, opts.Layers...)
	if err != nil {
		return nil, fmt.Errorf("append layers: %w", err)
	}

	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read base config: %w", err)
	}
	cfg := cfgFile.DeepCopy()
	cfg.Config.Env = mergeEnv(cfg.Config.Env, opts.Env)
	cfg.Created = v1.Time{Time: opts.CreatedAt}

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return nil, fmt.Errorf("set config: %w", err)
	}

	annotations := map[string]string{
		ocispec.AnnotationCreated: opts.CreatedAt.UTC().Format(time.RFC3339),
	}
	if opts.BaseRef != nil {
		annotations[ocispec.AnnotationBaseImageName] = opts.BaseRef.String()
		annotations[ocispec.AnnotationBaseImageDigest] = opts.BaseRef.Digest()
	}
	img = mutate.Annotations(img, annotations).(v1.Image)

	return img, nil
}

// mergeEnv overlays the override map onto docker-style "KEY=VALUE" entries.
// Base order is preserved for replaced keys; new keys are appended in sorted
// order so the resulting config is deterministic.
func mergeEnv(base []string, override map[string]string) []string {
	if len(override) == 0 {
		return base
	}

	remaining := make(map[string]string, len(override))
	for k, v := range override {
		remaining[k] = v
	}

	merged := make([]string, 0, len(base)+len(override))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if v, ok := remaining[key]; ok {
			merged = append(merged, key+"="+v)
			delete(remaining, key)
			continue
		}
		merged = append(merged, entry)
	}

	added := make([]string, 0, len(remaining))
	for k, v := range remaining {
		added = append(added, k+"="+v)
	}
	sort.Strings(added)

	return append(merged, added...)
}
