package builds

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/nrednav/cuid2"
	"go.opentelemetry.io/otel/metric"

	"github.com/imagekiln/kiln/lib/images"
	"github.com/imagekiln/kiln/lib/manifest"
	"github.com/imagekiln/kiln/lib/paths"
)

// Manager runs image builds: base image + dependency layer + source layer +
// baked environment, published atomically to the image store.
type Manager interface {
	// CreateBuild validates the request and starts (or queues) the build.
	CreateBuild(ctx context.Context, req CreateBuildRequest) (*Build, error)

	// GetBuild returns a build by ID.
	GetBuild(ctx context.Context, id string) (*Build, error)

	// ListBuilds returns all builds, newest first.
	ListBuilds(ctx context.Context) ([]*Build, error)

	// CancelBuild cancels a queued or running build.
	CancelBuild(ctx context.Context, id string) error

	// GetBuildLogs returns the log output for a build.
	GetBuildLogs(ctx context.Context, id string) ([]byte, error)

	// WaitForBuild blocks until the build reaches a terminal state.
	WaitForBuild(ctx context.Context, id string) (*Build, error)
}

// Config holds build manager configuration.
type Config struct {
	// MaxConcurrentBuilds bounds parallel builds; excess builds queue.
	MaxConcurrentBuilds int

	// DefaultTimeoutSeconds is applied when a request has no timeout.
	DefaultTimeoutSeconds int

	// PushTo, when set, is a registry host successful builds are pushed to
	// under kiln/<image-id>:latest (e.g. "localhost:8080").
	PushTo string

	// PushInsecure allows plain-HTTP push targets (the embedded registry).
	PushInsecure bool
}

// DefaultConfig returns the default build manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentBuilds:   2,
		DefaultTimeoutSeconds: 600,
	}
}

type manager struct {
	config    Config
	paths     *paths.Paths
	store     *images.Store
	puller    *images.Puller
	cache     *images.LayerCache
	installer Installer
	queue     *BuildQueue
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager creates a build manager.
func NewManager(
	p *paths.Paths,
	config Config,
	store *images.Store,
	puller *images.Puller,
	cache *images.LayerCache,
	installer Installer,
	logger *slog.Logger,
	meter metric.Meter,
) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrentBuilds < 1 {
		config.MaxConcurrentBuilds = 1
	}
	if config.DefaultTimeoutSeconds < 1 {
		config.DefaultTimeoutSeconds = DefaultConfig().DefaultTimeoutSeconds
	}

	m := &manager{
		config:    config,
		paths:     p,
		store:     store,
		puller:    puller,
		cache:     cache,
		installer: installer,
		queue:     NewBuildQueue(config.MaxConcurrentBuilds),
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
	}

	if meter != nil {
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

func (m *manager) CreateBuild(ctx context.Context, req CreateBuildRequest) (*Build, error) {
	if req.Runtime == "" {
		req.Runtime = RuntimePython
	}
	if req.Runtime != RuntimePython {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRuntime, req.Runtime)
	}

	// Fail fast on a malformed base reference; resolution against the
	// registry happens inside the pipeline.
	if _, err := images.ParseNormalizedRef(req.BaseImage); err != nil {
		return nil, err
	}

	id := cuid2.Generate()
	m.logger.Info("creating build", "id", id, "base", req.BaseImage, "runtime", req.Runtime)

	meta := &buildMetadata{
		ID:        id,
		Status:    StatusQueued,
		Request:   &req,
		CreatedAt: time.Now(),
	}
	if err := writeMetadata(m.paths, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	pos := m.queue.Enqueue(id, func() {
		m.runBuild(id, req)
	})
	if pos > 0 {
		meta.QueuePosition = &pos
		if err := writeMetadata(m.paths, meta); err != nil {
			m.logger.Error("write queue position", "id", id, "error", err)
		}
	}

	return meta.toBuild(), nil
}

// runBuild drives one build to a terminal state and releases its queue slot.
func (m *manager) runBuild(id string, req CreateBuildRequest) {
	defer m.queue.MarkComplete(id)
	defer os.RemoveAll(m.paths.BuildScratchDir(id))

	meta, err := readMetadata(m.paths, id)
	if err != nil {
		m.logger.Error("read metadata at build start", "id", id, "error", err)
		return
	}
	if IsTerminal(meta.Status) {
		// Cancelled while waiting in the queue
		m.logger.Info("build already terminal, skipping", "id", id, "status", meta.Status)
		return
	}

	timeout := time.Duration(m.config.DefaultTimeoutSeconds) * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
	}()

	start := time.Now()
	result, err := m.executeBuild(ctx, id, req)
	duration := time.Since(start)
	durationMS := duration.Milliseconds()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w after %s", ErrBuildTimeout, timeout)
		}
		m.logger.Error("build failed", "id", id, "error", err, "duration", duration)
		errMsg := err.Error()
		m.updateComplete(id, StatusFailed, nil, nil, &errMsg, false, &durationMS)
		if m.metrics != nil {
			m.metrics.RecordBuild(context.Background(), StatusFailed, req.Runtime, duration)
		}
		return
	}

	m.logger.Info("build succeeded",
		"id", id, "image", result.imageID, "digest", result.digest,
		"size", datasize.ByteSize(result.sizeBytes).HumanReadable(),
		"deps_cached", result.depsCached, "duration", duration)
	m.updateComplete(id, StatusReady, &result.imageID, &result.digest, nil, result.depsCached, &durationMS)
	if m.metrics != nil {
		m.metrics.RecordBuild(context.Background(), StatusReady, req.Runtime, duration)
	}
}

type buildResult struct {
	imageID    string
	digest     string
	sizeBytes  int64
	depsCached bool
}

// executeBuild runs the pipeline: resolve base, compute env, install
// dependencies, copy source, assemble and publish. Each step must complete
// before the next starts; the first error aborts the whole build and nothing
// is published.
func (m *manager) executeBuild(ctx context.Context, id string, req CreateBuildRequest) (*buildResult, error) {
	logw, closeLog, err := m.openLog(id)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	// Resolve the base reference to a pinned digest and fetch it.
	m.setStatus(id, StatusResolvingBase)
	ref, err := images.ParseNormalizedRef(req.BaseImage)
	if err != nil {
		return nil, err
	}
	resolved, err := m.puller.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(logw, "base %s resolved to %s\n", ref, resolved.Digest())

	base, err := m.puller.Image(ctx, resolved)
	if err != nil {
		return nil, err
	}

	// Process-wide configuration: runtime defaults overlaid with the
	// request's env. Baked at build time, inherited by every container
	// started from the image.
	m.setStatus(id, StatusConfiguring)
	env := map[string]string{"PYTHONUNBUFFERED": "1"}
	if req.Manifest != "" {
		env["PYTHONPATH"] = "/" + depsLayerPrefix
	}
	for k, v := range req.Env {
		env[k] = v
	}

	var layers []v1.Layer
	depsCached := false

	// Dependency layer, cached on (base digest, manifest content).
	if req.Manifest != "" {
		m.setStatus(id, StatusInstallingDeps)
		man, err := manifest.ParseFile(req.Manifest)
		if err != nil {
			return nil, err
		}

		key := images.CacheKey(resolved.Digest(), man.Canonical())
		depsLayer, ok := m.cache.Get(key)
		if ok {
			depsCached = true
			fmt.Fprintf(logw, "dependency layer cache hit (%d packages)\n", len(man.Dependencies))
			if m.metrics != nil {
				m.metrics.RecordCacheHit(ctx, req.Runtime)
			}
		} else {
			depsLayer, err = m.installDependencies(ctx, id, key, man, logw)
			if err != nil {
				return nil, err
			}
		}
		layers = append(layers, depsLayer)
	}

	// Source layer: the tree is copied verbatim, empty is fine.
	m.setStatus(id, StatusCopyingSource)
	srcLayer, err := images.LayerFromDir(req.Source, sourceLayerPrefix)
	if err != nil {
		return nil, fmt.Errorf("copy source: %w", err)
	}
	layers = append(layers, srcLayer)

	// Assemble and publish atomically.
	m.setStatus(id, StatusPublishing)
	img, err := images.Assemble(base, images.AssembleOptions{
		BaseRef:   resolved,
		Layers:    layers,
		Env:       env,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	imageID := req.ImageID
	if imageID == "" {
		imageID = "img-" + id
	}
	meta, err := m.store.Publish(img, &images.Image{
		ID:         imageID,
		BaseImage:  resolved.String(),
		BaseDigest: resolved.Digest(),
		Env:        env,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("publish image: %w", err)
	}
	fmt.Fprintf(logw, "published %s (%s, %s)\n",
		imageID, meta.Digest, datasize.ByteSize(meta.SizeBytes).HumanReadable())

	if m.config.PushTo != "" {
		dest := fmt.Sprintf("%s/kiln/%s:latest", m.config.PushTo, imageID)
		if _, err := m.store.Push(ctx, imageID, dest, m.config.PushInsecure); err != nil {
			// The build contract is atomic: a failed push leaves no image
			if delErr := m.store.Delete(imageID); delErr != nil {
				m.logger.Error("remove image after failed push", "id", id, "image", imageID, "error", delErr)
			}
			return nil, fmt.Errorf("push image: %w", err)
		}
		fmt.Fprintf(logw, "pushed %s\n", dest)
	}

	return &buildResult{
		imageID:    imageID,
		digest:     meta.Digest,
		sizeBytes:  meta.SizeBytes,
		depsCached: depsCached,
	}, nil
}

const (
	depsLayerPrefix   = "opt/kiln/deps"
	sourceLayerPrefix = "app"
)

// installDependencies runs the installer into a scratch directory, packages
// the result as a layer and stores it in the cache.
func (m *manager) installDependencies(ctx context.Context, id, key string, man *manifest.Manifest, logw io.Writer) (v1.Layer, error) {
	staging := m.paths.BuildScratchDir(id) + "/deps"
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("create deps staging dir: %w", err)
	}

	fmt.Fprintf(logw, "installing %d packages\n", len(man.Dependencies))
	if err := m.installer.Install(ctx, man, staging, logw); err != nil {
		return nil, err
	}

	layer, err := images.LayerFromDir(staging, depsLayerPrefix)
	if err != nil {
		return nil, fmt.Errorf("package dependency layer: %w", err)
	}

	if err := m.cache.Put(key, layer); err != nil {
		m.logger.Warn("cache dependency layer", "id", id, "error", err)
		return layer, nil
	}
	// Prefer the cache-backed layer so the layer no longer depends on the
	// scratch directory, which is removed when the build finishes.
	if cached, ok := m.cache.Get(key); ok {
		return cached, nil
	}
	return layer, nil
}

func (m *manager) openLog(id string) (io.Writer, func(), error) {
	if err := os.MkdirAll(m.paths.BuildDir(id), 0755); err != nil {
		return nil, nil, fmt.Errorf("create build dir: %w", err)
	}
	f, err := os.OpenFile(m.paths.BuildLog(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open build log: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// setStatus advances the pipeline state. Terminal states are never
// overwritten, so a cancel racing the pipeline sticks.
func (m *manager) setStatus(id string, status string) {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		m.logger.Error("read metadata for status update", "id", id, "error", err)
		return
	}
	if IsTerminal(meta.Status) {
		return
	}

	meta.Status = status
	meta.QueuePosition = nil
	if meta.StartedAt == nil {
		now := time.Now()
		meta.StartedAt = &now
	}

	if err := writeMetadata(m.paths, meta); err != nil {
		m.logger.Error("write metadata for status update", "id", id, "error", err)
	}
}

func (m *manager) updateComplete(id, status string, imageID, digest, errMsg *string, depsCached bool, durationMS *int64) {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		m.logger.Error("read metadata for completion", "id", id, "error", err)
		return
	}
	if IsTerminal(meta.Status) {
		return
	}

	now := time.Now()
	meta.Status = status
	meta.QueuePosition = nil
	meta.ImageID = imageID
	meta.ImageDigest = digest
	meta.Error = errMsg
	meta.DepsCached = depsCached
	meta.CompletedAt = &now
	meta.DurationMS = durationMS

	if err := writeMetadata(m.paths, meta); err != nil {
		m.logger.Error("write metadata for completion", "id", id, "error", err)
	}
}

func (m *manager) GetBuild(ctx context.Context, id string) (*Build, error) {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return nil, err
	}
	build := meta.toBuild()
	if !IsTerminal(meta.Status) {
		build.QueuePosition = m.queue.Position(id)
	}
	return build, nil
}

func (m *manager) ListBuilds(ctx context.Context) ([]*Build, error) {
	metas, err := listAllBuilds(m.paths)
	if err != nil {
		return nil, err
	}

	builds := make([]*Build, 0, len(metas))
	for _, meta := range metas {
		builds = append(builds, meta.toBuild())
	}
	return builds, nil
}

func (m *manager) CancelBuild(ctx context.Context, id string) error {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return err
	}
	if IsTerminal(meta.Status) {
		return fmt.Errorf("%w: %s", ErrNotCancellable, meta.Status)
	}

	// Mark cancelled first so the pipeline goroutine cannot overwrite it.
	now := time.Now()
	meta.Status = StatusCancelled
	meta.QueuePosition = nil
	meta.CompletedAt = &now
	if err := writeMetadata(m.paths, meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	if m.queue.Remove(id) {
		m.logger.Info("cancelled queued build", "id", id)
		return nil
	}

	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	m.logger.Info("cancelled running build", "id", id)
	return nil
}

func (m *manager) GetBuildLogs(ctx context.Context, id string) ([]byte, error) {
	if _, err := readMetadata(m.paths, id); err != nil {
		return nil, err
	}
	return readLog(m.paths, id)
}

func (m *manager) WaitForBuild(ctx context.Context, id string) (*Build, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		build, err := m.GetBuild(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(build.Status) {
			return build, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
