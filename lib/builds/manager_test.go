package builds

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/require"

	"github.com/imagekiln/kiln/lib/images"
	"github.com/imagekiln/kiln/lib/manifest"
	"github.com/imagekiln/kiln/lib/paths"
)

// fakeInstaller writes one file per package instead of shelling out to pip.
// Packages named "not-a-real-package" fail resolution.
type fakeInstaller struct {
	calls atomic.Int32
}

func (f *fakeInstaller) Install(ctx context.Context, m *manifest.Manifest, targetDir string, logw io.Writer) error {
	f.calls.Add(1)
	for _, dep := range m.Dependencies {
		if dep.Name == "not-a-real-package" {
			return fmt.Errorf("%w: no matching distribution found for %s", ErrDependencyInstall, dep.Spec())
		}
		path := filepath.Join(targetDir, dep.Name, "__init__.py")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte("# "+dep.Spec()+"\n"), 0644); err != nil {
			return err
		}
		fmt.Fprintf(logw, "installed %s\n", dep.Spec())
	}
	return nil
}

// blockingInstaller holds every install until released.
type blockingInstaller struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingInstaller) Install(ctx context.Context, m *manifest.Manifest, targetDir string, logw io.Writer) error {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type testEnv struct {
	manager   Manager
	store     *images.Store
	installer *fakeInstaller
	host      string
	baseRef   string
	dir       string
}

// newTestEnv starts an in-process registry seeded with a base image and wires
// a manager with a fake installer against it.
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	baseRef := u.Host + "/library/python:3.12-alpine3.18"
	base, err := random.Image(1024, 1)
	require.NoError(t, err)
	parsed, err := name.ParseReference(baseRef, name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(parsed, base))

	dir := t.TempDir()
	p := paths.New(dir)
	store := images.NewStore(p)
	installer := &fakeInstaller{}

	mgr, err := NewManager(
		p, cfg, store,
		images.NewPuller(images.PullerOptions{Insecure: true}),
		images.NewLayerCache(p),
		installer,
		slog.New(slog.DiscardHandler),
		nil,
	)
	require.NoError(t, err)

	return &testEnv{
		manager:   mgr,
		store:     store,
		installer: installer,
		host:      u.Host,
		baseRef:   baseRef,
		dir:       dir,
	}
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requirements.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func runBuild(t *testing.T, env *testEnv, req CreateBuildRequest) *Build {
	t.Helper()
	build, err := env.manager.CreateBuild(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done, err := env.manager.WaitForBuild(ctx, build.ID)
	require.NoError(t, err)
	return done
}

func TestBuildSuccess(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Manifest:  writeManifest(t, "requests>=2.0\n"),
		Source:    writeSource(t, map[string]string{"main.py": "print('hi')"}),
	})

	require.Equal(t, StatusReady, build.Status)
	require.Nil(t, build.Error)
	require.NotNil(t, build.ImageID)
	require.NotNil(t, build.ImageDigest)

	// Exactly one image published
	list, err := env.store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Base layer + deps layer + source layer
	img, err := env.store.LoadImage(*build.ImageID)
	require.NoError(t, err)
	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3)

	// Output buffering disabled and the dependency layer on the module path,
	// inherited by every container started from the image
	cfg, err := img.ConfigFile()
	require.NoError(t, err)
	require.Contains(t, cfg.Config.Env, "PYTHONUNBUFFERED=1")
	require.Contains(t, cfg.Config.Env, "PYTHONPATH=/opt/kiln/deps")

	logs, err := env.manager.GetBuildLogs(context.Background(), build.ID)
	require.NoError(t, err)
	require.Contains(t, string(logs), "resolved to sha256:")
	require.Contains(t, string(logs), "installed requests>=2.0")
}

func TestBuildJSONManifest(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	path := filepath.Join(t.TempDir(), "deps.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"requests": ">=2.0"}`), 0644))

	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Manifest:  path,
		Source:    writeSource(t, map[string]string{"main.py": ""}),
	})
	require.Equal(t, StatusReady, build.Status)
}

func TestBuildUnresolvableBase(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.host + "/library/does-not-exist:1.0",
		Source:    writeSource(t, nil),
	})

	require.Equal(t, StatusFailed, build.Status)
	require.NotNil(t, build.Error)
	require.Contains(t, *build.Error, "base image unresolvable")

	// Nothing published
	list, err := env.store.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestBuildMalformedManifest(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Manifest:  writeManifest(t, "requests@2.0\n"),
		Source:    writeSource(t, nil),
	})

	require.Equal(t, StatusFailed, build.Status)
	require.Contains(t, *build.Error, "invalid manifest")

	// Manifest parsing fails before installation is attempted
	require.Equal(t, int32(0), env.installer.calls.Load())

	list, err := env.store.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestBuildUnresolvablePackage(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Manifest:  writeManifest(t, "not-a-real-package\n"),
		Source:    writeSource(t, map[string]string{"main.py": ""}),
	})

	require.Equal(t, StatusFailed, build.Status)
	require.Contains(t, *build.Error, "dependency installation failed")

	list, err := env.store.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestBuildMissingSource(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Source:    filepath.Join(t.TempDir(), "missing"),
	})

	require.Equal(t, StatusFailed, build.Status)
	require.Contains(t, *build.Error, "copy source")

	list, err := env.store.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestBuildEmptySource(t *testing.T) {
	// The copy step is unconditional, an empty tree still builds
	env := newTestEnv(t, DefaultConfig())

	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Source:    t.TempDir(),
	})
	require.Equal(t, StatusReady, build.Status)
}

func TestBuildWithoutManifest(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Source:    writeSource(t, map[string]string{"main.py": ""}),
	})
	require.Equal(t, StatusReady, build.Status)

	img, err := env.store.LoadImage(*build.ImageID)
	require.NoError(t, err)
	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 2) // base + source only

	cfg, err := img.ConfigFile()
	require.NoError(t, err)
	require.Contains(t, cfg.Config.Env, "PYTHONUNBUFFERED=1")
	require.NotContains(t, cfg.Config.Env, "PYTHONPATH=/opt/kiln/deps")
}

func TestDependencyLayerCache(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	manifestPath := writeManifest(t, "requests>=2.0\n")

	first := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Manifest:  manifestPath,
		Source:    writeSource(t, map[string]string{"main.py": "v1"}),
	})
	require.Equal(t, StatusReady, first.Status)
	require.False(t, first.DepsCached)

	// Same manifest, changed source: installation must not run again
	second := runBuild(t, env, CreateBuildRequest{
		BaseImage: env.baseRef,
		Manifest:  manifestPath,
		Source:    writeSource(t, map[string]string{"main.py": "v2"}),
	})
	require.Equal(t, StatusReady, second.Status)
	require.True(t, second.DepsCached)
	require.Equal(t, int32(1), env.installer.calls.Load())

	// The dependency layer is byte-identical across the two images, the
	// source layer is not
	firstImg, err := env.store.LoadImage(*first.ImageID)
	require.NoError(t, err)
	secondImg, err := env.store.LoadImage(*second.ImageID)
	require.NoError(t, err)

	firstLayers, err := firstImg.Layers()
	require.NoError(t, err)
	secondLayers, err := secondImg.Layers()
	require.NoError(t, err)
	require.Len(t, firstLayers, 3)
	require.Len(t, secondLayers, 3)

	firstDeps, err := firstLayers[1].Digest()
	require.NoError(t, err)
	secondDeps, err := secondLayers[1].Digest()
	require.NoError(t, err)
	require.Equal(t, firstDeps, secondDeps)

	firstSrc, err := firstLayers[2].Digest()
	require.NoError(t, err)
	secondSrc, err := secondLayers[2].Digest()
	require.NoError(t, err)
	require.NotEqual(t, firstSrc, secondSrc)
}

func TestBuildPushesToRegistry(t *testing.T) {
	cfg := DefaultConfig()
	env := newTestEnv(t, cfg)

	// Point pushes at the same in-process registry the base came from
	envWithPush := newTestEnv(t, Config{
		MaxConcurrentBuilds:   1,
		DefaultTimeoutSeconds: 60,
		PushTo:                env.host,
		PushInsecure:          true,
	})
	// Use the first env's registry for both base and push target
	build := runBuild(t, envWithPush, CreateBuildRequest{
		BaseImage: env.baseRef,
		Source:    writeSource(t, map[string]string{"main.py": ""}),
	})
	require.Equal(t, StatusReady, build.Status)

	ref, err := name.ParseReference(
		fmt.Sprintf("%s/kiln/%s:latest", env.host, *build.ImageID), name.Insecure)
	require.NoError(t, err)
	desc, err := remote.Get(ref)
	require.NoError(t, err)
	require.Equal(t, *build.ImageDigest, desc.Digest.String())
}

func TestBuildFailedPushRemovesImage(t *testing.T) {
	base := newTestEnv(t, DefaultConfig())

	// A push target that is no longer listening
	dead := httptest.NewServer(registry.New())
	deadURL, err := url.Parse(dead.URL)
	require.NoError(t, err)
	dead.Close()

	env := newTestEnv(t, Config{
		MaxConcurrentBuilds:   1,
		DefaultTimeoutSeconds: 60,
		PushTo:                deadURL.Host,
		PushInsecure:          true,
	})
	build := runBuild(t, env, CreateBuildRequest{
		BaseImage: base.baseRef,
		Source:    writeSource(t, map[string]string{"main.py": ""}),
	})
	require.Equal(t, StatusFailed, build.Status)
	require.NotNil(t, build.Error)
	require.Contains(t, *build.Error, "push image")

	// Atomic failure: the published image was removed again
	list, err := env.store.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestCreateBuildValidation(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	_, err := env.manager.CreateBuild(context.Background(), CreateBuildRequest{
		BaseImage: "python:3.12",
		Runtime:   "node",
	})
	require.ErrorIs(t, err, ErrInvalidRuntime)

	_, err = env.manager.CreateBuild(context.Background(), CreateBuildRequest{
		BaseImage: "not a valid ref",
	})
	require.ErrorIs(t, err, images.ErrInvalidName)
}

func TestGetBuildNotFound(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	_, err := env.manager.GetBuild(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelQueuedBuild(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	baseRef := u.Host + "/library/python:3.12-alpine3.18"
	base, err := random.Image(1024, 1)
	require.NoError(t, err)
	parsed, err := name.ParseReference(baseRef, name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(parsed, base))

	p := paths.New(t.TempDir())
	blocker := &blockingInstaller{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	mgr, err := NewManager(
		p,
		Config{MaxConcurrentBuilds: 1, DefaultTimeoutSeconds: 60},
		images.NewStore(p),
		images.NewPuller(images.PullerOptions{Insecure: true}),
		images.NewLayerCache(p),
		blocker,
		slog.New(slog.DiscardHandler),
		nil,
	)
	require.NoError(t, err)

	manifestPath := writeManifest(t, "requests>=2.0\n")
	source := writeSource(t, map[string]string{"main.py": ""})

	// First build occupies the only slot
	first, err := mgr.CreateBuild(context.Background(), CreateBuildRequest{
		BaseImage: baseRef, Manifest: manifestPath, Source: source,
	})
	require.NoError(t, err)
	<-blocker.started

	// Second build waits in the queue
	second, err := mgr.CreateBuild(context.Background(), CreateBuildRequest{
		BaseImage: baseRef, Manifest: manifestPath, Source: source,
	})
	require.NoError(t, err)

	got, err := mgr.GetBuild(context.Background(), second.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QueuePosition)
	require.Equal(t, 1, *got.QueuePosition)

	require.NoError(t, mgr.CancelBuild(context.Background(), second.ID))

	got, err = mgr.GetBuild(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	// Cancelling a terminal build fails
	require.ErrorIs(t, mgr.CancelBuild(context.Background(), second.ID), ErrNotCancellable)

	// Release the first build and let it finish
	close(blocker.release)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done, err := mgr.WaitForBuild(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, done.Status)
}
