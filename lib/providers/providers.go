// Package providers holds the constructors wire assembles the application
// from.
package providers

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/imagekiln/kiln/cmd/api/config"
	"github.com/imagekiln/kiln/lib/builds"
	"github.com/imagekiln/kiln/lib/images"
	"github.com/imagekiln/kiln/lib/middleware"
	"github.com/imagekiln/kiln/lib/paths"
	"github.com/imagekiln/kiln/lib/registry"
)

// ProvideContext provides a base context.
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideLogger provides a structured logger.
func ProvideLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// ProvideConfig provides the application configuration.
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvidePaths provides the data directory layout.
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir)
}

// ProvideMeter provides the application meter.
func ProvideMeter() metric.Meter {
	return sdkmetric.NewMeterProvider().Meter("kiln")
}

// ProvideStore provides the image store.
func ProvideStore(p *paths.Paths) *images.Store {
	return images.NewStore(p)
}

// ProvidePuller provides the registry puller.
func ProvidePuller(cfg *config.Config) *images.Puller {
	return images.NewPuller(images.PullerOptions{Insecure: cfg.InsecureRegistries})
}

// ProvideLayerCache provides the dependency layer cache.
func ProvideLayerCache(p *paths.Paths) *images.LayerCache {
	return images.NewLayerCache(p)
}

// ProvideInstaller provides the dependency installer.
func ProvideInstaller() builds.Installer {
	return builds.NewPipInstaller()
}

// ProvideBuildManager provides the build manager.
func ProvideBuildManager(
	cfg *config.Config,
	p *paths.Paths,
	store *images.Store,
	puller *images.Puller,
	cache *images.LayerCache,
	installer builds.Installer,
	logger *slog.Logger,
	meter metric.Meter,
) (builds.Manager, error) {
	buildCfg := builds.Config{
		MaxConcurrentBuilds:   cfg.MaxConcurrentBuilds,
		DefaultTimeoutSeconds: cfg.BuildTimeoutSeconds,
	}
	if cfg.PushToEmbeddedRegistry {
		buildCfg.PushTo = "localhost:" + cfg.Port
		buildCfg.PushInsecure = true
	}
	return builds.NewManager(p, buildCfg, store, puller, cache, installer, logger, meter)
}

// ProvideHTTPMetrics provides the HTTP request instruments.
func ProvideHTTPMetrics(meter metric.Meter) (*middleware.HTTPMetrics, error) {
	return middleware.NewHTTPMetrics(meter)
}

// ProvideRegistry provides the embedded OCI registry.
func ProvideRegistry(p *paths.Paths, logger *slog.Logger) (*registry.Registry, error) {
	return registry.New(p, logger)
}
