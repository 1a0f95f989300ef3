//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/imagekiln/kiln/cmd/api/api"
	"github.com/imagekiln/kiln/cmd/api/config"
	"github.com/imagekiln/kiln/lib/builds"
	"github.com/imagekiln/kiln/lib/images"
	"github.com/imagekiln/kiln/lib/providers"
	"github.com/imagekiln/kiln/lib/registry"
)

// application struct to hold initialized components
type application struct {
	Ctx          context.Context
	Logger       *slog.Logger
	Config       *config.Config
	BuildManager builds.Manager
	ImageStore   *images.Store
	Registry     *registry.Registry
	ApiService   *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideLogger,
		providers.ProvideConfig,
		providers.ProvidePaths,
		providers.ProvideMeter,
		providers.ProvideStore,
		providers.ProvidePuller,
		providers.ProvideLayerCache,
		providers.ProvideInstaller,
		providers.ProvideBuildManager,
		providers.ProvideHTTPMetrics,
		providers.ProvideRegistry,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
