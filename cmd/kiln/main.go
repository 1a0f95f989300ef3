package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/urfave/cli/v2"

	"github.com/imagekiln/kiln/lib/builds"
	"github.com/imagekiln/kiln/lib/images"
	"github.com/imagekiln/kiln/lib/paths"
)

func main() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()
	ctx = listenOSKillSignalsContext(ctx)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app := &cli.App{
		Name:  "kiln",
		Usage: "build container images from a base image, a dependency manifest and a source tree",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Value: defaultDataDir(),
				Usage: "directory holding built images and the layer cache",
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "allow plain-HTTP registries",
			},
		},
		Commands: cli.Commands{
			&cli.Command{
				Name:  "build",
				Usage: "build an image and wait for it to finish",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "base",
						Required: true,
						Usage:    "base image reference, e.g. python:3.12-alpine3.18",
					},
					&cli.StringFlag{
						Name:     "source",
						Required: true,
						Usage:    "source directory copied into /app",
					},
					&cli.StringFlag{
						Name:  "manifest",
						Usage: "dependency manifest (requirements.txt or JSON)",
					},
					&cli.StringSliceFlag{
						Name:  "env",
						Usage: "environment variable KEY=VALUE, repeatable",
					},
					&cli.StringFlag{
						Name:  "image-id",
						Usage: "explicit image ID for the result",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "derive the image ID from a name:tag, e.g. myapp:v1",
					},
					&cli.IntFlag{
						Name:  "timeout",
						Usage: "build timeout in seconds",
					},
				},
				Action: func(c *cli.Context) error {
					return runBuild(c, logger)
				},
			},
			&cli.Command{
				Name:  "images",
				Usage: "list built images",
				Action: func(c *cli.Context) error {
					return listImages(c)
				},
			},
			&cli.Command{
				Name:  "export",
				Usage: "export an image as a docker-compatible tarball",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "image",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "output",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					return exportImage(c)
				},
			},
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.kiln"
	}
	return "/var/lib/kiln"
}

func newManager(c *cli.Context, logger *slog.Logger) (builds.Manager, *images.Store, error) {
	p := paths.New(c.String("data-dir"))
	store := images.NewStore(p)
	mgr, err := builds.NewManager(
		p,
		builds.DefaultConfig(),
		store,
		images.NewPuller(images.PullerOptions{Insecure: c.Bool("insecure")}),
		images.NewLayerCache(p),
		builds.NewPipInstaller(),
		logger,
		nil,
	)
	if err != nil {
		return nil, nil, err
	}
	return mgr, store, nil
}

func runBuild(c *cli.Context, logger *slog.Logger) error {
	mgr, _, err := newManager(c, logger)
	if err != nil {
		return err
	}

	env, err := parseEnv(c.StringSlice("env"))
	if err != nil {
		return err
	}

	imageID := c.String("image-id")
	if imageID == "" && c.String("name") != "" {
		imageID = images.GenerateID(c.String("name"))
	}

	build, err := mgr.CreateBuild(c.Context, builds.CreateBuildRequest{
		BaseImage:      c.String("base"),
		Manifest:       c.String("manifest"),
		Source:         c.String("source"),
		Env:            env,
		ImageID:        imageID,
		TimeoutSeconds: c.Int("timeout"),
	})
	if err != nil {
		return err
	}
	logger.Info("build started", "id", build.ID, "base", c.String("base"))

	build, err = mgr.WaitForBuild(c.Context, build.ID)
	if err != nil {
		return err
	}

	logs, logErr := mgr.GetBuildLogs(c.Context, build.ID)
	if logErr == nil && len(logs) > 0 {
		os.Stderr.Write(logs)
	}

	if build.Status != builds.StatusReady {
		reason := "unknown"
		if build.Error != nil {
			reason = *build.Error
		}
		return fmt.Errorf("build %s %s: %s", build.ID, build.Status, reason)
	}

	var duration time.Duration
	if build.DurationMS != nil {
		duration = time.Duration(*build.DurationMS) * time.Millisecond
	}
	logger.Info("build complete", "id", build.ID, "image", *build.ImageID, "duration", duration.String())
	fmt.Println(*build.ImageID)
	return nil
}

func listImages(c *cli.Context) error {
	store := images.NewStore(paths.New(c.String("data-dir")))
	list, err := store.List()
	if err != nil {
		return err
	}
	for _, img := range list {
		fmt.Printf("%s\t%s\t%s\t%s\n",
			img.ID,
			img.BaseImage,
			datasize.ByteSize(uint64(img.SizeBytes)).HumanReadable(),
			img.CreatedAt.Format(time.RFC3339),
		)
	}
	return nil
}

func exportImage(c *cli.Context) error {
	store := images.NewStore(paths.New(c.String("data-dir")))
	f, err := os.Create(c.String("output"))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := store.ExportTarball(c.String("image"), f); err != nil {
		return err
	}
	return f.Sync()
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q, expected KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}

func listenOSKillSignalsContext(ctx context.Context) context.Context {
	var cancelFunc context.CancelFunc
	ctx, cancelFunc = context.WithCancel(ctx)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-ch:
			cancelFunc()
		case <-ctx.Done():
			return
		}
	}()
	return ctx
}
