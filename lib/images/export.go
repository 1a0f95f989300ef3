package images

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ExportTarball writes a published image as a docker-style tarball, loadable
// with `docker load`.
func (s *Store) ExportTarball(id string, w io.Writer) error {
	img, err := s.LoadImage(id)
	if err != nil {
		return err
	}

	tag, err := name.NewTag("kiln/" + id + ":latest")
	if err != nil {
		return fmt.Errorf("build export tag: %w", err)
	}

	if err := tarball.Write(tag, img, w); err != nil {
		return fmt.Errorf("write tarball: %w", err)
	}
	return nil
}

// Push uploads a published image to a registry under dest
// (e.g. "localhost:8080/kiln/img-python:latest"). Returns the pushed digest.
func (s *Store) Push(ctx context.Context, id, dest string, insecure bool) (string, error) {
	img, err := s.LoadImage(id)
	if err != nil {
		return "", err
	}

	var nameOpts []name.Option
	if insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	ref, err := name.ParseReference(dest, nameOpts...)
	if err != nil {
		return "", fmt.Errorf("parse push destination: %w", err)
	}

	if err := remote.Write(ref, img,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	); err != nil {
		return "", fmt.Errorf("push %s: %w", dest, err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("image digest: %w", err)
	}
	return digest.String(), nil
}
