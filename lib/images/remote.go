package images

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Puller resolves and fetches base images from registries.
type Puller struct {
	nameOpts   []name.Option
	remoteOpts []remote.Option
}

// PullerOptions configures registry access.
type PullerOptions struct {
	// Insecure allows plain-HTTP registries. Needed when the base image is
	// served by the embedded registry on localhost.
	Insecure bool
}

// NewPuller creates a Puller using the default credential keychain.
func NewPuller(opts PullerOptions) *Puller {
	p := &Puller{
		remoteOpts: []remote.Option{
			remote.WithAuthFromKeychain(authn.DefaultKeychain),
		},
	}
	if opts.Insecure {
		p.nameOpts = append(p.nameOpts, name.Insecure)
	}
	return p
}

// Resolve looks up the manifest digest for a normalized reference without
// pulling layers. A reference that already pins a digest resolves to itself.
func (p *Puller) Resolve(ctx context.Context, ref *NormalizedRef) (*ResolvedRef, error) {
	if ref.IsDigest() {
		return NewResolvedRef(ref, ref.Digest()), nil
	}

	parsed, err := name.ParseReference(ref.String(), p.nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBaseUnresolvable, err)
	}

	opts := append([]remote.Option{remote.WithContext(ctx)}, p.remoteOpts...)
	desc, err := remote.Head(parsed, opts...)
	if err != nil {
		// Some registries reject HEAD, retry with a full manifest GET
		got, getErr := remote.Get(parsed, opts...)
		if getErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBaseUnresolvable, ref.String(), err)
		}
		desc = &got.Descriptor
	}

	return NewResolvedRef(ref, desc.Digest.String()), nil
}

// Image fetches the image for a resolved reference, pinned by digest.
func (p *Puller) Image(ctx context.Context, ref *ResolvedRef) (v1.Image, error) {
	parsed, err := name.ParseReference(ref.Pinned(), p.nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBaseUnresolvable, err)
	}

	opts := append([]remote.Option{remote.WithContext(ctx)}, p.remoteOpts...)
	img, err := remote.Image(parsed, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBaseUnresolvable, ref.Pinned(), err)
	}
	return img, nil
}
