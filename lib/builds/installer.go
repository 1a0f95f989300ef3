package builds

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/imagekiln/kiln/lib/manifest"
)

// Installer materializes a dependency manifest into a target directory, the
// tree that becomes the image's dependency layer. Implementations must be
// atomic per invocation: on error the caller discards the target directory,
// so a partial install never reaches a layer.
type Installer interface {
	Install(ctx context.Context, m *manifest.Manifest, targetDir string, logw io.Writer) error
}

// PipInstaller installs Python packages by shelling out to pip. It installs
// into --target so nothing outside targetDir is touched.
type PipInstaller struct {
	// Pip is the pip executable. Defaults to "pip3".
	Pip string
}

// NewPipInstaller creates a PipInstaller with defaults.
func NewPipInstaller() *PipInstaller {
	return &PipInstaller{Pip: "pip3"}
}

func (p *PipInstaller) Install(ctx context.Context, m *manifest.Manifest, targetDir string, logw io.Writer) error {
	pip := p.Pip
	if pip == "" {
		pip = "pip3"
	}

	args := []string{
		"install",
		"--no-cache-dir",
		"--disable-pip-version-check",
		"--no-compile",
		"--target", targetDir,
	}
	args = append(args, m.Specs()...)

	cmd := exec.CommandContext(ctx, pip, args...)
	cmd.Stdout = logw
	cmd.Stderr = logw

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %v: %v", ErrDependencyInstall, pip, m.Specs(), err)
	}
	return nil
}
