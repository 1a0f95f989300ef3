package builds

import "errors"

var (
	ErrNotFound          = errors.New("build not found")
	ErrInvalidRuntime    = errors.New("unsupported runtime")
	ErrDependencyInstall = errors.New("dependency installation failed")
	ErrBuildTimeout      = errors.New("build timed out")
	ErrNotCancellable    = errors.New("build already completed")
)
