package images

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ErrInvalidLayerPath is returned when a source tree entry would escape the
// layer root.
var ErrInvalidLayerPath = errors.New("invalid layer path")

// layerEpoch is the fixed timestamp stamped on every tar entry so that the
// same input tree always produces the same layer digest.
var layerEpoch = time.Unix(0, 0)

// LayerFromDir packages a directory tree verbatim as a single layer rooted at
// prefix inside the image filesystem (e.g. prefix "app" puts srcDir/main.py
// at /app/main.py). The tree is not inspected or transformed; an empty
// directory still yields a valid layer containing just the root entry.
//
// The returned layer re-reads srcDir on demand, so the directory must not
// change until the layer has been consumed.
func LayerFromDir(srcDir, prefix string) (v1.Layer, error) {
	if _, err := os.Stat(srcDir); err != nil {
		return nil, fmt.Errorf("stat source dir: %w", err)
	}
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix == "" || strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("%w: bad prefix %q", ErrInvalidLayerPath, prefix)
	}

	opener := func() (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(writeDirTar(pw, srcDir, prefix))
		}()
		return pr, nil
	}

	return tarball.LayerFromOpener(opener)
}

// writeDirTar streams srcDir as a tar rooted at prefix. filepath.WalkDir
// visits entries in lexical order, which keeps the output deterministic.
func writeDirTar(w io.Writer, srcDir, prefix string) error {
	tw := tar.NewWriter(w)

	// Root entries for the prefix path itself ("opt/kiln/deps" needs "opt",
	// "opt/kiln" and "opt/kiln/deps" headers).
	parts := strings.Split(prefix, "/")
	for i := range parts {
		if err := tw.WriteHeader(dirHeader(strings.Join(parts[:i+1], "/"))); err != nil {
			return fmt.Errorf("write prefix header: %w", err)
		}
	}

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.Contains(rel, "..") {
			return fmt.Errorf("%w: %s", ErrInvalidLayerPath, rel)
		}
		name := prefix + "/" + rel

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(dirHeader(name))

		case info.Mode()&fs.ModeSymlink != 0:
			// Symlinks are copied verbatim, absolute targets included; they
			// resolve inside the container filesystem, not the build host.
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", rel, err)
			}
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     name,
				Linkname: target,
				Mode:     0777,
				ModTime:  layerEpoch,
			})

		case info.Mode().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Size:     info.Size(),
				Mode:     int64(info.Mode().Perm()),
				ModTime:  layerEpoch,
			}); err != nil {
				return fmt.Errorf("write header %s: %w", rel, err)
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", rel, err)
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
			return nil

		default:
			// Skip devices, fifos, sockets
			return nil
		}
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

func dirHeader(name string) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     0755,
		ModTime:  layerEpoch,
	}
}
