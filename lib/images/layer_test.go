package images

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func layerEntries(t *testing.T, rc io.ReadCloser) map[string]string {
	t.Helper()
	defer rc.Close()

	entries := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[hdr.Name] = string(content)
	}
	return entries
}

func TestLayerFromDir(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.py":         "print('hi')",
		"pkg/__init__.py": "",
		"pkg/handlers.py": "def handle(): pass",
	})

	layer, err := LayerFromDir(dir, "app")
	require.NoError(t, err)

	rc, err := layer.Uncompressed()
	require.NoError(t, err)
	entries := layerEntries(t, rc)

	require.Contains(t, entries, "app/")
	require.Contains(t, entries, "app/pkg/")
	require.Equal(t, "print('hi')", entries["app/main.py"])
	require.Equal(t, "def handle(): pass", entries["app/pkg/handlers.py"])
}

func TestLayerFromDirDeterministic(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"a.py": "aaa",
		"b.py": "bbb",
	})

	first, err := LayerFromDir(dir, "app")
	require.NoError(t, err)
	second, err := LayerFromDir(dir, "app")
	require.NoError(t, err)

	d1, err := first.Digest()
	require.NoError(t, err)
	d2, err := second.Digest()
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestLayerFromDirEmpty(t *testing.T) {
	// An empty source tree is still a valid layer
	layer, err := LayerFromDir(t.TempDir(), "app")
	require.NoError(t, err)

	rc, err := layer.Uncompressed()
	require.NoError(t, err)
	entries := layerEntries(t, rc)
	require.Len(t, entries, 1)
	require.Contains(t, entries, "app/")
}

func TestLayerFromDirNestedPrefix(t *testing.T) {
	dir := writeTree(t, map[string]string{"requests/api.py": "x"})

	layer, err := LayerFromDir(dir, "opt/kiln/deps")
	require.NoError(t, err)

	rc, err := layer.Uncompressed()
	require.NoError(t, err)
	entries := layerEntries(t, rc)

	require.Contains(t, entries, "opt/")
	require.Contains(t, entries, "opt/kiln/")
	require.Contains(t, entries, "opt/kiln/deps/")
	require.Contains(t, entries, "opt/kiln/deps/requests/api.py")
}

func TestLayerFromDirMissing(t *testing.T) {
	_, err := LayerFromDir(filepath.Join(t.TempDir(), "nope"), "app")
	require.Error(t, err)
}

func TestLayerFromDirBadPrefix(t *testing.T) {
	for _, prefix := range []string{"", "..", "a/../.."} {
		_, err := LayerFromDir(t.TempDir(), prefix)
		require.ErrorIs(t, err, ErrInvalidLayerPath)
	}
}

func TestLayerFromDirSymlink(t *testing.T) {
	dir := writeTree(t, map[string]string{"real.py": "x"})
	require.NoError(t, os.Symlink("real.py", filepath.Join(dir, "link.py")))
	// Absolute targets are copied verbatim too; they resolve inside the
	// container filesystem
	require.NoError(t, os.Symlink("/usr/lib/python3", filepath.Join(dir, "pylib")))

	layer, err := LayerFromDir(dir, "app")
	require.NoError(t, err)

	rc, err := layer.Uncompressed()
	require.NoError(t, err)
	defer rc.Close()

	links := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeSymlink {
			links[hdr.Name] = hdr.Linkname
		}
	}
	require.Equal(t, map[string]string{
		"app/link.py": "real.py",
		"app/pylib":   "/usr/lib/python3",
	}, links)
}
