package state

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleRoundtrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "beta")
	require.NoError(t, os.Chmod(filepath.Join(src, "a.txt"), 0755))

	var buf bytes.Buffer
	require.NoError(t, WriteBundle(&buf, src))

	dst := t.TempDir()
	require.NoError(t, ExtractBundle(&buf, dst))

	data, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	info, err := os.Stat(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0100, "executable bit preserved")
}

func TestBundleDereferencesSymlinks(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "real.txt"), "content")
	require.NoError(t, os.Symlink(filepath.Join(src, "real.txt"), filepath.Join(src, "link.txt")))

	var buf bytes.Buffer
	require.NoError(t, WriteBundle(&buf, src))

	dst := t.TempDir()
	require.NoError(t, ExtractBundle(&buf, dst))

	info, err := os.Lstat(filepath.Join(dst, "link.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSymlink, "symlink was dereferenced into a file")

	data, err := os.ReadFile(filepath.Join(dst, "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestExtractRejectsNonGzip(t *testing.T) {
	err := ExtractBundle(bytes.NewReader([]byte("plain text, not a bundle")), t.TempDir())
	assert.ErrorIs(t, err, ErrNotGzip)
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	writeMaliciousTar(t, &buf, "../escape.txt")
	err := ExtractBundle(&buf, t.TempDir())
	assert.ErrorIs(t, err, ErrUnsafeBundle)
}

func TestExtractRejectsAbsolutePath(t *testing.T) {
	var buf bytes.Buffer
	writeMaliciousTar(t, &buf, "/etc/passwd")
	err := ExtractBundle(&buf, t.TempDir())
	assert.ErrorIs(t, err, ErrUnsafeBundle)
}

func writeMaliciousTar(t *testing.T, buf *bytes.Buffer, name string) {
	t.Helper()
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	content := []byte("gotcha")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0644}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestFileCloudStoreRoundtrip(t *testing.T) {
	cloudDir := t.TempDir()
	cloud, err := NewCloudStore("file://" + cloudDir)
	require.NoError(t, err)
	require.NotNil(t, cloud)

	dataDir := t.TempDir()
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "notes.md"), "remember")
	require.NoError(t, PersistSessionState(dataDir, "s1", ws, "helper"))
	require.NoError(t, SyncToCloud(context.Background(), cloud, dataDir, "s1"))

	// Fresh host: no local snapshot.
	freshData := t.TempDir()
	ok, err := RestoreFromCloud(context.Background(), cloud, freshData, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	target := filepath.Join(t.TempDir(), "ws")
	ok, err = RestoreSessionState(freshData, "s1", target)
	require.NoError(t, err)
	require.True(t, ok)
	data, err := os.ReadFile(filepath.Join(target, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "remember", string(data))
}

func TestCloudStoreMissingBundle(t *testing.T) {
	cloud, err := NewCloudStore("file://" + t.TempDir())
	require.NoError(t, err)

	ok, err := RestoreFromCloud(context.Background(), cloud, t.TempDir(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloudStoreUnsupportedScheme(t *testing.T) {
	_, err := NewCloudStore("s3://bucket/prefix")
	assert.Error(t, err)

	cloud, err := NewCloudStore("")
	require.NoError(t, err)
	assert.Nil(t, cloud)
}
