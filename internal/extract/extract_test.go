package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, dir string, members map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "sample.zip")
	buf := &bytes.Buffer{}
	writer := zip.NewWriter(buf)
	for name, content := range members {
		w, err := writer.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func writeTarGz(t *testing.T, dir string, members map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "sample.tar.gz")
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o600,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func entryNames(entries []Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := writeZip(t, dir, map[string]string{
		"a.txt":        "alpha",
		"nested/b.txt": "bravo",
	})

	e := New(4, 1<<20)
	entries, err := e.Extract(context.Background(), archive, filepath.Join(dir, "out"), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "b.txt"}, entryNames(entries))

	for _, entry := range entries {
		data, err := os.ReadFile(entry.Path)
		require.NoError(t, err)
		require.NotEmpty(t, data)
		require.Equal(t, int64(len(data)), entry.Size)
	}
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := writeTarGz(t, dir, map[string]string{
		"x.bin":      "data",
		"deep/y.bin": "more",
		"deep/z.bin": "even more",
	})

	e := New(4, 1<<20)
	entries, err := e.Extract(context.Background(), archive, filepath.Join(dir, "out"), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"x.bin", "y.bin", "z.bin"}, entryNames(entries))
}

func TestExtractZipSlipRejected(t *testing.T) {
	dir := t.TempDir()
	archive := writeZip(t, dir, map[string]string{
		"../escape.txt": "nope",
	})

	e := New(4, 1<<20)
	_, err := e.Extract(context.Background(), archive, filepath.Join(dir, "out"), 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes destination")
}

func TestExtractDepthBound(t *testing.T) {
	dir := t.TempDir()
	archive := writeZip(t, dir, map[string]string{"a.txt": "alpha"})

	e := New(2, 1<<20)
	_, err := e.Extract(context.Background(), archive, filepath.Join(dir, "out"), 2)
	require.ErrorIs(t, err, ErrDepthExceeded)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "not-an-archive.xyz")
	require.NoError(t, os.WriteFile(garbage, []byte("plain text"), 0o600))

	e := New(4, 1<<20)
	_, err := e.Extract(context.Background(), garbage, filepath.Join(dir, "out"), 0)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractMemberSizeLimit(t *testing.T) {
	dir := t.TempDir()
	archive := writeZip(t, dir, map[string]string{"big.txt": "0123456789"})

	e := New(4, 4)
	_, err := e.Extract(context.Background(), archive, filepath.Join(dir, "out"), 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds")
}

func TestIsArchive(t *testing.T) {
	require.True(t, IsArchive("application/zip"))
	require.True(t, IsArchive("application/x-tar"))
	require.False(t, IsArchive("text/plain"))
}
