package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.zip")
	writeZip(t, path, map[string]string{
		"NameUsage.tsv":  "col:ID\tcol:scientificName\n1\tAbies\n",
		"meta/notes.txt": "notes",
	})

	target := filepath.Join(dir, "out")
	require.NoError(t, Extract(path, target))

	content, err := os.ReadFile(filepath.Join(target, "NameUsage.tsv"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "Abies")
	assert.FileExists(t, filepath.Join(target, "meta", "notes.txt"))
}

func TestExtractRejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.zip")
	writeZip(t, path, map[string]string{"../../escape.txt": "x"})

	err := Extract(path, filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.tar.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("col:ID\n1\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "data/NameUsage.tsv", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	target := filepath.Join(dir, "out")
	require.NoError(t, Extract(path, target))
	assert.FileExists(t, filepath.Join(target, "data", "NameUsage.tsv"))
}

func TestExtractPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.txt")
	require.NoError(t, os.WriteFile(path, []byte("Animalia\n  Chordata\n"), 0o644))

	target := filepath.Join(dir, "out")
	require.NoError(t, Extract(path, target))
	assert.FileExists(t, filepath.Join(target, "tree.txt"))
}
