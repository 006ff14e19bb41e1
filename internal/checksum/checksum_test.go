package checksum

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSHA256File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.bin", "plugin bytes")

	sum, err := SHA256File(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sum, "sha256:"))
	require.Len(t, sum, len("sha256:")+64)

	again, err := SHA256File(path)
	require.NoError(t, err)
	require.Equal(t, sum, again)
}

func TestSHA256FileMissing(t *testing.T) {
	_, err := SHA256File(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestFilesMatch(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", "same content")
	b := writeFile(t, dir, "b.bin", "same content")
	c := writeFile(t, dir, "c.bin", "different")

	match, err := FilesMatch(a, b)
	require.NoError(t, err)
	require.True(t, match)

	match, err = FilesMatch(a, c)
	require.NoError(t, err)
	require.False(t, match)
}

func TestFilesMatchMissingFileIsNotAMatch(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", "content")

	match, err := FilesMatch(a, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, match)
}
