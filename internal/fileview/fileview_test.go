package fileview

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestOpenMissingReturnsNotFound(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), 0, 16, 64)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFillAndSlideWalksFile(t *testing.T) {
	content := make([]byte, 300)
	for i := range content {
		content[i] = byte(i)
	}
	path := writeTempFile(t, content)

	v, err := Open(path, int64(len(content)), 32, 128)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.Fill(32))
	require.Equal(t, int64(32), v.WindowLength())
	require.Equal(t, content[:32], v.Bytes())

	require.NoError(t, v.Slide(32))
	require.Equal(t, content[32:64], v.Bytes())
}

func TestSetMarkRefusesToMoveAheadOfCursor(t *testing.T) {
	content := make([]byte, 64)
	path := writeTempFile(t, content)

	v, err := Open(path, int64(len(content)), 16, 64)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.Fill(16))
	require.Panics(t, func() { v.SetMark(v.StartOffset() + 1) })
}

func TestCloseSurfacesReadError(t *testing.T) {
	path := writeTempFile(t, []byte("short"))
	// Claim a size larger than the actual file so Fill sees a short read;
	// Fill records it without failing and Close reports it.
	v, err := Open(path, 1000, 16, 64)
	require.NoError(t, err)

	require.NoError(t, v.Fill(1000))
	require.Error(t, v.Close())
}
