package recording

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueDestination(t *testing.T) {
	dir := t.TempDir()

	dst, err := uniqueDestination(dir, "100", "mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "100.mp4"), dst)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "100.mp4"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "100.1.mp4"), nil, 0o644))

	dst, err = uniqueDestination(dir, "100", "mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "100.2.mp4"), dst)
}

func TestMoveFile_CrossDeviceFallsBackToCopy(t *testing.T) {
	orig := renameFunc
	t.Cleanup(func() { renameFunc = orig })
	renameFunc = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "temp", "100.mp4")
	dst := filepath.Join(dir, "videos", "100.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, moveFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	// no temp copies left behind
	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMoveFile_OtherErrorsPropagate(t *testing.T) {
	dir := t.TempDir()
	err := moveFile(filepath.Join(dir, "missing.mp4"), filepath.Join(dir, "out.mp4"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
