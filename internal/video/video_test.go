package video

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func pinNow(t *testing.T, at time.Time) {
	t.Helper()
	old := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = old })
}

func TestParseCaptureTime(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{name: "1700000000.mp4", want: 1700000000},
		{name: "1700000000.1.mp4", want: 1700000000},
		{name: "0.ts", want: 0},
		{name: "camera.mp4", wantErr: true},
		{name: ".mp4", wantErr: true},
		{name: "-5.mp4", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCaptureTime(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsMalformedName(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Unix())
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestVideo_Accessors(t *testing.T) {
	v, err := New("/data/cam/videos/2023-11-14/1700000000.mp4")
	require.NoError(t, err)

	assert.Equal(t, "/data/cam/videos/2023-11-14/1700000000.mp4", v.Path())
	assert.Equal(t, "/data/cam/videos/2023-11-14", v.Dir())
	assert.Equal(t, "1700000000.mp4", v.Filename())
	assert.Equal(t, "1700000000", v.Stem())
	assert.Equal(t, "2023-11-14", v.Partition(time.UTC))
}

func TestVideo_WithPathKeepsIdentity(t *testing.T) {
	v, err := New("/tmp/temp/1700000000.ts")
	require.NoError(t, err)

	moved := v.WithPath("/tmp/videos/2023-11-14/1700000000.mp4")
	assert.Equal(t, v.CaptureTime(), moved.CaptureTime())
	assert.Equal(t, "/tmp/videos/2023-11-14/1700000000.mp4", moved.Path())
	assert.Equal(t, "/tmp/temp/1700000000.ts", v.Path())
}

func TestVideo_Age(t *testing.T) {
	pinNow(t, time.Unix(1700003600, 0))

	v, err := New("1700000000.mp4")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, v.Age())

	future, err := New("1700007200.mp4")
	require.NoError(t, err)
	assert.Negative(t, future.Age())
}

func TestVideo_SizeAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1700000000.mp4")
	writeFile(t, path, 42)

	v, err := New(path)
	require.NoError(t, err)
	require.True(t, v.Exists())

	size, err := v.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(42), size)

	require.NoError(t, v.Delete())
	assert.False(t, v.Exists())

	_, err = v.Size()
	assert.True(t, IsNotFound(err))

	err = v.Delete()
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSort_OrdersByCaptureTimeRegardlessOfDiscoveryOrder(t *testing.T) {
	names := []string{"/b/300.mp4", "/a/100.mp4", "/c/200.mp4", "/a/200.mp4"}
	videos := make([]*Video, 0, len(names))
	for _, name := range names {
		v, err := New(name)
		require.NoError(t, err)
		videos = append(videos, v)
	}

	Sort(videos)

	got := make([]string, 0, len(videos))
	for _, v := range videos {
		got = append(got, v.Path())
	}
	assert.Equal(t, []string{"/a/100.mp4", "/a/200.mp4", "/c/200.mp4", "/b/300.mp4"}, got)
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "2023-11-15", "1700050000.mp4"), 1)
	writeFile(t, filepath.Join(root, "2023-11-14", "1700000000.mp4"), 1)
	writeFile(t, filepath.Join(root, "2023-11-14", "1700000300.1.mp4"), 1)
	writeFile(t, filepath.Join(root, "2023-11-14", "notes.mp4"), 1)
	writeFile(t, filepath.Join(root, "2023-11-14", "1700000600.ts"), 1)
	writeFile(t, filepath.Join(root, "2023-11-14", ".1700000900.mp4"), 1)

	videos, err := Scan(root, "mp4", zap.NewNop())
	require.NoError(t, err)

	got := make([]string, 0, len(videos))
	for _, v := range videos {
		got = append(got, v.Filename())
	}
	assert.Equal(t, []string{"1700000000.mp4", "1700000300.1.mp4", "1700050000.mp4"}, got)
}

func TestScan_MissingRoot(t *testing.T) {
	videos, err := Scan(filepath.Join(t.TempDir(), "missing"), ".mp4", nil)
	require.NoError(t, err)
	assert.Empty(t, videos)
}
