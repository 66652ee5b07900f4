package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
storage:
  root: /srv/nvr
  max_disk_gb: 2000
cameras:
  front:
    source: rtsp://front.local/stream
    segment_duration_sec: 600
    record_audio: true
    max_age_hours: 72
  back:
    source: rtsp://back.local/stream
    segment_duration_sec: 300
    max_disk_gb: 0.5
recording:
  mover_interval: 2s
  timezone: UTC
retention:
  interval: 30s
logging:
  format: console
`

const tomlConfig = `
[storage]
root = "archive"
max_disk_gb = 10.0

[cameras.garage]
source = "rtsp://garage.local/stream"
segment_duration_sec = 60
max_age_hours = 1.5

[notify]
enabled = true
url = "http://hooks.local/nvr"
timeout = "3s"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "nvr.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "/srv/nvr", cfg.Storage.Root)
	assert.Equal(t, int64(2000e9), *cfg.Storage.MaxBytes())
	assert.Equal(t, []string{"back", "front"}, cfg.CameraNames())

	front := cfg.Cameras["front"]
	assert.Equal(t, 10*time.Minute, front.SegmentDuration())
	assert.True(t, front.RecordAudio)
	assert.Equal(t, 72*time.Hour, *front.MaxAge())
	assert.Nil(t, front.MaxBytes())

	back := cfg.Cameras["back"]
	assert.Nil(t, back.MaxAge())
	assert.Equal(t, int64(500_000_000), *back.MaxBytes())

	assert.Equal(t, 2*time.Second, cfg.Recording.MoverInterval)
	assert.Equal(t, 5*time.Second, cfg.Recording.RestartDelay, "defaults survive a partial section")
	assert.Equal(t, 30*time.Second, cfg.Retention.Interval)
	loc, err := cfg.Recording.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, filepath.Join("/srv/nvr", "front"), cfg.CameraRoot("front"))
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "nvr.toml", tomlConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "archive"), cfg.Storage.Root)
	assert.Equal(t, int64(10e9), *cfg.Storage.MaxBytes())
	assert.Equal(t, 90*time.Minute, *cfg.Cameras["garage"].MaxAge())
	assert.True(t, cfg.Notify.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Notify.Timeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NVR_HTTP_PORT", "9090")
	t.Setenv("NVR_LOG_LEVEL", "debug")
	t.Setenv("NVR_STORAGE_MAX_DISK_GB", "1.5")
	t.Setenv("NVR_RECORDING_FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("NVR_REPLICATION_ENABLED", "true")
	t.Setenv("NVR_REPLICATION_S3_BUCKET", "offsite")
	t.Setenv("NVR_RETENTION_INTERVAL", "1m")

	cfg, err := Load(writeConfig(t, "nvr.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(1_500_000_000), *cfg.Storage.MaxBytes())
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.Recording.FFmpegPath)
	assert.True(t, cfg.Replication.Enabled)
	assert.Equal(t, "offsite", cfg.Replication.Bucket)
	assert.Equal(t, time.Minute, cfg.Retention.Interval)
	// untouched values keep their file or default setting
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 50055, cfg.GRPC.Port)
}

func TestLoad_ParseError(t *testing.T) {
	_, err := Load(writeConfig(t, "nvr.yaml", "cameras: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.setDefaults()
		c.Cameras = map[string]CameraConfig{
			"front": {Source: "rtsp://front", SegmentDurationSec: 60},
		}
		return c
	}
	require.NoError(t, valid().Validate())

	neg := -1.0
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no cameras", func(c *Config) { c.Cameras = nil }},
		{"no storage root", func(c *Config) { c.Storage.Root = "" }},
		{"negative global quota", func(c *Config) { c.Storage.MaxDiskGB = &neg }},
		{"zero segment duration", func(c *Config) {
			c.Cameras["front"] = CameraConfig{Source: "rtsp://front"}
		}},
		{"negative max age", func(c *Config) {
			c.Cameras["front"] = CameraConfig{Source: "rtsp://front", SegmentDurationSec: 60, MaxAgeHours: &neg}
		}},
		{"negative camera quota", func(c *Config) {
			c.Cameras["front"] = CameraConfig{Source: "rtsp://front", SegmentDurationSec: 60, MaxDiskGB: &neg}
		}},
		{"missing source", func(c *Config) {
			c.Cameras["front"] = CameraConfig{SegmentDurationSec: 60}
		}},
		{"path in camera name", func(c *Config) {
			c.Cameras["../etc"] = CameraConfig{Source: "rtsp://x", SegmentDurationSec: 60}
		}},
		{"same extensions", func(c *Config) { c.Recording.ArchiveExtension = "TS" }},
		{"bad timezone", func(c *Config) { c.Recording.Timezone = "Mars/Olympus" }},
		{"replication without bucket", func(c *Config) {
			c.Replication.Enabled = true
			c.Replication.Bucket = ""
		}},
		{"notify without url", func(c *Config) { c.Notify.Enabled = true }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
