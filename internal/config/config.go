package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. NVR_HTTP_PORT.
const EnvPrefix = "NVR"

// bytesPerGB matches how disk vendors count.
const bytesPerGB = 1e9

// Config holds all configuration for the recorder service
type Config struct {
	Storage     StorageConfig           `yaml:"storage" toml:"storage" envconfig:"STORAGE"`
	Cameras     map[string]CameraConfig `yaml:"cameras" toml:"cameras" ignored:"true"`
	Recording   RecordingConfig         `yaml:"recording" toml:"recording" envconfig:"RECORDING"`
	Retention   RetentionConfig         `yaml:"retention" toml:"retention" envconfig:"RETENTION"`
	Replication ReplicationConfig       `yaml:"replication" toml:"replication" envconfig:"REPLICATION"`
	Notify      NotifyConfig            `yaml:"notify" toml:"notify" envconfig:"NOTIFY"`
	GRPC        GRPCConfig              `yaml:"grpc" toml:"grpc" envconfig:"GRPC"`
	HTTP        HTTPConfig              `yaml:"http" toml:"http" envconfig:"HTTP"`
	Logging     LoggingConfig           `yaml:"logging" toml:"logging" envconfig:"LOG"`
}

// StorageConfig holds the local archive location and the fleet-wide quota
type StorageConfig struct {
	Root      string   `yaml:"root" toml:"root" envconfig:"ROOT"`
	MaxDiskGB *float64 `yaml:"max_disk_gb" toml:"max_disk_gb" envconfig:"MAX_DISK_GB"`
}

// CameraConfig holds the settings of one camera
type CameraConfig struct {
	Source             string   `yaml:"source" toml:"source"`
	SegmentDurationSec int      `yaml:"segment_duration_sec" toml:"segment_duration_sec"`
	RecordAudio        bool     `yaml:"record_audio" toml:"record_audio"`
	MaxAgeHours        *float64 `yaml:"max_age_hours" toml:"max_age_hours"`
	MaxDiskGB          *float64 `yaml:"max_disk_gb" toml:"max_disk_gb"`
}

// RecordingConfig holds capture and archive settings shared by all cameras
type RecordingConfig struct {
	FFmpegPath       string        `yaml:"ffmpeg_path" toml:"ffmpeg_path" envconfig:"FFMPEG_PATH"`
	RawExtension     string        `yaml:"raw_extension" toml:"raw_extension" envconfig:"RAW_EXTENSION"`
	ArchiveExtension string        `yaml:"archive_extension" toml:"archive_extension" envconfig:"ARCHIVE_EXTENSION"`
	RestartDelay     time.Duration `yaml:"restart_delay" toml:"restart_delay" envconfig:"RESTART_DELAY"`
	MoverInterval    time.Duration `yaml:"mover_interval" toml:"mover_interval" envconfig:"MOVER_INTERVAL"`
	WatchSegments    bool          `yaml:"watch_segments" toml:"watch_segments" envconfig:"WATCH_SEGMENTS"`
	// Timezone of the archive date partitions; empty means the host zone.
	Timezone string `yaml:"timezone" toml:"timezone" envconfig:"TIMEZONE"`
}

// RetentionConfig holds retention sweep settings
type RetentionConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval" envconfig:"INTERVAL"`
}

// ReplicationConfig holds MinIO/S3 replication configuration
type ReplicationConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	Endpoint   string        `yaml:"endpoint" toml:"endpoint" envconfig:"S3_ENDPOINT"`
	Bucket     string        `yaml:"bucket" toml:"bucket" envconfig:"S3_BUCKET"`
	AccessKey  string        `yaml:"access_key" toml:"access_key" envconfig:"S3_ACCESS_KEY"`
	SecretKey  string        `yaml:"secret_key" toml:"secret_key" envconfig:"S3_SECRET_KEY"`
	UseSSL     bool          `yaml:"use_ssl" toml:"use_ssl" envconfig:"S3_USE_SSL"`
	Region     string        `yaml:"region" toml:"region" envconfig:"S3_REGION"`
	Prefix     string        `yaml:"prefix" toml:"prefix" envconfig:"PREFIX"`
	QueueSize  int           `yaml:"queue_size" toml:"queue_size" envconfig:"QUEUE_SIZE"`
	Attempts   uint          `yaml:"attempts" toml:"attempts" envconfig:"ATTEMPTS"`
	RetryDelay time.Duration `yaml:"retry_delay" toml:"retry_delay" envconfig:"RETRY_DELAY"`
}

// NotifyConfig holds webhook configuration
type NotifyConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	URL        string        `yaml:"url" toml:"url" envconfig:"URL"`
	ServiceKey string        `yaml:"service_key" toml:"service_key" envconfig:"SERVICE_KEY"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout" envconfig:"TIMEOUT"`
	QueueSize  int           `yaml:"queue_size" toml:"queue_size" envconfig:"QUEUE_SIZE"`
}

// GRPCConfig holds gRPC server configuration
type GRPCConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	Host             string        `yaml:"host" toml:"host" envconfig:"HOST"`
	Port             int           `yaml:"port" toml:"port" envconfig:"PORT"`
	HealthInterval   time.Duration `yaml:"health_interval" toml:"health_interval" envconfig:"HEALTH_INTERVAL"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time" toml:"keepalive_time" envconfig:"KEEPALIVE_TIME"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout" toml:"keepalive_timeout" envconfig:"KEEPALIVE_TIMEOUT"`
}

// HTTPConfig holds the status API configuration
type HTTPConfig struct {
	Host string `yaml:"host" toml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" toml:"port" envconfig:"PORT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" toml:"format" envconfig:"FORMAT"`
	Output string `yaml:"output" toml:"output" envconfig:"OUTPUT"`
}

// Load reads configuration from file, applies environment overrides and
// validates the result. The file format follows its extension: .toml for
// TOML, anything else is parsed as YAML.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	cfg.setDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, continue with defaults
		} else if err := cfg.decode(path, data); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	// a relative storage root is relative to the config file
	if path != "" && cfg.Storage.Root != "" && !filepath.IsAbs(cfg.Storage.Root) {
		cfg.Storage.Root = filepath.Join(filepath.Dir(path), cfg.Storage.Root)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, c)
	default:
		return yaml.Unmarshal(data, c)
	}
}

func (c *Config) setDefaults() {
	c.Storage = StorageConfig{
		Root: "/var/lib/nvr",
	}

	c.Recording = RecordingConfig{
		FFmpegPath:       "ffmpeg",
		RawExtension:     "ts",
		ArchiveExtension: "mp4",
		RestartDelay:     5 * time.Second,
		MoverInterval:    5 * time.Second,
		WatchSegments:    true,
	}

	c.Retention = RetentionConfig{
		Interval: 5 * time.Second,
	}

	c.Replication = ReplicationConfig{
		Enabled:    false,
		Endpoint:   "minio:9000",
		Bucket:     "nvr-archive",
		Region:     "us-east-1",
		QueueSize:  256,
		Attempts:   5,
		RetryDelay: 2 * time.Second,
	}

	c.Notify = NotifyConfig{
		Enabled:   false,
		Timeout:   10 * time.Second,
		QueueSize: 256,
	}

	c.GRPC = GRPCConfig{
		Enabled:          true,
		Host:             "0.0.0.0",
		Port:             50055,
		HealthInterval:   10 * time.Second,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
	}

	c.HTTP = HTTPConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Storage.MaxDiskGB != nil && *c.Storage.MaxDiskGB < 0 {
		return fmt.Errorf("storage.max_disk_gb cannot be negative")
	}
	if len(c.Cameras) == 0 {
		return fmt.Errorf("at least one camera is required")
	}
	for _, name := range c.CameraNames() {
		if err := validateCamera(name, c.Cameras[name]); err != nil {
			return fmt.Errorf("camera %s: %w", name, err)
		}
	}

	if c.Recording.RawExtension == "" || c.Recording.ArchiveExtension == "" {
		return fmt.Errorf("recording extensions are required")
	}
	if strings.EqualFold(c.Recording.RawExtension, c.Recording.ArchiveExtension) {
		return fmt.Errorf("recording.raw_extension and recording.archive_extension must differ")
	}
	if _, err := c.Recording.Location(); err != nil {
		return err
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}

	if c.Replication.Enabled {
		if c.Replication.Endpoint == "" || c.Replication.Bucket == "" {
			return fmt.Errorf("replication requires endpoint and bucket")
		}
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("notify.url is required when notifications are enabled")
	}
	if !lo.Contains([]string{"json", "console"}, c.Logging.Format) {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func validateCamera(name string, cam CameraConfig) error {
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid camera name")
	}
	if cam.Source == "" {
		return fmt.Errorf("source is required")
	}
	if cam.SegmentDurationSec <= 0 {
		return fmt.Errorf("segment duration must be positive")
	}
	if cam.MaxAgeHours != nil && *cam.MaxAgeHours < 0 {
		return fmt.Errorf("max age cannot be negative")
	}
	if cam.MaxDiskGB != nil && *cam.MaxDiskGB < 0 {
		return fmt.Errorf("max disk cannot be negative")
	}
	return nil
}

// CameraNames returns the configured camera names in sorted order
func (c *Config) CameraNames() []string {
	names := lo.Keys(c.Cameras)
	slices.Sort(names)
	return names
}

// SegmentDuration returns the segment length
func (c CameraConfig) SegmentDuration() time.Duration {
	return time.Duration(c.SegmentDurationSec) * time.Second
}

// MaxAge returns the age limit, or nil when unset
func (c CameraConfig) MaxAge() *time.Duration {
	if c.MaxAgeHours == nil {
		return nil
	}
	return lo.ToPtr(time.Duration(*c.MaxAgeHours * float64(time.Hour)))
}

// MaxBytes returns the per-camera quota, or nil when unset
func (c CameraConfig) MaxBytes() *int64 {
	return gbToBytes(c.MaxDiskGB)
}

// MaxBytes returns the fleet-wide quota, or nil when unset
func (c StorageConfig) MaxBytes() *int64 {
	return gbToBytes(c.MaxDiskGB)
}

func gbToBytes(gb *float64) *int64 {
	if gb == nil {
		return nil
	}
	return lo.ToPtr(int64(*gb * bytesPerGB))
}

// CameraRoot returns <storage root>/<camera>
func (c *Config) CameraRoot(name string) string {
	return filepath.Join(c.Storage.Root, name)
}

// Location returns the time zone of the archive partitions
func (c RecordingConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid recording.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Address returns the gRPC server address
func (c *GRPCConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the HTTP server address
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
