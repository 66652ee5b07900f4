package storage

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/brollyhub/nvr/internal/video"
)

// Storage defines the interface for off-site video storage
type Storage interface {
	// EnsureBucket creates the target bucket if it does not exist yet
	EnsureBucket(ctx context.Context) error

	// PutVideo uploads one archived video under key
	PutVideo(ctx context.Context, key string, body io.Reader, meta VideoMetadata) error

	// Health checks storage connectivity
	Health(ctx context.Context) error
}

// VideoMetadata is stored alongside each uploaded video
type VideoMetadata struct {
	Camera     string    `json:"camera"`
	CapturedAt time.Time `json:"captured_at"`
	Size       int64     `json:"size"`
	ServiceID  string    `json:"service_id,omitempty"`
}

// ObjectKey returns <prefix>/<camera>/<YYYY-MM-DD>/<filename> for v, mirroring
// the local archive layout.
func ObjectKey(prefix, camera string, v *video.Video, loc *time.Location) string {
	return path.Join(prefix, camera, v.Partition(loc), v.Filename())
}
