package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/brollyhub/nvr/internal/video"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize  = 256
	DefaultAttempts   = 5
	DefaultRetryDelay = 2 * time.Second
)

// errVanished marks a video evicted before it could be uploaded.
var errVanished = errors.New("video removed before upload")

type replicationJob struct {
	camera string
	video  *video.Video
}

// Replicator copies newly archived videos to a Storage in the background.
type Replicator struct {
	storage    Storage
	prefix     string
	location   *time.Location
	serviceID  string
	attempts   uint
	retryDelay time.Duration
	queue      chan replicationJob
	logger     *zap.Logger

	uploaded atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
	skipped  atomic.Int64
}

// ReplicatorConfig holds configuration for a Replicator
type ReplicatorConfig struct {
	Storage    Storage
	Prefix     string
	Location   *time.Location
	ServiceID  string
	QueueSize  int
	Attempts   uint
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// NewReplicator creates a Replicator
func NewReplicator(cfg ReplicatorConfig) (*Replicator, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Replicator{
		storage:    cfg.Storage,
		prefix:     cfg.Prefix,
		location:   cfg.Location,
		serviceID:  cfg.ServiceID,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
		queue:      make(chan replicationJob, cfg.QueueSize),
		logger:     cfg.Logger,
	}, nil
}

// Enqueue schedules v for upload. It never blocks; when the queue is full the
// video is dropped and false is returned.
func (r *Replicator) Enqueue(camera string, v *video.Video) bool {
	select {
	case r.queue <- replicationJob{camera: camera, video: v}:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn("Replication queue full, dropping video",
			zap.String("camera", camera),
			zap.String("file", v.Filename()))
		return false
	}
}

// Run uploads queued videos until ctx is cancelled.
func (r *Replicator) Run(ctx context.Context) error {
	err := r.withRetry(ctx, func() error {
		return r.storage.EnsureBucket(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// uploads below keep retrying on their own
		r.logger.Error("Failed to prepare replication bucket", zap.Error(err))
	}

	r.logger.Info("Replicator started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Replicator stopped",
				zap.Int64("uploaded", r.uploaded.Load()),
				zap.Int("pending", len(r.queue)))
			return ctx.Err()
		case job := <-r.queue:
			r.replicate(ctx, job)
		}
	}
}

func (r *Replicator) replicate(ctx context.Context, job replicationJob) {
	key := ObjectKey(r.prefix, job.camera, job.video, r.location)
	logger := r.logger.With(zap.String("camera", job.camera), zap.String("key", key))

	err := r.withRetry(ctx, func() error {
		return r.upload(ctx, job, key)
	})
	switch {
	case err == nil:
		r.uploaded.Add(1)
	case errors.Is(err, errVanished):
		r.skipped.Add(1)
		logger.Debug("Video evicted before upload")
	case ctx.Err() != nil:
	default:
		r.failed.Add(1)
		logger.Error("Failed to replicate video", zap.Error(err))
	}
}

func (r *Replicator) upload(ctx context.Context, job replicationJob, key string) error {
	f, err := os.Open(job.video.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errVanished
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	meta := VideoMetadata{
		Camera:     job.camera,
		CapturedAt: job.video.CaptureTime(),
		Size:       info.Size(),
		ServiceID:  r.serviceID,
	}
	if err := r.storage.PutVideo(ctx, key, f, meta); err != nil {
		return err
	}

	r.logger.Info("Video replicated",
		zap.String("camera", job.camera),
		zap.String("key", key),
		zap.String("size", humanize.Bytes(uint64(info.Size()))))
	return nil
}

func (r *Replicator) withRetry(ctx context.Context, fn func() error) error {
	return retry.New(
		retry.Attempts(r.attempts),
		retry.Delay(r.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, errVanished)
		}),
	).Do(fn)
}

// ReplicatorStats contains replication counters
type ReplicatorStats struct {
	Uploaded int64 `json:"uploaded"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	Skipped  int64 `json:"skipped"`
	Pending  int   `json:"pending"`
}

// Stats returns current replication counters
func (r *Replicator) Stats() ReplicatorStats {
	return ReplicatorStats{
		Uploaded: r.uploaded.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
		Skipped:  r.skipped.Load(),
		Pending:  len(r.queue),
	}
}
