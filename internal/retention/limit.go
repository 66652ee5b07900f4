package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brollyhub/nvr/internal/video"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Source lists the videos a LimitManager is responsible for, oldest first.
type Source func() ([]*video.Video, error)

// Reason tells why a video was evicted.
type Reason string

const (
	ReasonAge  Reason = "age"
	ReasonSize Reason = "size"
)

// RetentionImpossibleError is returned by the size sweep when the scope is
// still over budget and no eviction candidate is left.
type RetentionImpossibleError struct {
	Scope      string
	TotalBytes int64
	MaxBytes   int64
}

func (e *RetentionImpossibleError) Error() string {
	return fmt.Sprintf("%s is above disk limit (%s > %s) but has no videos left to delete",
		e.Scope, humanize.Bytes(uint64(e.TotalBytes)), humanize.Bytes(uint64(e.MaxBytes)))
}

// IsRetentionImpossible reports whether err is (or wraps) a RetentionImpossibleError.
func IsRetentionImpossible(err error) bool {
	var e *RetentionImpossibleError
	return errors.As(err, &e)
}

// LimitManager deletes videos from its source until the configured age and
// size limits hold again. It keeps no state between runs.
type LimitManager struct {
	name     string
	maxAge   *time.Duration
	maxBytes *int64
	source   Source
	onEvict  func(*video.Video, Reason)
	location *time.Location
	logger   *zap.Logger
}

// Config holds configuration for a LimitManager. A nil limit disables that check.
type Config struct {
	Name     string
	MaxAge   *time.Duration
	MaxBytes *int64
	Source   Source
	// OnEvict is called after each successful deletion.
	OnEvict func(*video.Video, Reason)
	// Location decides which date partition is "today" when pruning empty
	// partition directories. Defaults to UTC.
	Location *time.Location
	Logger   *zap.Logger
}

// New creates a LimitManager
func New(cfg Config) (*LimitManager, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("video source is required")
	}
	if cfg.MaxAge != nil && *cfg.MaxAge < 0 {
		return nil, fmt.Errorf("max age cannot be negative: %s", *cfg.MaxAge)
	}
	if cfg.MaxBytes != nil && *cfg.MaxBytes < 0 {
		return nil, fmt.Errorf("max bytes cannot be negative: %d", *cfg.MaxBytes)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &LimitManager{
		name:     cfg.Name,
		maxAge:   cfg.MaxAge,
		maxBytes: cfg.MaxBytes,
		source:   cfg.Source,
		onEvict:  cfg.OnEvict,
		location: loc,
		logger:   logger.With(zap.String("scope", cfg.Name)),
	}, nil
}

// Name returns the scope name used in logs.
func (m *LimitManager) Name() string {
	return m.name
}

// Run performs an age sweep followed by a size sweep. Each sweep takes its own
// snapshot of the source. A sweep runs to completion once started; ctx is only
// consulted before the sweeps begin.
func (m *LimitManager) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.checkAgeLimit(); err != nil {
		return fmt.Errorf("failed to check limits for %s: %w", m.name, err)
	}
	if err := m.checkSizeLimit(); err != nil {
		return fmt.Errorf("failed to check limits for %s: %w", m.name, err)
	}
	return nil
}

// checkAgeLimit walks videos oldest first and stops at the first one within the
// age limit. The early stop relies on the source being time-ordered: every
// later video is younger and cannot exceed the limit either.
func (m *LimitManager) checkAgeLimit() error {
	if m.maxAge == nil {
		return nil
	}

	videos, err := m.source()
	if err != nil {
		return fmt.Errorf("failed to list videos: %w", err)
	}

	for _, v := range videos {
		if v.Age() <= *m.maxAge {
			break
		}
		m.logger.Info("Deleting video above age limit",
			zap.String("file", v.Filename()),
			zap.Duration("age", v.Age()),
			zap.Duration("max_age", *m.maxAge))
		m.evict(v, ReasonAge)
	}
	return nil
}

type sizedVideo struct {
	video *video.Video
	size  int64
}

// checkSizeLimit evicts the oldest videos until the total fits the budget. The
// newest video of the scope is never evicted, so a budget it alone exceeds is
// reported as RetentionImpossibleError.
func (m *LimitManager) checkSizeLimit() error {
	if m.maxBytes == nil {
		return nil
	}

	videos, err := m.source()
	if err != nil {
		return fmt.Errorf("failed to list videos: %w", err)
	}

	var total int64
	candidates := make([]sizedVideo, 0, len(videos))
	for _, v := range videos {
		size, err := v.Size()
		if err != nil {
			if !video.IsNotFound(err) {
				m.logger.Warn("Failed to size video", zap.String("file", v.Filename()), zap.Error(err))
			}
			continue
		}
		total += size
		candidates = append(candidates, sizedVideo{video: v, size: size})
	}
	if len(candidates) > 0 {
		candidates = candidates[:len(candidates)-1]
	}

	for total > *m.maxBytes {
		if len(candidates) == 0 {
			return &RetentionImpossibleError{Scope: m.name, TotalBytes: total, MaxBytes: *m.maxBytes}
		}

		oldest := candidates[0]
		candidates = candidates[1:]

		m.logger.Info("Deleting video above disk limit",
			zap.String("file", oldest.video.Filename()),
			zap.String("size", humanize.Bytes(uint64(oldest.size))),
			zap.String("total", humanize.Bytes(uint64(total))),
			zap.String("max", humanize.Bytes(uint64(*m.maxBytes))))

		if m.evict(oldest.video, ReasonSize) {
			total -= oldest.size
		}
	}
	return nil
}

// evict deletes v and reports whether this call removed it. A video already
// removed by someone else is not an error but does not count as freed space.
func (m *LimitManager) evict(v *video.Video, reason Reason) bool {
	if err := v.Delete(); err != nil {
		if video.IsNotFound(err) {
			m.logger.Debug("Video already removed", zap.String("file", v.Filename()))
		} else {
			m.logger.Warn("Failed to delete video", zap.String("file", v.Filename()), zap.Error(err))
		}
		return false
	}

	m.pruneEmptyPartition(v)
	if m.onEvict != nil {
		m.onEvict(v, reason)
	}
	return true
}

// pruneEmptyPartition removes the date directory of v once its last video is
// gone. Today's partition is left alone since the mover is writing into it.
func (m *LimitManager) pruneEmptyPartition(v *video.Video) {
	dir := v.Dir()
	name := filepath.Base(dir)
	if _, err := time.Parse(video.PartitionLayout, name); err != nil {
		return
	}
	if name == time.Now().In(m.location).Format(video.PartitionLayout) {
		return
	}
	// os.Remove fails on non-empty directories, which is the common case.
	if err := os.Remove(dir); err == nil {
		m.logger.Debug("Removed empty partition", zap.String("dir", dir))
	}
}
