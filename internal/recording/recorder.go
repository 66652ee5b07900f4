package recording

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brollyhub/nvr/internal/encoder"
	"github.com/brollyhub/nvr/internal/video"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning is returned by Start on a running Recorder or Manager.
	ErrAlreadyRunning = errors.New("already running")
	// ErrStopped is returned by Start once Stop has been called.
	ErrStopped = errors.New("already stopped")
)

const (
	TempDirName    = "temp"
	ArchiveDirName = "videos"

	DefaultRawExtension     = "ts"
	DefaultArchiveExtension = "mp4"
	DefaultRestartDelay     = 5 * time.Second
	DefaultMoverInterval    = 5 * time.Second
)

// CaptureState is the phase of a Recorder's capture loop.
type CaptureState string

const (
	CaptureIdle     CaptureState = "idle"
	CaptureSpawning CaptureState = "spawning"
	CaptureRunning  CaptureState = "running"
	CaptureExited   CaptureState = "exited"
	CaptureBackoff  CaptureState = "backoff"
	CaptureStopped  CaptureState = "stopped"
)

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Recorder captures one camera into raw segments and archives every completed
// segment into date partitions.
type Recorder struct {
	name          string
	tempDir       string
	archiveDir    string
	params        encoder.CaptureParams
	encoder       encoder.Encoder
	archiveExt    string
	restartDelay  time.Duration
	moverInterval time.Duration
	watch         bool
	location      *time.Location
	onArchived    func(*video.Video)
	logger        *zap.Logger

	// raw segment path -> archived copy whose raw delete failed; mover only
	pendingDelete map[string]string

	mu        sync.Mutex
	lifecycle lifecycle
	cancel    context.CancelFunc
	done      chan struct{}

	stateMu      sync.RWMutex
	captureState CaptureState

	captureStarts atomic.Int64
	captureExits  atomic.Int64
	archived      atomic.Int64
	failures      atomic.Int64
	lastArchived  atomic.Int64
}

// RecorderConfig holds configuration for a Recorder
type RecorderConfig struct {
	Name            string
	Source          string
	SegmentDuration time.Duration
	RecordAudio     bool
	// Root is the camera directory; temp and archive trees live below it.
	Root    string
	Encoder encoder.Encoder

	RawExtension     string
	ArchiveExtension string
	RestartDelay     time.Duration
	MoverInterval    time.Duration
	// WatchSegments wakes the mover as soon as the encoder opens a new segment.
	WatchSegments bool
	// Location decides the date partition of archived videos. Defaults to Local.
	Location *time.Location
	// OnArchived is called with each newly archived video.
	OnArchived func(*video.Video)
	Logger     *zap.Logger
}

// NewRecorder creates a Recorder
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("camera name is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	if cfg.RawExtension == "" {
		cfg.RawExtension = DefaultRawExtension
	}
	if cfg.ArchiveExtension == "" {
		cfg.ArchiveExtension = DefaultArchiveExtension
	}
	if cfg.RawExtension == cfg.ArchiveExtension {
		return nil, fmt.Errorf("raw and archive extensions must differ: %q", cfg.RawExtension)
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.MoverInterval <= 0 {
		cfg.MoverInterval = DefaultMoverInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	tempDir := filepath.Join(cfg.Root, TempDirName)
	params := encoder.CaptureParams{
		Source:          cfg.Source,
		SegmentDuration: cfg.SegmentDuration,
		RecordAudio:     cfg.RecordAudio,
		OutputDir:       tempDir,
		Extension:       cfg.RawExtension,
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture settings for %s: %w", cfg.Name, err)
	}

	return &Recorder{
		name:          cfg.Name,
		tempDir:       tempDir,
		archiveDir:    filepath.Join(cfg.Root, ArchiveDirName),
		params:        params,
		encoder:       cfg.Encoder,
		archiveExt:    cfg.ArchiveExtension,
		restartDelay:  cfg.RestartDelay,
		moverInterval: cfg.MoverInterval,
		watch:         cfg.WatchSegments,
		location:      cfg.Location,
		onArchived:    cfg.OnArchived,
		logger:        cfg.Logger.With(zap.String("camera", cfg.Name)),
		pendingDelete: make(map[string]string),
		captureState:  CaptureIdle,
	}, nil
}

// Name returns the camera name.
func (r *Recorder) Name() string {
	return r.name
}

// TempDir returns the directory raw segments are written to.
func (r *Recorder) TempDir() string {
	return r.tempDir
}

// ArchiveDir returns the root of the date-partitioned archive.
func (r *Recorder) ArchiveDir() string {
	return r.archiveDir
}

// Start runs the capture and mover loops and blocks until Stop is called or
// ctx is cancelled. A Recorder can only be started once.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.lifecycle {
	case lifecycleRunning:
		r.mu.Unlock()
		return ErrAlreadyRunning
	case lifecycleStopped:
		r.mu.Unlock()
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	r.lifecycle = lifecycleRunning
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.lifecycle = lifecycleStopped
		r.mu.Unlock()
		r.setCaptureState(CaptureStopped)
		close(done)
	}()

	for _, dir := range []string{r.tempDir, r.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	r.logger.Info("Recorder started",
		zap.String("source", r.params.Source),
		zap.Duration("segment_duration", r.params.SegmentDuration))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.captureLoop(gctx)
		return nil
	})
	g.Go(func() error {
		r.moverLoop(gctx)
		return nil
	})
	err := g.Wait()

	r.logger.Info("Recorder stopped")
	return err
}

// Stop halts both loops, terminating the capture process if one is active,
// and waits for them to exit. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	switch r.lifecycle {
	case lifecycleIdle:
		r.lifecycle = lifecycleStopped
		r.mu.Unlock()
		return
	case lifecycleStopped:
		done := r.done
		r.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether the loops are active.
func (r *Recorder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle == lifecycleRunning
}

// Videos lists the archived videos, oldest first.
func (r *Recorder) Videos() ([]*video.Video, error) {
	return video.Scan(r.archiveDir, r.archiveExt, r.logger)
}

// Segments lists the raw segments in the temp directory, oldest first.
func (r *Recorder) Segments() ([]*video.Video, error) {
	return video.Scan(r.tempDir, r.params.Extension, r.logger)
}

func (r *Recorder) CaptureState() CaptureState {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.captureState
}

func (r *Recorder) setCaptureState(s CaptureState) {
	r.stateMu.Lock()
	r.captureState = s
	r.stateMu.Unlock()
}

// captureLoop supervises the encoder: spawning, running, exited, then backoff
// before the next spawn. Cancellation is checked between every transition.
func (r *Recorder) captureLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		r.setCaptureState(CaptureSpawning)
		err := r.runCapture(ctx)

		r.setCaptureState(CaptureExited)
		if ctx.Err() != nil {
			r.logger.Info("Capture stopped")
			return
		}

		if err != nil {
			r.logger.Error("Capture exited unexpectedly",
				zap.Error(err),
				zap.Duration("restart_delay", r.restartDelay))
		} else {
			r.logger.Warn("Capture ended",
				zap.Duration("restart_delay", r.restartDelay))
		}

		r.setCaptureState(CaptureBackoff)
		if !sleepContext(ctx, r.restartDelay) {
			return
		}
	}
}

// runCapture spawns one encoder process and blocks until it exits. A spawn
// failure is returned like an exit.
func (r *Recorder) runCapture(ctx context.Context) error {
	proc, err := r.encoder.StartCapture(ctx, r.params)
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	r.captureStarts.Add(1)
	r.setCaptureState(CaptureRunning)
	r.logger.Info("Capture started", zap.Int("pid", proc.Pid()))

	r.drainDiagnostics(proc.Stderr())
	err = proc.Wait()
	r.captureExits.Add(1)
	return err
}

// drainDiagnostics forwards encoder output line by line until EOF.
func (r *Recorder) drainDiagnostics(rd io.Reader) {
	if rd == nil {
		return
	}
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			r.logger.Warn("Encoder output", zap.String("line", line))
		}
	}
	// keep reading past an oversized line so the process never blocks on a full pipe
	_, _ = io.Copy(io.Discard, rd)
}

// moverLoop archives completed segments on every tick, or sooner when a new
// segment shows up in the temp directory.
func (r *Recorder) moverLoop(ctx context.Context) {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if r.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			r.logger.Warn("Failed to create segment watcher, polling only", zap.Error(err))
		} else {
			defer watcher.Close()
			if err := watcher.Add(r.tempDir); err != nil {
				r.logger.Warn("Failed to watch temp directory, polling only", zap.Error(err))
			} else {
				events = watcher.Events
				watchErrs = watcher.Errors
			}
		}
	}

	ticker := time.NewTicker(r.moverInterval)
	defer ticker.Stop()

	for {
		r.moveCompleted(ctx)

	wait:
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				break wait
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Has(fsnotify.Create) && filepath.Ext(ev.Name) == "."+r.params.Extension {
					break wait
				}
			case err, ok := <-watchErrs:
				if !ok {
					watchErrs = nil
					continue
				}
				r.logger.Debug("Segment watcher error", zap.Error(err))
			}
		}
	}
}

// moveCompleted archives every segment except the newest, which the encoder
// may still be appending to.
func (r *Recorder) moveCompleted(ctx context.Context) {
	segments, err := r.Segments()
	if err != nil {
		r.logger.Error("Failed to list segments", zap.Error(err))
		return
	}
	if len(segments) < 2 {
		return
	}

	for _, seg := range segments[:len(segments)-1] {
		if ctx.Err() != nil {
			return
		}
		if err := r.archive(ctx, seg); err != nil {
			r.failures.Add(1)
			r.logger.Error("Failed to archive segment",
				zap.String("file", seg.Filename()),
				zap.Error(err))
		}
	}
}

// archive remuxes seg into a staging file, moves it into its date partition
// and removes the raw segment. The raw segment is only deleted once the
// archived copy is in place, so any failure is retried on the next cycle. A
// segment already archived whose delete failed only has the delete retried.
func (r *Recorder) archive(ctx context.Context, seg *video.Video) error {
	if dst, ok := r.pendingDelete[seg.Path()]; ok {
		return r.finishArchive(seg, dst)
	}

	staged := filepath.Join(r.tempDir, seg.Stem()+"."+r.archiveExt)
	if err := r.encoder.Remux(ctx, seg.Path(), staged); err != nil {
		_ = os.Remove(staged)
		return err
	}

	partition := filepath.Join(r.archiveDir, seg.Partition(r.location))
	if err := os.MkdirAll(partition, 0o755); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("failed to create partition: %w", err)
	}

	dst, err := uniqueDestination(partition, seg.Stem(), r.archiveExt)
	if err != nil {
		_ = os.Remove(staged)
		return err
	}
	if filepath.Base(dst) != seg.Stem()+"."+r.archiveExt {
		r.logger.Warn("Archive name already taken, keeping both",
			zap.String("file", seg.Filename()),
			zap.String("destination", filepath.Base(dst)))
	}

	err = moveFile(staged, dst)
	if errors.Is(err, os.ErrNotExist) {
		// retention prunes empty past partitions, possibly right after MkdirAll
		if mkErr := os.MkdirAll(partition, 0o755); mkErr == nil {
			err = moveFile(staged, dst)
		}
	}
	if err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("failed to move into archive: %w", err)
	}

	r.pendingDelete[seg.Path()] = dst
	return r.finishArchive(seg, dst)
}

// finishArchive removes the raw segment of an archived copy at dst.
func (r *Recorder) finishArchive(seg *video.Video, dst string) error {
	if err := deleteSegment(seg); err != nil && !video.IsNotFound(err) {
		return fmt.Errorf("failed to delete raw segment: %w", err)
	}
	delete(r.pendingDelete, seg.Path())

	archived := seg.WithPath(dst)
	r.archived.Add(1)
	r.lastArchived.Store(archived.CaptureTime().Unix())
	r.logger.Info("Segment archived",
		zap.String("file", seg.Filename()),
		zap.String("partition", filepath.Base(filepath.Dir(dst))))

	if r.onArchived != nil {
		r.onArchived(archived)
	}
	return nil
}

// RecorderStats contains statistics about a Recorder
type RecorderStats struct {
	Camera          string       `json:"camera"`
	Running         bool         `json:"running"`
	CaptureState    CaptureState `json:"capture_state"`
	CaptureStarts   int64        `json:"capture_starts"`
	CaptureExits    int64        `json:"capture_exits"`
	Archived        int64        `json:"archived"`
	ArchiveFailures int64        `json:"archive_failures"`
	LastCapturedAt  *time.Time   `json:"last_captured_at,omitempty"`
}

// Stats returns current recorder statistics
func (r *Recorder) Stats() RecorderStats {
	stats := RecorderStats{
		Camera:          r.name,
		Running:         r.IsRunning(),
		CaptureState:    r.CaptureState(),
		CaptureStarts:   r.captureStarts.Load(),
		CaptureExits:    r.captureExits.Load(),
		Archived:        r.archived.Load(),
		ArchiveFailures: r.failures.Load(),
	}
	if sec := r.lastArchived.Load(); sec > 0 {
		t := time.Unix(sec, 0).UTC()
		stats.LastCapturedAt = &t
	}
	return stats
}

// sleepContext waits for d and reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
