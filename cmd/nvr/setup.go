package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/brollyhub/nvr/internal/config"
	"github.com/brollyhub/nvr/internal/encoder"
	"github.com/brollyhub/nvr/internal/httpapi"
	"github.com/brollyhub/nvr/internal/notify"
	"github.com/brollyhub/nvr/internal/recording"
	"github.com/brollyhub/nvr/internal/retention"
	"github.com/brollyhub/nvr/internal/storage"
	"github.com/brollyhub/nvr/internal/video"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// GlobalScope names the fleet-wide retention limit.
const GlobalScope = "global"

// service is the assembled process: the recorder fleet plus its optional
// replication and notification workers.
type service struct {
	id         string
	location   *time.Location
	manager    *recording.Manager
	replicator *storage.Replicator
	store      storage.Storage
	notifier   *notify.Client
}

func buildService(cfg *config.Config, enc encoder.Encoder, logger *zap.Logger) (*service, error) {
	loc, err := cfg.Recording.Location()
	if err != nil {
		return nil, err
	}

	svc := &service{
		id:       uuid.New().String(),
		location: loc,
	}
	svc.notifier = notify.NewClient(cfg.Notify, svc.id, logger.Named("notify"))

	var workers []recording.Worker
	if cfg.Replication.Enabled {
		store, err := storage.NewMinIOStorage(storage.MinIOConfig{
			Endpoint:  cfg.Replication.Endpoint,
			Bucket:    cfg.Replication.Bucket,
			AccessKey: cfg.Replication.AccessKey,
			SecretKey: cfg.Replication.SecretKey,
			UseSSL:    cfg.Replication.UseSSL,
			Region:    cfg.Replication.Region,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create replica storage: %w", err)
		}
		svc.store = store
		svc.replicator, err = storage.NewReplicator(storage.ReplicatorConfig{
			Storage:    store,
			Prefix:     cfg.Replication.Prefix,
			Location:   loc,
			ServiceID:  svc.id,
			QueueSize:  cfg.Replication.QueueSize,
			Attempts:   cfg.Replication.Attempts,
			RetryDelay: cfg.Replication.RetryDelay,
			Logger:     logger.Named("replicator"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create replicator: %w", err)
		}
		workers = append(workers, svc.replicator)
	}
	if svc.notifier.Enabled() {
		workers = append(workers, svc.notifier)
	}

	recorders := make([]*recording.Recorder, 0, len(cfg.Cameras))
	limits := make([]recording.Limit, 0, len(cfg.Cameras))
	for _, name := range cfg.CameraNames() {
		cam := cfg.Cameras[name]

		rec, err := recording.NewRecorder(recording.RecorderConfig{
			Name:             name,
			Source:           cam.Source,
			SegmentDuration:  cam.SegmentDuration(),
			RecordAudio:      cam.RecordAudio,
			Root:             cfg.CameraRoot(name),
			Encoder:          enc,
			RawExtension:     cfg.Recording.RawExtension,
			ArchiveExtension: cfg.Recording.ArchiveExtension,
			RestartDelay:     cfg.Recording.RestartDelay,
			MoverInterval:    cfg.Recording.MoverInterval,
			WatchSegments:    cfg.Recording.WatchSegments,
			Location:         loc,
			OnArchived:       svc.onArchived(name),
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create recorder for %s: %w", name, err)
		}
		recorders = append(recorders, rec)

		limit, err := retention.New(retention.Config{
			Name:     name,
			MaxAge:   cam.MaxAge(),
			MaxBytes: cam.MaxBytes(),
			Source:   retention.ArchiveSource(rec),
			OnEvict:  svc.onEvicted(name, func(*video.Video) string { return name }),
			Location: loc,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create retention limit for %s: %w", name, err)
		}
		limits = append(limits, limit)
	}

	archives := lo.Map(recorders, func(r *recording.Recorder, _ int) retention.Archive { return r })
	global, err := retention.New(retention.Config{
		Name:     GlobalScope,
		MaxBytes: cfg.Storage.MaxBytes(),
		Source:   retention.GlobalSource(archives, logger),
		OnEvict: svc.onEvicted(GlobalScope, func(v *video.Video) string {
			return cameraOf(cfg.Storage.Root, v)
		}),
		Location: loc,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create global retention limit: %w", err)
	}

	svc.manager, err = recording.NewManager(recording.ManagerConfig{
		Recorders:     recorders,
		CameraLimits:  limits,
		GlobalLimit:   global,
		SweepInterval: cfg.Retention.Interval,
		Workers:       workers,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *service) onArchived(camera string) func(*video.Video) {
	return func(v *video.Video) {
		if s.replicator != nil {
			s.replicator.Enqueue(camera, v)
		}
		s.notifier.Publish(notify.VideoArchived(camera, v))
	}
}

func (s *service) onEvicted(scope string, camera func(*video.Video) string) func(*video.Video, retention.Reason) {
	return func(v *video.Video, reason retention.Reason) {
		s.notifier.Publish(notify.VideoEvicted(camera(v), scope, string(reason), v))
	}
}

// healthChecks returns the dependency checks served on /health.
func (s *service) healthChecks() map[string]httpapi.HealthCheck {
	if s.store == nil {
		return nil
	}
	return map[string]httpapi.HealthCheck{"replica": s.store.Health}
}

// routerConfig wires the status API to the fleet and its enabled workers.
func (s *service) routerConfig(logger *zap.Logger) httpapi.RouterConfig {
	cfg := httpapi.RouterConfig{
		Fleet:     s.manager,
		Checks:    s.healthChecks(),
		ServiceID: s.id,
		Location:  s.location,
		Logger:    logger,
	}
	if s.replicator != nil {
		cfg.Replication = s.replicator.Stats
	}
	if s.notifier.Enabled() {
		cfg.Notify = s.notifier.Stats
	}
	return cfg
}

// cameraOf recovers the camera of an archived video from its path below root.
func cameraOf(root string, v *video.Video) string {
	rel, err := filepath.Rel(root, v.Path())
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	camera, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return camera
}
