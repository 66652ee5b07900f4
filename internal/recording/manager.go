package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brollyhub/nvr/internal/retention"
	"github.com/brollyhub/nvr/internal/video"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSweepInterval is the pause between retention cycles.
const DefaultSweepInterval = 5 * time.Second

// ErrUnknownCamera is returned for lookups of a camera that is not configured.
var ErrUnknownCamera = errors.New("unknown camera")

// Limit is one retention scope run by the sweep task. *retention.LimitManager
// implements it.
type Limit interface {
	Name() string
	Run(ctx context.Context) error
}

// Worker is a background task started with the Manager and stopped after the
// last retention cycle, e.g. replication or notification delivery.
type Worker interface {
	Run(ctx context.Context) error
}

// Manager coordinates all recorders and the retention sweep task
type Manager struct {
	recorders     []*Recorder
	byName        map[string]*Recorder
	cameraLimits  []Limit
	globalLimit   Limit
	sweepInterval time.Duration
	workers       []Worker
	logger        *zap.Logger

	mu            sync.Mutex
	running       bool
	started       bool
	startedAt     time.Time
	sweepCancel   context.CancelFunc
	workersCancel context.CancelFunc
	done          chan struct{}

	// idle is set whenever no retention cycle is in flight.
	idle *Signal

	sweeps        atomic.Int64
	sweepFailures atomic.Int64
	lastSweep     atomic.Int64
}

// ManagerConfig holds configuration for the recording manager
type ManagerConfig struct {
	Recorders []*Recorder
	// CameraLimits run in order before GlobalLimit in every cycle.
	CameraLimits  []Limit
	GlobalLimit   Limit
	SweepInterval time.Duration
	Workers       []Worker
	Logger        *zap.Logger
}

// NewManager creates a new recording manager
func NewManager(cfg ManagerConfig) (*Manager, error) {
	byName := make(map[string]*Recorder, len(cfg.Recorders))
	for _, r := range cfg.Recorders {
		if _, exists := byName[r.Name()]; exists {
			return nil, fmt.Errorf("duplicate camera: %s", r.Name())
		}
		byName[r.Name()] = r
	}

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		recorders:     cfg.Recorders,
		byName:        byName,
		cameraLimits:  cfg.CameraLimits,
		globalLimit:   cfg.GlobalLimit,
		sweepInterval: interval,
		workers:       cfg.Workers,
		logger:        logger,
		idle:          NewSignal(true),
	}, nil
}

// Start runs every recorder, the retention sweep task and the background
// workers, and blocks until Stop is called. Cancelling ctx calls Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if m.started {
		m.mu.Unlock()
		return ErrStopped
	}
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	workersCtx, workersCancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running = true
	m.started = true
	m.startedAt = time.Now()
	m.sweepCancel = sweepCancel
	m.workersCancel = workersCancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()
	defer close(done)

	stopOnCancel := context.AfterFunc(ctx, m.Stop)
	defer stopOnCancel()

	m.logger.Info("Recording manager started",
		zap.Int("cameras", len(m.recorders)),
		zap.Int("camera_limits", len(m.cameraLimits)),
		zap.Bool("global_limit", m.globalLimit != nil),
		zap.Duration("sweep_interval", m.sweepInterval))

	var workers errgroup.Group
	for _, w := range m.workers {
		w := w
		workers.Go(func() error {
			if err := w.Run(workersCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("Background worker failed", zap.Error(err))
			}
			return nil
		})
	}

	var g errgroup.Group
	for _, r := range m.recorders {
		r := r
		g.Go(func() error {
			err := r.Start(context.Background())
			if err != nil && !errors.Is(err, ErrStopped) {
				m.logger.Error("Recorder failed",
					zap.String("camera", r.Name()),
					zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		m.sweepLoop(sweepCtx)
		return nil
	})

	_ = g.Wait()
	_ = workers.Wait()

	m.logger.Info("Recording manager stopped")
	return nil
}

// Stop halts all recorders, waits for an in-flight retention cycle to finish
// and then stops the background workers. It is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.started = true
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	m.running = false
	sweepCancel, workersCancel, done := m.sweepCancel, m.workersCancel, m.done
	m.mu.Unlock()

	m.logger.Info("Stopping recording manager", zap.Int("cameras", len(m.recorders)))

	// only interrupts the pause between cycles
	sweepCancel()

	var g errgroup.Group
	for _, r := range m.recorders {
		r := r
		g.Go(func() error {
			r.Stop()
			return nil
		})
	}
	_ = g.Wait()

	_ = m.idle.Wait(context.Background())
	workersCancel()
	<-done
}

// IsRunning reports whether the manager is between Start and Stop.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Idle reports whether no retention cycle is in flight.
func (m *Manager) Idle() bool {
	return m.idle.IsSet()
}

// beginCycle clears idle if the manager is still running. It shares m.mu with
// Stop so a cycle never begins after Stop has cleared the running flag.
func (m *Manager) beginCycle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	m.idle.Clear()
	return true
}

func (m *Manager) sweepLoop(ctx context.Context) {
	for m.beginCycle() {
		m.runLimits(context.WithoutCancel(ctx))
		sleepContext(ctx, m.sweepInterval)
		m.idle.Set()
	}
}

// runLimits runs every camera scope before the global one. A failing scope is
// logged and the cycle moves on.
func (m *Manager) runLimits(ctx context.Context) {
	for _, l := range m.cameraLimits {
		m.runLimit(ctx, l)
	}
	if m.globalLimit != nil {
		m.runLimit(ctx, m.globalLimit)
	}
	m.sweeps.Add(1)
	m.lastSweep.Store(time.Now().Unix())
}

func (m *Manager) runLimit(ctx context.Context, l Limit) {
	err := l.Run(ctx)
	if err == nil {
		return
	}
	m.sweepFailures.Add(1)
	if retention.IsRetentionImpossible(err) {
		m.logger.Error("Retention limit cannot be met", zap.String("scope", l.Name()), zap.Error(err))
		return
	}
	m.logger.Warn("Retention sweep failed", zap.String("scope", l.Name()), zap.Error(err))
}

// Cameras returns the configured camera names in configuration order.
func (m *Manager) Cameras() []string {
	return lo.Map(m.recorders, func(r *Recorder, _ int) string { return r.Name() })
}

// Recorder returns the recorder for camera.
func (m *Manager) Recorder(camera string) (*Recorder, bool) {
	r, ok := m.byName[camera]
	return r, ok
}

// Videos lists the archived videos of camera, oldest first.
func (m *Manager) Videos(camera string) ([]*video.Video, error) {
	r, ok := m.byName[camera]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, camera)
	}
	return r.Videos()
}

// ManagerStats contains statistics about the manager and its recorders
type ManagerStats struct {
	Running       bool            `json:"running"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	Idle          bool            `json:"idle"`
	Sweeps        int64           `json:"sweeps"`
	SweepFailures int64           `json:"sweep_failures"`
	LastSweepAt   *time.Time      `json:"last_sweep_at,omitempty"`
	Cameras       []RecorderStats `json:"cameras"`
}

// Stats returns stats for the manager and every recorder
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{Running: m.running}
	if !m.startedAt.IsZero() {
		startedAt := m.startedAt
		stats.StartedAt = &startedAt
	}
	m.mu.Unlock()

	stats.Idle = m.idle.IsSet()
	stats.Sweeps = m.sweeps.Load()
	stats.SweepFailures = m.sweepFailures.Load()
	if sec := m.lastSweep.Load(); sec > 0 {
		t := time.Unix(sec, 0).UTC()
		stats.LastSweepAt = &t
	}
	stats.Cameras = lo.Map(m.recorders, func(r *Recorder, _ int) RecorderStats { return r.Stats() })
	return stats
}
