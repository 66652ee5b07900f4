package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/brollyhub/nvr/internal/notify"
	"github.com/brollyhub/nvr/internal/recording"
	"github.com/brollyhub/nvr/internal/storage"
	"github.com/brollyhub/nvr/internal/video"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Fleet is the view of the recorder fleet served over HTTP.
type Fleet interface {
	Stats() recording.ManagerStats
	Cameras() []string
	Videos(camera string) ([]*video.Video, error)
}

// HealthCheck reports the health of a dependency such as the replica bucket.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds router dependencies
type RouterConfig struct {
	Fleet     Fleet
	Checks    map[string]HealthCheck
	ServiceID string
	// Replication and Notify report worker counters on /stats when set.
	Replication func() storage.ReplicatorStats
	Notify      func() notify.ClientStats
	// Location of the date partitions reported for each video.
	Location *time.Location
	Logger   *zap.Logger
}

type handler struct {
	fleet       Fleet
	checks      map[string]HealthCheck
	serviceID   string
	replication func() storage.ReplicatorStats
	notify      func() notify.ClientStats
	loc         *time.Location
	logger      *zap.Logger
}

// StatsResponse is the body of /stats
type StatsResponse struct {
	recording.ManagerStats
	Replication *storage.ReplicatorStats `json:"replication,omitempty"`
	Notify      *notify.ClientStats      `json:"notify,omitempty"`
}

// VideoDTO describes one archived video
type VideoDTO struct {
	File       string    `json:"file"`
	Partition  string    `json:"partition"`
	CapturedAt time.Time `json:"captured_at"`
	Size       int64     `json:"size"`
	SizeHuman  string    `json:"size_human"`
}

// CameraDTO summarises one camera's archive
type CameraDTO struct {
	Name       string `json:"name"`
	Videos     int    `json:"videos"`
	TotalBytes int64  `json:"total_bytes"`
	TotalHuman string `json:"total_human"`
	Error      string `json:"error,omitempty"`
}

// NewRouter builds the status API
func NewRouter(cfg RouterConfig) *chi.Mux {
	h := &handler{
		fleet:       cfg.Fleet,
		checks:      cfg.Checks,
		serviceID:   cfg.ServiceID,
		replication: cfg.Replication,
		notify:      cfg.Notify,
		loc:         cfg.Location,
		logger:      cfg.Logger,
	}
	if h.loc == nil {
		h.loc = time.Local
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Get("/cameras", h.cameras)
	r.Get("/cameras/{camera}/videos", h.videos)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.fleet.Stats()
	body := map[string]any{
		"healthy":    stats.Running,
		"service_id": h.serviceID,
		"idle":       stats.Idle,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			body["healthy"] = false
			body[name+"_error"] = err.Error()
		}
	}

	status := http.StatusOK
	if !body["healthy"].(bool) {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, body)
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{ManagerStats: h.fleet.Stats()}
	if h.replication != nil {
		resp.Replication = lo.ToPtr(h.replication())
	}
	if h.notify != nil {
		resp.Notify = lo.ToPtr(h.notify())
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) cameras(w http.ResponseWriter, _ *http.Request) {
	out := lo.Map(h.fleet.Cameras(), func(name string, _ int) CameraDTO {
		dto := CameraDTO{Name: name}
		videos, err := h.fleet.Videos(name)
		if err != nil {
			dto.Error = err.Error()
			return dto
		}
		described := h.describe(videos)
		dto.Videos = len(described)
		dto.TotalBytes = lo.SumBy(described, func(v VideoDTO) int64 { return v.Size })
		dto.TotalHuman = humanize.Bytes(uint64(dto.TotalBytes))
		return dto
	})
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handler) videos(w http.ResponseWriter, r *http.Request) {
	camera := chi.URLParam(r, "camera")
	videos, err := h.fleet.Videos(camera)
	if err != nil {
		if errors.Is(err, recording.ErrUnknownCamera) {
			h.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Warn("Failed to list videos", zap.String("camera", camera), zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, h.describe(videos))
}

// describe skips videos that vanish while being listed.
func (h *handler) describe(videos []*video.Video) []VideoDTO {
	return lo.FilterMap(videos, func(v *video.Video, _ int) (VideoDTO, bool) {
		size, err := v.Size()
		if err != nil {
			return VideoDTO{}, false
		}
		return VideoDTO{
			File:       v.Filename(),
			Partition:  v.Partition(h.loc),
			CapturedAt: v.CaptureTime(),
			Size:       size,
			SizeHuman:  humanize.Bytes(uint64(size)),
		}, true
	})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}
