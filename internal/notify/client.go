package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brollyhub/nvr/internal/config"
	"github.com/brollyhub/nvr/internal/video"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names a webhook event
type EventType string

const (
	EventVideoArchived EventType = "video_archived"
	EventVideoEvicted  EventType = "video_evicted"
)

// ServiceKeyHeader carries the shared secret on every request.
const ServiceKeyHeader = "X-NVR-Service-Key"

// Event is the JSON body posted to the webhook
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Camera     string    `json:"camera,omitempty"`
	File       string    `json:"file"`
	CapturedAt time.Time `json:"captured_at"`
	Scope      string    `json:"scope,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ServiceID  string    `json:"service_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// VideoArchived builds the event for a newly archived video
func VideoArchived(camera string, v *video.Video) Event {
	return Event{
		Type:       EventVideoArchived,
		Camera:     camera,
		File:       v.Filename(),
		CapturedAt: v.CaptureTime(),
	}
}

// VideoEvicted builds the event for a video removed by retention
func VideoEvicted(camera, scope, reason string, v *video.Video) Event {
	return Event{
		Type:       EventVideoEvicted,
		Camera:     camera,
		File:       v.Filename(),
		CapturedAt: v.CaptureTime(),
		Scope:      scope,
		Reason:     reason,
	}
}

type Client struct {
	url        string
	serviceKey string
	serviceID  string
	timeout    time.Duration
	httpClient *http.Client
	queue      chan Event
	logger     *zap.Logger
	enabled    bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func NewClient(cfg config.NotifyConfig, serviceID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return &Client{enabled: false, logger: logger}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		serviceID:  serviceID,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		queue:      make(chan Event, queueSize),
		logger:     logger,
		enabled:    true,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

// Publish queues ev for delivery by Run without blocking. Events are dropped
// when the queue is full or notifications are disabled.
func (c *Client) Publish(ev Event) bool {
	if !c.Enabled() {
		return false
	}
	select {
	case c.queue <- ev:
		return true
	default:
		c.dropped.Add(1)
		c.logger.Warn("Notification queue full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("file", ev.File))
		return false
	}
}

// Run delivers queued events until ctx is cancelled. Delivery is best effort:
// a failed event is logged and not retried.
func (c *Client) Run(ctx context.Context) error {
	if !c.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.queue:
			if err := c.Send(ctx, ev); err != nil {
				c.failed.Add(1)
				c.logger.Warn("Failed to deliver notification",
					zap.String("type", string(ev.Type)),
					zap.String("file", ev.File),
					zap.Error(err))
				continue
			}
			c.sent.Add(1)
		}
	}
}

// Send posts ev synchronously.
func (c *Client) Send(ctx context.Context, ev Event) error {
	if c == nil || !c.enabled {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ServiceID == "" {
		ev.ServiceID = c.serviceID
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serviceKey != "" {
		req.Header.Set(ServiceKeyHeader, c.serviceKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("webhook failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// ClientStats contains delivery counters
type ClientStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		Sent:    c.sent.Load(),
		Failed:  c.failed.Load(),
		Dropped: c.dropped.Load(),
	}
}
