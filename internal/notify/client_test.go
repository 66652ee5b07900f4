package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brollyhub/nvr/internal/config"
	"github.com/brollyhub/nvr/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type hookServer struct {
	mu      sync.Mutex
	events  []Event
	headers []http.Header
	status  int
}

func newHookServer(t *testing.T) (*hookServer, *httptest.Server) {
	t.Helper()
	h := &hookServer{status: http.StatusNoContent}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.headers = append(h.headers, r.Header.Clone())
		status := h.status
		h.mu.Unlock()
		if status >= 400 {
			http.Error(w, "nope", status)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func (h *hookServer) received() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func TestSend_PostsEventWithServiceKey(t *testing.T) {
	hook, srv := newHookServer(t)
	c := NewClient(config.NotifyConfig{Enabled: true, URL: srv.URL, ServiceKey: "s3cret"}, "svc-1", zaptest.NewLogger(t))

	v, err := video.New("/data/front/videos/2023-11-14/1700000000.mp4")
	require.NoError(t, err)
	require.NoError(t, c.Send(context.Background(), VideoArchived("front", v)))

	events := hook.received()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventVideoArchived, ev.Type)
	assert.Equal(t, "front", ev.Camera)
	assert.Equal(t, "1700000000.mp4", ev.File)
	assert.True(t, v.CaptureTime().Equal(ev.CapturedAt))
	assert.Equal(t, "svc-1", ev.ServiceID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	hook.mu.Lock()
	assert.Equal(t, "s3cret", hook.headers[0].Get(ServiceKeyHeader))
	assert.Equal(t, "application/json", hook.headers[0].Get("Content-Type"))
	hook.mu.Unlock()
}

func TestSend_Non2xxIsError(t *testing.T) {
	hook, srv := newHookServer(t)
	hook.status = http.StatusServiceUnavailable
	c := NewClient(config.NotifyConfig{Enabled: true, URL: srv.URL}, "", nil)

	v, err := video.New("/x/1700000000.mp4")
	require.NoError(t, err)
	err = c.Send(context.Background(), VideoEvicted("front", "global", "size", v))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}

func TestRun_DeliversPublishedEvents(t *testing.T) {
	hook, srv := newHookServer(t)
	c := NewClient(config.NotifyConfig{Enabled: true, URL: srv.URL}, "svc", zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	v, err := video.New("/x/1700000000.mp4")
	require.NoError(t, err)
	require.True(t, c.Publish(VideoEvicted("front", "front", "age", v)))

	require.Eventually(t, func() bool { return len(hook.received()) == 1 }, time.Second, 5*time.Millisecond)
	ev := hook.received()[0]
	assert.Equal(t, EventVideoEvicted, ev.Type)
	assert.Equal(t, "age", ev.Reason)
	assert.Equal(t, "front", ev.Scope)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int64(1), c.Stats().Sent)
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient(config.NotifyConfig{Enabled: false}, "", nil)
	assert.False(t, c.Enabled())

	v, err := video.New("/x/1700000000.mp4")
	require.NoError(t, err)
	assert.False(t, c.Publish(VideoArchived("front", v)))
	assert.NoError(t, c.Send(context.Background(), VideoArchived("front", v)))
}

func TestPublish_DropsWhenFull(t *testing.T) {
	c := NewClient(config.NotifyConfig{Enabled: true, URL: "http://127.0.0.1:1", QueueSize: 1}, "", nil)
	v, err := video.New("/x/1700000000.mp4")
	require.NoError(t, err)

	assert.True(t, c.Publish(VideoArchived("front", v)))
	assert.False(t, c.Publish(VideoArchived("front", v)))
	assert.Equal(t, int64(1), c.Stats().Dropped)
}
