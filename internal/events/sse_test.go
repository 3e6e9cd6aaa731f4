package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceCap(t *testing.T) {
	c := newSourceCap(3)
	assert.True(t, c.acquire("10.0.0.1"))
	assert.True(t, c.acquire("10.0.0.1"))
	assert.True(t, c.acquire("10.0.0.1"))
	assert.False(t, c.acquire("10.0.0.1"))
	// A different source has its own budget.
	assert.True(t, c.acquire("10.0.0.2"))

	c.release("10.0.0.1")
	assert.True(t, c.acquire("10.0.0.1"))
}

func TestSSEHelloAndReplay(t *testing.T) {
	bus := NewBus()
	bus.Emit(ChannelDispatchLifecycle, map[string]interface{}{"task_id": "T1", "api_key": "leak"})
	bus.Emit(ChannelWorkerStatus, map[string]interface{}{"worker_id": "w1"})

	h := NewStreamHandlers(bus, 3)

	// A pre-cancelled context makes the handler emit the hello plus the
	// replayed frames and return without blocking on live events.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/ops/events?since_seq=0", nil).WithContext(ctx)
	req.RemoteAddr = "10.0.0.9:51000"
	rec := httptest.NewRecorder()

	h.SSE()(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "event: connected")
	assert.Contains(t, body, `"status":"connected"`)
	assert.Contains(t, body, "event: dispatch:lifecycle")
	assert.Contains(t, body, `"task_id":"T1"`)
	assert.Contains(t, body, "event: worker:status")
	// Sanitizer ran before serialization.
	assert.NotContains(t, body, "leak")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestSSEChannelFilterOnReplay(t *testing.T) {
	bus := NewBus()
	bus.Emit(ChannelDispatchLifecycle, map[string]interface{}{"task_id": "T1"})
	bus.Emit(ChannelWorkerStatus, map[string]interface{}{"worker_id": "w1"})

	h := NewStreamHandlers(bus, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/ops/events?events=worker:status&since_seq=0", nil).WithContext(ctx)
	req.RemoteAddr = "10.0.0.9:51001"
	rec := httptest.NewRecorder()

	h.SSE()(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: worker:status")
	assert.NotContains(t, body, "dispatch:lifecycle")
}

func TestSSERejectsOverCap(t *testing.T) {
	bus := NewBus()
	h := NewStreamHandlers(bus, 1)
	// Hold the one allowed slot.
	require.True(t, h.cap.acquire("10.0.0.5"))

	req := httptest.NewRequest("GET", "/ops/events", nil)
	req.RemoteAddr = "10.0.0.5:40000"
	rec := httptest.NewRecorder()
	h.SSE()(rec, req)

	assert.Equal(t, 429, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "too many event streams"))
}
