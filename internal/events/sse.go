package events

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// DefaultMaxStreamsPerSource caps concurrent event streams per client IP.
const DefaultMaxStreamsPerSource = 3

// sourceCap tracks concurrent stream connections per source address. SSE and
// WebSocket handlers share one instance so the cap covers both transports.
type sourceCap struct {
	mu    sync.Mutex
	max   int
	count map[string]int
}

func newSourceCap(max int) *sourceCap {
	if max <= 0 {
		max = DefaultMaxStreamsPerSource
	}
	return &sourceCap{max: max, count: make(map[string]int)}
}

func (c *sourceCap) acquire(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count[source] >= c.max {
		return false
	}
	c.count[source]++
	return true
}

func (c *sourceCap) release(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count[source] <= 1 {
		delete(c.count, source)
	} else {
		c.count[source]--
	}
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StreamHandlers serves the cockpit event streams with shared per-source
// capping and payload sanitization.
type StreamHandlers struct {
	bus *Bus
	cap *sourceCap
}

// NewStreamHandlers wires the stream endpoints to a bus. maxPerSource <= 0
// selects the default cap.
func NewStreamHandlers(bus *Bus, maxPerSource int) *StreamHandlers {
	return &StreamHandlers{bus: bus, cap: newSourceCap(maxPerSource)}
}

// SSE streams bus events as Server-Sent Events. Query params: events=a,b
// filters channels; since_seq=N replays the ring before going live.
func (h *StreamHandlers) SSE() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		source := sourceAddr(r)
		if !h.cap.acquire(source) {
			http.Error(w, "too many event streams", http.StatusTooManyRequests)
			return
		}
		defer h.cap.release(source)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		var channels []string
		if filter := r.URL.Query().Get("events"); filter != "" {
			channels = strings.Split(filter, ",")
		}

		ch := h.bus.Subscribe(channels...)
		defer h.bus.Unsubscribe(ch)

		streamClients.WithLabelValues("sse").Inc()
		defer streamClients.WithLabelValues("sse").Dec()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
		flusher.Flush()

		if since := r.URL.Query().Get("since_seq"); since != "" {
			if seq, err := strconv.ParseInt(since, 10, 64); err == nil {
				for _, e := range h.bus.Replay(seq) {
					if !channelMatch(channels, e.Channel) {
						continue
					}
					if frame, err := SanitizeEvent(e).SSEFormat(); err == nil {
						w.Write(frame)
					}
				}
				flusher.Flush()
			}
		}

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				frame, err := SanitizeEvent(event).SSEFormat()
				if err != nil {
					continue
				}
				w.Write(frame)
				flusher.Flush()

			case <-h.bus.Done():
				fmt.Fprintf(w, "event: connected\ndata: {\"connected\":false}\n\n")
				flusher.Flush()
				return

			case <-r.Context().Done():
				return
			}
		}
	}
}

func channelMatch(filter []string, channel string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, c := range filter {
		if c == channel {
			return true
		}
	}
	return false
}
