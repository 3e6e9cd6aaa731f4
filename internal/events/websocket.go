package events

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a frame
)

// The ops router already gates this endpoint with the read secret; origin
// checks only matter for browser cockpits, controlled by CP_ALLOWED_ORIGINS.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	allowedRaw := os.Getenv("CP_ALLOWED_ORIGINS")
	if allowedRaw == "" {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(allowedRaw, ",") {
		allowed[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

// WebSocket mirrors the SSE stream over a socket for cockpits that prefer
// it. Same channel filter, same per-source cap, same sanitizer.
func (h *StreamHandlers) WebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := sourceAddr(r)
		if !h.cap.acquire(source) {
			http.Error(w, "too many event streams", http.StatusTooManyRequests)
			return
		}

		var channels []string
		if filter := r.URL.Query().Get("events"); filter != "" {
			channels = strings.Split(filter, ",")
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.cap.release(source)
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}

		ch := h.bus.Subscribe(channels...)
		streamClients.WithLabelValues("websocket").Inc()

		done := make(chan struct{})

		// Reader: consume control frames, detect client close.
		go func() {
			defer close(done)
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		// Writer.
		go func() {
			ticker := time.NewTicker(pingPeriod)
			defer func() {
				ticker.Stop()
				conn.Close()
				h.bus.Unsubscribe(ch)
				h.cap.release(source)
				streamClients.WithLabelValues("websocket").Dec()
			}()

			hello := map[string]interface{}{"status": "connected"}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(hello); err != nil {
				return
			}

			for {
				select {
				case event, ok := <-ch:
					if !ok {
						return
					}
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteJSON(SanitizeEvent(event)); err != nil {
						return
					}
				case <-ticker.C:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				case <-h.bus.Done():
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteJSON(map[string]interface{}{"connected": false})
					return
				case <-done:
					return
				}
			}
		}()
	}
}
