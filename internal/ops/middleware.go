package ops

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/microclaw/backend/internal/limits"
)

// Auth headers.
const (
	HeaderReadSecret  = "X-OS-SECRET"
	HeaderWriteSecret = "X-OS-WRITE-SECRET"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		httpDuration.WithLabelValues(r.Method, routeTemplate(r)).Observe(dur.Seconds())
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", dur.Milliseconds())
	})
}

// readAuth requires the shared read secret on every /ops endpoint except
// health.
func (s *Server) readAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !secretMatch(r.Header.Get(HeaderReadSecret), s.secrets.Read) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeAuth implements the dual-secret write gate: the read secret AND one of
// the current or previous write secrets, then the per-IP burst cap, then the
// durable cockpit_write rate limit.
func (s *Server) writeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !secretMatch(r.Header.Get(HeaderReadSecret), s.secrets.Read) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		write := r.Header.Get(HeaderWriteSecret)
		if !secretMatch(write, s.secrets.WriteCurrent) &&
			!secretMatch(write, s.secrets.WritePrevious) {
			writeError(w, http.StatusUnauthorized, "WRITE_SECRET_INVALID")
			return
		}

		ip := sourceIP(r)
		if _, ok := s.burst.Allow(ip); !ok {
			writeError(w, http.StatusTooManyRequests, "BURST_LIMIT_EXCEEDED")
			return
		}
		dec, err := s.limits.Enforce(r.Context(), limits.CockpitWriteOp(ip))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL")
			return
		}
		if !dec.Allowed {
			writeError(w, http.StatusTooManyRequests, dec.Code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secretMatch is a constant-time comparison that never matches an unset
// secret.
func secretMatch(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// sourceIP keys the cockpit write limits. The first X-Forwarded-For hop wins
// when a proxy fronts the CP.
func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routeTemplate(r *http.Request) string {
	// mux.CurrentRoute is nil for unmatched paths.
	if route := muxCurrentRoute(r); route != "" {
		return route
	}
	return "unmatched"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("ops: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
