// Package ops is the cockpit-facing HTTP surface: authenticated read
// endpoints, dual-secret write actions, the event streams, and metrics.
package ops

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeycumines/go-catrate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microclaw/backend/internal/events"
	"github.com/microclaw/backend/internal/gov"
	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/memory"
)

// Secrets is the ops auth material. The previous write secret may be empty;
// rotation is two-phase (set previous to the old current, rotate current,
// then clear previous).
type Secrets struct {
	Read          string
	WriteCurrent  string
	WritePrevious string
}

// TunnelReporter surfaces forward states for /ops/workers/:id/tunnels. The
// tunnel manager satisfies this; nil means no tunnels are supervised.
type TunnelReporter interface {
	Statuses() map[string]string
}

// WorkerCallbacks mounts the signed worker endpoints on the router. The
// workerproto handlers satisfy this.
type WorkerCallbacks interface {
	Register(r *mux.Router)
}

// Server is the ops HTTP layer.
type Server struct {
	gov     *gov.Service
	limits  *limits.Engine
	memory  *memory.Service
	streams *events.StreamHandlers
	tunnels TunnelReporter
	workers WorkerCallbacks
	secrets Secrets
	burst   *catrate.Limiter
	started time.Time
}

// NewServer wires the ops surface. memory, streams, tunnels, and workers may
// be nil; their endpoints then answer 404 or empty.
func NewServer(govSvc *gov.Service, eng *limits.Engine, memSvc *memory.Service,
	streams *events.StreamHandlers, tunnels TunnelReporter, workers WorkerCallbacks,
	secrets Secrets) *Server {
	return &Server{
		gov:     govSvc,
		limits:  eng,
		memory:  memSvc,
		streams: streams,
		tunnels: tunnels,
		workers: workers,
		secrets: secrets,
		// Sliding-window burst cap in front of the fixed-window cockpit
		// limit: 5 writes/s and 60/min per source IP.
		burst: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
		started: time.Now(),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logging)

	r.HandleFunc("/ops/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	read := r.PathPrefix("/ops").Subrouter()
	read.Use(s.readAuth)
	read.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	read.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	read.HandleFunc("/tasks/{id}", s.handleTask).Methods(http.MethodGet)
	read.HandleFunc("/tasks/{id}/activities", s.handleTaskActivities).Methods(http.MethodGet)
	read.HandleFunc("/products", s.handleProducts).Methods(http.MethodGet)
	read.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	read.HandleFunc("/workers/{id}", s.handleWorker).Methods(http.MethodGet)
	read.HandleFunc("/workers/{id}/dispatches", s.handleWorkerDispatches).Methods(http.MethodGet)
	read.HandleFunc("/workers/{id}/tunnels", s.handleWorkerTunnels).Methods(http.MethodGet)
	read.HandleFunc("/memories", s.handleMemories).Methods(http.MethodGet)
	read.HandleFunc("/memories/search", s.handleMemorySearch).Methods(http.MethodGet)
	if s.streams != nil {
		read.HandleFunc("/events", s.streams.SSE()).Methods(http.MethodGet)
		read.HandleFunc("/events/ws", s.streams.WebSocket()).Methods(http.MethodGet)
	}

	actions := r.PathPrefix("/ops/actions").Subrouter()
	actions.Use(s.writeAuth)
	actions.HandleFunc("/transition", s.handleTransition).Methods(http.MethodPost)
	actions.HandleFunc("/approve", s.handleApprove).Methods(http.MethodPost)
	actions.HandleFunc("/override", s.handleOverride).Methods(http.MethodPost)

	// Worker callbacks carry their own HMAC verification; the cockpit
	// secrets do not apply to them.
	if s.workers != nil {
		s.workers.Register(r)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.gov.Store().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
