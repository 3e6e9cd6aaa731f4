package ops

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/microclaw/backend/internal/memory"
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
)

const defaultListLimit = 100

// handleStats aggregates the pipeline overview: task counts by state,
// dispatch slots by status, worker fleet health.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.gov.Store()

	tasks, err := st.GovTasks(ctx, store.TaskFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	byState := map[string]int{}
	for _, t := range tasks {
		byState[t.State]++
	}

	byDispatch := map[string]int{}
	for _, status := range []string{store.DispatchEnqueued, store.DispatchStarted,
		store.DispatchDone, store.DispatchFailed} {
		rows, err := st.DispatchesByStatus(ctx, status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL")
			return
		}
		byDispatch[status] = len(rows)
	}

	workers, err := st.ListWorkers(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	online := 0
	for _, wk := range workers {
		if wk.Status == "online" {
			online++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_total":    len(tasks),
		"tasks_by_state": byState,
		"dispatches":     byDispatch,
		"workers_total":  len(workers),
		"workers_online": online,
		"strict_mode":    s.gov.Strict(),
		"limits_enabled": s.limits.Config().Enabled,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		State:         q.Get("state"),
		AssignedGroup: q.Get("group"),
		ProductID:     q.Get("product"),
		Scope:         q.Get("scope"),
		Limit:         intParam(q.Get("limit"), defaultListLimit),
	}
	tasks, err := s.gov.Tasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.gov.Task(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskActivities(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.gov.Task(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	acts, err := s.gov.Store().ActivitiesForTask(r.Context(), id,
		intParam(r.URL.Query().Get("limit"), defaultListLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

// handleProducts aggregates PRODUCT-scoped tasks per product id.
func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.gov.Tasks(r.Context(), store.TaskFilter{Scope: policy.ScopeProduct})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	type productSummary struct {
		ProductID string         `json:"product_id"`
		Tasks     int            `json:"tasks"`
		ByState   map[string]int `json:"by_state"`
	}
	byProduct := map[string]*productSummary{}
	for _, t := range tasks {
		if t.ProductID == "" {
			continue
		}
		p, ok := byProduct[t.ProductID]
		if !ok {
			p = &productSummary{ProductID: t.ProductID, ByState: map[string]int{}}
			byProduct[t.ProductID] = p
		}
		p.Tasks++
		p.ByState[t.State]++
	}
	out := make([]*productSummary, 0, len(byProduct))
	for _, p := range byProduct {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	writeJSON(w, http.StatusOK, map[string]any{"products": out})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.gov.Store().ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	// SharedSecret and SSHIdentityFile carry json:"-"; rows serialize safely.
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.gov.Store().WorkerByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleWorkerDispatches(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.gov.Store().WorkerByID(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	rows, err := s.gov.Store().DispatchesForWorker(r.Context(), id,
		intParam(r.URL.Query().Get("limit"), defaultListLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatches": rows})
}

func (s *Server) handleWorkerTunnels(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state := "none"
	if s.tunnels != nil {
		if st, ok := s.tunnels.Statuses()[id]; ok {
			state = st
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker_id": id, "tunnel": state})
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	group := r.URL.Query().Get("group")
	mems, err := s.memory.List(r.Context(), group,
		intParam(r.URL.Query().Get("limit"), defaultListLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	// Embedding vectors carry json:"-"; content is already sanitized.
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems})
}

// handleMemorySearch runs a recall as the main group: the cockpit is the
// operator surface and sees every level, audited like any other L3 read.
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "MISSING_QUERY")
		return
	}
	acc := memory.Accessor{Group: policy.MainGroup, IsMain: true}
	res, err := s.memory.Recall(r.Context(), acc, &memory.RecallRequest{
		Query: q,
		Limit: intParam(r.URL.Query().Get("limit"), 10),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
