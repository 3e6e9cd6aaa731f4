package workerproto

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/microclaw/backend/internal/events"
	"github.com/microclaw/backend/internal/gov"
	"github.com/microclaw/backend/internal/memory"
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
)

// maxCallbackBody caps worker callback payloads. Dispatch prompts travel the
// other direction; nothing a worker sends back should approach this.
const maxCallbackBody = 1 << 20

// IPC methods the relay may invoke.
const (
	MethodMemoryStore  = "memory.store"
	MethodMemoryRecall = "memory.recall"
	MethodTaskGet      = "task.get"
	MethodTaskStatus   = "task.status"
)

// IPCRequest is the envelope a relay forwards from the worker container. ID
// is the worker-chosen idempotency key, echoed back so the relay can match
// responses to request files.
type IPCRequest struct {
	Method string          `json:"method"`
	ID     string          `json:"id,omitempty"`
	TaskID string          `json:"taskId,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IPCResponse is the uniform reply envelope.
type IPCResponse struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// CompletionRequest ends one dispatch. Status is DONE or FAILED.
type CompletionRequest struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	Status      string `json:"status"`
	DispatchKey string `json:"dispatchKey,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Handlers serves the worker-facing callback surface: the relay IPC endpoint
// and the dispatch completion endpoint. Every request is verified against
// the signed protocol before any work happens.
type Handlers struct {
	verifier *Verifier
	gov      *gov.Service
	memory   *memory.Service
	bus      events.Publisher
}

// NewHandlers wires the callback surface.
func NewHandlers(v *Verifier, govSvc *gov.Service, memSvc *memory.Service, bus events.Publisher) *Handlers {
	return &Handlers{verifier: v, gov: govSvc, memory: memSvc, bus: bus}
}

// Register mounts the worker callback routes.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/ops/worker/ipc", h.HandleIPC).Methods(http.MethodPost)
	r.HandleFunc("/ops/worker/completion", h.HandleCompletion).Methods(http.MethodPost)
}

// HandleIPC executes one relayed worker request. Domain denials come back as
// ok=false with a code string and HTTP 200; only transport and auth problems
// use error statuses.
func (h *Handlers) HandleIPC(w http.ResponseWriter, r *http.Request) {
	body, worker, ok := h.verified(w, r)
	if !ok {
		return
	}
	group := r.Header.Get(HeaderGroupFolder)
	if group == "" {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Error: "MISSING_GROUP_FOLDER"})
		return
	}

	var req IPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Error: "MALFORMED_REQUEST"})
		return
	}

	acc := memory.Accessor{Group: group, IsMain: group == policy.MainGroup}
	if req.TaskID != "" {
		if task, err := h.gov.Task(r.Context(), req.TaskID); err == nil {
			acc.Product = task.ProductID
		}
	}

	resp := h.dispatchIPC(r, &req, acc)
	resp.ID = req.ID
	slog.Info("worker ipc",
		"worker", worker.ID, "group", group, "method", req.Method, "ok", resp.OK)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) dispatchIPC(r *http.Request, req *IPCRequest, acc memory.Accessor) IPCResponse {
	ctx := r.Context()
	switch req.Method {
	case MethodMemoryStore:
		var params memory.StoreRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return IPCResponse{Error: "MALFORMED_PARAMS"}
		}
		res, err := h.memory.Store(ctx, acc, &params)
		if err != nil {
			return IPCResponse{Error: "INTERNAL"}
		}
		if !res.OK {
			return IPCResponse{Error: res.Code}
		}
		return IPCResponse{OK: true, Result: res}

	case MethodMemoryRecall:
		var params memory.RecallRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return IPCResponse{Error: "MALFORMED_PARAMS"}
		}
		res, err := h.memory.Recall(ctx, acc, &params)
		if err != nil {
			return IPCResponse{Error: "INTERNAL"}
		}
		return IPCResponse{OK: true, Result: res}

	case MethodTaskGet:
		if req.TaskID == "" {
			return IPCResponse{Error: "MISSING_TASK_ID"}
		}
		task, err := h.gov.Task(ctx, req.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			return IPCResponse{Error: "NOT_FOUND"}
		}
		if err != nil {
			return IPCResponse{Error: "INTERNAL"}
		}
		return IPCResponse{OK: true, Result: task}

	case MethodTaskStatus:
		if req.TaskID == "" {
			return IPCResponse{Error: "MISSING_TASK_ID"}
		}
		var params struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Summary == "" {
			return IPCResponse{Error: "MALFORMED_PARAMS"}
		}
		if err := h.gov.LogExecutionSummary(ctx, req.TaskID, acc.Group, params.Summary); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return IPCResponse{Error: "NOT_FOUND"}
			}
			return IPCResponse{Error: "INTERNAL"}
		}
		return IPCResponse{OK: true}

	default:
		return IPCResponse{Error: "UNKNOWN_METHOD"}
	}
}

// HandleCompletion closes out a dispatch: the worker's WIP unit is released
// and, when a dispatch key is carried, its slot flips to DONE or FAILED.
func (h *Handlers) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	body, worker, ok := h.verified(w, r)
	if !ok {
		return
	}

	var req CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Error: "MALFORMED_REQUEST"})
		return
	}
	if req.Status != store.DispatchDone && req.Status != store.DispatchFailed {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Error: "INVALID_STATUS"})
		return
	}

	ctx := r.Context()
	var err error
	if req.DispatchKey != "" {
		err = h.gov.Store().CompleteWorkerDispatch(ctx, worker.ID, req.DispatchKey, req.Status, req.Detail)
	} else {
		err = h.gov.Store().DecrementWIP(ctx, worker.ID)
	}
	if err != nil {
		slog.Error("completion failed",
			"worker", worker.ID, "task", req.TaskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, IPCResponse{Error: "INTERNAL"})
		return
	}

	slog.Info("dispatch completed",
		"worker", worker.ID, "task", req.TaskID,
		"status", req.Status, "dispatch_key", req.DispatchKey)
	if h.bus != nil {
		h.bus.Emit(events.ChannelDispatchLifecycle, map[string]interface{}{
			"phase":        "completed",
			"task_id":      req.TaskID,
			"group_folder": req.GroupFolder,
			"worker_id":    worker.ID,
			"dispatch_key": req.DispatchKey,
			"status":       req.Status,
		})
	}
	writeJSON(w, http.StatusOK, IPCResponse{OK: true})
}

// verified reads the body and runs signature verification, writing the
// failure response itself. Auth failures are 401 with the protocol code.
func (h *Handlers) verified(w http.ResponseWriter, r *http.Request) ([]byte, *store.Worker, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Error: "BODY_TOO_LARGE"})
		return nil, nil, false
	}
	worker, code, err := h.verifier.Verify(r.Context(), r.Header, body)
	if err != nil {
		slog.Error("worker verification failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, IPCResponse{Error: "INTERNAL"})
		return nil, nil, false
	}
	if code != "" {
		slog.Warn("worker request rejected", "code", code, "path", r.URL.Path)
		writeJSON(w, http.StatusUnauthorized, IPCResponse{Error: code})
		return nil, nil, false
	}
	return body, worker, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}
