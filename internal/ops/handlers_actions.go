package ops

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/microclaw/backend/internal/gov"
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
)

const maxActionBody = 256 << 10

type transitionBody struct {
	TaskID          string `json:"taskId"`
	ToState         string `json:"toState"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
	Actor           string `json:"actor,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// handleTransition applies one cockpit-requested state change. Policy
// denials and version conflicts come back as structured results, not 5xx.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TaskID == "" || body.ToState == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS")
		return
	}
	actor := body.Actor
	if actor == "" {
		actor = "cockpit"
	}
	res, err := s.gov.Transition(r.Context(), gov.TransitionRequest{
		TaskID:          body.TaskID,
		ToState:         body.ToState,
		Actor:           actor,
		ExpectedVersion: body.ExpectedVersion,
		Reason:          body.Reason,
	})
	writeActionResult(w, res, err, false)
}

type approveBody struct {
	TaskID     string `json:"taskId"`
	Gate       string `json:"gate,omitempty"`
	ApprovedBy string `json:"approvedBy"`
	ActorGroup string `json:"actorGroup"`
	Notes      string `json:"notes,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TaskID == "" || body.ApprovedBy == "" || body.ActorGroup == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS")
		return
	}
	res, err := s.gov.Approve(r.Context(), gov.ApproveRequest{
		TaskID:     body.TaskID,
		Gate:       body.Gate,
		ApprovedBy: body.ApprovedBy,
		ActorGroup: body.ActorGroup,
		Notes:      body.Notes,
	})
	if handled := writeActionError(w, err); handled {
		return
	}
	if res.Code != "" {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": res.Code})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "created": res.Created})
}

type overrideBody struct {
	TaskID          string          `json:"taskId"`
	ActorGroup      string          `json:"actorGroup"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	Override        policy.Override `json:"override"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body overrideBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TaskID == "" || body.ActorGroup == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS")
		return
	}
	res, err := s.gov.Override(r.Context(), gov.OverrideRequest{
		TaskID:          body.TaskID,
		ActorGroup:      body.ActorGroup,
		ExpectedVersion: body.ExpectedVersion,
		Override:        body.Override,
	})
	writeActionResult(w, res, err, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_REQUEST")
		return false
	}
	return true
}

// writeActionResult maps a transition-shaped outcome onto HTTP: 404 unknown
// task, 400 caller mistakes, 409 version conflicts, 422 policy denials,
// 200 success. Success bodies carry {ok, from, to, version}; failures carry
// {error, ...} with the winning state and version on a conflict.
func writeActionResult(w http.ResponseWriter, res *gov.TransitionResult, err error, overrode bool) {
	if handled := writeActionError(w, err); handled {
		return
	}
	switch {
	case res.OK:
		body := map[string]any{"ok": true, "from": res.From, "to": res.To}
		if res.Task != nil {
			body["version"] = res.Task.Version
		}
		if overrode {
			body["override"] = true
		}
		writeJSON(w, http.StatusOK, body)
	case res.Code == gov.CodeVersionConflict:
		body := map[string]any{"error": gov.CodeVersionConflict}
		if res.CurrentState != "" {
			body["current_state"] = res.CurrentState
		}
		if res.CurrentVersion != nil {
			body["current_version"] = *res.CurrentVersion
		}
		writeJSON(w, http.StatusConflict, body)
	case res.Code == policy.ErrForbidden:
		writeJSON(w, http.StatusForbidden, map[string]any{"error": policy.ErrForbidden})
	default:
		code := res.Code
		if code == "" {
			code = "POLICY_DENIED"
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  code,
			"errors": res.Errors,
		})
	}
}

func writeActionError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	var verr *gov.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND")
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Msg})
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL")
	}
	return true
}
