// Package gov is the governance core: task CRUD with audit activities,
// policy-checked transitions under optimistic concurrency, idempotent gate
// approvals, main-group overrides, and the context pack consumed by
// reviewers. Policy denials come back as structured results; only store
// failures surface as errors.
package gov

import (
	"context"
	"fmt"

	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
)

// Activity actions written to the audit log.
const (
	ActionCreate           = "create"
	ActionTransition       = "transition"
	ActionApprove          = "approve"
	ActionOverride         = "override"
	ActionAssign           = "assign"
	ActionEvidence         = "evidence"
	ActionExecutionSummary = "execution_summary"
	ActionCoerceScope      = "coerce_scope"
)

// CodeVersionConflict reports a lost optimistic-concurrency race.
const CodeVersionConflict = "VERSION_CONFLICT"

var taskTypes = map[string]bool{
	"EPIC": true, "FEATURE": true, "BUG": true, "SECURITY": true,
	"REVOPS": true, "OPS": true, "RESEARCH": true, "CONTENT": true,
	"DOC": true, "INCIDENT": true,
}

var priorities = map[string]bool{"P0": true, "P1": true, "P2": true, "P3": true}

var gates = map[string]bool{
	policy.GateNone: true, policy.GateSecurity: true, policy.GateRevOps: true,
	policy.GateClaims: true, policy.GateProduct: true,
}

// ValidationError marks caller mistakes so handlers can answer 400 instead
// of 500.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Service is the governance core over the store.
type Service struct {
	store  *store.Store
	strict bool
}

// NewService wires the governance core. strict turns on the DoD, evidence,
// docs, and gate preconditions; it is host-side configuration and nothing in
// the request path can flip it.
func NewService(st *store.Store, strict bool) *Service {
	return &Service{store: st, strict: strict}
}

// Strict reports whether strict-mode preconditions are active.
func (s *Service) Strict() bool { return s.strict }

// Store exposes the underlying store for read-only handlers.
func (s *Service) Store() *store.Store { return s.store }

// CreateTask validates and persists a new task, then writes the create
// activity.
func (s *Service) CreateTask(ctx context.Context, t *store.GovTask) (*store.GovTask, error) {
	if t.Title == "" {
		return nil, invalidf("title is required")
	}
	if !taskTypes[t.TaskType] {
		return nil, invalidf("unknown task_type %q", t.TaskType)
	}
	if t.Priority != "" && !priorities[t.Priority] {
		return nil, invalidf("unknown priority %q", t.Priority)
	}
	if t.Gate != "" && !gates[t.Gate] {
		return nil, invalidf("unknown gate %q", t.Gate)
	}
	if t.State != "" && !policy.KnownState(t.State) {
		return nil, invalidf("unknown state %q", t.State)
	}
	if t.Scope == policy.ScopeProduct && t.ProductID == "" {
		return nil, invalidf("scope PRODUCT requires product_id")
	}
	if err := s.store.CreateGovTask(ctx, t); err != nil {
		return nil, err
	}
	_ = s.store.AppendActivity(ctx, &store.Activity{
		TaskID:  t.ID,
		Action:  ActionCreate,
		ToState: t.State,
		Actor:   t.CreatedBy,
	})
	return t, nil
}

// Task fetches one task or store.ErrNotFound.
func (s *Service) Task(ctx context.Context, id string) (*store.GovTask, error) {
	return s.store.GovTaskByID(ctx, id)
}

// Tasks lists tasks through the store filter.
func (s *Service) Tasks(ctx context.Context, f store.TaskFilter) ([]*store.GovTask, error) {
	return s.store.GovTasks(ctx, f)
}

// TransitionRequest is one requested state change. A nil ExpectedVersion
// means "act on whatever version is current"; the conditional UPDATE still
// guards the race either way.
type TransitionRequest struct {
	TaskID          string
	ToState         string
	Actor           string
	ExpectedVersion *int64
	Reason          string
	Patch           *store.TaskPatch
}

// TransitionResult reports the outcome. Denied is true for policy or
// concurrency denials; those never arrive as errors.
type TransitionResult struct {
	OK     bool           `json:"ok"`
	From   string         `json:"from,omitempty"`
	To     string         `json:"to,omitempty"`
	Code   string         `json:"code,omitempty"`
	Errors []string       `json:"errors,omitempty"`
	Task   *store.GovTask `json:"task,omitempty"`

	// Populated on a version conflict so the caller can show what won.
	CurrentState   string `json:"current_state,omitempty"`
	CurrentVersion *int64 `json:"current_version,omitempty"`
}

func versionConflict(task *store.GovTask) *TransitionResult {
	return &TransitionResult{
		Code:           CodeVersionConflict,
		CurrentState:   task.State,
		CurrentVersion: &task.Version,
	}
}

// Transition loads the task and applies one policy-checked state change.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	task, err := s.store.GovTaskByID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != task.Version {
		return versionConflict(task), nil
	}
	return s.ApplyTransition(ctx, task, req.ToState, req.Actor, req.Reason, req.Patch)
}

// ApplyTransition runs the policy check against the given snapshot and, if it
// passes, performs the conditional update keyed on the snapshot's version,
// then appends the transition activity. Callers that already hold a loaded
// task (the dispatch loop) come in here directly.
func (s *Service) ApplyTransition(ctx context.Context, task *store.GovTask, to, actor, reason string, extra *store.TaskPatch) (*TransitionResult, error) {
	facts, err := s.factsFor(ctx, task)
	if err != nil {
		return nil, err
	}
	res := policy.ValidateTransition(task.State, to, facts, s.strict)
	if !res.OK {
		return &TransitionResult{Errors: res.Errors}, nil
	}

	patch := store.TaskPatch{}
	if extra != nil {
		patch = *extra
	}
	patch.State = &to

	ok, err := s.store.UpdateGovTask(ctx, task.ID, task.Version, patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race: report what the row looks like now.
		if current, cerr := s.store.GovTaskByID(ctx, task.ID); cerr == nil {
			return versionConflict(current), nil
		}
		return &TransitionResult{Code: CodeVersionConflict}, nil
	}
	_ = s.store.AppendActivity(ctx, &store.Activity{
		TaskID:    task.ID,
		Action:    ActionTransition,
		FromState: task.State,
		ToState:   to,
		Actor:     actor,
		Reason:    reason,
	})
	updated, err := s.store.GovTaskByID(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{OK: true, From: task.State, To: to, Task: updated}, nil
}

// ApproveRequest signs off one gate. Gate defaults to the task's own.
type ApproveRequest struct {
	TaskID     string
	Gate       string
	ApprovedBy string
	ActorGroup string
	Notes      string
}

// ApproveResult reports the outcome; Created is false when the approval
// already existed.
type ApproveResult struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Created bool   `json:"created,omitempty"`
}

// Approve records a gate approval after the approver-routing check. The row
// is idempotent per (task, gate); only the first call writes an activity.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*ApproveResult, error) {
	task, err := s.store.GovTaskByID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	gate := req.Gate
	if gate == "" {
		gate = task.Gate
	}
	if gate == "" || gate == policy.GateNone {
		return nil, invalidf("task %s has no approval gate", task.ID)
	}
	if !gates[gate] {
		return nil, invalidf("unknown gate %q", gate)
	}
	if code := policy.CheckApprover(gate, req.ActorGroup, task.AssignedGroup); code != "" {
		return &ApproveResult{Code: code}, nil
	}
	created, err := s.store.CreateApproval(ctx, &store.Approval{
		TaskID:     task.ID,
		GateType:   gate,
		ApprovedBy: req.ApprovedBy,
		Notes:      req.Notes,
	})
	if err != nil {
		return nil, err
	}
	if created {
		_ = s.store.AppendActivity(ctx, &store.Activity{
			TaskID: task.ID,
			Action: ActionApprove,
			Actor:  req.ApprovedBy,
			Reason: gate,
		})
	}
	return &ApproveResult{OK: true, Created: created}, nil
}

// OverrideRequest moves a task into DONE past an unapproved gate. Main only;
// all four fields are required.
type OverrideRequest struct {
	TaskID          string
	ActorGroup      string
	ExpectedVersion *int64
	Override        policy.Override
}

// Override applies a main-group gate override. The override block lands in
// the task metadata before the transition so the strict checks (and the
// audit trail) see it.
func (s *Service) Override(ctx context.Context, req OverrideRequest) (*TransitionResult, error) {
	task, err := s.store.GovTaskByID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if req.ActorGroup != policy.MainGroup {
		return &TransitionResult{Code: policy.ErrForbidden}, nil
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != task.Version {
		return versionConflict(task), nil
	}
	if errs := missingOverrideFields(req.Override); len(errs) > 0 {
		return &TransitionResult{Errors: errs}, nil
	}

	merged, err := mergeMetadata(task.Metadata, map[string]any{"override": req.Override})
	if err != nil {
		return nil, err
	}
	// Give the policy check a snapshot that already carries the override.
	shadow := *task
	shadow.Metadata = merged
	return s.ApplyTransition(ctx, &shadow, policy.StateDone, req.Override.By,
		req.Override.Reason, &store.TaskPatch{Metadata: merged})
}

func missingOverrideFields(ov policy.Override) []string {
	var errs []string
	if ov.By == "" {
		errs = append(errs, policy.ErrOverrideMissingBy)
	}
	if ov.Reason == "" {
		errs = append(errs, policy.ErrOverrideMissingReason)
	}
	if !ov.AcceptedRisk {
		errs = append(errs, policy.ErrOverrideMissingRisk)
	}
	if ov.ReviewDeadlineISO == "" {
		errs = append(errs, policy.ErrOverrideMissingDue)
	}
	return errs
}

// Assign moves a task to a worker group and records the assign activity.
func (s *Service) Assign(ctx context.Context, taskID, group, actor string) (*TransitionResult, error) {
	task, err := s.store.GovTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateGovTask(ctx, task.ID, task.Version,
		store.TaskPatch{AssignedGroup: &group})
	if err != nil {
		return nil, err
	}
	if !ok {
		return &TransitionResult{Code: CodeVersionConflict}, nil
	}
	_ = s.store.AppendActivity(ctx, &store.Activity{
		TaskID: task.ID,
		Action: ActionAssign,
		Actor:  actor,
		Reason: group,
	})
	updated, err := s.store.GovTaskByID(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{OK: true, Task: updated}, nil
}

// CoerceScope rewrites a task's scope, recording the change in the audit log.
// PRODUCT scope requires a product id.
func (s *Service) CoerceScope(ctx context.Context, taskID, scope, productID, actor string) (*TransitionResult, error) {
	if scope != policy.ScopeCompany && scope != policy.ScopeProduct {
		return nil, invalidf("unknown scope %q", scope)
	}
	if scope == policy.ScopeProduct && productID == "" {
		return nil, invalidf("scope PRODUCT requires product_id")
	}
	task, err := s.store.GovTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	patch := store.TaskPatch{Scope: &scope, ProductID: &productID}
	ok, err := s.store.UpdateGovTask(ctx, task.ID, task.Version, patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &TransitionResult{Code: CodeVersionConflict}, nil
	}
	reason := scope
	if productID != "" {
		reason = scope + ":" + productID
	}
	_ = s.store.AppendActivity(ctx, &store.Activity{
		TaskID: task.ID,
		Action: ActionCoerceScope,
		Actor:  actor,
		Reason: reason,
	})
	updated, err := s.store.GovTaskByID(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{OK: true, Task: updated}, nil
}

// AddEvidence appends an evidence link to the task metadata. Duplicate links
// are kept once.
func (s *Service) AddEvidence(ctx context.Context, taskID, link, actor string) (*TransitionResult, error) {
	if link == "" {
		return nil, invalidf("evidence link is required")
	}
	task, err := s.store.GovTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	m := parseMeta(task.Metadata)
	for _, l := range m.EvidenceLinks {
		if l == link {
			return &TransitionResult{OK: true, Task: task}, nil
		}
	}
	merged, err := mergeMetadata(task.Metadata, map[string]any{
		"evidenceLinks": append(m.EvidenceLinks, link),
	})
	if err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateGovTask(ctx, task.ID, task.Version,
		store.TaskPatch{Metadata: merged})
	if err != nil {
		return nil, err
	}
	if !ok {
		return &TransitionResult{Code: CodeVersionConflict}, nil
	}
	_ = s.store.AppendActivity(ctx, &store.Activity{
		TaskID: task.ID,
		Action: ActionEvidence,
		Actor:  actor,
		Reason: link,
	})
	updated, err := s.store.GovTaskByID(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{OK: true, Task: updated}, nil
}

// LogExecutionSummary appends a worker's execution summary to the audit log.
func (s *Service) LogExecutionSummary(ctx context.Context, taskID, actor, summary string) error {
	return s.store.AppendActivity(ctx, &store.Activity{
		TaskID: taskID,
		Action: ActionExecutionSummary,
		Actor:  actor,
		Reason: summary,
	})
}
