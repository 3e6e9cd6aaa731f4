package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GovTask is the unit of governed work. Rows are never hard-deleted; every
// mutation bumps version so concurrent writers lose cleanly.
type GovTask struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	TaskType      string          `json:"task_type"`
	Priority      string          `json:"priority"`
	State         string          `json:"state"`
	Gate          string          `json:"gate"`
	Scope         string          `json:"scope"`
	ProductID     string          `json:"product_id,omitempty"`
	AssignedGroup string          `json:"assigned_group,omitempty"`
	Executor      string          `json:"executor,omitempty"`
	CreatedBy     string          `json:"created_by"`
	DoDRequired   bool            `json:"dod_required"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Activity is one append-only audit row for a task.
type Activity struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Approval records a gate sign-off, unique per (task, gate).
type Approval struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	GateType   string    `json:"gate_type"`
	ApprovedBy string    `json:"approved_by"`
	Notes      string    `json:"notes,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Dispatch is an idempotent dispatch slot keyed by dispatch_key.
type Dispatch struct {
	ID          int64     `json:"id"`
	DispatchKey string    `json:"dispatch_key"`
	TaskID      string    `json:"task_id"`
	GroupFolder string    `json:"group_folder,omitempty"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Dispatch slot statuses.
const (
	DispatchEnqueued = "ENQUEUED"
	DispatchStarted  = "STARTED"
	DispatchDone     = "DONE"
	DispatchFailed   = "FAILED"
)

// TaskPatch names the fields an optimistic update may change. Nil pointers
// leave the column untouched.
type TaskPatch struct {
	Title         *string
	Description   *string
	TaskType      *string
	Priority      *string
	State         *string
	Gate          *string
	Scope         *string
	ProductID     *string
	AssignedGroup *string
	Executor      *string
	DoDRequired   *bool
	Metadata      json.RawMessage
}

// TaskFilter narrows task queries. Zero values mean "any".
type TaskFilter struct {
	State         string
	AssignedGroup string
	ProductID     string
	Scope         string
	Limit         int
}

const taskColumns = `id, title, description, task_type, priority, state, gate, scope,
	product_id, assigned_group, executor, created_by, dod_required, metadata,
	version, created_at, updated_at`

// CreateGovTask inserts a new task. Missing id, state, priority, gate, scope
// and metadata get their defaults; version starts at 0.
func (s *Store) CreateGovTask(ctx context.Context, t *GovTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = "INBOX"
	}
	if t.Priority == "" {
		t.Priority = "P2"
	}
	if t.Gate == "" {
		t.Gate = "None"
	}
	if t.Scope == "" {
		t.Scope = "COMPANY"
	}
	if len(t.Metadata) == 0 {
		t.Metadata = json.RawMessage("{}")
	}
	ts := now()
	t.CreatedAt, t.UpdatedAt = ts, ts
	t.Version = 0
	_, err := s.exec(ctx, `INSERT INTO gov_tasks
		(id, title, description, task_type, priority, state, gate, scope,
		 product_id, assigned_group, executor, created_by, dod_required,
		 metadata, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.TaskType, t.Priority, t.State, t.Gate,
		t.Scope, nullable(t.ProductID), nullable(t.AssignedGroup),
		nullable(t.Executor), t.CreatedBy, boolInt(t.DoDRequired),
		string(t.Metadata), t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create gov task: %w", err)
	}
	return nil
}

// GovTaskByID fetches one task or ErrNotFound.
func (s *Store) GovTaskByID(ctx context.Context, id string) (*GovTask, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM gov_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GovTasks lists tasks matching the filter, newest first.
func (s *Store) GovTasks(ctx context.Context, f TaskFilter) ([]*GovTask, error) {
	q := `SELECT ` + taskColumns + ` FROM gov_tasks`
	var conds []string
	var args []any
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if f.AssignedGroup != "" {
		conds = append(conds, "assigned_group = ?")
		args = append(args, f.AssignedGroup)
	}
	if f.ProductID != "" {
		conds = append(conds, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if f.Scope != "" {
		conds = append(conds, "scope = ?")
		args = append(args, f.Scope)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list gov tasks: %w", err)
	}
	defer rows.Close()
	var out []*GovTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateGovTask applies patch iff the stored version equals expectedVersion.
// It returns (false, nil) when another writer won the race. On success the
// version column advances by exactly one.
func (s *Store) UpdateGovTask(ctx context.Context, id string, expectedVersion int64, p TaskPatch) (bool, error) {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{now()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.TaskType != nil {
		add("task_type", *p.TaskType)
	}
	if p.Priority != nil {
		add("priority", *p.Priority)
	}
	if p.State != nil {
		add("state", *p.State)
	}
	if p.Gate != nil {
		add("gate", *p.Gate)
	}
	if p.Scope != nil {
		add("scope", *p.Scope)
	}
	if p.ProductID != nil {
		add("product_id", nullable(*p.ProductID))
	}
	if p.AssignedGroup != nil {
		add("assigned_group", nullable(*p.AssignedGroup))
	}
	if p.Executor != nil {
		add("executor", nullable(*p.Executor))
	}
	if p.DoDRequired != nil {
		add("dod_required", boolInt(*p.DoDRequired))
	}
	if len(p.Metadata) > 0 {
		add("metadata", string(p.Metadata))
	}
	args = append(args, id, expectedVersion)
	res, err := s.exec(ctx,
		`UPDATE gov_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND version = ?`,
		args...)
	if err != nil {
		return false, fmt.Errorf("update gov task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendActivity writes one audit row. The log is append-only; there is no
// update or delete path.
func (s *Store) AppendActivity(ctx context.Context, a *Activity) error {
	if a.Actor == "" {
		a.Actor = "system"
	}
	a.CreatedAt = now()
	_, err := s.exec(ctx, `INSERT INTO gov_activities
		(task_id, action, from_state, to_state, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.Action, a.FromState, a.ToState, a.Actor, a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ActivitiesForTask returns the newest limit rows for a task, newest first.
// limit <= 0 returns everything.
func (s *Store) ActivitiesForTask(ctx context.Context, taskID string, limit int) ([]*Activity, error) {
	q := `SELECT id, task_id, action, from_state, to_state, actor, reason, created_at
		FROM gov_activities WHERE task_id = ? ORDER BY id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.query(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()
	var out []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &a.FromState,
			&a.ToState, &a.Actor, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateApproval records a gate approval. A second call for the same
// (task, gate) is a no-op success: the first row stands.
func (s *Store) CreateApproval(ctx context.Context, ap *Approval) (bool, error) {
	ap.ApprovedAt = now()
	_, err := s.exec(ctx, `INSERT INTO gov_approvals
		(task_id, gate_type, approved_by, notes, approved_at)
		VALUES (?, ?, ?, ?, ?)`,
		ap.TaskID, ap.GateType, ap.ApprovedBy, ap.Notes, ap.ApprovedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("create approval: %w", err)
	}
	return true, nil
}

// ApprovalsForTask lists approvals oldest first.
func (s *Store) ApprovalsForTask(ctx context.Context, taskID string) ([]*Approval, error) {
	rows, err := s.query(ctx, `SELECT id, task_id, gate_type, approved_by, notes, approved_at
		FROM gov_approvals WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		ap := &Approval{}
		if err := rows.Scan(&ap.ID, &ap.TaskID, &ap.GateType, &ap.ApprovedBy,
			&ap.Notes, &ap.ApprovedAt); err != nil {
			return nil, err
		}
		out = append(out, ap)
	}
	return out, rows.Err()
}

// HasApproval reports whether a gate has been signed off for the task.
func (s *Store) HasApproval(ctx context.Context, taskID, gateType string) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(1) FROM gov_approvals WHERE task_id = ? AND gate_type = ?`,
		taskID, gateType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	return n > 0, nil
}

// TryCreateDispatch claims a dispatch slot. A UNIQUE conflict on the key
// means another tick already claimed it: (false, nil), never an error.
func (s *Store) TryCreateDispatch(ctx context.Context, d *Dispatch) (bool, error) {
	if d.Status == "" {
		d.Status = DispatchEnqueued
	}
	ts := now()
	d.CreatedAt, d.UpdatedAt = ts, ts
	_, err := s.exec(ctx, `INSERT INTO gov_dispatches
		(dispatch_key, task_id, group_folder, worker_id, status, detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DispatchKey, d.TaskID, d.GroupFolder, d.WorkerID, d.Status, d.Detail,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("create dispatch: %w", err)
	}
	return true, nil
}

// UpdateDispatchStatus moves a slot through ENQUEUED → STARTED → DONE/FAILED.
func (s *Store) UpdateDispatchStatus(ctx context.Context, dispatchKey, status, detail string) error {
	_, err := s.exec(ctx, `UPDATE gov_dispatches
		SET status = ?, detail = ?, updated_at = ? WHERE dispatch_key = ?`,
		status, detail, now(), dispatchKey)
	if err != nil {
		return fmt.Errorf("update dispatch %s: %w", dispatchKey, err)
	}
	return nil
}

// DispatchByKey fetches one slot or ErrNotFound.
func (s *Store) DispatchByKey(ctx context.Context, dispatchKey string) (*Dispatch, error) {
	row := s.queryRow(ctx, `SELECT id, dispatch_key, task_id, group_folder, worker_id,
		status, detail, created_at, updated_at
		FROM gov_dispatches WHERE dispatch_key = ?`, dispatchKey)
	return scanDispatch(row)
}

// DispatchesByStatus lists slots in a given status, oldest first. The
// dispatch loop uses this on boot to re-examine ENQUEUED work.
func (s *Store) DispatchesByStatus(ctx context.Context, status string) ([]*Dispatch, error) {
	return s.listDispatches(ctx, `SELECT id, dispatch_key, task_id, group_folder, worker_id,
		status, detail, created_at, updated_at
		FROM gov_dispatches WHERE status = ? ORDER BY id ASC`, status)
}

// DispatchesForTask lists a task's slots, oldest first.
func (s *Store) DispatchesForTask(ctx context.Context, taskID string) ([]*Dispatch, error) {
	return s.listDispatches(ctx, `SELECT id, dispatch_key, task_id, group_folder, worker_id,
		status, detail, created_at, updated_at
		FROM gov_dispatches WHERE task_id = ? ORDER BY id ASC`, taskID)
}

// DispatchesForWorker lists a worker's slots, newest first.
func (s *Store) DispatchesForWorker(ctx context.Context, workerID string, limit int) ([]*Dispatch, error) {
	q := `SELECT id, dispatch_key, task_id, group_folder, worker_id,
		status, detail, created_at, updated_at
		FROM gov_dispatches WHERE worker_id = ? ORDER BY id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.listDispatches(ctx, q, workerID)
}

func (s *Store) listDispatches(ctx context.Context, q string, args ...any) ([]*Dispatch, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()
	var out []*Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(r scanner) (*GovTask, error) {
	t := &GovTask{}
	var productID, assignedGroup, executor sql.NullString
	var dodRequired int
	var metadata string
	err := r.Scan(&t.ID, &t.Title, &t.Description, &t.TaskType, &t.Priority,
		&t.State, &t.Gate, &t.Scope, &productID, &assignedGroup, &executor,
		&t.CreatedBy, &dodRequired, &metadata, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan gov task: %w", err)
	}
	t.ProductID = productID.String
	t.AssignedGroup = assignedGroup.String
	t.Executor = executor.String
	t.DoDRequired = dodRequired != 0
	t.Metadata = json.RawMessage(metadata)
	return t, nil
}

func scanDispatch(r scanner) (*Dispatch, error) {
	d := &Dispatch{}
	err := r.Scan(&d.ID, &d.DispatchKey, &d.TaskID, &d.GroupFolder, &d.WorkerID,
		&d.Status, &d.Detail, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dispatch: %w", err)
	}
	return d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
