package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Worker is a remote execution host. SharedSecret and SSHIdentityFile are
// excluded from JSON so ops responses can serialize rows directly.
type Worker struct {
	ID              string     `json:"id"`
	SSHHost         string     `json:"ssh_host,omitempty"`
	SSHPort         int        `json:"ssh_port,omitempty"`
	SSHUser         string     `json:"ssh_user,omitempty"`
	SSHIdentityFile string     `json:"-"`
	LocalPort       int        `json:"local_port,omitempty"`
	RemotePort      int        `json:"remote_port,omitempty"`
	MaxWIP          int        `json:"max_wip"`
	CurrentWIP      int        `json:"current_wip"`
	Status          string     `json:"status"`
	SharedSecret    string     `json:"-"`
	GroupsServed    []string   `json:"groups_served"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const workerColumns = `id, ssh_host, ssh_port, ssh_user, ssh_identity_file,
	local_port, remote_port, max_wip, current_wip, status, shared_secret,
	groups_served, last_seen_at, created_at, updated_at`

// UpsertWorker registers or refreshes a worker row. current_wip is left
// alone on update; only the WIP helpers may touch it.
func (s *Store) UpsertWorker(ctx context.Context, w *Worker) error {
	if w.MaxWIP <= 0 {
		w.MaxWIP = 2
	}
	if w.Status == "" {
		w.Status = "offline"
	}
	groups, err := json.Marshal(w.GroupsServed)
	if err != nil {
		return fmt.Errorf("marshal groups: %w", err)
	}
	ts := now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = ts
	}
	w.UpdatedAt = ts
	_, err = s.exec(ctx, `INSERT INTO workers
		(id, ssh_host, ssh_port, ssh_user, ssh_identity_file, local_port,
		 remote_port, max_wip, current_wip, status, shared_secret,
		 groups_served, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		 ssh_host = ?, ssh_port = ?, ssh_user = ?, ssh_identity_file = ?,
		 local_port = ?, remote_port = ?, max_wip = ?, status = ?,
		 shared_secret = ?, groups_served = ?, updated_at = ?`,
		w.ID, w.SSHHost, w.SSHPort, w.SSHUser, w.SSHIdentityFile, w.LocalPort,
		w.RemotePort, w.MaxWIP, w.CurrentWIP, w.Status, w.SharedSecret,
		string(groups), w.CreatedAt, w.UpdatedAt,
		w.SSHHost, w.SSHPort, w.SSHUser, w.SSHIdentityFile, w.LocalPort,
		w.RemotePort, w.MaxWIP, w.Status, w.SharedSecret, string(groups), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

// WorkerByID fetches one worker or ErrNotFound.
func (s *Store) WorkerByID(ctx context.Context, id string) (*Worker, error) {
	row := s.queryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, err
}

// ListWorkers returns every registered worker.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WorkerForGroup finds an online worker serving the given group folder.
// Worker counts are small, so the JSON group list is matched in process.
func (s *Store) WorkerForGroup(ctx context.Context, groupFolder string) (*Worker, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.Status != "online" {
			continue
		}
		for _, g := range w.GroupsServed {
			if g == groupFolder {
				return w, nil
			}
		}
	}
	return nil, ErrNotFound
}

// SetWorkerStatus flips online/offline and stamps last_seen_at.
func (s *Store) SetWorkerStatus(ctx context.Context, id, status string) error {
	ts := now()
	_, err := s.exec(ctx, `UPDATE workers SET status = ?, last_seen_at = ?, updated_at = ?
		WHERE id = ?`, status, ts, ts, id)
	if err != nil {
		return fmt.Errorf("set worker status %s: %w", id, err)
	}
	return nil
}

// TryIncrementWIP reserves one unit of worker capacity. Returns false when
// the worker is already at max_wip; the caller leaves the task for the next
// tick.
func (s *Store) TryIncrementWIP(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE workers
		SET current_wip = current_wip + 1, updated_at = ?
		WHERE id = ? AND current_wip < max_wip`, now(), id)
	if err != nil {
		return false, fmt.Errorf("increment wip %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DecrementWIP releases one unit of capacity, never going below zero.
func (s *Store) DecrementWIP(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE workers
		SET current_wip = CASE WHEN current_wip > 0 THEN current_wip - 1 ELSE 0 END,
		    updated_at = ?
		WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("decrement wip %s: %w", id, err)
	}
	return nil
}

// CompleteWorkerDispatch flips a dispatch slot to its terminal status and
// releases the worker's WIP unit in the same transaction. The release is
// idempotent per dispatch key: both the dispatch loop and the completion
// callback report the same key, and only the call that actually moves the
// slot out of ENQUEUED/STARTED gives the unit back. A duplicate keeps the
// first terminal status and only stamps last_seen_at.
func (s *Store) CompleteWorkerDispatch(ctx context.Context, workerID, dispatchKey, status, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion tx: %w", err)
	}
	defer tx.Rollback()
	ts := now()
	release := true
	if dispatchKey != "" {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE gov_dispatches
			SET status = ?, detail = ?, updated_at = ?
			WHERE dispatch_key = ? AND status IN (?, ?)`),
			status, detail, ts, dispatchKey, DispatchEnqueued, DispatchStarted)
		if err != nil {
			return fmt.Errorf("complete dispatch %s: %w", dispatchKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		release = n == 1
	}
	query := `UPDATE workers SET last_seen_at = ?, updated_at = ? WHERE id = ?`
	if release {
		query = `UPDATE workers
			SET current_wip = CASE WHEN current_wip > 0 THEN current_wip - 1 ELSE 0 END,
			    last_seen_at = ?, updated_at = ?
			WHERE id = ?`
	}
	if _, err := tx.ExecContext(ctx, s.rebind(query), ts, ts, workerID); err != nil {
		return fmt.Errorf("release wip %s: %w", workerID, err)
	}
	return tx.Commit()
}

// InsertNonce records a request id for a worker. A duplicate primary key
// means the request was already seen: (false, nil) and the caller reports
// REPLAY_DETECTED.
func (s *Store) InsertNonce(ctx context.Context, workerID, requestID string, expiresAt time.Time) (bool, error) {
	_, err := s.exec(ctx, `INSERT INTO worker_nonces (worker_id, request_id, expires_at)
		VALUES (?, ?, ?)`, workerID, requestID, expiresAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	return true, nil
}

// PurgeNonces drops expired nonces. Called lazily from the verifier.
func (s *Store) PurgeNonces(ctx context.Context, before time.Time) error {
	_, err := s.exec(ctx, `DELETE FROM worker_nonces WHERE expires_at < ?`, before)
	if err != nil {
		return fmt.Errorf("purge nonces: %w", err)
	}
	return nil
}

func scanWorker(r scanner) (*Worker, error) {
	w := &Worker{}
	var groups string
	var lastSeen sql.NullTime
	err := r.Scan(&w.ID, &w.SSHHost, &w.SSHPort, &w.SSHUser, &w.SSHIdentityFile,
		&w.LocalPort, &w.RemotePort, &w.MaxWIP, &w.CurrentWIP, &w.Status,
		&w.SharedSecret, &groups, &lastSeen, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(groups), &w.GroupsServed); err != nil {
		return nil, fmt.Errorf("decode groups for %s: %w", w.ID, err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		w.LastSeenAt = &t
	}
	return w, nil
}
