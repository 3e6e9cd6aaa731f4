package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/microclaw/backend/internal/extbroker"
	"github.com/microclaw/backend/internal/gov"
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/scheduler"
	"github.com/microclaw/backend/internal/store"
)

// PipelineTask is one row of the gov_pipeline.json snapshot.
type PipelineTask struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	TaskType      string    `json:"task_type"`
	State         string    `json:"state"`
	Priority      string    `json:"priority"`
	Product       string    `json:"product,omitempty"`
	AssignedGroup string    `json:"assigned_group,omitempty"`
	Executor      string    `json:"executor,omitempty"`
	Gate          string    `json:"gate"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PipelineSnapshot is the gov_pipeline.json document.
type PipelineSnapshot struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Tasks       []PipelineTask `json:"tasks"`
}

// ScheduleSnapshot is the tasks.json document.
type ScheduleSnapshot struct {
	GeneratedAt time.Time                 `json:"generatedAt"`
	Tasks       []scheduler.SnapshotEntry `json:"tasks"`
}

// SnapshotWriter maintains each group's IPC directory: the snapshot files a
// worker job reads before it starts, and the per-group IPC secret. All file
// writes go through temp+rename so a worker never reads a torn file.
type SnapshotWriter struct {
	dataDir string
	gov     *gov.Service
	broker  *extbroker.Registry
	sched   *scheduler.Service

	mu      sync.Mutex
	secrets map[string]string
	now     func() time.Time
}

// NewSnapshotWriter wires the writer. broker and sched may be nil; their
// snapshot files are then skipped.
func NewSnapshotWriter(dataDir string, govSvc *gov.Service, broker *extbroker.Registry, sched *scheduler.Service) *SnapshotWriter {
	return &SnapshotWriter{
		dataDir: dataDir,
		gov:     govSvc,
		broker:  broker,
		sched:   sched,
		secrets: make(map[string]string),
		now:     time.Now,
	}
}

// GroupDir returns a group's root under the data dir.
func (w *SnapshotWriter) GroupDir(group string) string {
	return filepath.Join(w.dataDir, "groups", group)
}

// RequestsDir is where the worker container drops IPC request files.
func (w *SnapshotWriter) RequestsDir(group string) string {
	return filepath.Join(w.GroupDir(group), "ipc", "requests")
}

// ResponsesDir is where the relay writes IPC responses.
func (w *SnapshotWriter) ResponsesDir(group string) string {
	return filepath.Join(w.GroupDir(group), "ipc", "responses")
}

// EnsureDirs creates the group's directory tree.
func (w *SnapshotWriter) EnsureDirs(group string) error {
	for _, dir := range []string{w.RequestsDir(group), w.ResponsesDir(group)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create group dir %s: %w", dir, err)
		}
	}
	return nil
}

// WriteAll refreshes every snapshot file for a group. Main sees the whole
// pipeline; other groups only their own tasks.
func (w *SnapshotWriter) WriteAll(ctx context.Context, group string) error {
	if err := w.EnsureDirs(group); err != nil {
		return err
	}
	if err := w.writePipeline(ctx, group); err != nil {
		return err
	}
	if w.broker != nil {
		if err := w.writeJSON(group, "ext_capabilities.json", w.broker.Snapshot(group)); err != nil {
			return err
		}
	}
	if w.sched != nil {
		entries, err := w.sched.Snapshot(ctx, group)
		if err != nil {
			return err
		}
		doc := ScheduleSnapshot{GeneratedAt: w.now().UTC(), Tasks: entries}
		if err := w.writeJSON(group, "tasks.json", doc); err != nil {
			return err
		}
	}
	_, err := w.IPCSecret(group)
	return err
}

func (w *SnapshotWriter) writePipeline(ctx context.Context, group string) error {
	filter := store.TaskFilter{}
	if group != policy.MainGroup {
		filter.AssignedGroup = group
	}
	tasks, err := w.gov.Tasks(ctx, filter)
	if err != nil {
		return err
	}
	doc := PipelineSnapshot{GeneratedAt: w.now().UTC(), Tasks: make([]PipelineTask, 0, len(tasks))}
	for _, t := range tasks {
		doc.Tasks = append(doc.Tasks, PipelineTask{
			ID:            t.ID,
			Title:         t.Title,
			Description:   t.Description,
			TaskType:      t.TaskType,
			State:         t.State,
			Priority:      t.Priority,
			Product:       t.ProductID,
			AssignedGroup: t.AssignedGroup,
			Executor:      t.Executor,
			Gate:          t.Gate,
			Version:       t.Version,
			CreatedAt:     t.CreatedAt,
			UpdatedAt:     t.UpdatedAt,
		})
	}
	return w.writeJSON(group, "gov_pipeline.json", doc)
}

func (w *SnapshotWriter) writeJSON(group, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(w.GroupDir(group), name)
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// IPCSecret returns the group's relay secret, generating it on first use.
// The file is created once and never rotated.
func (w *SnapshotWriter) IPCSecret(group string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.secrets[group]; ok {
		return s, nil
	}
	path := filepath.Join(w.GroupDir(group), ".ipc_secret")
	if data, err := os.ReadFile(path); err == nil && len(data) >= 64 {
		s := string(data[:64])
		w.secrets[group] = s
		return s, nil
	}
	if err := w.EnsureDirs(group); err != nil {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate ipc secret: %w", err)
	}
	s := hex.EncodeToString(buf)
	if err := renameio.WriteFile(path, []byte(s), 0o600); err != nil {
		return "", fmt.Errorf("write ipc secret: %w", err)
	}
	w.secrets[group] = s
	return s, nil
}
