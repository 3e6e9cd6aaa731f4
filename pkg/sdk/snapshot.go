package sdk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Snapshot file names inside a group directory.
const (
	PipelineFile     = "gov_pipeline.json"
	CapabilitiesFile = "ext_capabilities.json"
	SchedulesFile    = "tasks.json"
	IPCSecretFile    = ".ipc_secret"
)

// PipelineTask mirrors one row of gov_pipeline.json.
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

// Pipeline is the gov_pipeline.json document.
type Pipeline struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Tasks       []PipelineTask `json:"tasks"`
}

// ActionStatus is one action's entry within a capability row.
type ActionStatus struct {
	Level       int    `json:"level"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// CapabilityEntry is one provider's row in ext_capabilities.json.
type CapabilityEntry struct {
	Provider       string                  `json:"provider"`
	AccessLevel    int                     `json:"access_level"`
	AllowedActions []string                `json:"allowed_actions,omitempty"`
	DeniedActions  []string                `json:"denied_actions,omitempty"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
	Actions        map[string]ActionStatus `json:"actions"`
}

// Capabilities is the ext_capabilities.json document.
type Capabilities struct {
	GeneratedAt        time.Time         `json:"generatedAt"`
	Capabilities       []CapabilityEntry `json:"capabilities"`
	ProvidersAvailable []string          `json:"providers_available"`
}

// ScheduleEntry is one active schedule in tasks.json.
type ScheduleEntry struct {
	ID            int64      `json:"id"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	Status        string     `json:"status"`
}

// Schedules is the tasks.json document.
type Schedules struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	Tasks       []ScheduleEntry `json:"tasks"`
}

// ReadPipeline loads gov_pipeline.json from a group directory.
func ReadPipeline(groupDir string) (*Pipeline, error) {
	var p Pipeline
	if err := readSnapshot(groupDir, PipelineFile, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ReadCapabilities loads ext_capabilities.json from a group directory.
func ReadCapabilities(groupDir string) (*Capabilities, error) {
	var c Capabilities
	if err := readSnapshot(groupDir, CapabilitiesFile, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ReadSchedules loads tasks.json from a group directory.
func ReadSchedules(groupDir string) (*Schedules, error) {
	var s Schedules
	if err := readSnapshot(groupDir, SchedulesFile, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadIPCSecret loads the group's relay secret.
func ReadIPCSecret(groupDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(groupDir, IPCSecretFile))
	if err != nil {
		return "", fmt.Errorf("read ipc secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if len(secret) < 64 {
		return "", fmt.Errorf("ipc secret too short (%d chars)", len(secret))
	}
	return secret, nil
}

func readSnapshot(groupDir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(groupDir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}
