// Package config loads the control plane's host-side configuration: an
// optional YAML file merged under environment overrides. Secrets only ever
// come from the environment; the file carries topology and tuning.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/store"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     store.Config    `yaml:"store"`
	Gov       GovConfig       `yaml:"gov"`
	Limits    *limits.Config  `yaml:"limits"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Memory    MemoryConfig    `yaml:"memory"`
	Events    EventsConfig    `yaml:"events"`
	Workers   []WorkerEntry   `yaml:"workers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	// Secrets are environment-only; no yaml tags on purpose.
	ReadSecret          string `yaml:"-"`
	WriteSecretCurrent  string `yaml:"-"`
	WriteSecretPrevious string `yaml:"-"`
}

type GovConfig struct {
	// Strict turns on the DoD/evidence/docs/gate preconditions. Host-side
	// only; nothing in the request path can flip it.
	Strict bool `yaml:"strict"`
}

type DispatchConfig struct {
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
	DataDir          string `yaml:"data_dir"`
	MaxInflight      int    `yaml:"max_inflight"`
	RetryMaxAttempts int    `yaml:"retry_max_attempts"`
	RetryBackoffMs   int    `yaml:"retry_backoff_ms"`
}

type SchedulerConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type WorkerConfig struct {
	// SharedSecret is the default HMAC key for workers without a per-row
	// override. Environment-only.
	SharedSecret   string `yaml:"-"`
	TTLSec         int    `yaml:"ttl_sec"`
	IdleTimeoutMin int    `yaml:"idle_timeout_min"`
}

// WorkerEntry registers one remote execution host at boot. Rows land in the
// workers table; a per-worker secret env override beats the shared default.
type WorkerEntry struct {
	ID              string   `yaml:"id"`
	SSHHost         string   `yaml:"ssh_host"`
	SSHPort         int      `yaml:"ssh_port"`
	SSHUser         string   `yaml:"ssh_user"`
	SSHIdentityFile string   `yaml:"ssh_identity_file"`
	LocalPort       int      `yaml:"local_port"`
	RemotePort      int      `yaml:"remote_port"`
	MaxWIP          int      `yaml:"max_wip"`
	Groups          []string `yaml:"groups"`
	SharedSecret    string   `yaml:"-"`
}

type MemoryConfig struct {
	EmbeddingURL      string `yaml:"embedding_url"`
	EmbeddingAPIKey   string `yaml:"-"`
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`
	RedisAddr         string `yaml:"redis_addr"`
	CacheTTLMin       int    `yaml:"cache_ttl_min"`
}

type EventsConfig struct {
	MaxStreamsPerSource int `yaml:"max_streams_per_source"`
}

// Default returns the built-in posture. The limits defaults live in their
// own package; everything else matches a single-host deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8787", Env: "development"},
		Store:  store.Config{Adapter: store.AdapterSQLite, Path: "data/cp.db"},
		Gov:    GovConfig{Strict: true},
		Limits: limits.DefaultConfig(),
		Dispatch: DispatchConfig{
			PollIntervalMs:   10000,
			DataDir:          "data",
			MaxInflight:      4,
			RetryMaxAttempts: 1,
			RetryBackoffMs:   5000,
		},
		Scheduler: SchedulerConfig{PollIntervalMs: 15000},
		Worker: WorkerConfig{
			TTLSec:         60,
			IdleTimeoutMin: 30,
		},
		Memory: MemoryConfig{
			EmbeddingProvider: "openai",
			EmbeddingModel:    "text-embedding-3-small",
			CacheTTLMin:       24 * 60,
		},
		Events: EventsConfig{MaxStreamsPerSource: 3},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot serve.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("config: server port is required")
	}
	if c.Server.ReadSecret == "" {
		return fmt.Errorf("config: OS_HTTP_SECRET is required")
	}
	if c.Store.Adapter != "" && c.Store.Adapter != store.AdapterSQLite &&
		c.Store.Adapter != store.AdapterPostgres {
		return fmt.Errorf("config: unknown store adapter %q", c.Store.Adapter)
	}
	if c.Dispatch.PollIntervalMs <= 0 {
		return fmt.Errorf("config: dispatch poll interval must be positive")
	}
	for i, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("config: workers[%d] has no id", i)
		}
		if w.LocalPort == 0 {
			return fmt.Errorf("config: worker %s has no local_port", w.ID)
		}
		if len(w.Groups) == 0 {
			return fmt.Errorf("config: worker %s serves no groups", w.ID)
		}
	}
	return nil
}
