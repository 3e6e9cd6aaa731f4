package limits

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Operations governed by the engine.
const (
	OpExtCall       = "ext_call"
	OpEmbed         = "embed"
	OpGovTransition = "gov_transition"
	OpCockpitWrite  = "cockpit_write"
)

// Op identifies one governed operation instance. ScopeKey is the colon-joined
// tuple the counters are keyed on; Group and Provider are kept separately so
// environment overrides can be resolved at the right specificity.
type Op struct {
	Name     string
	Group    string
	Provider string
	ScopeKey string
}

// ExtCallOp scopes an external provider call by group, provider, and the
// sensitivity level of the data it may carry.
func ExtCallOp(group, provider string, level int) Op {
	return Op{
		Name:     OpExtCall,
		Group:    group,
		Provider: provider,
		ScopeKey: fmt.Sprintf("%s:%s:L%d", group, provider, level),
	}
}

// EmbedOp scopes an embedding request by group and model. The provider is the
// model host; it keys the breaker and provider-level overrides, while the
// counters stay keyed on group:model.
func EmbedOp(group, provider, model string) Op {
	return Op{
		Name:     OpEmbed,
		Group:    group,
		Provider: provider,
		ScopeKey: group + ":" + model,
	}
}

// TransitionOp scopes a governance transition by the acting group.
func TransitionOp(group string) Op {
	return Op{Name: OpGovTransition, Group: group, ScopeKey: group}
}

// CockpitWriteOp scopes cockpit write actions by source IP.
func CockpitWriteOp(sourceIP string) Op {
	return Op{Name: OpCockpitWrite, ScopeKey: sourceIP}
}

// BreakerConfig holds the per-provider circuit breaker settings.
type BreakerConfig struct {
	OpenAfterFails int `yaml:"open_after_fails"`
	CooldownSec    int `yaml:"cooldown_sec"`
	FailWindowSec  int `yaml:"fail_window_sec"`
	HalfOpenProbes int `yaml:"half_open_probes"`
}

// QuotaBounds is a daily soft/hard ceiling pair.
type QuotaBounds struct {
	Soft int `yaml:"soft"`
	Hard int `yaml:"hard"`
}

// Config is the host-side limits configuration. Environment variables win
// over the values here; they are resolved per call so a single enforcement
// pass always sees one consistent view.
type Config struct {
	Enabled           bool `yaml:"enabled"`
	ExtCallsEnabled   bool `yaml:"ext_calls_enabled"`
	EmbeddingsEnabled bool `yaml:"embeddings_enabled"`

	// RatePerMin holds default per-minute limits keyed by op name.
	// 0 is a hard deny, -1 unlimited.
	RatePerMin map[string]int `yaml:"rate_per_min"`

	// Quotas holds default daily bounds keyed by op name. Ops with no entry
	// and no environment override skip the quota step.
	Quotas map[string]QuotaBounds `yaml:"quotas"`

	Breaker          BreakerConfig            `yaml:"breaker"`
	BreakerOverrides map[string]BreakerConfig `yaml:"breaker_overrides"`
}

// DefaultConfig returns the built-in limits posture.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		ExtCallsEnabled:   true,
		EmbeddingsEnabled: true,
		RatePerMin: map[string]int{
			OpExtCall:       30,
			OpEmbed:         60,
			OpGovTransition: 120,
			OpCockpitWrite:  30,
		},
		Quotas: map[string]QuotaBounds{},
		Breaker: BreakerConfig{
			OpenAfterFails: 5,
			CooldownSec:    300,
			FailWindowSec:  600,
			HalfOpenProbes: 1,
		},
		BreakerOverrides: map[string]BreakerConfig{},
	}
}

// NewConfigFromEnv builds the default config with the kill switches applied.
func NewConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.Enabled = envBool("LIMITS_ENABLED", true)
	cfg.ExtCallsEnabled = envBool("EXT_CALLS_ENABLED", true)
	cfg.EmbeddingsEnabled = envBool("EMBEDDINGS_ENABLED", true)
	return cfg
}

// RateLimitFor resolves the per-minute limit for an op instance. Environment
// overrides are consulted from most to least specific:
//
//	RL_{OP}_{PROVIDER}_PER_MIN_{GROUP}
//	RL_{OP}_{PROVIDER}_PER_MIN
//	RL_{OP}_PER_MIN_{GROUP}
//	RL_{OP}_PER_MIN
//
// then the configured default for the op. Missing everywhere means -1,
// unlimited.
func (c *Config) RateLimitFor(op Op) int {
	opTok := envToken(op.Name)
	keys := make([]string, 0, 4)
	if op.Provider != "" {
		if op.Group != "" {
			keys = append(keys, "RL_"+opTok+"_"+envToken(op.Provider)+"_PER_MIN_"+envToken(op.Group))
		}
		keys = append(keys, "RL_"+opTok+"_"+envToken(op.Provider)+"_PER_MIN")
	}
	if op.Group != "" {
		keys = append(keys, "RL_"+opTok+"_PER_MIN_"+envToken(op.Group))
	}
	keys = append(keys, "RL_"+opTok+"_PER_MIN")
	for _, k := range keys {
		if v, ok := envInt(k); ok {
			return v
		}
	}
	if v, ok := c.RatePerMin[op.Name]; ok {
		return v
	}
	return -1
}

// QuotaFor resolves the daily bounds for an op instance, or ok=false when no
// quota applies. Environment overrides:
//
//	QUOTA_{OP}_{PROVIDER}_SOFT / _HARD
//	QUOTA_{OP}_SOFT / _HARD
//
// A partial override inherits the missing bound from the next layer down.
func (c *Config) QuotaFor(op Op) (QuotaBounds, bool) {
	bounds, ok := c.Quotas[op.Name]
	opTok := envToken(op.Name)
	prefixes := []string{"QUOTA_" + opTok}
	if op.Provider != "" {
		prefixes = append([]string{"QUOTA_" + opTok + "_" + envToken(op.Provider)}, prefixes...)
	}
	for _, p := range prefixes {
		soft, softOK := envInt(p + "_SOFT")
		hard, hardOK := envInt(p + "_HARD")
		if softOK || hardOK {
			if !softOK {
				soft = bounds.Soft
			}
			if !hardOK {
				hard = bounds.Hard
			}
			return QuotaBounds{Soft: soft, Hard: hard}, true
		}
	}
	return bounds, ok
}

// BreakerFor resolves breaker settings for a provider. Per-provider
// environment overrides (BREAKER_{PROVIDER}_OPEN_AFTER_FAILS and friends) win
// over global ones (BREAKER_OPEN_AFTER_FAILS), which win over the config.
func (c *Config) BreakerFor(provider string) BreakerConfig {
	bc := c.Breaker
	if o, ok := c.BreakerOverrides[provider]; ok {
		bc = mergeBreaker(bc, o)
	}
	bc = mergeBreakerEnv(bc, "BREAKER")
	if provider != "" {
		bc = mergeBreakerEnv(bc, "BREAKER_"+envToken(provider))
	}
	return bc
}

func mergeBreaker(base, over BreakerConfig) BreakerConfig {
	if over.OpenAfterFails > 0 {
		base.OpenAfterFails = over.OpenAfterFails
	}
	if over.CooldownSec > 0 {
		base.CooldownSec = over.CooldownSec
	}
	if over.FailWindowSec > 0 {
		base.FailWindowSec = over.FailWindowSec
	}
	if over.HalfOpenProbes > 0 {
		base.HalfOpenProbes = over.HalfOpenProbes
	}
	return base
}

func mergeBreakerEnv(base BreakerConfig, prefix string) BreakerConfig {
	if v, ok := envInt(prefix + "_OPEN_AFTER_FAILS"); ok && v > 0 {
		base.OpenAfterFails = v
	}
	if v, ok := envInt(prefix + "_COOLDOWN_SEC"); ok && v > 0 {
		base.CooldownSec = v
	}
	if v, ok := envInt(prefix + "_FAIL_WINDOW_SEC"); ok && v > 0 {
		base.FailWindowSec = v
	}
	if v, ok := envInt(prefix + "_HALF_OPEN_PROBES"); ok && v > 0 {
		base.HalfOpenProbes = v
	}
	return base
}

// envToken maps an identifier into the environment key alphabet: upper-case,
// anything outside [A-Z0-9] becomes underscore.
func envToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
