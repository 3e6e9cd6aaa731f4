package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment contract. Secrets and kill switches are environment-only;
// the rest overrides whatever the YAML file said.
const (
	EnvReadSecret          = "OS_HTTP_SECRET"
	EnvWriteSecretCurrent  = "COCKPIT_WRITE_SECRET_CURRENT"
	EnvWriteSecretPrevious = "COCKPIT_WRITE_SECRET_PREVIOUS"
	EnvWorkerSharedSecret  = "WORKER_SHARED_SECRET"
	EnvPollInterval        = "GOV_POLL_INTERVAL"
	EnvPort                = "PORT"
	EnvStoreAdapter        = "STORE_ADAPTER"
	EnvStorePath           = "STORE_PATH"
	EnvDataDir             = "DATA_DIR"
	EnvEmbeddingURL        = "EMBEDDING_URL"
	EnvEmbeddingAPIKey     = "EMBEDDING_API_KEY"
	EnvEmbeddingModel      = "EMBEDDING_MODEL"
	EnvRedisAddr           = "REDIS_ADDR"
	EnvGovStrict           = "GOV_STRICT"
)

func (c *Config) applyEnv() {
	setStr(&c.Server.ReadSecret, EnvReadSecret)
	setStr(&c.Server.WriteSecretCurrent, EnvWriteSecretCurrent)
	setStr(&c.Server.WriteSecretPrevious, EnvWriteSecretPrevious)
	setStr(&c.Server.Port, EnvPort)
	setStr(&c.Worker.SharedSecret, EnvWorkerSharedSecret)
	setStr(&c.Store.Adapter, EnvStoreAdapter)
	setStr(&c.Store.Path, EnvStorePath)
	setStr(&c.Dispatch.DataDir, EnvDataDir)
	setStr(&c.Memory.EmbeddingURL, EnvEmbeddingURL)
	setStr(&c.Memory.EmbeddingAPIKey, EnvEmbeddingAPIKey)
	setStr(&c.Memory.EmbeddingModel, EnvEmbeddingModel)
	setStr(&c.Memory.RedisAddr, EnvRedisAddr)

	if v, ok := envInt(EnvPollInterval); ok && v > 0 {
		c.Dispatch.PollIntervalMs = v
	}
	if v, ok := envBool(EnvGovStrict); ok {
		c.Gov.Strict = v
	}
	if c.Limits != nil {
		if v, ok := envBool("LIMITS_ENABLED"); ok {
			c.Limits.Enabled = v
		}
		if v, ok := envBool("EXT_CALLS_ENABLED"); ok {
			c.Limits.ExtCallsEnabled = v
		}
		if v, ok := envBool("EMBEDDINGS_ENABLED"); ok {
			c.Limits.EmbeddingsEnabled = v
		}
	}

	// Per-worker secret overrides: WORKER_SECRET_{ID} with the id mapped
	// into the env alphabet. Workers without one inherit the shared default.
	for i := range c.Workers {
		key := "WORKER_SECRET_" + envKey(c.Workers[i].ID)
		if v := os.Getenv(key); v != "" {
			c.Workers[i].SharedSecret = v
		} else if c.Workers[i].SharedSecret == "" {
			c.Workers[i].SharedSecret = c.Worker.SharedSecret
		}
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func envKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
