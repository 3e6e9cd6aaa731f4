package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// CacheClient is the minimal Redis surface the embedding cache needs. The
// concrete go-redis adapter lives in internal/infra; deployments without
// Redis pass a nil cache and every lookup is a miss.
type CacheClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// EmbeddingCache keeps computed vectors keyed by (model, content hash) so a
// re-store of unchanged content or a repeated query skips the model host.
type EmbeddingCache struct {
	client    CacheClient
	keyPrefix string
	ttl       time.Duration
}

// NewEmbeddingCache wraps a cache client. A nil client yields a cache whose
// lookups always miss, so callers never branch.
func NewEmbeddingCache(client CacheClient, ttl time.Duration) *EmbeddingCache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &EmbeddingCache{client: client, keyPrefix: "cp:emb:", ttl: ttl}
}

func (c *EmbeddingCache) key(model, contentHash string) string {
	return c.keyPrefix + model + ":" + contentHash
}

// Get returns a cached vector, or ok=false on miss or any cache error.
func (c *EmbeddingCache) Get(ctx context.Context, model, contentHash string) ([]float64, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(model, contentHash))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// Put stores a vector. Cache failures are logged and swallowed; the source
// of truth is the memories table.
func (c *EmbeddingCache) Put(ctx context.Context, model, contentHash string, vec []float64) {
	if c == nil || c.client == nil || len(vec) == 0 {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(model, contentHash), data, c.ttl); err != nil {
		slog.Warn("memory: embedding cache put failed", "error", err)
	}
}
