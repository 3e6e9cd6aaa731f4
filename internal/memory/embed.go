package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedder computes fixed-dimension vectors on a remote model host. Provider
// names the host for breaker and override purposes; Model names the concrete
// model and keys counters and the embedding cache.
type Embedder interface {
	Provider() string
	Model() string
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type HTTPEmbedder struct {
	baseURL  string
	apiKey   string
	provider string
	model    string
	client   *http.Client
}

// NewHTTPEmbedder builds an embedder against an OpenAI-compatible host.
func NewHTTPEmbedder(baseURL, apiKey, provider, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		provider: provider,
		model:    model,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Provider returns the model host name.
func (e *HTTPEmbedder) Provider() string { return e.provider }

// Model returns the configured model name.
func (e *HTTPEmbedder) Model() string { return e.model }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed requests one embedding. Callers gate it through the limits engine
// first; this method is pure transport.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding request failed: HTTP %d", resp.StatusCode)
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response empty")
	}
	return out.Data[0].Embedding, nil
}

// Cosine returns the cosine similarity of two vectors in [-1, 1]. Mismatched
// dimensions or zero magnitude score 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
