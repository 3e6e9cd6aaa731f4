// Package sdk is the worker-side client for the control plane: it signs the
// HMAC wire protocol, posts IPC and completion callbacks, and reads the
// snapshot files the dispatch loop drops into each group directory.
//
// The wire format: every request carries X-Worker-Id, X-Worker-HMAC,
// X-Worker-Timestamp (ISO-8601 UTC, millisecond precision) and
// X-Worker-RequestId (≥128-bit hex). The HMAC is SHA-256 over the exact
// byte string timestamp + "." + request_id + "." + body, keyed by the
// worker's shared secret. Signatures expire 60 seconds after their
// timestamp and request ids are single-use.
package sdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Signed request headers.
const (
	HeaderWorkerID    = "X-Worker-Id"
	HeaderHMAC        = "X-Worker-HMAC"
	HeaderTimestamp   = "X-Worker-Timestamp"
	HeaderRequestID   = "X-Worker-RequestId"
	HeaderGroupFolder = "X-Worker-GroupFolder"
)

// IPC methods the control plane serves.
const (
	MethodMemoryStore  = "memory.store"
	MethodMemoryRecall = "memory.recall"
	MethodTaskGet      = "task.get"
	MethodTaskStatus   = "task.status"
)

// Dispatch terminal statuses for completions.
const (
	StatusDone   = "DONE"
	StatusFailed = "FAILED"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Client talks to one control plane on behalf of one worker.
type Client struct {
	baseURL    string
	workerID   string
	secret     string
	httpClient *http.Client
}

// New builds a client. baseURL is the CP root, e.g. "http://127.0.0.1:8787".
func New(baseURL, workerID, secret string) *Client {
	return &Client{
		baseURL:    baseURL,
		workerID:   workerID,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// IPCRequest is the envelope forwarded to the control plane.
type IPCRequest struct {
	Method string          `json:"method"`
	ID     string          `json:"id,omitempty"`
	TaskID string          `json:"taskId,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IPCResponse is the uniform reply envelope. Domain denials come back as
// OK=false with a code in Error and HTTP 200.
type IPCResponse struct {
	OK     bool            `json:"ok"`
	ID     string          `json:"id,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Completion reports one finished dispatch.
type Completion struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	Status      string `json:"status"`
	DispatchKey string `json:"dispatchKey,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// IPC signs and posts one relay envelope for a group.
func (c *Client) IPC(ctx context.Context, group string, req *IPCRequest) (*IPCResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal ipc request: %w", err)
	}
	hreq, err := c.signedRequest(ctx, "/ops/worker/ipc", body)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set(HeaderGroupFolder, group)

	resp, err := c.httpClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("post ipc: %w", err)
	}
	defer resp.Body.Close()

	var out IPCResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ipc response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("ipc rejected: %s", out.Error)
	}
	return &out, nil
}

// Complete signs and posts the completion callback.
func (c *Client) Complete(ctx context.Context, comp *Completion) error {
	if comp.Status != StatusDone && comp.Status != StatusFailed {
		return fmt.Errorf("invalid completion status %q", comp.Status)
	}
	body, err := json.Marshal(comp)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	hreq, err := c.signedRequest(ctx, "/ops/worker/completion", body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(hreq)
	if err != nil {
		return fmt.Errorf("post completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("completion rejected: HTTP %d %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}

func (c *Client) signedRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	rid, err := newRequestID()
	if err != nil {
		return nil, err
	}
	ts := time.Now().UTC().Format(timestampFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWorkerID, c.workerID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderRequestID, rid)
	req.Header.Set(HeaderHMAC, ComputeHMAC(c.secret, ts, rid, body))
	return req, nil
}

// ComputeHMAC hex-encodes HMAC-SHA-256 over
// timestamp + "." + request_id + "." + body.
func ComputeHMAC(secret, timestamp, requestID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(requestID))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newRequestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
