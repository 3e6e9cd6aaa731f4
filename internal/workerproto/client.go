package workerproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/microclaw/backend/internal/store"
)

// DefaultIdleTimeout bounds the gap between streamed frames before the CP
// gives up on a dispatch.
const DefaultIdleTimeout = 30 * time.Minute

// DispatchPayload is the job document posted to a worker. The IPC secret
// lets the worker's container sign relay requests back to the CP.
type DispatchPayload struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	Prompt      string `json:"prompt"`
	IsMain      bool   `json:"isMain"`
	IPCSecret   string `json:"ipcSecret,omitempty"`
	DispatchKey string `json:"dispatchKey,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// Frame is one line of the worker's newline-delimited JSON response stream.
// Fields are sparse; a frame usually carries either progress status or the
// final result.
type Frame struct {
	Status       string `json:"status,omitempty"`
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// DispatchResult summarizes a finished stream. TimedOut dispatches keep
// whatever output arrived before the idle window lapsed.
type DispatchResult struct {
	Status       string
	Result       string
	NewSessionID string
	Error        string
	Frames       int
	TimedOut     bool
}

// Client sends dispatches to workers over the signed protocol. Workers are
// reached on 127.0.0.1 at their local port, either colocated or through the
// SSH reverse tunnel that forwards it.
type Client struct {
	httpClient  *http.Client
	idleTimeout time.Duration
}

// NewClient builds a dispatch client. idleTimeout <= 0 selects the default
// 30 minute window. The underlying HTTP client carries no overall deadline:
// streams are long-lived and bounded by the idle watchdog instead.
func NewClient(idleTimeout time.Duration) *Client {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Client{
		httpClient:  &http.Client{},
		idleTimeout: idleTimeout,
	}
}

// Dispatch posts the payload and consumes the frame stream until it ends,
// idles out, or the context is canceled. onFrame, when set, observes every
// frame as it arrives. Idling out cancels the request, which closes the
// worker's stdin; partial output is returned with TimedOut set.
func (c *Client) Dispatch(ctx context.Context, w *store.Worker, payload *DispatchPayload, onFrame func(*Frame)) (*DispatchResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload: %w", err)
	}
	sig, err := Sign(w.SharedSecret, body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.dispatchURL(w), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	sig.Apply(req.Header, w.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", w.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatch to %s: HTTP %d", w.ID, resp.StatusCode)
	}

	timedOut := make(chan struct{})
	watchdog := time.AfterFunc(c.idleTimeout, func() {
		close(timedOut)
		cancel()
	})
	defer watchdog.Stop()

	res := &DispatchResult{}
	dec := json.NewDecoder(resp.Body)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			select {
			case <-timedOut:
				res.TimedOut = true
				return res, nil
			default:
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dispatch stream from %s: %w", w.ID, err)
		}
		watchdog.Reset(c.idleTimeout)
		res.Frames++
		if f.Status != "" {
			res.Status = f.Status
		}
		if f.Result != "" {
			res.Result = f.Result
		}
		if f.NewSessionID != "" {
			res.NewSessionID = f.NewSessionID
		}
		if f.Error != "" {
			res.Error = f.Error
		}
		if onFrame != nil {
			onFrame(&f)
		}
	}
}

// Ping checks a worker's health endpoint with a signed empty body. The
// tunnel manager uses it to flip workers online and offline.
func (c *Client) Ping(ctx context.Context, w *store.Worker) error {
	sig, err := Sign(w.SharedSecret, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/worker/health", w.LocalPort), nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	sig.Apply(req.Header, w.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", w.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ping %s: HTTP %d", w.ID, resp.StatusCode)
	}
	return nil
}

func (c *Client) dispatchURL(w *store.Worker) string {
	return fmt.Sprintf("http://127.0.0.1:%d/worker/dispatch", w.LocalPort)
}
