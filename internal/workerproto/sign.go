// Package workerproto implements the signed CP-worker wire protocol: HMAC
// request bundles, replay-safe verification against the nonce table, the
// dispatch client, and the IPC and completion handlers workers call back
// into.
package workerproto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// Headers carried by every signed request.
const (
	HeaderWorkerID    = "X-Worker-Id"
	HeaderHMAC        = "X-Worker-HMAC"
	HeaderTimestamp   = "X-Worker-Timestamp"
	HeaderRequestID   = "X-Worker-RequestId"
	HeaderGroupFolder = "X-Worker-GroupFolder"
)

// DefaultTTL bounds the accepted clock skew between signer and verifier.
const DefaultTTL = 60 * time.Second

// timestampFormat is ISO-8601 UTC with millisecond precision.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// Signature is the header bundle for one signed body.
type Signature struct {
	HMAC      string
	Timestamp string
	RequestID string
}

// NewRequestID returns 16 bytes (128 bits) of randomness, hex-encoded.
func NewRequestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate request id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ComputeHMAC hex-encodes HMAC-SHA-256 over the exact byte string
// timestamp + "." + request_id + "." + body, keyed by the shared secret.
func ComputeHMAC(secret, timestamp, requestID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(requestID))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC recomputes the signature and compares in constant time.
func VerifyHMAC(secret, timestamp, requestID string, body []byte, provided string) bool {
	want := ComputeHMAC(secret, timestamp, requestID, body)
	return hmac.Equal([]byte(want), []byte(provided))
}

// Sign produces a fresh bundle for a body.
func Sign(secret string, body []byte) (*Signature, error) {
	return signAt(secret, body, time.Now())
}

func signAt(secret string, body []byte, at time.Time) (*Signature, error) {
	rid, err := NewRequestID()
	if err != nil {
		return nil, err
	}
	ts := at.UTC().Format(timestampFormat)
	return &Signature{
		HMAC:      ComputeHMAC(secret, ts, rid, body),
		Timestamp: ts,
		RequestID: rid,
	}, nil
}

// Apply stamps the bundle and worker identity onto an outbound request.
func (sig *Signature) Apply(h http.Header, workerID string) {
	h.Set(HeaderWorkerID, workerID)
	h.Set(HeaderHMAC, sig.HMAC)
	h.Set(HeaderTimestamp, sig.Timestamp)
	h.Set(HeaderRequestID, sig.RequestID)
}

// ParseTimestamp reads an ISO-8601 UTC timestamp as produced by Sign.
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", ts, err)
	}
	return t, nil
}
