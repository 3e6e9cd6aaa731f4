package workerproto

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/microclaw/backend/internal/store"
)

// Verification failure codes, in check order.
const (
	CodeMissingWorkerID = "MISSING_WORKER_ID"
	CodeUnknownWorker   = "UNKNOWN_WORKER"
	CodeMissingHeaders  = "MISSING_HEADERS"
	CodeTTLExpired      = "TTL_EXPIRED"
	CodeReplayDetected  = "REPLAY_DETECTED"
	CodeHMACInvalid     = "HMAC_INVALID"
)

// Verifier authenticates inbound signed requests against the workers table
// and the nonce store.
type Verifier struct {
	store *store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewVerifier builds a verifier; ttl <= 0 selects the default 60 s window.
func NewVerifier(st *store.Store, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Verifier{store: st, ttl: ttl, now: time.Now}
}

// Verify runs the checks in their fixed order: worker identity, header
// presence, timestamp freshness, nonce, HMAC. It returns the worker and an
// empty code on success, or a non-empty failure code. The error return is
// reserved for store failures.
//
// The nonce is consumed before the HMAC check, so a replayed bundle reports
// REPLAY_DETECTED even though its signature would also verify.
func (v *Verifier) Verify(ctx context.Context, h http.Header, body []byte) (*store.Worker, string, error) {
	workerID := h.Get(HeaderWorkerID)
	if workerID == "" {
		return nil, CodeMissingWorkerID, nil
	}
	worker, err := v.store.WorkerByID(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, CodeUnknownWorker, nil
	}
	if err != nil {
		return nil, "", err
	}

	sig := h.Get(HeaderHMAC)
	ts := h.Get(HeaderTimestamp)
	rid := h.Get(HeaderRequestID)
	if sig == "" || ts == "" || rid == "" {
		return nil, CodeMissingHeaders, nil
	}

	sent, err := ParseTimestamp(ts)
	if err != nil {
		// Unparseable freshness is no freshness.
		return nil, CodeTTLExpired, nil
	}
	if skew := absDuration(v.now().Sub(sent)); skew > v.ttl {
		return nil, CodeTTLExpired, nil
	}

	fresh, err := v.store.InsertNonce(ctx, workerID, rid, sent.Add(v.ttl))
	if err != nil {
		return nil, "", err
	}
	if !fresh {
		return nil, CodeReplayDetected, nil
	}

	if !VerifyHMAC(worker.SharedSecret, ts, rid, body, sig) {
		return nil, CodeHMACInvalid, nil
	}
	return worker, "", nil
}

// PurgeExpiredNonces drops nonces whose window has passed. Callers run this
// lazily from the poll loop.
func (v *Verifier) PurgeExpiredNonces(ctx context.Context) error {
	return v.store.PurgeNonces(ctx, v.now())
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
