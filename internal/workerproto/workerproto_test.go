package workerproto

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microclaw/backend/internal/gov"
	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/memory"
	"github.com/microclaw/backend/internal/store"
)

func newTestVerifier(t *testing.T) (*Verifier, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewVerifier(st, 0), st
}

func seedWorker(t *testing.T, st *store.Store, id, secret string, groups ...string) *store.Worker {
	t.Helper()
	w := &store.Worker{ID: id, SharedSecret: secret, MaxWIP: 2, GroupsServed: groups}
	require.NoError(t, st.UpsertWorker(context.Background(), w))
	return w
}

func signedHeader(t *testing.T, secret, workerID string, body []byte) http.Header {
	t.Helper()
	sig, err := Sign(secret, body)
	require.NoError(t, err)
	h := http.Header{}
	sig.Apply(h, workerID)
	return h
}

func TestComputeHMACWireFormat(t *testing.T) {
	body := []byte(`{"x":1}`)
	got := ComputeHMAC("s3cret", "2026-01-02T03:04:05.000Z", "abc123", body)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte("2026-01-02T03:04:05.000Z.abc123."))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, got)
	assert.Len(t, got, 64)
}

func TestVerifyHappyPath(t *testing.T) {
	v, st := newTestVerifier(t)
	seedWorker(t, st, "w1", "topsecret", "developer")
	body := []byte(`{"method":"task.get"}`)

	h := signedHeader(t, "topsecret", "w1", body)
	worker, code, err := v.Verify(context.Background(), h, body)
	require.NoError(t, err)
	assert.Empty(t, code)
	require.NotNil(t, worker)
	assert.Equal(t, "w1", worker.ID)
}

func TestVerifyCheckOrder(t *testing.T) {
	v, st := newTestVerifier(t)
	seedWorker(t, st, "w1", "topsecret", "developer")
	ctx := context.Background()
	body := []byte(`{}`)

	_, code, err := v.Verify(ctx, http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, CodeMissingWorkerID, code)

	h := http.Header{}
	h.Set(HeaderWorkerID, "ghost")
	_, code, err = v.Verify(ctx, h, body)
	require.NoError(t, err)
	assert.Equal(t, CodeUnknownWorker, code)

	h = http.Header{}
	h.Set(HeaderWorkerID, "w1")
	h.Set(HeaderTimestamp, time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	_, code, err = v.Verify(ctx, h, body)
	require.NoError(t, err)
	assert.Equal(t, CodeMissingHeaders, code)
}

func TestVerifyTTLBoundary(t *testing.T) {
	v, st := newTestVerifier(t)
	seedWorker(t, st, "w1", "topsecret", "developer")
	ctx := context.Background()
	body := []byte(`{}`)

	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return fixed }

	// Exactly at the window edge still verifies.
	sig, err := signAt("topsecret", body, fixed.Add(-60*time.Second))
	require.NoError(t, err)
	h := http.Header{}
	sig.Apply(h, "w1")
	_, code, err := v.Verify(ctx, h, body)
	require.NoError(t, err)
	assert.Empty(t, code)

	// One millisecond past it does not.
	sig, err = signAt("topsecret", body, fixed.Add(-60*time.Second-time.Millisecond))
	require.NoError(t, err)
	h = http.Header{}
	sig.Apply(h, "w1")
	_, code, err = v.Verify(ctx, h, body)
	require.NoError(t, err)
	assert.Equal(t, CodeTTLExpired, code)

	// Garbage timestamps read as stale, not as server errors.
	h = signedHeader(t, "topsecret", "w1", body)
	h.Set(HeaderTimestamp, "not-a-time")
	_, code, err = v.Verify(ctx, h, body)
	require.NoError(t, err)
	assert.Equal(t, CodeTTLExpired, code)
}

func TestVerifyReplayBeatsHMAC(t *testing.T) {
	v, st := newTestVerifier(t)
	seedWorker(t, st, "w1", "topsecret", "developer")
	ctx := context.Background()
	body := []byte(`{"method":"memory.recall"}`)

	h := signedHeader(t, "topsecret", "w1", body)
	_, code, err := v.Verify(ctx, h, body)
	require.NoError(t, err)
	require.Empty(t, code)

	// The identical bundle replays: valid signature, consumed nonce.
	_, code, err = v.Verify(ctx, h, body)
	require.NoError(t, err)
	assert.Equal(t, CodeReplayDetected, code)

	// A fresh request id with the old signature fails on the HMAC instead.
	stale := http.Header{}
	stale.Set(HeaderWorkerID, "w1")
	stale.Set(HeaderHMAC, h.Get(HeaderHMAC))
	stale.Set(HeaderTimestamp, h.Get(HeaderTimestamp))
	rid, err := NewRequestID()
	require.NoError(t, err)
	stale.Set(HeaderRequestID, rid)
	_, code, err = v.Verify(ctx, stale, body)
	require.NoError(t, err)
	assert.Equal(t, CodeHMACInvalid, code)
}

func TestVerifyTamperedBody(t *testing.T) {
	v, st := newTestVerifier(t)
	seedWorker(t, st, "w1", "topsecret", "developer")

	h := signedHeader(t, "topsecret", "w1", []byte(`{"a":1}`))
	_, code, err := v.Verify(context.Background(), h, []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, CodeHMACInvalid, code)
}

func newTestHandlers(t *testing.T) (*Handlers, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	eng := limits.NewEngine(st, limits.DefaultConfig(), nil)
	govSvc := gov.NewService(st, false)
	memSvc := memory.NewService(st, eng, nil, nil)
	return NewHandlers(NewVerifier(st, 0), govSvc, memSvc, nil), st
}

func ipcCall(t *testing.T, r *mux.Router, secret, workerID, group string, req IPCRequest) (*httptest.ResponseRecorder, IPCResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/ops/worker/ipc", bytes.NewReader(body))
	httpReq.Header = signedHeader(t, secret, workerID, body)
	if group != "" {
		httpReq.Header.Set(HeaderGroupFolder, group)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httpReq)
	var resp IPCResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHandleIPCMemoryStoreAndRecall(t *testing.T) {
	h, st := newTestHandlers(t)
	seedWorker(t, st, "w1", "topsecret", "main", "developer")
	r := mux.NewRouter()
	h.Register(r)

	params, _ := json.Marshal(memory.StoreRequest{Content: "pager rotation moved to thursday"})
	rec, resp := ipcCall(t, r, "topsecret", "w1", "main", IPCRequest{
		Method: MethodMemoryStore, ID: "req-1", Params: params,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, "req-1", resp.ID)

	// The owner group recalls its own memory.
	params, _ = json.Marshal(memory.RecallRequest{Query: "pager rotation"})
	rec, resp = ipcCall(t, r, "topsecret", "w1", "main", IPCRequest{
		Method: MethodMemoryRecall, Params: params,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)
	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var recall memory.RecallResult
	require.NoError(t, json.Unmarshal(result, &recall))
	require.Len(t, recall.Memories, 1)
	assert.Equal(t, memory.ModeKeyword, recall.Mode)

	// A different group is filtered by the access matrix.
	rec, resp = ipcCall(t, r, "topsecret", "w1", "developer", IPCRequest{
		Method: MethodMemoryRecall, Params: params,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)
	result, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	recall = memory.RecallResult{}
	require.NoError(t, json.Unmarshal(result, &recall))
	assert.Empty(t, recall.Memories)
	assert.Equal(t, 1, recall.AccessDenials)
}

func TestHandleIPCRejectsUnsigned(t *testing.T) {
	h, st := newTestHandlers(t)
	seedWorker(t, st, "w1", "topsecret", "main")
	r := mux.NewRouter()
	h.Register(r)

	rec, resp := ipcCall(t, r, "wrongsecret", "w1", "main", IPCRequest{Method: MethodTaskGet, TaskID: "t"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeHMACInvalid, resp.Error)

	// Missing group folder is a caller error after auth passes.
	rec, resp = ipcCall(t, r, "topsecret", "w1", "", IPCRequest{Method: MethodTaskGet, TaskID: "t"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_GROUP_FOLDER", resp.Error)
}

func TestHandleIPCTaskMethods(t *testing.T) {
	h, st := newTestHandlers(t)
	seedWorker(t, st, "w1", "topsecret", "developer")
	r := mux.NewRouter()
	h.Register(r)
	ctx := context.Background()

	task := &store.GovTask{Title: "ship the relay", TaskType: "FEATURE", CreatedBy: "main"}
	require.NoError(t, st.CreateGovTask(ctx, task))

	rec, resp := ipcCall(t, r, "topsecret", "w1", "developer", IPCRequest{
		Method: MethodTaskGet, TaskID: task.ID,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)

	rec, resp = ipcCall(t, r, "topsecret", "w1", "developer", IPCRequest{
		Method: MethodTaskStatus, TaskID: task.ID,
		Params: json.RawMessage(`{"summary":"halfway through the parser"}`),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)

	acts, err := st.ActivitiesForTask(ctx, task.ID, 0)
	require.NoError(t, err)
	var summaries int
	for _, a := range acts {
		if a.Action == gov.ActionExecutionSummary {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries)

	rec, resp = ipcCall(t, r, "topsecret", "w1", "developer", IPCRequest{Method: "task.delete"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.OK)
	assert.Equal(t, "UNKNOWN_METHOD", resp.Error)
}

func TestHandleCompletionReleasesWIP(t *testing.T) {
	h, st := newTestHandlers(t)
	w := seedWorker(t, st, "w1", "topsecret", "developer")
	r := mux.NewRouter()
	h.Register(r)
	ctx := context.Background()

	created, err := st.TryCreateDispatch(ctx, &store.Dispatch{
		DispatchKey: "t1:READY->DOING:v3", TaskID: "t1",
		GroupFolder: "developer", WorkerID: w.ID, Status: store.DispatchStarted,
	})
	require.NoError(t, err)
	require.True(t, created)
	okWIP, err := st.TryIncrementWIP(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, okWIP)

	body, _ := json.Marshal(CompletionRequest{
		TaskID: "t1", GroupFolder: "developer",
		Status: store.DispatchDone, DispatchKey: "t1:READY->DOING:v3",
	})
	httpReq := httptest.NewRequest(http.MethodPost, "/ops/worker/completion", bytes.NewReader(body))
	httpReq.Header = signedHeader(t, "topsecret", "w1", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httpReq)
	assert.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := st.WorkerByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, reloaded.CurrentWIP)

	slot, err := st.DispatchByKey(ctx, "t1:READY->DOING:v3")
	require.NoError(t, err)
	assert.Equal(t, store.DispatchDone, slot.Status)

	// Unknown statuses are rejected before touching the store.
	body, _ = json.Marshal(CompletionRequest{TaskID: "t1", Status: "MAYBE"})
	httpReq = httptest.NewRequest(http.MethodPost, "/ops/worker/completion", bytes.NewReader(body))
	httpReq.Header = signedHeader(t, "topsecret", "w1", body)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httpReq)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
