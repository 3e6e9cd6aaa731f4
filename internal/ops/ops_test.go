package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microclaw/backend/internal/gov"
	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/memory"
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
)

const (
	testReadSecret  = "read-secret"
	testWriteSecret = "write-secret"
	testOldSecret   = "old-write-secret"
)

type fixture struct {
	st     *store.Store
	gov    *gov.Service
	server *Server
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	govSvc := gov.NewService(st, false)
	eng := limits.NewEngine(st, limits.DefaultConfig(), nil)
	memSvc := memory.NewService(st, eng, nil, nil)
	srv := NewServer(govSvc, eng, memSvc, nil, nil, nil, Secrets{
		Read:          testReadSecret,
		WriteCurrent:  testWriteSecret,
		WritePrevious: testOldSecret,
	})
	return &fixture{st: st, gov: govSvc, server: srv, router: srv.Router()}
}

func (f *fixture) get(t *testing.T, path, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "198.51.100.7:4411"
	if secret != "" {
		req.Header.Set(HeaderReadSecret, secret)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) post(t *testing.T, path, readSecret, writeSecret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.RemoteAddr = "198.51.100.7:4411"
	if readSecret != "" {
		req.Header.Set(HeaderReadSecret, readSecret)
	}
	if writeSecret != "" {
		req.Header.Set(HeaderWriteSecret, writeSecret)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func createTask(t *testing.T, f *fixture, state, group string) *store.GovTask {
	t.Helper()
	task, err := f.gov.CreateTask(context.Background(), &store.GovTask{
		Title: "task", TaskType: "FEATURE", State: state,
		AssignedGroup: group, CreatedBy: "admin",
	})
	require.NoError(t, err)
	return task
}

func TestHealthIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/ops/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadEndpointsRequireSecret(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/ops/stats", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/ops/stats", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/ops/stats", testReadSecret).Code)
}

func TestStatsAggregates(t *testing.T) {
	f := newFixture(t)
	createTask(t, f, policy.StateReady, "developer")
	createTask(t, f, policy.StateReady, "developer")
	createTask(t, f, policy.StateDone, "")

	rec := f.get(t, "/ops/stats", testReadSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		TasksTotal   int            `json:"tasks_total"`
		TasksByState map[string]int `json:"tasks_by_state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 3, out.TasksTotal)
	assert.Equal(t, 2, out.TasksByState[policy.StateReady])
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t)
	task := createTask(t, f, policy.StateReady, "developer")

	rec := f.get(t, "/ops/tasks/"+task.ID, testReadSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.GovTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, task.ID, got.ID)

	rec = f.get(t, "/ops/tasks/nope", testReadSecret)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, "/ops/tasks/"+task.ID+"/activities", testReadSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	var acts struct {
		Activities []*store.Activity `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acts))
	require.NotEmpty(t, acts.Activities)
	assert.Equal(t, gov.ActionCreate, acts.Activities[0].Action)
}

func TestWorkerResponsesNeverLeakSecrets(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.UpsertWorker(context.Background(), &store.Worker{
		ID: "w1", LocalPort: 8790, MaxWIP: 2, Status: "online",
		SharedSecret: "super-secret-hmac-key", SSHIdentityFile: "/root/.ssh/id_ed25519",
		GroupsServed: []string{"developer"},
	}))

	for _, path := range []string{"/ops/workers", "/ops/workers/w1"} {
		rec := f.get(t, path, testReadSecret)
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.NotContains(t, body, "super-secret-hmac-key")
		assert.NotContains(t, body, "id_ed25519")
	}
}

func TestTransitionAction(t *testing.T) {
	f := newFixture(t)
	task := createTask(t, f, policy.StateReady, "developer")

	rec := f.post(t, "/ops/actions/transition", testReadSecret, testWriteSecret, map[string]any{
		"taskId": task.ID, "toState": policy.StateDoing, "expectedVersion": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, policy.StateReady, body["from"])
	assert.Equal(t, policy.StateDoing, body["to"])
	assert.Equal(t, float64(1), body["version"])

	got, err := f.gov.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.StateDoing, got.State)
	assert.Equal(t, int64(1), got.Version)
}

func TestTransitionVersionConflict(t *testing.T) {
	f := newFixture(t)
	task := createTask(t, f, policy.StateReady, "developer")

	rec := f.post(t, "/ops/actions/transition", testReadSecret, testWriteSecret, map[string]any{
		"taskId": task.ID, "toState": policy.StateDoing, "expectedVersion": 7,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, gov.CodeVersionConflict, body["error"])
	assert.Equal(t, policy.StateReady, body["current_state"])
	assert.Equal(t, float64(0), body["current_version"])
}

func TestTransitionPolicyDenial(t *testing.T) {
	f := newFixture(t)
	task := createTask(t, f, policy.StateInbox, "developer")

	// INBOX cannot jump straight to DONE.
	rec := f.post(t, "/ops/actions/transition", testReadSecret, testWriteSecret, map[string]any{
		"taskId": task.ID, "toState": policy.StateDone,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "POLICY_DENIED", body.Error)
	assert.Contains(t, body.Errors, policy.ErrInvalidTransition)
}

func TestWriteRequiresDualSecret(t *testing.T) {
	f := newFixture(t)
	task := createTask(t, f, policy.StateReady, "developer")
	body := map[string]any{"taskId": task.ID, "toState": policy.StateDoing}

	// Read secret alone is not enough.
	rec := f.post(t, "/ops/actions/transition", testReadSecret, "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Write secret alone is not enough either.
	rec = f.post(t, "/ops/actions/transition", "", testWriteSecret, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.post(t, "/ops/actions/transition", testReadSecret, "bogus", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The previous write secret stays valid during rotation.
	rec = f.post(t, "/ops/actions/transition", testReadSecret, testOldSecret, body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApproveAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task, err := f.gov.CreateTask(ctx, &store.GovTask{
		Title: "gated", TaskType: "SECURITY", State: policy.StateReview,
		Gate: policy.GateSecurity, AssignedGroup: "developer", CreatedBy: "admin",
	})
	require.NoError(t, err)

	rec := f.post(t, "/ops/actions/approve", testReadSecret, testWriteSecret, map[string]any{
		"taskId": task.ID, "approvedBy": "sec-lead", "actorGroup": "security",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res gov.ApproveResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Created)

	// Wrong approver group is rejected with the routing code.
	rec = f.post(t, "/ops/actions/approve", testReadSecret, testWriteSecret, map[string]any{
		"taskId": task.ID, "approvedBy": "dev", "actorGroup": "developer",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOverrideActionMainOnly(t *testing.T) {
	f := newFixture(t)
	task := createTask(t, f, policy.StateApproval, "developer")

	rec := f.post(t, "/ops/actions/override", testReadSecret, testWriteSecret, map[string]any{
		"taskId": task.ID, "actorGroup": "developer",
		"override": map[string]any{
			"by": "ops", "reason": "incident", "acceptedRisk": true,
			"reviewDeadlineIso": "2026-09-01T00:00:00Z",
		},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.post(t, "/ops/actions/override", testReadSecret, testWriteSecret, map[string]any{
		"taskId": task.ID, "actorGroup": policy.MainGroup,
		"override": map[string]any{
			"by": "ops", "reason": "incident", "acceptedRisk": true,
			"reviewDeadlineIso": "2026-09-01T00:00:00Z",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["override"])
	assert.Equal(t, policy.StateApproval, body["from"])
	assert.Equal(t, policy.StateDone, body["to"])

	got, err := f.gov.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.StateDone, got.State)
}

func TestBurstLimiterCapsWrites(t *testing.T) {
	f := newFixture(t)
	task := createTask(t, f, policy.StateReady, "developer")

	var saw429 bool
	for i := 0; i < 10; i++ {
		rec := f.post(t, "/ops/actions/transition", testReadSecret, testWriteSecret, map[string]any{
			"taskId": task.ID, "toState": policy.StateDoing, "expectedVersion": 99,
		})
		if rec.Code == http.StatusTooManyRequests {
			saw429 = true
			break
		}
		require.Equal(t, http.StatusConflict, rec.Code, "iteration %d: %s", i, rec.Body.String())
	}
	assert.True(t, saw429, "burst limiter never engaged")
}

func TestMemoriesEndpointHidesEmbeddings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.CreateMemory(ctx, &store.Memory{
		ID: "m1", Content: "release checklist", ContentHash: "h1",
		Level: "L1", Scope: "COMPANY", GroupFolder: "developer",
		Embedding: []float64{0.1, 0.2}, EmbeddingModel: "test-model",
	}))

	rec := f.get(t, "/ops/memories?group=developer", testReadSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "release checklist")
	assert.NotContains(t, rec.Body.String(), "test-model")
	assert.NotContains(t, rec.Body.String(), "embedding")
}

func TestMemorySearchRequiresQuery(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/ops/memories/search", testReadSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/ops/memories/search?q=checklist", testReadSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	var res memory.RecallResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "keyword", res.Mode)
}

func TestProductsAggregation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.gov.CreateTask(ctx, &store.GovTask{
			Title: fmt.Sprintf("p-task-%d", i), TaskType: "FEATURE",
			State: policy.StateReady, Scope: policy.ScopeProduct,
			ProductID: "widget", CreatedBy: "admin",
		})
		require.NoError(t, err)
	}

	rec := f.get(t, "/ops/products", testReadSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Products []struct {
			ProductID string `json:"product_id"`
			Tasks     int    `json:"tasks"`
		} `json:"products"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Products, 1)
	assert.Equal(t, "widget", out.Products[0].ProductID)
	assert.Equal(t, 3, out.Products[0].Tasks)
}
