package extbroker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	eng := limits.NewEngine(st, limits.DefaultConfig(), nil)
	r := NewRegistry(eng, st)
	r.Register(NewGitHubProvider())
	r.Register(NewCalendarProvider())
	return r, st
}

func TestCallHappyPathLogsExtCall(t *testing.T) {
	ctx := context.Background()
	r, st := newTestRegistry(t)
	r.Grant("developer", Capability{Provider: "github", AccessLevel: 2})

	res, err := r.Call(ctx, CallRequest{
		Group: "developer", TaskID: "T1", Provider: "github", Action: "create_issue",
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Contains(t, res.Summary, "create_issue")

	calls, err := st.ExtCallsForTask(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "github", calls[0].Provider)
	assert.Equal(t, "L2", calls[0].Level)
	assert.Equal(t, "ok", calls[0].Status)
}

func TestCallCapabilityChecks(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	// No capability at all.
	res, err := r.Call(ctx, CallRequest{Group: "developer", Provider: "github", Action: "get_repo"})
	require.NoError(t, err)
	assert.Equal(t, CodeNotAuthorized, res.Code)

	// Level too low.
	r.Grant("developer", Capability{Provider: "github", AccessLevel: 1})
	res, err = r.Call(ctx, CallRequest{Group: "developer", Provider: "github", Action: "merge_pr"})
	require.NoError(t, err)
	assert.Equal(t, CodeRequiresHigherLevel, res.Code)

	// Denied action loses even with the level.
	r.Grant("security", Capability{
		Provider: "github", AccessLevel: 3, DeniedActions: []string{"merge_pr"},
	})
	res, err = r.Call(ctx, CallRequest{Group: "security", Provider: "github", Action: "merge_pr"})
	require.NoError(t, err)
	assert.Equal(t, CodeActionDenied, res.Code)

	// Expired capability.
	past := time.Now().Add(-time.Hour)
	r.Grant("revops", Capability{Provider: "github", AccessLevel: 3, ExpiresAt: &past})
	res, err = r.Call(ctx, CallRequest{Group: "revops", Provider: "github", Action: "get_repo"})
	require.NoError(t, err)
	assert.Equal(t, CodeCapabilityExpired, res.Code)

	// Unknown provider and action.
	res, err = r.Call(ctx, CallRequest{Group: "developer", Provider: "trello", Action: "x"})
	require.NoError(t, err)
	assert.Equal(t, CodeUnknownProvider, res.Code)
	res, err = r.Call(ctx, CallRequest{Group: "developer", Provider: "github", Action: "nope"})
	require.NoError(t, err)
	assert.Equal(t, CodeUnknownAction, res.Code)
}

func TestCallProviderFailureFeedsBreaker(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	defer st.Close()
	cfg := limits.DefaultConfig()
	cfg.Breaker.OpenAfterFails = 2
	eng := limits.NewEngine(st, cfg, nil)
	r := NewRegistry(eng, st)
	r.Register(&Provider{
		Name: "flaky",
		Actions: map[string]*Action{
			"poke": {
				Name: "poke", Level: 1, Description: "always fails",
				Execute: func(ctx context.Context, params map[string]any) (any, string, error) {
					return nil, "", errors.New("upstream 502")
				},
			},
		},
	})
	r.Grant("developer", Capability{Provider: "flaky", AccessLevel: 1})

	for i := 0; i < 2; i++ {
		res, err := r.Call(ctx, CallRequest{Group: "developer", Provider: "flaky", Action: "poke"})
		require.NoError(t, err)
		assert.Equal(t, CodeProviderError, res.Code)
	}

	// Two failures opened the breaker; the third call is denied before the
	// provider runs.
	res, err := r.Call(ctx, CallRequest{Group: "developer", Provider: "flaky", Action: "poke"})
	require.NoError(t, err)
	assert.Equal(t, limits.CodeBreakerOpen, res.Code)
}

func TestSnapshotStatuses(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Grant("developer", Capability{
		Provider: "github", AccessLevel: 2, DeniedActions: []string{"create_issue"},
	})

	snap := r.Snapshot("developer")
	assert.Equal(t, []string{"calendar", "github"}, snap.ProvidersAvailable)
	require.Len(t, snap.Capabilities, 1)
	gh := snap.Capabilities[0]
	assert.Equal(t, "github", gh.Provider)
	assert.Equal(t, StatusAvailable, gh.Actions["get_repo"].Status)
	assert.Equal(t, StatusDenied, gh.Actions["create_issue"].Status)
	assert.Equal(t, StatusRequiresLevel, gh.Actions["merge_pr"].Status)

	// Groups without grants see available providers but no capabilities.
	empty := r.Snapshot("security")
	assert.Empty(t, empty.Capabilities)
	assert.Equal(t, []string{"calendar", "github"}, empty.ProvidersAvailable)
}
