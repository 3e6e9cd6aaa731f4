package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microclaw/backend/internal/events"
	"github.com/microclaw/backend/internal/store"
)

type scriptedPinger struct {
	mu   sync.Mutex
	errs map[string]error
}

func (p *scriptedPinger) Ping(ctx context.Context, w *store.Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs[w.ID]
}

func (p *scriptedPinger) set(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[id] = err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func addWorker(t *testing.T, st *store.Store, id, status string) {
	t.Helper()
	require.NoError(t, st.UpsertWorker(context.Background(), &store.Worker{
		ID: id, LocalPort: 8790, MaxWIP: 2, Status: status,
		SharedSecret: "s", GroupsServed: []string{"developer"},
	}))
}

func TestHealthFlipsWorkerStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	addWorker(t, st, "w1", "offline")
	pinger := &scriptedPinger{errs: map[string]error{}}
	bus := events.NewBus()
	sub := bus.Subscribe(events.ChannelWorkerStatus)

	m := NewManager(st, bus, pinger, time.Minute)
	m.tick(ctx)

	w, err := st.WorkerByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "online", w.Status)
	assert.NotNil(t, w.LastSeenAt)

	select {
	case e := <-sub:
		assert.Equal(t, "w1", e.Data["worker_id"])
		assert.Equal(t, "online", e.Data["status"])
	case <-time.After(time.Second):
		t.Fatal("no worker:status event")
	}

	// Ping failure flips it back with the failure detail attached.
	pinger.set("w1", errors.New("dial refused"))
	m.tick(ctx)
	w, err = st.WorkerByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "offline", w.Status)

	select {
	case e := <-sub:
		assert.Equal(t, "offline", e.Data["status"])
		assert.Equal(t, "dial refused", e.Data["detail"])
	case <-time.After(time.Second):
		t.Fatal("no offline event")
	}
}

func TestHealthEmitsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	addWorker(t, st, "w1", "offline")
	pinger := &scriptedPinger{errs: map[string]error{}}
	bus := events.NewBus()
	sub := bus.Subscribe(events.ChannelWorkerStatus)

	m := NewManager(st, bus, pinger, time.Minute)
	m.tick(ctx)
	m.tick(ctx)
	m.tick(ctx)

	// One transition, one event.
	<-sub
	select {
	case e := <-sub:
		t.Fatalf("unexpected second event: %+v", e.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemovedWorkerDropsState(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	addWorker(t, st, "w1", "offline")
	pinger := &scriptedPinger{errs: map[string]error{}}

	m := NewManager(st, nil, pinger, time.Minute)
	m.tick(ctx)
	m.mu.Lock()
	_, tracked := m.health["w1"]
	m.mu.Unlock()
	require.True(t, tracked)

	// Simulate deregistration: the row disappears, the next tick forgets it.
	_, err := st.DB().Exec(`DELETE FROM workers WHERE id = 'w1'`)
	require.NoError(t, err)
	m.tick(ctx)
	m.mu.Lock()
	_, tracked = m.health["w1"]
	m.mu.Unlock()
	assert.False(t, tracked)
}

func TestForwardStateReporting(t *testing.T) {
	f := newForward(&store.Worker{ID: "w1"}, nil)
	assert.Equal(t, StateDown, f.state())
	f.setUp(true, nil)
	assert.Equal(t, StateUp, f.state())
	f.setUp(false, errors.New("session closed"))
	assert.Equal(t, StateDown, f.state())
}

func TestClientConfigRequiresIdentity(t *testing.T) {
	_, err := clientConfig(&store.Worker{ID: "w1", SSHHost: "host"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh_identity_file")
}

func TestSSHPortDefault(t *testing.T) {
	assert.Equal(t, 22, sshPort(&store.Worker{}))
	assert.Equal(t, 2222, sshPort(&store.Worker{SSHPort: 2222}))
}
