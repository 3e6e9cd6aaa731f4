// Package tunnel keeps SSH forwards to remote workers alive and drives the
// worker health cycle. A remote worker's dispatch port is reached on
// 127.0.0.1:local_port; the manager owns the listener and forwards each
// connection through the worker's SSH host to 127.0.0.1:remote_port on the
// far side. Colocated workers (no ssh_host) skip the forward and are only
// health-checked.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/microclaw/backend/internal/events"
	"github.com/microclaw/backend/internal/store"
)

const (
	// DefaultHealthInterval is the ping period.
	DefaultHealthInterval = 30 * time.Second

	// reconnect backoff bounds for a broken SSH session.
	reconnectMin = 2 * time.Second
	reconnectMax = 2 * time.Minute

	dialTimeout = 15 * time.Second
)

// Tunnel states surfaced on the tunnel:status channel.
const (
	StateUp   = "up"
	StateDown = "down"
)

// Pinger checks a worker's health endpoint. The workerproto client
// satisfies this.
type Pinger interface {
	Ping(ctx context.Context, w *store.Worker) error
}

// Manager supervises one forward per remote worker plus the health loop for
// every worker.
type Manager struct {
	st       *store.Store
	bus      events.Publisher
	pinger   Pinger
	interval time.Duration

	mu      sync.Mutex
	forward map[string]*forward
	health  map[string]string
}

// NewManager wires the manager. interval <= 0 selects the 30 s default; bus
// may be nil.
func NewManager(st *store.Store, bus events.Publisher, pinger Pinger, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &Manager{
		st:       st,
		bus:      bus,
		pinger:   pinger,
		interval: interval,
		forward:  make(map[string]*forward),
		health:   make(map[string]string),
	}
}

// Run reconciles forwards and pings workers until the context ends. Forwards
// for workers removed from the registry are torn down on the next pass.
func (m *Manager) Run(ctx context.Context) {
	m.tick(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	workers, err := m.st.ListWorkers(ctx)
	if err != nil {
		slog.Error("tunnel: list workers failed", "error", err)
		return
	}
	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		seen[w.ID] = true
		if w.SSHHost != "" {
			m.ensureForward(ctx, w)
		}
		m.checkHealth(ctx, w)
	}

	m.mu.Lock()
	for id, f := range m.forward {
		if !seen[id] {
			f.close()
			delete(m.forward, id)
		}
	}
	for id := range m.health {
		if !seen[id] {
			delete(m.health, id)
		}
	}
	m.mu.Unlock()
}

// checkHealth pings one worker and flips its stored status on change.
func (m *Manager) checkHealth(ctx context.Context, w *store.Worker) {
	status := "online"
	err := m.pinger.Ping(ctx, w)
	if err != nil {
		status = "offline"
	}

	m.mu.Lock()
	prev, known := m.health[w.ID]
	m.health[w.ID] = status
	m.mu.Unlock()
	if known && prev == status {
		return
	}

	if serr := m.st.SetWorkerStatus(ctx, w.ID, status); serr != nil {
		slog.Error("tunnel: set worker status failed", "worker", w.ID, "error", serr)
		return
	}
	if status == "online" {
		slog.Info("worker online", "worker", w.ID)
	} else {
		slog.Warn("worker offline", "worker", w.ID, "error", err)
	}
	if m.bus != nil {
		data := map[string]interface{}{"worker_id": w.ID, "status": status}
		if err != nil {
			data["detail"] = err.Error()
		}
		m.bus.Emit(events.ChannelWorkerStatus, data)
	}
}

// ensureForward starts the forward goroutine for a remote worker if one is
// not already running.
func (m *Manager) ensureForward(ctx context.Context, w *store.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forward[w.ID]; ok {
		return
	}
	f := newForward(w, m.bus)
	m.forward[w.ID] = f
	go f.run(ctx)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.forward {
		f.close()
		delete(m.forward, id)
	}
}

// Statuses reports each supervised forward's state for /ops/workers/:id/tunnels.
func (m *Manager) Statuses() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.forward))
	for id, f := range m.forward {
		out[id] = f.state()
	}
	return out
}

// forward is one worker's supervised SSH forward.
type forward struct {
	worker *store.Worker
	bus    events.Publisher

	mu     sync.Mutex
	up     bool
	closed bool
	cancel context.CancelFunc
}

func newForward(w *store.Worker, bus events.Publisher) *forward {
	return &forward{worker: w, bus: bus}
}

func (f *forward) state() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up {
		return StateUp
	}
	return StateDown
}

func (f *forward) close() {
	f.mu.Lock()
	f.closed = true
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run dials, serves, and redials with capped exponential backoff until the
// context ends or the forward is closed.
func (f *forward) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		sctx, cancel := context.WithCancel(ctx)
		f.cancel = cancel
		f.mu.Unlock()

		err := f.serve(sctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		f.setUp(false, err)
		slog.Warn("tunnel down, reconnecting",
			"worker", f.worker.ID, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// serve holds one SSH session: listen locally, forward each accepted
// connection to the worker's remote dispatch port. Returns when the session
// or listener breaks.
func (f *forward) serve(ctx context.Context) error {
	cfg, err := clientConfig(f.worker)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(f.worker.SSHHost, fmt.Sprintf("%d", sshPort(f.worker)))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer client.Close()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.worker.LocalPort))
	if err != nil {
		return fmt.Errorf("listen 127.0.0.1:%d: %w", f.worker.LocalPort, err)
	}
	defer ln.Close()

	f.setUp(true, nil)
	slog.Info("tunnel up", "worker", f.worker.ID,
		"local_port", f.worker.LocalPort, "remote_port", f.worker.RemotePort)

	go func() {
		<-ctx.Done()
		ln.Close()
		client.Close()
	}()
	// Session death must break the accept loop too.
	go func() {
		client.Wait()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept on %d: %w", f.worker.LocalPort, err)
		}
		go f.pipe(client, conn)
	}
}

func (f *forward) pipe(client *ssh.Client, local net.Conn) {
	defer local.Close()
	remote, err := client.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", f.worker.RemotePort))
	if err != nil {
		slog.Warn("tunnel remote dial failed", "worker", f.worker.ID, "error", err)
		return
	}
	defer remote.Close()
	done := make(chan struct{}, 1)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	io.Copy(local, remote)
	<-done
}

func (f *forward) setUp(up bool, cause error) {
	f.mu.Lock()
	changed := f.up != up
	f.up = up
	f.mu.Unlock()
	if !changed || f.bus == nil {
		return
	}
	st := StateDown
	if up {
		st = StateUp
	}
	data := map[string]interface{}{"worker_id": f.worker.ID, "state": st}
	if cause != nil {
		data["detail"] = cause.Error()
	}
	f.bus.Emit(events.ChannelTunnelStatus, data)
}

func sshPort(w *store.Worker) int {
	if w.SSHPort > 0 {
		return w.SSHPort
	}
	return 22
}

func clientConfig(w *store.Worker) (*ssh.ClientConfig, error) {
	if w.SSHIdentityFile == "" {
		return nil, fmt.Errorf("worker %s: ssh_identity_file not set", w.ID)
	}
	key, err := os.ReadFile(w.SSHIdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity for %s: %w", w.ID, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity for %s: %w", w.ID, err)
	}
	return &ssh.ClientConfig{
		User:            w.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}, nil
}
