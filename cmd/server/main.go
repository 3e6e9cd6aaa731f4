// Command server runs the governance control plane: the state machine and
// dispatch loop, the limits engine, tiered memory, the ops HTTP surface, and
// the SSH tunnels to remote workers. One process, one database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/microclaw/backend/internal/config"
	"github.com/microclaw/backend/internal/dispatch"
	"github.com/microclaw/backend/internal/events"
	"github.com/microclaw/backend/internal/extbroker"
	"github.com/microclaw/backend/internal/gov"
	"github.com/microclaw/backend/internal/infra"
	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/memory"
	"github.com/microclaw/backend/internal/ops"
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/scheduler"
	"github.com/microclaw/backend/internal/store"
	"github.com/microclaw/backend/internal/tunnel"
	"github.com/microclaw/backend/internal/workerproto"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus()
	if err := bus.UseJournal(ctx, st); err != nil {
		return fmt.Errorf("attach event journal: %w", err)
	}

	eng := limits.NewEngine(st, cfg.Limits, bus)
	govSvc := gov.NewService(st, cfg.Gov.Strict)

	memSvc, redisClose, err := buildMemory(cfg, st, eng)
	if err != nil {
		return err
	}
	if redisClose != nil {
		defer redisClose()
	}

	broker := extbroker.NewRegistry(eng, st)
	broker.Register(extbroker.NewGitHubProvider())
	broker.Register(extbroker.NewCalendarProvider())
	grantCapabilities(broker, cfg)

	if err := seedWorkers(ctx, st, cfg); err != nil {
		return err
	}

	queue := dispatch.NewExecQueue(cfg.Dispatch.MaxInflight, dispatch.RetryPolicy{
		MaxAttempts: cfg.Dispatch.RetryMaxAttempts,
		Backoff:     time.Duration(cfg.Dispatch.RetryBackoffMs) * time.Millisecond,
	})

	sched := scheduler.NewService(st, nil,
		time.Duration(cfg.Scheduler.PollIntervalMs)*time.Millisecond)
	snaps := dispatch.NewSnapshotWriter(cfg.Dispatch.DataDir, govSvc, broker, sched)

	wpClient := workerproto.NewClient(
		time.Duration(cfg.Worker.IdleTimeoutMin) * time.Minute)
	loop := dispatch.NewLoop(govSvc, eng, bus, wpClient, queue, snaps,
		time.Duration(cfg.Dispatch.PollIntervalMs)*time.Millisecond)
	sched.SetEnqueuer(loop)

	verifier := workerproto.NewVerifier(st,
		time.Duration(cfg.Worker.TTLSec)*time.Second)
	wpHandlers := workerproto.NewHandlers(verifier, govSvc, memSvc, bus)

	tunnels := tunnel.NewManager(st, bus, wpClient, 0)

	srv := ops.NewServer(govSvc, eng, memSvc,
		events.NewStreamHandlers(bus, cfg.Events.MaxStreamsPerSource),
		tunnels, wpHandlers,
		ops.Secrets{
			Read:          cfg.Server.ReadSecret,
			WriteCurrent:  cfg.Server.WriteSecretCurrent,
			WritePrevious: cfg.Server.WriteSecretPrevious,
		})

	// Materialize group directories and snapshots before the first worker
	// can look for them.
	for _, group := range configuredGroups(cfg) {
		if err := snaps.EnsureDirs(group); err != nil {
			return fmt.Errorf("prepare group dir %s: %w", group, err)
		}
		if err := snaps.WriteAll(ctx, group); err != nil {
			slog.Warn("initial snapshot write failed", "group", group, "error", err)
		}
	}

	queue.Start(ctx)
	go loop.Run(ctx)
	go sched.Run(ctx)
	go tunnels.Run(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control plane listening", "port", cfg.Server.Port,
			"env", cfg.Server.Env, "strict", cfg.Gov.Strict)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Stop producers first so nothing new lands mid-drain, then close the
	// bus so streaming clients see a final connected:false, then drain HTTP.
	cancel()
	queue.Close()
	bus.Close()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	slog.Info("control plane stopped")
	return nil
}

// buildMemory assembles the memory service with whatever embedding and cache
// backends the configuration names. Absent both, recall is keyword-only.
func buildMemory(cfg *config.Config, st *store.Store, eng *limits.Engine) (*memory.Service, func() error, error) {
	var emb memory.Embedder
	if cfg.Memory.EmbeddingURL != "" {
		emb = memory.NewHTTPEmbedder(cfg.Memory.EmbeddingURL,
			cfg.Memory.EmbeddingAPIKey, cfg.Memory.EmbeddingProvider,
			cfg.Memory.EmbeddingModel)
	}
	var cache *memory.EmbeddingCache
	var closeFn func() error
	if cfg.Memory.RedisAddr != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.Memory.RedisAddr, "", 0)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Memory.RedisAddr, err)
		}
		cache = memory.NewEmbeddingCache(adapter,
			time.Duration(cfg.Memory.CacheTTLMin)*time.Minute)
		closeFn = adapter.Close
	}
	return memory.NewService(st, eng, emb, cache), closeFn, nil
}

// seedWorkers upserts the configured worker rows. current_wip survives the
// upsert, so a restart mid-dispatch keeps its accounting.
func seedWorkers(ctx context.Context, st *store.Store, cfg *config.Config) error {
	for _, w := range cfg.Workers {
		maxWIP := w.MaxWIP
		if maxWIP <= 0 {
			maxWIP = 1
		}
		row := &store.Worker{
			ID:              w.ID,
			SSHHost:         w.SSHHost,
			SSHPort:         w.SSHPort,
			SSHUser:         w.SSHUser,
			SSHIdentityFile: w.SSHIdentityFile,
			LocalPort:       w.LocalPort,
			RemotePort:      w.RemotePort,
			MaxWIP:          maxWIP,
			SharedSecret:    w.SharedSecret,
			GroupsServed:    w.Groups,
		}
		if err := st.UpsertWorker(ctx, row); err != nil {
			return fmt.Errorf("seed worker %s: %w", w.ID, err)
		}
	}
	return nil
}

// grantCapabilities installs the boot capability posture: the supervisory
// group gets write-level access, every execution group gets read-level.
func grantCapabilities(broker *extbroker.Registry, cfg *config.Config) {
	broker.Grant(policy.MainGroup, extbroker.Capability{Provider: "github", AccessLevel: 3})
	broker.Grant(policy.MainGroup, extbroker.Capability{Provider: "calendar", AccessLevel: 2})
	for _, group := range configuredGroups(cfg) {
		if group == policy.MainGroup {
			continue
		}
		broker.Grant(group, extbroker.Capability{Provider: "github", AccessLevel: 1})
		broker.Grant(group, extbroker.Capability{Provider: "calendar", AccessLevel: 1})
	}
}

func configuredGroups(cfg *config.Config) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range cfg.Workers {
		for _, g := range w.Groups {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}
