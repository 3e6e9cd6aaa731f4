// Command relay bridges file-dropped worker IPC to the control plane. It
// polls each group's ipc/requests directory, signs and forwards every request
// to /ops/worker/ipc, writes the response atomically into ipc/responses, and
// removes the request file. Workers that cannot speak HTTP only ever touch
// the filesystem.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/microclaw/backend/pkg/sdk"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	baseURL := envOr("CP_URL", "http://127.0.0.1:8787")
	workerID := os.Getenv("WORKER_ID")
	secret := os.Getenv("WORKER_SHARED_SECRET")
	dataDir := envOr("DATA_DIR", "data")
	interval := time.Duration(envIntOr("RELAY_POLL_MS", 1000)) * time.Millisecond

	if workerID == "" || secret == "" {
		slog.Error("WORKER_ID and WORKER_SHARED_SECRET are required")
		os.Exit(1)
	}

	client := sdk.New(baseURL, workerID, secret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("relay started", "cp", baseURL, "worker", workerID,
		"data_dir", dataDir, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("relay stopped")
			return
		case <-ticker.C:
			for _, group := range groups(dataDir) {
				relayGroup(ctx, client, dataDir, group)
			}
		}
	}
}

// relayGroup drains one group's pending request files. A transport failure
// leaves the file in place so the next tick retries; a malformed file gets
// an error response and is consumed.
func relayGroup(ctx context.Context, client *sdk.Client, dataDir, group string) {
	groupDir := filepath.Join(dataDir, group)
	files, err := sdk.ListRequestFiles(groupDir)
	if err != nil {
		slog.Error("list requests failed", "group", group, "error", err)
		return
	}
	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		name := filepath.Base(path)
		req, err := sdk.ReadRequestFile(path)
		if err != nil {
			slog.Warn("malformed request file", "group", group, "file", name, "error", err)
			resp := &sdk.IPCResponse{Error: "MALFORMED_REQUEST"}
			if werr := sdk.WriteResponseFile(groupDir, name, resp); werr == nil {
				os.Remove(path)
			}
			continue
		}
		resp, err := client.IPC(ctx, group, req)
		if err != nil {
			slog.Error("ipc forward failed", "group", group, "file", name, "error", err)
			continue
		}
		if err := sdk.WriteResponseFile(groupDir, name, resp); err != nil {
			slog.Error("write response failed", "group", group, "file", name, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("remove request failed", "group", group, "file", name, "error", err)
		}
		slog.Info("relayed", "group", group, "file", name,
			"method", req.Method, "ok", resp.OK)
	}
}

// groups resolves which group directories to poll: the GROUPS env list when
// set, otherwise every subdirectory of the data dir.
func groups(dataDir string) []string {
	if raw := os.Getenv("GROUPS"); raw != "" {
		var out []string
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				out = append(out, g)
			}
		}
		return out
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}
